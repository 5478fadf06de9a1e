package step

import (
	"context"
	"fmt"
	"sort"

	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/types"
)

// Context carries everything a step may act on. Steps mutate Task in memory
// (recording a created branch or PR) so later steps in the same run see it;
// durable state changes go through the store.
type Context struct {
	Task        *types.Task
	Result      *types.Result
	SandboxPath string
}

// Func is a named, side-effectful step executed during a transition.
// Steps should be idempotent where practical.
type Func func(ctx context.Context, sc *Context) error

// Registry maps step names to functions. Populated once at process start;
// a missing name at dispatch time is a configuration bug, not a runtime
// condition, so flows are validated against the registry at load.
type Registry struct {
	steps map[string]Func
}

// NewRegistry creates an empty step registry
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Func)}
}

// Register adds a step under a name. Re-registering a name panics: two steps
// with one name is a programming error.
func (r *Registry) Register(name string, fn Func) {
	if _, exists := r.steps[name]; exists {
		panic(fmt.Sprintf("step %q registered twice", name))
	}
	r.steps[name] = fn
}

// Known reports whether a step name is registered
func (r *Registry) Known(name string) bool {
	_, ok := r.steps[name]
	return ok
}

// Names returns all registered step names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.steps))
	for name := range r.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the named steps in declared order. The first failing step
// stops execution and its error propagates to the flow dispatcher, which
// routes the failure; side effects of preceding steps stay in place.
func (r *Registry) Execute(ctx context.Context, names []string, sc *Context) error {
	logger := log.WithComponent("step")
	if sc.Task != nil {
		logger = logger.With().Str("task_id", sc.Task.ID).Logger()
	}

	for _, name := range names {
		fn, ok := r.steps[name]
		if !ok {
			return fmt.Errorf("step %q is not registered", name)
		}

		logger.Debug().Str("step", name).Msg("executing step")
		if err := fn(ctx, sc); err != nil {
			metrics.StepFailures.WithLabelValues(name).Inc()
			return fmt.Errorf("step %q: %w", name, err)
		}
	}
	return nil
}
