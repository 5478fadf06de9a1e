package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/droverhq/drover/pkg/forge"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/store"
	"github.com/droverhq/drover/pkg/types"
)

// EvalContext carries everything the chain needs to decide whether a
// blueprint spawns this tick. The claim guard attaches the claimed task.
type EvalContext struct {
	Blueprint *types.Blueprint
	Poll      *types.PollSummary
	Now       time.Time
	LastSpawn time.Time // zero when the blueprint has never spawned

	// Task is set by the claim guard on success
	Task *types.Task
}

// Guard is one precondition in the evaluation chain. Check returns
// (proceed, reason): proceed=false with a reason is a normal stop, an error
// is an evaluation failure that also stops the chain.
type Guard interface {
	Name() string
	Check(ctx context.Context, ec *EvalContext) (bool, string, error)
}

// Verdict is the outcome of running a chain
type Verdict struct {
	Proceed bool
	Guard   string // the guard that stopped the chain, when Proceed is false
	Reason  string
}

// Chain is an ordered list of guards, evaluated cheapest-first and stopped
// at the first guard that does not proceed
type Chain struct {
	guards []Guard
}

// NewChain builds a chain from an explicit guard order
func NewChain(guards ...Guard) *Chain {
	return &Chain{guards: guards}
}

// Names returns the registered guard order
func (c *Chain) Names() []string {
	out := make([]string, len(c.guards))
	for i, g := range c.guards {
		out[i] = g.Name()
	}
	return out
}

// Evaluate runs the chain. Only the claim guard mutates state; every guard
// before it is a local or read-only check.
func (c *Chain) Evaluate(ctx context.Context, ec *EvalContext) (*Verdict, error) {
	logger := log.WithBlueprint(ec.Blueprint.Name)

	for _, g := range c.guards {
		proceed, reason, err := g.Check(ctx, ec)
		if err != nil {
			return nil, fmt.Errorf("guard %q: %w", g.Name(), err)
		}
		if !proceed {
			logger.Debug().Str("guard", g.Name()).Str("reason", reason).Msg("guard chain stopped")
			metrics.GuardRejections.WithLabelValues(g.Name()).Inc()
			return &Verdict{Proceed: false, Guard: g.Name(), Reason: reason}, nil
		}
	}
	return &Verdict{Proceed: true}, nil
}

// Pool is the slice of the worker pool the capacity guard reads
type Pool interface {
	LiveCount(blueprint string) (int, error)
}

// ScriptRunner executes a pre-check script; exit 0 proceeds
type ScriptRunner func(ctx context.Context, command string) error

// Limits is the backpressure configuration. Zero means unlimited.
type Limits struct {
	MaxClaimed     int
	MaxProvisional int
}

// Deps wires the chain's collaborators
type Deps struct {
	Store     store.Store
	Pool      Pool
	Forge     forge.Forge
	RunScript ScriptRunner
	Limits    Limits
}

// DefaultChain composes the standard eight guards in their required order:
// cheapest first, the state-mutating claim sixth, per-task checks after it.
func DefaultChain(deps Deps) *Chain {
	return NewChain(
		&enabledGuard{},
		&capacityGuard{pool: deps.Pool},
		&intervalGuard{},
		&backpressureGuard{limits: deps.Limits},
		&preCheckGuard{run: deps.RunScript},
		&claimGuard{store: deps.Store},
		&bodyGuard{store: deps.Store},
		&mergeableGuard{store: deps.Store, forge: deps.Forge},
	)
}

// enabledGuard stops paused blueprints
type enabledGuard struct{}

func (g *enabledGuard) Name() string { return "enabled" }

func (g *enabledGuard) Check(_ context.Context, ec *EvalContext) (bool, string, error) {
	if ec.Blueprint.Paused {
		return false, "blueprint is paused", nil
	}
	return true, "", nil
}

// capacityGuard enforces max_instances against live PIDs
type capacityGuard struct {
	pool Pool
}

func (g *capacityGuard) Name() string { return "pool_capacity" }

func (g *capacityGuard) Check(_ context.Context, ec *EvalContext) (bool, string, error) {
	live, err := g.pool.LiveCount(ec.Blueprint.Name)
	if err != nil {
		return false, "", err
	}
	// This guard runs for every blueprint every tick, so the gauge tracks
	// the pool without a separate walk
	metrics.WorkersLive.WithLabelValues(ec.Blueprint.Name).Set(float64(live))
	if live >= ec.Blueprint.MaxInstances {
		return false, fmt.Sprintf("at capacity: %d/%d instances live", live, ec.Blueprint.MaxInstances), nil
	}
	return true, "", nil
}

// intervalGuard spaces spawns by interval_seconds
type intervalGuard struct{}

func (g *intervalGuard) Name() string { return "interval" }

func (g *intervalGuard) Check(_ context.Context, ec *EvalContext) (bool, string, error) {
	if ec.LastSpawn.IsZero() || ec.Blueprint.IntervalSeconds <= 0 {
		return true, "", nil
	}
	interval := time.Duration(ec.Blueprint.IntervalSeconds) * time.Second
	elapsed := ec.Now.Sub(ec.LastSpawn)
	if elapsed < interval {
		return false, fmt.Sprintf("spawned %s ago, interval is %s", elapsed.Round(time.Second), interval), nil
	}
	return true, "", nil
}

// backpressureGuard reads the cached poll summary; it never touches the network
type backpressureGuard struct {
	limits Limits
}

func (g *backpressureGuard) Name() string { return "backpressure" }

func (g *backpressureGuard) Check(_ context.Context, ec *EvalContext) (bool, string, error) {
	if g.limits.MaxClaimed > 0 && ec.Poll.Claimed() >= g.limits.MaxClaimed {
		return false, fmt.Sprintf("claimed queue full: %d/%d", ec.Poll.Claimed(), g.limits.MaxClaimed), nil
	}
	if g.limits.MaxProvisional > 0 && ec.Poll.Provisional() >= g.limits.MaxProvisional {
		return false, fmt.Sprintf("provisional queue full: %d/%d", ec.Poll.Provisional(), g.limits.MaxProvisional), nil
	}
	return true, "", nil
}

// preCheckGuard runs the blueprint's optional pre-check script
type preCheckGuard struct {
	run ScriptRunner
}

func (g *preCheckGuard) Name() string { return "pre_check" }

func (g *preCheckGuard) Check(ctx context.Context, ec *EvalContext) (bool, string, error) {
	if ec.Blueprint.PreCheckScript == "" {
		return true, "", nil
	}
	if g.run == nil {
		return false, "", fmt.Errorf("blueprint declares a pre-check script but no runner is configured")
	}
	if err := g.run(ctx, ec.Blueprint.PreCheckScript); err != nil {
		return false, fmt.Sprintf("pre-check script failed: %v", err), nil
	}
	return true, "", nil
}

// claimGuard is the single state-mutating guard: an atomic claim against the
// store. Everything before it is read-only so a failed local check never
// costs a network round trip, let alone a wasted lease.
type claimGuard struct {
	store store.Store
}

func (g *claimGuard) Name() string { return "claim" }

func (g *claimGuard) Check(ctx context.Context, ec *EvalContext) (bool, string, error) {
	task, err := g.store.Claim(ctx, store.ClaimRequest{
		Blueprint:  ec.Blueprint.Name,
		Role:       ec.Blueprint.Role,
		FromState:  ec.Blueprint.ClaimState(),
		TypeFilter: ec.Blueprint.AllowedTaskTypes,
	})
	switch {
	case err == nil:
		ec.Task = task
		metrics.ClaimsTotal.WithLabelValues(ec.Blueprint.Name, "claimed").Inc()
		return true, "", nil
	case errors.Is(err, store.ErrNotAvailable):
		metrics.ClaimsTotal.WithLabelValues(ec.Blueprint.Name, "none").Inc()
		return false, "no task available", nil
	case errors.Is(err, store.ErrConflict):
		metrics.ClaimsTotal.WithLabelValues(ec.Blueprint.Name, "conflict").Inc()
		return false, "claim race lost", nil
	default:
		metrics.ClaimsTotal.WithLabelValues(ec.Blueprint.Name, "error").Inc()
		return false, "", err
	}
}

// bodyGuard fails tasks with an empty prompt body rather than spawning a
// worker that has nothing to do
type bodyGuard struct {
	store store.Store
}

func (g *bodyGuard) Name() string { return "task_body" }

func (g *bodyGuard) Check(ctx context.Context, ec *EvalContext) (bool, string, error) {
	if ec.Task == nil {
		return false, "", fmt.Errorf("no task attached; claim guard must run first")
	}
	if strings.TrimSpace(ec.Task.Body) != "" {
		return true, "", nil
	}

	_, err := g.store.Update(ctx, ec.Task.ID, map[string]any{
		"state":          string(types.TaskStateFailed),
		"failure_reason": "empty task description",
	}, ec.Task.Version)
	if err != nil {
		logger := log.WithTaskID(ec.Task.ID)
		logger.Error().Err(err).Msg("failed to fail empty-body task")
	} else {
		metrics.TasksFailed.Inc()
	}
	return false, "empty task description", nil
}

// mergeableGuard applies only to blueprints reviewing provisional tasks.
// Reviewing a PR that cannot merge is pure waste, so a conflicting PR sends
// the task back to incoming with rebase guidance before any worker spawns.
type mergeableGuard struct {
	store store.Store
	forge forge.Forge
}

func (g *mergeableGuard) Name() string { return "pr_mergeable" }

func (g *mergeableGuard) Check(ctx context.Context, ec *EvalContext) (bool, string, error) {
	if ec.Blueprint.ClaimState() != types.TaskStateProvisional {
		return true, "", nil
	}
	if ec.Task == nil || ec.Task.PRNumber == 0 {
		return true, "", nil
	}

	pr, err := g.forge.GetPR(ctx, ec.Task.PRNumber)
	if err != nil {
		// The forge being down should not block reviews of PRs that are
		// probably fine; spawn and let the worker find out
		logger := log.WithTaskID(ec.Task.ID)
		logger.Warn().Err(err).Int("pr", ec.Task.PRNumber).Msg("mergeable check unavailable")
		return true, "", nil
	}
	if !pr.Conflicting() {
		return true, "", nil
	}

	reason := fmt.Sprintf("PR #%d has merge conflicts; rebase the branch onto %s and resubmit", ec.Task.PRNumber, ec.Task.BaseRef())
	if _, err := g.store.Reject(ctx, ec.Task.ID, reason); err != nil {
		return false, "", fmt.Errorf("failed to release unmergeable task %s: %w", ec.Task.ID, err)
	}
	return false, fmt.Sprintf("PR #%d is conflicting, claim released", ec.Task.PRNumber), nil
}
