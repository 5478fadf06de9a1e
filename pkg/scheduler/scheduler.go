package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/guard"
	"github.com/droverhq/drover/pkg/jobs"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/store"
	"github.com/droverhq/drover/pkg/types"
)

var (
	// ErrTickActive means another tick holds the lock; the caller exits
	// cleanly without doing anything
	ErrTickActive = errors.New("scheduler: previous tick still running")

	// ErrConfig marks unrecoverable configuration failures, the only class
	// of error that makes a tick exit nonzero
	ErrConfig = errors.New("scheduler: configuration error")
)

// BlueprintSource loads the configured blueprints in evaluation order
type BlueprintSource func() ([]*types.Blueprint, error)

// FlowValidator checks every flow and the blueprints' claim states
type FlowValidator interface {
	ValidateAll(blueprints []*types.Blueprint) error
}

// GuardChain evaluates one blueprint's preconditions
type GuardChain interface {
	Evaluate(ctx context.Context, ec *guard.EvalContext) (*guard.Verdict, error)
}

// Spawner launches a worker for a blueprint that passed its guards
type Spawner interface {
	Spawn(ctx context.Context, bp *types.Blueprint, task *types.Task) (*types.Instance, error)
}

// JobRunner runs the due housekeeping jobs
type JobRunner interface {
	RunDue(ctx context.Context, tc *jobs.TickContext)
}

// Deps wires the scheduler's collaborators
type Deps struct {
	Store      store.Store
	Blueprints BlueprintSource
	Flows      FlowValidator
	Chain      GuardChain
	Spawner    Spawner
	Jobs       JobRunner
	State      *jobs.StateFile
	Broker     *events.Broker // optional

	OrchestratorID string
	LockPath       string
	Deadline       time.Duration // soft wall-clock budget, default 30s
}

// Scheduler runs one tick at a time: lock, validate configuration, poll
// once, housekeeping jobs, then the guarded blueprint pipeline
type Scheduler struct {
	deps Deps
}

// New creates a scheduler
func New(deps Deps) *Scheduler {
	if deps.Deadline <= 0 {
		deps.Deadline = 30 * time.Second
	}
	return &Scheduler{deps: deps}
}

// Tick runs one scheduler cycle. Returns ErrTickActive when a previous tick
// still holds the lock, and errors wrapping ErrConfig on configuration
// failures; every other problem is logged and absorbed, because no single
// task, blueprint, or job may take the tick down.
func (s *Scheduler) Tick(ctx context.Context) error {
	logger := log.WithComponent("scheduler")
	timer := metrics.NewTimer()

	unlock, err := acquireLock(s.deps.LockPath)
	if err != nil {
		if errors.Is(err, ErrTickActive) {
			metrics.TicksSkipped.Inc()
			logger.Info().Msg("previous tick still running, skipping")
		}
		return err
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, s.deps.Deadline)
	defer cancel()

	// Configuration first: a broken flow or blueprint fails loudly before
	// any task is touched
	blueprints, err := s.deps.Blueprints()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := s.deps.Flows.ValidateAll(blueprints); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	now := time.Now()
	tc := &jobs.TickContext{Now: now, Poll: s.pollOnce(ctx)}

	s.deps.Jobs.RunDue(ctx, tc)

	s.evaluateBlueprints(ctx, blueprints, tc)

	if err := s.deps.State.Save(); err != nil {
		logger.Error().Err(err).Msg("failed to persist scheduler state")
	}

	metrics.TicksTotal.Inc()
	timer.ObserveDuration(metrics.TickDuration)
	s.publish(&events.Event{Type: events.EventTickCompleted, Detail: s.deps.OrchestratorID})
	logger.Info().Dur("took", time.Since(now)).Msg("tick completed")
	return nil
}

// pollOnce issues the single batched read of the tick. A failed poll falls
// back to the previous tick's cache; remote consumers receiving nil simply
// skip this tick.
func (s *Scheduler) pollOnce(ctx context.Context) *types.PollSummary {
	logger := log.WithComponent("scheduler")

	poll, err := s.deps.Store.Poll(ctx, s.deps.OrchestratorID)
	if err != nil {
		logger.Warn().Err(err).Msg("poll failed, using cached summary")
		return s.deps.State.PollCache()
	}
	poll.FetchedAt = time.Now()
	s.deps.State.SetPollCache(poll)
	return poll
}

// evaluateBlueprints walks the configured order through the guard chain,
// spawning on success. The soft deadline is checked between blueprints, not
// inside them: a spawn in flight always finishes.
func (s *Scheduler) evaluateBlueprints(ctx context.Context, blueprints []*types.Blueprint, tc *jobs.TickContext) {
	logger := log.WithComponent("scheduler")

	for _, bp := range blueprints {
		if ctx.Err() != nil {
			logger.Warn().Str("blueprint", bp.Name).Msg("tick deadline reached, remaining blueprints deferred")
			return
		}

		ec := &guard.EvalContext{
			Blueprint: bp,
			Poll:      tc.Poll,
			Now:       tc.Now,
			LastSpawn: s.deps.State.LastRun(spawnKey(bp.Name)),
		}
		verdict, err := s.deps.Chain.Evaluate(ctx, ec)
		if err != nil {
			logger.Warn().Str("blueprint", bp.Name).Err(err).Msg("guard chain failed")
			continue
		}
		if !verdict.Proceed {
			continue
		}

		inst, err := s.deps.Spawner.Spawn(ctx, bp, ec.Task)
		if err != nil {
			logger.Error().Str("blueprint", bp.Name).Err(err).Msg("spawn failed")
			continue
		}
		s.deps.State.SetLastRun(spawnKey(bp.Name), tc.Now)

		ev := events.Event{Blueprint: bp.Name}
		if ec.Task != nil {
			ev.TaskID = ec.Task.ID
			claimed := ev
			claimed.Type = events.EventTaskClaimed
			s.publish(&claimed)
		}
		if inst != nil {
			ev.InstanceID = inst.ID
		}
		ev.Type = events.EventAgentSpawned
		s.publish(&ev)
	}
}

func (s *Scheduler) publish(ev *events.Event) {
	if s.deps.Broker == nil {
		return
	}
	s.deps.Broker.Publish(ev)
}

// spawnKey namespaces per-blueprint spawn times inside the scheduler state
func spawnKey(blueprint string) string {
	return "spawn:" + blueprint
}

// acquireLock takes the exclusive tick lock without blocking. Overlapping
// ticks are impossible by construction: a held lock means the previous tick
// is still running and this one becomes a no-op.
func acquireLock(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open tick lock: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, ErrTickActive
		}
		return nil, fmt.Errorf("failed to acquire tick lock: %w", err)
	}

	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN) //nolint:errcheck
		f.Close()
	}, nil
}
