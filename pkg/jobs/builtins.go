package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/droverhq/drover/pkg/condition"
	"github.com/droverhq/drover/pkg/flow"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/pool"
	"github.com/droverhq/drover/pkg/result"
	"github.com/droverhq/drover/pkg/step"
	"github.com/droverhq/drover/pkg/store"
	"github.com/droverhq/drover/pkg/types"
)

// journalRetention is how long applied-result entries are kept
const journalRetention = 7 * 24 * time.Hour

// InstancePool is the slice of the worker pool the builtin jobs use
type InstancePool interface {
	All() ([]*types.Instance, error)
	Reap() ([]*types.Instance, error)
}

// ResultHandler processes one finished instance
type ResultHandler interface {
	Handle(ctx context.Context, inst *types.Instance) (result.Action, error)
}

// SandboxSweeper is the slice of the sandbox manager the sweep job uses
type SandboxSweeper interface {
	List() ([]string, error)
	Destroy(ctx context.Context, taskID string, pushCommits bool) error
}

// Journal pruning keeps the applied-results database bounded
type Journal interface {
	Prune(cutoff time.Time) (int, error)
}

// DecisionSpawner ensures a decision worker exists for a pending agent condition
type DecisionSpawner interface {
	EnsureDecisionWorker(ctx context.Context, task *types.Task, out *condition.Outcome, sandboxPath string) error
}

// Deps wires the builtin jobs' collaborators
type Deps struct {
	Store        store.Store
	Pool         InstancePool
	Results      ResultHandler
	Sandboxes    SandboxSweeper
	Flows        result.Flows
	Steps        result.Steps
	Conditions   result.Conditions
	Decisions    DecisionSpawner
	Journal      Journal
	Registration store.Registration
}

// RegisterBuiltins registers the standard housekeeping jobs in their run
// order. check_finished_agents runs every tick so results are handled with
// at most one tick of latency; the rest are spaced out.
func RegisterBuiltins(r *Registry, deps Deps) {
	r.Register(&Job{
		Name:     "register_orchestrator",
		Interval: 300 * time.Second,
		Group:    GroupRemote,
		Run:      deps.registerOrchestrator,
	})
	r.Register(&Job{
		Name:     "requeue_expired_leases",
		Interval: 60 * time.Second,
		Group:    GroupRemote,
		Run:      deps.requeueExpiredLeases,
	})
	r.Register(&Job{
		Name:  "check_finished_agents",
		Group: GroupLocal, // every tick
		Run:   deps.checkFinishedAgents,
	})
	r.Register(&Job{
		Name:     "process_provisional_tasks",
		Interval: 60 * time.Second,
		Group:    GroupRemote,
		Run:      deps.processProvisionalTasks,
	})
	r.Register(&Job{
		Name:     "check_project_completion",
		Interval: 60 * time.Second,
		Group:    GroupRemote,
		Run:      deps.checkProjectCompletion,
	})
	r.Register(&Job{
		Name:       "sweep_stale_worktrees",
		Interval:   3600 * time.Second,
		Group:      GroupLocal,
		Conditions: []Condition{CondNoAgentsRunning},
		Run:        deps.sweepStaleWorktrees,
	})
}

// registerOrchestrator is the identity beacon, skipped while the poll
// confirms the registration is current
func (d *Deps) registerOrchestrator(ctx context.Context, tc *TickContext) error {
	if tc.Poll.Registered {
		return nil
	}
	return d.Store.Register(ctx, d.Registration)
}

// requeueExpiredLeases is belt-and-braces behind the server's lease monitor:
// a task whose worker died and whose lease lapsed goes back to incoming even
// if the server missed it
func (d *Deps) requeueExpiredLeases(ctx context.Context, tc *TickContext) error {
	instances, err := d.Pool.All()
	if err != nil {
		return err
	}

	logger := log.WithComponent("jobs")
	for _, inst := range instances {
		if inst.TaskID == "" || pool.Alive(inst.PID) {
			continue
		}
		task, err := d.Store.Get(ctx, inst.TaskID)
		if err != nil {
			continue
		}
		if task.State != types.TaskStateClaimed || task.LeaseExpiresAt == nil {
			continue
		}
		if task.LeaseExpiresAt.After(tc.Now) {
			continue
		}
		if _, err := d.Store.Reject(ctx, task.ID, "lease expired with no result"); err != nil && !errors.Is(err, store.ErrConflict) {
			logger.Warn().Str("task_id", task.ID).Err(err).Msg("could not requeue expired lease")
		} else {
			logger.Info().Str("task_id", task.ID).Msg("requeued task with expired lease")
		}
	}
	return nil
}

// checkFinishedAgents reaps dead workers and dispatches their results
func (d *Deps) checkFinishedAgents(ctx context.Context, _ *TickContext) error {
	finished, err := d.Pool.Reap()
	if err != nil {
		return err
	}

	logger := log.WithComponent("jobs")
	var failed int
	for _, inst := range finished {
		if _, err := d.Results.Handle(ctx, inst); err != nil {
			logger.Error().Str("instance_id", inst.ID).Err(err).Msg("result handling failed")
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d finished agents failed handling", failed, len(finished))
	}
	return nil
}

// processProvisionalTasks runs orchestrator-side hooks: provisional -> done
// transitions that no reviewing agent owns (script or manual conditions,
// then steps like merge_pr) are advanced directly
func (d *Deps) processProvisionalTasks(ctx context.Context, tc *TickContext) error {
	logger := log.WithComponent("jobs")

	for _, task := range tc.Poll.ProvisionalTasks {
		f, err := d.Flows.Get(task.Flow)
		if err != nil {
			logger.Warn().Str("task_id", task.ID).Err(err).Msg("provisional task has unloadable flow")
			continue
		}
		t := f.Find(types.TaskStateProvisional, types.TaskStateDone)
		if t == nil || t.Agent != "" {
			// An agent-owned transition belongs to the gatekeeper blueprint
			continue
		}

		if err := d.advanceProvisional(ctx, task, t); err != nil {
			logger.Warn().Str("task_id", task.ID).Err(err).Msg("could not process provisional task")
		}
	}
	return nil
}

func (d *Deps) advanceProvisional(ctx context.Context, task *types.Task, t *flow.Transition) error {
	logger := log.WithTaskID(task.ID)

	if len(t.Conditions) > 0 {
		out, err := d.Conditions.Evaluate(ctx, task, t.Conditions, "")
		if err != nil {
			return err
		}
		switch out.Status {
		case condition.StatusPending:
			if d.Decisions != nil {
				if err := d.Decisions.EnsureDecisionWorker(ctx, task, out, ""); err != nil {
					logger.Warn().Err(err).Str("condition", out.Condition).Msg("could not ensure decision worker")
				}
			}
			return nil
		case condition.StatusFail:
			_, err := d.Store.Reject(ctx, task.ID, out.Reason)
			if errors.Is(err, store.ErrConflict) {
				return nil
			}
			return err
		}
	}

	if len(t.Runs) > 0 {
		sc := &step.Context{Task: task, Result: &types.Result{Outcome: types.OutcomeDone}}
		if err := d.Steps.Execute(ctx, t.Runs, sc); err != nil {
			return err
		}
	}

	if _, err := d.Store.Accept(ctx, task.ID); err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrHooksIncomplete) {
			return nil
		}
		return err
	}
	logger.Info().Msg("provisional task accepted by hook processing")
	return nil
}

// checkProjectCompletion advances project umbrella tasks once every child is
// done: the project flow's children_complete -> provisional steps run
// (typically create_project_pr) and the project task is submitted
func (d *Deps) checkProjectCompletion(ctx context.Context, tc *TickContext) error {
	logger := log.WithComponent("jobs")

	for _, proj := range tc.Poll.ProjectTasks {
		children, err := d.Store.ListTasksByProject(ctx, proj.ID)
		if err != nil {
			logger.Warn().Str("project_id", proj.ID).Err(err).Msg("could not list project children")
			continue
		}
		if len(children) == 0 || !allDone(children) {
			continue
		}

		f, err := d.Flows.Get(proj.Flow)
		if err != nil {
			logger.Warn().Str("project_id", proj.ID).Err(err).Msg("project flow unloadable")
			continue
		}
		t := f.Find(types.StateChildrenComplete, types.TaskStateProvisional)
		if t == nil {
			continue
		}

		sc := &step.Context{Task: proj, Result: &types.Result{Outcome: types.OutcomeDone}}
		if err := d.Steps.Execute(ctx, t.Runs, sc); err != nil {
			logger.Warn().Str("project_id", proj.ID).Err(err).Msg("project completion steps failed")
			continue
		}
		if _, err := d.Store.Submit(ctx, proj.ID, store.PRInfo{Number: proj.PRNumber, URL: proj.PRURL}); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			logger.Warn().Str("project_id", proj.ID).Err(err).Msg("project submit failed")
			continue
		}
		logger.Info().Str("project_id", proj.ID).Int("children", len(children)).Msg("project complete, submitted")
	}
	return nil
}

func allDone(tasks []*types.Task) bool {
	for _, t := range tasks {
		if t.State != types.TaskStateDone {
			return false
		}
	}
	return true
}

// sweepStaleWorktrees garbage-collects sandboxes whose task is terminal or
// gone, and prunes old journal entries. Gated on no agents running so a
// worker is never swept out from under itself.
func (d *Deps) sweepStaleWorktrees(ctx context.Context, tc *TickContext) error {
	ids, err := d.Sandboxes.List()
	if err != nil {
		return err
	}

	logger := log.WithComponent("jobs")
	for _, id := range ids {
		task, err := d.Store.Get(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// fall through to destroy
		case err != nil:
			logger.Warn().Str("task_id", id).Err(err).Msg("sweep could not fetch task")
			continue
		case !task.State.Terminal():
			continue
		}
		if err := d.Sandboxes.Destroy(ctx, id, false); err != nil {
			logger.Warn().Str("task_id", id).Err(err).Msg("sweep could not destroy sandbox")
		}
	}

	if d.Journal != nil {
		if pruned, err := d.Journal.Prune(tc.Now.Add(-journalRetention)); err == nil && pruned > 0 {
			logger.Debug().Int("pruned", pruned).Msg("pruned journal entries")
		}
	}
	return nil
}
