package result

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/droverhq/drover/pkg/condition"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/flow"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/step"
	"github.com/droverhq/drover/pkg/store"
	"github.com/droverhq/drover/pkg/types"
)

// Action describes what the handler did with one finished instance
type Action string

const (
	// ActionApplied means the result advanced the task through its flow
	ActionApplied Action = "applied"
	// ActionAlreadyApplied means the journal showed this result was handled before
	ActionAlreadyApplied Action = "already_applied"
	// ActionSkippedStale means the task moved underneath us (lease requeue
	// or an earlier replay); nothing was changed
	ActionSkippedStale Action = "skipped_stale"
	// ActionPending means a condition is still waiting; the instance is kept
	// for retry next tick
	ActionPending Action = "pending"
	// ActionTaskFailed means the result or a step routed the task to failed
	ActionTaskFailed Action = "task_failed"
	// ActionNone means there was nothing to dispatch (taskless worker,
	// missing task, unknown decision)
	ActionNone Action = "none"
)

// Flows resolves a task's flow name to its loaded definition
type Flows interface {
	Get(name string) (*flow.Flow, error)
}

// Steps executes a transition's step list
type Steps interface {
	Execute(ctx context.Context, names []string, sc *step.Context) error
}

// Conditions evaluates a transition's condition list
type Conditions interface {
	Evaluate(ctx context.Context, task *types.Task, conds []flow.Condition, sandboxPath string) (*condition.Outcome, error)
}

// Sandboxes is the slice of the sandbox manager the handler needs
type Sandboxes interface {
	Path(taskID string) string
	ResultPath(sandboxPath string) string
	DecisionPath(sandboxPath, conditionName string) string
	HasCommits(ctx context.Context, taskID string) (bool, error)
	Destroy(ctx context.Context, taskID string, pushCommits bool) error
}

// Journal records applied results so a crashed tick's replay is a no-op
type Journal interface {
	Applied(taskID, instanceID string) (bool, error)
	Record(taskID, instanceID, transition string) error
}

// Pool removes PID files once an instance is fully handled and reports
// whether a decision worker is already live for a condition
type Pool interface {
	Remove(inst *types.Instance) error
	ConditionActive(taskID, conditionName string) (bool, error)
}

// BlueprintResolver resolves a blueprint name from the current configuration
type BlueprintResolver func(name string) (*types.Blueprint, error)

// ConditionSpawner launches a decision worker for a pending agent condition
type ConditionSpawner interface {
	SpawnCondition(ctx context.Context, bp *types.Blueprint, task *types.Task, conditionName, sandboxPath string) (*types.Instance, error)
}

// Deps wires the handler's collaborators. Blueprints, Agents, and Broker are
// optional; without the first two a pending agent condition never gets a
// decision worker, which only tests want.
type Deps struct {
	Store      store.Store
	Flows      Flows
	Steps      Steps
	Conditions Conditions
	Sandboxes  Sandboxes
	Journal    Journal
	Pool       Pool
	Blueprints BlueprintResolver
	Agents     ConditionSpawner
	Broker     *events.Broker
}

// Handler dispatches finished workers' results through the task's flow
type Handler struct {
	store      store.Store
	flows      Flows
	steps      Steps
	conditions Conditions
	sandboxes  Sandboxes
	journal    Journal
	pool       Pool
	blueprints BlueprintResolver
	agents     ConditionSpawner
	broker     *events.Broker
}

// NewHandler creates a result handler
func NewHandler(deps Deps) *Handler {
	return &Handler{
		store:      deps.Store,
		flows:      deps.Flows,
		steps:      deps.Steps,
		conditions: deps.Conditions,
		sandboxes:  deps.Sandboxes,
		journal:    deps.Journal,
		pool:       deps.Pool,
		blueprints: deps.Blueprints,
		agents:     deps.Agents,
		broker:     deps.Broker,
	}
}

// Handle processes one finished instance. It is safe to call repeatedly for
// the same instance: the journal short-circuits replays, and a pending
// condition deliberately leaves the instance in place for the next tick.
func (h *Handler) Handle(ctx context.Context, inst *types.Instance) (Action, error) {
	logger := log.WithInstanceID(inst.ID)

	// Taskless workers advance no flow; their output is messages or drafts
	if inst.TaskID == "" {
		h.publish(events.EventAgentFinished, inst, "")
		return ActionNone, h.pool.Remove(inst)
	}
	logger = logger.With().Str("task_id", inst.TaskID).Logger()

	applied, err := h.journal.Applied(inst.TaskID, inst.ID)
	if err != nil {
		return ActionNone, fmt.Errorf("journal lookup: %w", err)
	}
	if applied {
		logger.Debug().Msg("result already applied, cleaning up")
		metrics.ResultsHandled.WithLabelValues("already_applied").Inc()
		return ActionAlreadyApplied, h.cleanup(ctx, inst)
	}

	// Decision workers never advance the flow themselves; their verdict lands
	// in the mailbox and the pending transition picks it up next tick
	if inst.Condition != "" {
		return h.handleConditionResult(ctx, inst)
	}

	hasCommits := false
	if ok, err := h.sandboxes.HasCommits(ctx, inst.TaskID); err == nil {
		hasCommits = ok
	}
	res := ReadDocument(h.sandboxes.ResultPath(inst.SandboxPath), hasCommits)

	task, err := h.store.Get(ctx, inst.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn().Msg("task vanished from the store, cleaning up")
			return ActionNone, h.cleanup(ctx, inst)
		}
		return ActionNone, fmt.Errorf("fetch task %s: %w", inst.TaskID, err)
	}

	// The lease monitor may have requeued the task between the worker's exit
	// and this pass; an incoming task belongs to the next claimer, not us
	if task.State == types.TaskStateIncoming {
		logger.Info().Msg("task requeued by lease expiry, skipping dispatch")
		metrics.ResultsHandled.WithLabelValues("stale").Inc()
		return ActionSkippedStale, h.cleanup(ctx, inst)
	}

	action, err := h.dispatch(ctx, inst, task, res)
	if err != nil {
		return action, err
	}
	if action == ActionPending {
		// Leave the PID file and result in place; next tick re-evaluates
		return action, nil
	}

	metrics.ResultsHandled.WithLabelValues(string(res.Outcome)).Inc()
	h.publish(events.EventAgentFinished, inst, string(res.Outcome))
	return action, h.cleanup(ctx, inst)
}

// handleConditionResult turns a finished decision worker into a decision
// message. A missing or unusable verdict only cleans up: the condition stays
// pending and the next evaluation spawns a fresh decision worker.
func (h *Handler) handleConditionResult(ctx context.Context, inst *types.Instance) (Action, error) {
	logger := log.WithInstanceID(inst.ID).With().Str("task_id", inst.TaskID).Str("condition", inst.Condition).Logger()

	res, err := h.readDecision(inst)
	if err != nil {
		logger.Warn().Err(err).Msg("decision worker exited without a usable verdict")
		metrics.ResultsHandled.WithLabelValues("broken_decision").Inc()
		h.publish(events.EventAgentResultBroken, inst, inst.Condition)
		return ActionNone, h.cleanup(ctx, inst)
	}

	if _, err := h.store.CreateMessage(ctx, &types.Message{
		TaskID:  inst.TaskID,
		From:    inst.Blueprint,
		To:      "orchestrator",
		Type:    types.MessageDecision,
		Status:  types.MessageStatusUnread,
		Subject: inst.Condition,
		Body:    string(res.Decision),
	}); err != nil {
		// Keep the instance so the verdict is re-posted next tick
		return ActionNone, fmt.Errorf("post decision for %s: %w", inst.TaskID, err)
	}

	logger.Info().Str("decision", string(res.Decision)).Msg("condition decided")
	metrics.ResultsHandled.WithLabelValues("decision").Inc()
	h.publish(events.EventAgentFinished, inst, string(res.Decision))
	if err := h.recordApplied(inst.TaskID, inst.ID, "decision:"+inst.Condition); err != nil {
		return ActionApplied, err
	}
	return ActionApplied, h.cleanup(ctx, inst)
}

func (h *Handler) readDecision(inst *types.Instance) (*types.Result, error) {
	if inst.SandboxPath == "" {
		return nil, fmt.Errorf("decision worker has no sandbox")
	}
	data, err := os.ReadFile(h.sandboxes.DecisionPath(inst.SandboxPath, inst.Condition))
	if err != nil {
		return nil, fmt.Errorf("no decision document: %w", err)
	}
	res, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	if res.Decision == "" {
		return nil, fmt.Errorf("decision document carries no decision")
	}
	return res, nil
}

// EnsureDecisionWorker spawns the blueprint a pending agent condition names,
// unless one is already running for this task and condition. Called from the
// pending branch of transition handling; also from hook processing.
func (h *Handler) EnsureDecisionWorker(ctx context.Context, task *types.Task, out *condition.Outcome, sandboxPath string) error {
	if out.Agent == "" || h.agents == nil || h.blueprints == nil {
		return nil
	}

	active, err := h.pool.ConditionActive(task.ID, out.Condition)
	if err != nil || active {
		return err
	}
	if sandboxPath == "" {
		sandboxPath = h.sandboxes.Path(task.ID)
	}

	bp, err := h.blueprints(out.Agent)
	if err != nil {
		return fmt.Errorf("condition agent %q: %w", out.Agent, err)
	}

	inst, err := h.agents.SpawnCondition(ctx, bp, task, out.Condition, sandboxPath)
	if err != nil {
		return fmt.Errorf("spawn decision worker for %q: %w", out.Condition, err)
	}

	h.publishEvent(&events.Event{
		Type:       events.EventAgentSpawned,
		TaskID:     task.ID,
		Blueprint:  bp.Name,
		InstanceID: inst.ID,
		Detail:     out.Condition,
	})
	return nil
}

// dispatch advances the task by (current state, outcome, decision)
func (h *Handler) dispatch(ctx context.Context, inst *types.Instance, task *types.Task, res *types.Result) (Action, error) {
	logger := log.WithTaskID(task.ID)

	f, err := h.flows.Get(task.Flow)
	if err != nil {
		return ActionNone, fmt.Errorf("flow %q: %w", task.Flow, err)
	}

	switch {
	case res.Outcome == types.OutcomeFailed && task.State == types.TaskStateClaimed:
		reason := res.Reason
		if reason == "" {
			reason = "worker reported failure"
		}
		h.failTask(ctx, task, reason, res.Comment)
		return ActionTaskFailed, h.recordApplied(task.ID, inst.ID, "-> failed")

	case res.Outcome == types.OutcomeFailed:
		// A failed review worker says nothing about the task's work; leave
		// the task where it is and let another reviewer claim it
		logger.Warn().Str("state", string(task.State)).Msg("worker failed against a non-claimed task, leaving task untouched")
		return ActionNone, h.recordApplied(task.ID, inst.ID, "skipped")

	case res.Outcome == types.OutcomeNeedsContinuation:
		return h.dispatchContinuation(ctx, inst, task, f)

	case task.State == types.TaskStateClaimed:
		return h.dispatchClaimedDone(ctx, inst, task, f, res)

	case task.State == types.TaskStateProvisional:
		return h.dispatchProvisionalDone(ctx, inst, task, f, res)

	default:
		// A done outcome against a state this dispatcher does not own; the
		// task likely moved underneath us. Do not guess.
		logger.Warn().Str("state", string(task.State)).Str("outcome", string(res.Outcome)).Msg("no dispatch rule, leaving task untouched")
		return ActionSkippedStale, h.recordApplied(task.ID, inst.ID, "skipped")
	}
}

// dispatchClaimedDone runs the claimed -> provisional transition
func (h *Handler) dispatchClaimedDone(ctx context.Context, inst *types.Instance, task *types.Task, f *flow.Flow, res *types.Result) (Action, error) {
	t := f.Find(types.TaskStateClaimed, types.TaskStateProvisional)
	if t == nil {
		h.failTask(ctx, task, fmt.Sprintf("flow %q has no claimed -> provisional transition", f.Name), "")
		return ActionTaskFailed, h.recordApplied(task.ID, inst.ID, "-> failed")
	}

	action, done, err := h.runTransition(ctx, inst, task, t, res)
	if done || err != nil {
		return action, err
	}

	// The submit_to_server step may have already advanced the task; a second
	// submit would just conflict
	if task.State == types.TaskStateProvisional {
		metrics.TransitionsTotal.WithLabelValues(string(t.From), string(t.To)).Inc()
		return ActionApplied, h.recordApplied(task.ID, inst.ID, t.Key())
	}

	updated, err := h.store.Submit(ctx, task.ID, store.PRInfo{Number: task.PRNumber, URL: task.PRURL})
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrHooksIncomplete) {
			logger := log.WithTaskID(task.ID)
			logger.Info().Err(err).Msg("submit not applied, leaving for next tick")
			return ActionSkippedStale, h.recordApplied(task.ID, inst.ID, "skipped")
		}
		return ActionNone, fmt.Errorf("submit %s: %w", task.ID, err)
	}
	*task = *updated

	metrics.TransitionsTotal.WithLabelValues(string(t.From), string(t.To)).Inc()
	h.publish(events.EventTaskTransitioned, inst, t.Key())
	return ActionApplied, h.recordApplied(task.ID, inst.ID, t.Key())
}

// dispatchProvisionalDone handles review verdicts
func (h *Handler) dispatchProvisionalDone(ctx context.Context, inst *types.Instance, task *types.Task, f *flow.Flow, res *types.Result) (Action, error) {
	logger := log.WithTaskID(task.ID)

	switch res.Decision {
	case types.DecisionApprove:
		t := f.Find(types.TaskStateProvisional, types.TaskStateDone)
		if t == nil {
			h.failTask(ctx, task, fmt.Sprintf("flow %q has no provisional -> done transition", f.Name), "")
			return ActionTaskFailed, h.recordApplied(task.ID, inst.ID, "-> failed")
		}
		action, done, err := h.runTransition(ctx, inst, task, t, res)
		if done || err != nil {
			return action, err
		}

		if _, err := h.store.Accept(ctx, task.ID); err != nil {
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrHooksIncomplete) {
				logger.Info().Err(err).Msg("accept not applied, leaving for next tick")
				return ActionSkippedStale, h.recordApplied(task.ID, inst.ID, "skipped")
			}
			return ActionNone, fmt.Errorf("accept %s: %w", task.ID, err)
		}
		task.State = types.TaskStateDone

		metrics.TransitionsTotal.WithLabelValues(string(t.From), string(t.To)).Inc()
		h.publish(events.EventTaskCompleted, inst, t.Key())
		if err := h.recordApplied(task.ID, inst.ID, t.Key()); err != nil {
			return ActionApplied, err
		}
		return ActionApplied, h.destroySandbox(ctx, task, false)

	case types.DecisionReject:
		// The reject edge carries its own steps (reject_with_feedback);
		// absence of the edge still rejects, just without side effects
		if t := f.Find(types.TaskStateProvisional, types.TaskStateIncoming); t != nil {
			action, done, err := h.runTransition(ctx, inst, task, t, res)
			if done || err != nil {
				return action, err
			}
			metrics.TransitionsTotal.WithLabelValues(string(t.From), string(t.To)).Inc()
		}

		reason := res.Comment
		if reason == "" {
			reason = "changes requested"
		}
		if _, err := h.store.Reject(ctx, task.ID, reason); err != nil {
			if errors.Is(err, store.ErrConflict) {
				logger.Info().Msg("reject raced, leaving for next tick")
				return ActionSkippedStale, h.recordApplied(task.ID, inst.ID, "skipped")
			}
			return ActionNone, fmt.Errorf("reject %s: %w", task.ID, err)
		}

		h.publish(events.EventTaskTransitioned, inst, "provisional -> incoming")
		return ActionApplied, h.recordApplied(task.ID, inst.ID, "provisional -> incoming")

	default:
		// Unknown or missing decision on a review: a human should look
		logger.Warn().Str("decision", string(res.Decision)).Msg("review finished without a usable decision, leaving task for human review")
		return ActionNone, h.recordApplied(task.ID, inst.ID, "skipped")
	}
}

// dispatchContinuation parks the task for re-entry against the same sandbox
func (h *Handler) dispatchContinuation(ctx context.Context, inst *types.Instance, task *types.Task, f *flow.Flow) (Action, error) {
	if t := f.Find(task.State, types.TaskStateNeedsContinuation); t != nil {
		if _, err := h.store.Update(ctx, task.ID, map[string]any{
			"state": string(types.TaskStateNeedsContinuation),
		}, task.Version); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return ActionSkippedStale, h.recordApplied(task.ID, inst.ID, "skipped")
			}
			return ActionNone, fmt.Errorf("park %s: %w", task.ID, err)
		}
		metrics.TransitionsTotal.WithLabelValues(string(t.From), string(t.To)).Inc()
	}
	// Without a holding state the task simply stays claimed; the sandbox
	// persists and the next worker resumes from the accumulated commits
	return ActionApplied, h.recordApplied(task.ID, inst.ID, "continuation")
}

// runTransition evaluates the transition's conditions and runs its steps.
// done=true means the caller should stop (pending condition, routed failure,
// or failed step); the state call happens only after every step succeeded.
func (h *Handler) runTransition(ctx context.Context, inst *types.Instance, task *types.Task, t *flow.Transition, res *types.Result) (Action, bool, error) {
	if len(t.Conditions) > 0 {
		out, err := h.conditions.Evaluate(ctx, task, t.Conditions, inst.SandboxPath)
		if err != nil {
			return ActionNone, true, fmt.Errorf("conditions for %s: %w", t.Key(), err)
		}
		switch out.Status {
		case condition.StatusPending:
			if err := h.EnsureDecisionWorker(ctx, task, out, inst.SandboxPath); err != nil {
				logger := log.WithTaskID(task.ID)
				logger.Warn().Err(err).Str("condition", out.Condition).Msg("could not ensure decision worker")
			}
			return ActionPending, true, nil
		case condition.StatusFail:
			return h.routeFailure(ctx, inst, task, out)
		}
	}

	if len(t.Runs) > 0 {
		sc := &step.Context{Task: task, Result: res, SandboxPath: inst.SandboxPath}
		if err := h.steps.Execute(ctx, t.Runs, sc); err != nil {
			h.failTask(ctx, task, fmt.Sprintf("transition %s aborted", t.Key()), err.Error())
			return ActionTaskFailed, true, h.recordApplied(task.ID, inst.ID, "-> failed")
		}
	}
	return ActionApplied, false, nil
}

// routeFailure sends the task where the failing condition points
func (h *Handler) routeFailure(ctx context.Context, inst *types.Instance, task *types.Task, out *condition.Outcome) (Action, bool, error) {
	logger := log.WithTaskID(task.ID)

	if out.RouteTo == types.TaskStateIncoming {
		if _, err := h.store.Reject(ctx, task.ID, out.Reason); err != nil && !errors.Is(err, store.ErrConflict) {
			return ActionNone, true, fmt.Errorf("route %s to incoming: %w", task.ID, err)
		}
	} else {
		fields := map[string]any{"state": string(out.RouteTo)}
		if out.RouteTo == types.TaskStateFailed {
			fields["failure_reason"] = out.Reason
		}
		if _, err := h.store.Update(ctx, task.ID, fields, task.Version); err != nil && !errors.Is(err, store.ErrConflict) {
			return ActionNone, true, fmt.Errorf("route %s to %s: %w", task.ID, out.RouteTo, err)
		}
	}

	logger.Info().Str("condition", out.Condition).Str("route_to", string(out.RouteTo)).Msg("condition failed, task routed")
	return ActionApplied, true, h.recordApplied(task.ID, inst.ID, "-> "+string(out.RouteTo))
}

// failTask moves the task to failed. A secondary failure here is logged and
// not propagated; the tick must survive any single task.
func (h *Handler) failTask(ctx context.Context, task *types.Task, reason, notes string) {
	fields := map[string]any{
		"state":          string(types.TaskStateFailed),
		"failure_reason": reason,
	}
	if notes != "" {
		fields["execution_notes"] = notes
	}
	if _, err := h.store.Update(ctx, task.ID, fields, task.Version); err != nil {
		logger := log.WithTaskID(task.ID)
		logger.Error().Err(err).Msg("failed to mark task failed")
		return
	}
	task.State = types.TaskStateFailed
	metrics.TasksFailed.Inc()
	h.publishEvent(&events.Event{Type: events.EventTaskFailed, TaskID: task.ID, Detail: reason})

	// Preserve the worker's commits on a named branch before the sandbox goes
	if err := h.destroySandbox(ctx, task, true); err != nil {
		logger := log.WithTaskID(task.ID)
		logger.Warn().Err(err).Msg("sandbox cleanup after failure")
	}
}

func (h *Handler) destroySandbox(ctx context.Context, task *types.Task, pushCommits bool) error {
	if err := h.sandboxes.Destroy(ctx, task.ID, pushCommits); err != nil {
		return err
	}
	h.publishEvent(&events.Event{Type: events.EventSandboxDestroyed, TaskID: task.ID})
	return nil
}

func (h *Handler) recordApplied(taskID, instanceID, transition string) error {
	if err := h.journal.Record(taskID, instanceID, transition); err != nil {
		return fmt.Errorf("journal record: %w", err)
	}
	return nil
}

// cleanup removes the instance's output document and its PID file
func (h *Handler) cleanup(ctx context.Context, inst *types.Instance) error {
	if inst.SandboxPath != "" {
		path := h.sandboxes.ResultPath(inst.SandboxPath)
		if inst.Condition != "" {
			path = h.sandboxes.DecisionPath(inst.SandboxPath, inst.Condition)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger := log.WithInstanceID(inst.ID)
			logger.Warn().Err(err).Msg("could not remove result file")
		}
	}
	return h.pool.Remove(inst)
}

func (h *Handler) publish(t events.EventType, inst *types.Instance, detail string) {
	h.publishEvent(&events.Event{
		Type:       t,
		TaskID:     inst.TaskID,
		Blueprint:  inst.Blueprint,
		InstanceID: inst.ID,
		Detail:     detail,
	})
}

func (h *Handler) publishEvent(ev *events.Event) {
	if h.broker == nil {
		return
	}
	h.broker.Publish(ev)
}
