package result

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/condition"
	"github.com/droverhq/drover/pkg/flow"
	"github.com/droverhq/drover/pkg/step"
	"github.com/droverhq/drover/pkg/store"
	"github.com/droverhq/drover/pkg/types"
)

type fakeStore struct {
	store.Store

	task *types.Task

	submits  []string
	accepts  []string
	rejects  []string
	updates  []map[string]any
	messages []*types.Message
}

func (f *fakeStore) Get(_ context.Context, id string) (*types.Task, error) {
	if f.task == nil || f.task.ID != id {
		return nil, store.ErrNotFound
	}
	cp := *f.task
	return &cp, nil
}

func (f *fakeStore) Submit(_ context.Context, id string, _ store.PRInfo) (*types.Task, error) {
	f.submits = append(f.submits, id)
	f.task.State = types.TaskStateProvisional
	cp := *f.task
	return &cp, nil
}

func (f *fakeStore) Accept(_ context.Context, id string) (*types.Task, error) {
	f.accepts = append(f.accepts, id)
	f.task.State = types.TaskStateDone
	cp := *f.task
	return &cp, nil
}

func (f *fakeStore) Reject(_ context.Context, id, reason string) (*types.Task, error) {
	f.rejects = append(f.rejects, id+": "+reason)
	f.task.State = types.TaskStateIncoming
	cp := *f.task
	return &cp, nil
}

func (f *fakeStore) Update(_ context.Context, id string, fields map[string]any, _ int64) (*types.Task, error) {
	f.updates = append(f.updates, fields)
	if s, ok := fields["state"].(string); ok {
		f.task.State = types.TaskState(s)
	}
	cp := *f.task
	return &cp, nil
}

func (f *fakeStore) CreateMessage(_ context.Context, msg *types.Message) (*types.Message, error) {
	f.messages = append(f.messages, msg)
	return msg, nil
}

type fakeFlows struct{ flow *flow.Flow }

func (f *fakeFlows) Get(_ string) (*flow.Flow, error) { return f.flow, nil }

type fakeSteps struct {
	executed [][]string
	err      error
	onRun    func(sc *step.Context)
}

func (f *fakeSteps) Execute(_ context.Context, names []string, sc *step.Context) error {
	f.executed = append(f.executed, names)
	if f.onRun != nil {
		f.onRun(sc)
	}
	return f.err
}

type fakeConds struct{ out *condition.Outcome }

func (f *fakeConds) Evaluate(_ context.Context, _ *types.Task, _ []flow.Condition, _ string) (*condition.Outcome, error) {
	if f.out == nil {
		return &condition.Outcome{Status: condition.StatusPass}, nil
	}
	return f.out, nil
}

type fakeSandboxes struct {
	dir        string
	hasCommits bool
	destroyed  []string
	pushed     []bool
}

func (f *fakeSandboxes) Path(taskID string) string { return filepath.Join(f.dir, taskID) }

func (f *fakeSandboxes) ResultPath(sandboxPath string) string {
	return filepath.Join(sandboxPath, "result.json")
}

func (f *fakeSandboxes) DecisionPath(sandboxPath, conditionName string) string {
	return filepath.Join(sandboxPath, "decision-"+conditionName+".json")
}

func (f *fakeSandboxes) HasCommits(_ context.Context, _ string) (bool, error) {
	return f.hasCommits, nil
}

func (f *fakeSandboxes) Destroy(_ context.Context, taskID string, pushCommits bool) error {
	f.destroyed = append(f.destroyed, taskID)
	f.pushed = append(f.pushed, pushCommits)
	return nil
}

type fakeJournal struct{ entries map[string]string }

func (f *fakeJournal) key(t, i string) string { return t + "/" + i }

func (f *fakeJournal) Applied(taskID, instanceID string) (bool, error) {
	_, ok := f.entries[f.key(taskID, instanceID)]
	return ok, nil
}

func (f *fakeJournal) Record(taskID, instanceID, transition string) error {
	if f.entries == nil {
		f.entries = map[string]string{}
	}
	if _, ok := f.entries[f.key(taskID, instanceID)]; !ok {
		f.entries[f.key(taskID, instanceID)] = transition
	}
	return nil
}

type fakePool struct {
	removed []string
	live    map[string]bool // "taskID/condition" of live decision workers
}

func (f *fakePool) Remove(inst *types.Instance) error {
	f.removed = append(f.removed, inst.ID)
	return nil
}

func (f *fakePool) ConditionActive(taskID, conditionName string) (bool, error) {
	return f.live[taskID+"/"+conditionName], nil
}

type fakeAgents struct {
	pool      *fakePool
	spawned   []string
	sandboxes []string
}

func (f *fakeAgents) SpawnCondition(_ context.Context, bp *types.Blueprint, task *types.Task, conditionName, sandboxPath string) (*types.Instance, error) {
	f.spawned = append(f.spawned, conditionName)
	f.sandboxes = append(f.sandboxes, sandboxPath)
	if f.pool.live == nil {
		f.pool.live = map[string]bool{}
	}
	f.pool.live[task.ID+"/"+conditionName] = true
	return &types.Instance{
		ID:          "cond-inst-1",
		Blueprint:   bp.Name,
		PID:         1,
		TaskID:      task.ID,
		SandboxPath: sandboxPath,
		Condition:   conditionName,
	}, nil
}

func resolveTestBlueprint(name string) (*types.Blueprint, error) {
	return &types.Blueprint{Name: name, Role: "review", SpawnMode: types.SpawnTaskBound}, nil
}

func defaultFlow() *flow.Flow {
	return &flow.Flow{
		Name:           "default",
		InitialState:   types.TaskStateIncoming,
		TerminalStates: []types.TaskState{types.TaskStateDone, types.TaskStateFailed},
		Transitions: []*flow.Transition{
			{From: types.TaskStateIncoming, To: types.TaskStateClaimed},
			{From: types.TaskStateClaimed, To: types.TaskStateProvisional, Runs: []string{"push_branch", "create_pr", "submit_to_server"}},
			{From: types.TaskStateProvisional, To: types.TaskStateDone, Runs: []string{"post_review_comment", "merge_pr"}},
			{From: types.TaskStateProvisional, To: types.TaskStateIncoming, Runs: []string{"reject_with_feedback"}},
			{From: types.TaskStateClaimed, To: types.TaskStateNeedsContinuation},
		},
	}
}

type fixture struct {
	store     *fakeStore
	steps     *fakeSteps
	conds     *fakeConds
	sandboxes *fakeSandboxes
	journal   *fakeJournal
	pool      *fakePool
	agents    *fakeAgents
	handler   *Handler
}

func newFixture(t *testing.T, task *types.Task) *fixture {
	t.Helper()
	fx := &fixture{
		store:     &fakeStore{task: task},
		steps:     &fakeSteps{},
		conds:     &fakeConds{},
		sandboxes: &fakeSandboxes{dir: t.TempDir()},
		journal:   &fakeJournal{},
		pool:      &fakePool{},
	}
	fx.agents = &fakeAgents{pool: fx.pool}
	fx.rebuild(defaultFlow(), fx.conds)
	return fx
}

// rebuild swaps the flow and condition evaluator without losing the fixture's
// recorded state
func (fx *fixture) rebuild(f *flow.Flow, conds Conditions) {
	fx.handler = NewHandler(Deps{
		Store:      fx.store,
		Flows:      &fakeFlows{flow: f},
		Steps:      fx.steps,
		Conditions: conds,
		Sandboxes:  fx.sandboxes,
		Journal:    fx.journal,
		Pool:       fx.pool,
		Blueprints: resolveTestBlueprint,
		Agents:     fx.agents,
	})
}

func (fx *fixture) writeResult(t *testing.T, inst *types.Instance, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(inst.SandboxPath, 0o755))
	require.NoError(t, os.WriteFile(fx.sandboxes.ResultPath(inst.SandboxPath), []byte(body), 0o644))
}

func (fx *fixture) writeDecision(t *testing.T, inst *types.Instance, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(inst.SandboxPath, 0o755))
	require.NoError(t, os.WriteFile(fx.sandboxes.DecisionPath(inst.SandboxPath, inst.Condition), []byte(body), 0o644))
}

func claimedTask() *types.Task {
	return &types.Task{ID: "task-1", State: types.TaskStateClaimed, Body: "do it", Flow: "default", Version: 3}
}

func instanceFor(t *testing.T, fx *fixture, task *types.Task) *types.Instance {
	t.Helper()
	return &types.Instance{ID: "inst-1", Blueprint: "impl-1", PID: 1, TaskID: task.ID, SandboxPath: fx.sandboxes.Path(task.ID)}
}

func TestClaimedDoneSubmits(t *testing.T) {
	task := claimedTask()
	fx := newFixture(t, task)
	inst := instanceFor(t, fx, task)
	fx.writeResult(t, inst, `{"outcome":"done"}`)

	action, err := fx.handler.Handle(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, ActionApplied, action)

	require.Len(t, fx.steps.executed, 1)
	assert.Equal(t, []string{"push_branch", "create_pr", "submit_to_server"}, fx.steps.executed[0])
	assert.Equal(t, []string{"task-1"}, fx.store.submits)
	assert.Equal(t, []string{"inst-1"}, fx.pool.removed)
	assert.Empty(t, fx.sandboxes.destroyed, "provisional is not terminal")

	applied, _ := fx.journal.Applied("task-1", "inst-1")
	assert.True(t, applied)
}

func TestSubmitSkippedWhenStepAlreadyAdvanced(t *testing.T) {
	task := claimedTask()
	fx := newFixture(t, task)
	// submit_to_server already moved the task; the dispatcher must not
	// submit a second time
	fx.steps.onRun = func(sc *step.Context) {
		sc.Task.State = types.TaskStateProvisional
		fx.store.task.State = types.TaskStateProvisional
	}
	inst := instanceFor(t, fx, task)
	fx.writeResult(t, inst, `{"outcome":"done"}`)

	action, err := fx.handler.Handle(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, ActionApplied, action)
	assert.Empty(t, fx.store.submits)
}

func TestAlreadyAppliedShortCircuits(t *testing.T) {
	task := claimedTask()
	fx := newFixture(t, task)
	inst := instanceFor(t, fx, task)
	fx.writeResult(t, inst, `{"outcome":"done"}`)
	require.NoError(t, fx.journal.Record("task-1", "inst-1", "claimed -> provisional"))

	action, err := fx.handler.Handle(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, ActionAlreadyApplied, action)
	assert.Empty(t, fx.steps.executed, "steps must not re-run")
	assert.Empty(t, fx.store.submits)
	assert.Equal(t, []string{"inst-1"}, fx.pool.removed)
}

func TestLeaseRequeueIsNotClobbered(t *testing.T) {
	task := claimedTask()
	task.State = types.TaskStateIncoming // lease monitor got there first
	fx := newFixture(t, task)
	inst := instanceFor(t, fx, task)
	fx.writeResult(t, inst, `{"outcome":"done"}`)

	action, err := fx.handler.Handle(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, ActionSkippedStale, action)
	assert.Empty(t, fx.steps.executed)
	assert.Empty(t, fx.store.submits)
	assert.Empty(t, fx.store.updates)
}

func TestStepFailureFailsTaskWithoutSubmit(t *testing.T) {
	task := claimedTask()
	fx := newFixture(t, task)
	fx.steps.err = assert.AnError
	inst := instanceFor(t, fx, task)
	fx.writeResult(t, inst, `{"outcome":"done"}`)

	action, err := fx.handler.Handle(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, ActionTaskFailed, action)
	assert.Empty(t, fx.store.submits, "a failed step must not advance state")

	require.Len(t, fx.store.updates, 1)
	assert.Equal(t, string(types.TaskStateFailed), fx.store.updates[0]["state"])
	assert.NotEmpty(t, fx.store.updates[0]["execution_notes"])

	// Work is salvaged to a named branch before the sandbox goes
	require.Len(t, fx.sandboxes.destroyed, 1)
	assert.True(t, fx.sandboxes.pushed[0])
}

func TestProvisionalApproveAcceptsAndDestroys(t *testing.T) {
	task := claimedTask()
	task.State = types.TaskStateProvisional
	task.PRNumber = 7
	fx := newFixture(t, task)
	inst := instanceFor(t, fx, task)
	fx.writeResult(t, inst, `{"outcome":"done","decision":"approve"}`)

	action, err := fx.handler.Handle(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, ActionApplied, action)

	require.Len(t, fx.steps.executed, 1)
	assert.Equal(t, []string{"post_review_comment", "merge_pr"}, fx.steps.executed[0])
	assert.Equal(t, []string{"task-1"}, fx.store.accepts)

	require.Len(t, fx.sandboxes.destroyed, 1)
	assert.False(t, fx.sandboxes.pushed[0], "merged work needs no salvage branch")
}

func TestProvisionalRejectRunsRejectEdge(t *testing.T) {
	task := claimedTask()
	task.State = types.TaskStateProvisional
	fx := newFixture(t, task)
	inst := instanceFor(t, fx, task)
	fx.writeResult(t, inst, `{"outcome":"done","decision":"reject","comment":"tests fail"}`)

	action, err := fx.handler.Handle(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, ActionApplied, action)

	require.Len(t, fx.steps.executed, 1)
	assert.Equal(t, []string{"reject_with_feedback"}, fx.steps.executed[0])
	require.Len(t, fx.store.rejects, 1)
	assert.Contains(t, fx.store.rejects[0], "tests fail")
	assert.Empty(t, fx.store.accepts)
}

func TestUnknownDecisionLeavesTask(t *testing.T) {
	task := claimedTask()
	task.State = types.TaskStateProvisional
	fx := newFixture(t, task)
	inst := instanceFor(t, fx, task)
	fx.writeResult(t, inst, `{"outcome":"done"}`)

	action, err := fx.handler.Handle(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, action)
	assert.Empty(t, fx.store.accepts)
	assert.Empty(t, fx.store.rejects)
	assert.Empty(t, fx.store.updates)
}

func TestClaimedFailedMovesTaskToFailed(t *testing.T) {
	task := claimedTask()
	fx := newFixture(t, task)
	inst := instanceFor(t, fx, task)
	fx.writeResult(t, inst, `{"outcome":"failed","reason":"cannot reproduce the bug"}`)

	action, err := fx.handler.Handle(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, ActionTaskFailed, action)

	require.Len(t, fx.store.updates, 1)
	assert.Equal(t, string(types.TaskStateFailed), fx.store.updates[0]["state"])
	assert.Equal(t, "cannot reproduce the bug", fx.store.updates[0]["failure_reason"])
}

func TestCrashWithCommitsBecomesContinuation(t *testing.T) {
	task := claimedTask()
	fx := newFixture(t, task)
	fx.sandboxes.hasCommits = true
	inst := instanceFor(t, fx, task)
	// no result file: the worker crashed

	action, err := fx.handler.Handle(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, ActionApplied, action)

	require.Len(t, fx.store.updates, 1)
	assert.Equal(t, string(types.TaskStateNeedsContinuation), fx.store.updates[0]["state"])
	assert.Empty(t, fx.sandboxes.destroyed, "continuation keeps the sandbox")
}

func TestCrashWithoutCommitsFails(t *testing.T) {
	task := claimedTask()
	fx := newFixture(t, task)
	inst := instanceFor(t, fx, task)

	action, err := fx.handler.Handle(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, ActionTaskFailed, action)
	require.Len(t, fx.store.updates, 1)
	assert.Equal(t, string(types.TaskStateFailed), fx.store.updates[0]["state"])
}

func TestPendingConditionKeepsInstance(t *testing.T) {
	task := claimedTask()
	fx := newFixture(t, task)
	fx.rebuild(flowWithCondition(), &fakeConds{out: &condition.Outcome{Status: condition.StatusPending, Condition: "review"}})
	inst := instanceFor(t, fx, task)
	fx.writeResult(t, inst, `{"outcome":"done"}`)

	action, err := fx.handler.Handle(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, ActionPending, action)
	assert.Empty(t, fx.pool.removed, "pending handling must retry next tick")
	assert.Empty(t, fx.steps.executed)
	assert.Empty(t, fx.store.submits)
}

func TestFailedConditionRoutes(t *testing.T) {
	task := claimedTask()
	fx := newFixture(t, task)
	fx.rebuild(flowWithCondition(), &fakeConds{out: &condition.Outcome{
		Status:    condition.StatusFail,
		Condition: "lint",
		RouteTo:   types.TaskStateIncoming,
		Reason:    "lint failed",
	}})
	inst := instanceFor(t, fx, task)
	fx.writeResult(t, inst, `{"outcome":"done"}`)

	action, err := fx.handler.Handle(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, ActionApplied, action)
	require.Len(t, fx.store.rejects, 1)
	assert.Contains(t, fx.store.rejects[0], "lint failed")
	assert.Empty(t, fx.steps.executed, "steps must not run after a failed condition")
}

func TestTasklessInstanceJustCleansUp(t *testing.T) {
	fx := newFixture(t, nil)
	inst := &types.Instance{ID: "inst-9", Blueprint: "analyst", PID: 1}

	action, err := fx.handler.Handle(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, action)
	assert.Equal(t, []string{"inst-9"}, fx.pool.removed)
}

func flowWithCondition() *flow.Flow {
	f := defaultFlow()
	f.Find(types.TaskStateClaimed, types.TaskStateProvisional).Conditions = []flow.Condition{
		{Name: "lint", Type: flow.ConditionScript, Script: "run-lint", OnFail: types.TaskStateIncoming},
	}
	return f
}

func flowWithAgentCondition() *flow.Flow {
	f := defaultFlow()
	f.Find(types.TaskStateClaimed, types.TaskStateProvisional).Conditions = []flow.Condition{
		{Name: "security-review", Type: flow.ConditionAgent, Agent: "security-bot", OnFail: types.TaskStateIncoming},
	}
	return f
}

// mailboxConds resolves the agent condition from the fixture store's posted
// decision messages, the way the production evaluator reads the mailbox
type mailboxConds struct {
	store *fakeStore
	name  string
	agent string
}

func (m *mailboxConds) Evaluate(_ context.Context, task *types.Task, _ []flow.Condition, _ string) (*condition.Outcome, error) {
	for _, msg := range m.store.messages {
		if msg.TaskID != task.ID || msg.Type != types.MessageDecision || msg.Subject != m.name {
			continue
		}
		if types.Decision(msg.Body) == types.DecisionApprove {
			return &condition.Outcome{Status: condition.StatusPass}, nil
		}
		return &condition.Outcome{Status: condition.StatusFail, Condition: m.name, RouteTo: types.TaskStateIncoming}, nil
	}
	return &condition.Outcome{Status: condition.StatusPending, Condition: m.name, Agent: m.agent}, nil
}

func TestPendingAgentConditionSpawnsDecisionWorker(t *testing.T) {
	task := claimedTask()
	fx := newFixture(t, task)
	fx.rebuild(flowWithAgentCondition(), &mailboxConds{store: fx.store, name: "security-review", agent: "security-bot"})
	inst := instanceFor(t, fx, task)
	fx.writeResult(t, inst, `{"outcome":"done"}`)

	action, err := fx.handler.Handle(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, ActionPending, action)

	require.Equal(t, []string{"security-review"}, fx.agents.spawned)
	assert.Equal(t, inst.SandboxPath, fx.agents.sandboxes[0], "decision worker must review the task's sandbox")
	assert.Empty(t, fx.pool.removed, "pending handling must retry next tick")
	assert.Empty(t, fx.store.submits)

	// Re-handling while the decision worker runs must not spawn a second one
	action, err = fx.handler.Handle(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, ActionPending, action)
	assert.Len(t, fx.agents.spawned, 1)
}

func TestDecisionWorkerResultPostsDecisionMessage(t *testing.T) {
	task := claimedTask()
	fx := newFixture(t, task)
	dinst := &types.Instance{
		ID:          "cond-inst-1",
		Blueprint:   "security-bot",
		PID:         1,
		TaskID:      task.ID,
		SandboxPath: fx.sandboxes.Path(task.ID),
		Condition:   "security-review",
	}
	fx.writeDecision(t, dinst, `{"outcome":"done","decision":"approve","comment":"no issues found"}`)

	action, err := fx.handler.Handle(context.Background(), dinst)
	require.NoError(t, err)
	assert.Equal(t, ActionApplied, action)

	require.Len(t, fx.store.messages, 1)
	msg := fx.store.messages[0]
	assert.Equal(t, types.MessageDecision, msg.Type)
	assert.Equal(t, "security-review", msg.Subject)
	assert.Equal(t, "approve", msg.Body)
	assert.Equal(t, "security-bot", msg.From)

	assert.Equal(t, []string{"cond-inst-1"}, fx.pool.removed)
	assert.Empty(t, fx.store.submits, "a decision worker never advances the flow itself")

	applied, _ := fx.journal.Applied(task.ID, "cond-inst-1")
	assert.True(t, applied)
}

func TestDecisionWorkerWithoutVerdictCleansUp(t *testing.T) {
	task := claimedTask()
	fx := newFixture(t, task)
	dinst := &types.Instance{
		ID:          "cond-inst-1",
		Blueprint:   "security-bot",
		PID:         1,
		TaskID:      task.ID,
		SandboxPath: fx.sandboxes.Path(task.ID),
		Condition:   "security-review",
	}
	// no decision document: the worker crashed

	action, err := fx.handler.Handle(context.Background(), dinst)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, action)
	assert.Empty(t, fx.store.messages, "a crashed decision worker posts nothing")
	assert.Equal(t, []string{"cond-inst-1"}, fx.pool.removed, "cleanup lets the pending evaluation respawn")

	applied, _ := fx.journal.Applied(task.ID, "cond-inst-1")
	assert.False(t, applied)
}

func TestAgentConditionPendingToPass(t *testing.T) {
	task := claimedTask()
	fx := newFixture(t, task)
	fx.rebuild(flowWithAgentCondition(), &mailboxConds{store: fx.store, name: "security-review", agent: "security-bot"})
	inst := instanceFor(t, fx, task)
	fx.writeResult(t, inst, `{"outcome":"done"}`)

	// Tick 1: the condition is pending, a decision worker is spawned and the
	// implementation result stays parked
	action, err := fx.handler.Handle(context.Background(), inst)
	require.NoError(t, err)
	require.Equal(t, ActionPending, action)
	require.Len(t, fx.agents.spawned, 1)

	// Tick 2: the decision worker exits with an approval
	dinst := &types.Instance{
		ID:          "cond-inst-1",
		Blueprint:   "security-bot",
		PID:         1,
		TaskID:      task.ID,
		SandboxPath: inst.SandboxPath,
		Condition:   "security-review",
	}
	fx.writeDecision(t, dinst, `{"outcome":"done","decision":"approve"}`)
	fx.pool.live = nil // its process is gone

	action, err = fx.handler.Handle(context.Background(), dinst)
	require.NoError(t, err)
	require.Equal(t, ActionApplied, action)
	require.Len(t, fx.store.messages, 1)

	// Tick 3: the decision message satisfies the condition and the original
	// result finally advances the task
	action, err = fx.handler.Handle(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, ActionApplied, action)
	assert.Equal(t, []string{"task-1"}, fx.store.submits)
	require.Len(t, fx.steps.executed, 1)
	assert.Equal(t, []string{"push_branch", "create_pr", "submit_to_server"}, fx.steps.executed[0])
	assert.Contains(t, fx.pool.removed, "inst-1")
	assert.Len(t, fx.agents.spawned, 1, "no further decision worker once decided")
}

func TestHandleSameResultTwiceIsIdempotent(t *testing.T) {
	task := claimedTask()
	fx := newFixture(t, task)
	inst := instanceFor(t, fx, task)
	fx.writeResult(t, inst, `{"outcome":"done"}`)

	_, err := fx.handler.Handle(context.Background(), inst)
	require.NoError(t, err)

	// Simulate a crashed tick replaying the same instance
	fx.writeResult(t, inst, `{"outcome":"done"}`)
	action, err := fx.handler.Handle(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, ActionAlreadyApplied, action)
	assert.Len(t, fx.store.submits, 1, "the transition must land exactly once")
	assert.Len(t, fx.steps.executed, 1)
}
