package spawn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/sandbox"
	"github.com/droverhq/drover/pkg/store"
	"github.com/droverhq/drover/pkg/types"
)

type fakeSandboxes struct {
	path  string
	err   error
	specs []sandbox.Spec
}

func (f *fakeSandboxes) Ensure(_ context.Context, spec sandbox.Spec) (string, error) {
	f.specs = append(f.specs, spec)
	if f.err != nil {
		return "", f.err
	}
	return f.path, nil
}

type fakePool struct {
	added []*types.Instance
	err   error
}

func (f *fakePool) Add(inst *types.Instance) error {
	if f.err != nil {
		return f.err
	}
	f.added = append(f.added, inst)
	return nil
}

type fakeMailbox struct {
	messages []*types.Message
}

func (f *fakeMailbox) ListMessages(_ context.Context, _ store.MessageQuery) ([]*types.Message, error) {
	return f.messages, nil
}

func fakeStarter(pid int, err error, got *[]ProcessSpec) ProcessStarter {
	return func(_ context.Context, spec ProcessSpec) (int, error) {
		*got = append(*got, spec)
		return pid, err
	}
}

func taskBoundBlueprint() *types.Blueprint {
	return &types.Blueprint{
		Name:         "impl-1",
		Role:         "implement",
		Model:        "big-model",
		MaxTurns:     40,
		AllowedTools: []string{"edit", "bash"},
		SpawnMode:    types.SpawnTaskBound,
	}
}

func TestSpawnTaskBound(t *testing.T) {
	sb := &fakeSandboxes{path: "/work/task-1"}
	pool := &fakePool{}
	var started []ProcessSpec
	s := NewSpawner(Config{WorkerBin: "worker"}, sb, pool, &fakeMailbox{}, fakeStarter(4242, nil, &started))

	task := &types.Task{ID: "task-1", Title: "Add docstring", Body: "add docstring to foo"}
	inst, err := s.Spawn(context.Background(), taskBoundBlueprint(), task)
	require.NoError(t, err)

	require.NotNil(t, inst)
	assert.Equal(t, 4242, inst.PID)
	assert.Equal(t, "task-1", inst.TaskID)
	assert.Equal(t, "/work/task-1", inst.SandboxPath)
	assert.NotEmpty(t, inst.ID)

	require.Len(t, started, 1)
	assert.Equal(t, []string{"worker", "--model", "big-model", "--max-turns", "40", "--allowed-tools", "edit,bash"}, started[0].Command)
	assert.Equal(t, "/work/task-1", started[0].Dir)
	assert.Contains(t, started[0].Stdin, "add docstring to foo")

	require.Len(t, pool.added, 1)
	assert.Same(t, inst, pool.added[0])

	require.Len(t, sb.specs, 1)
	assert.Equal(t, started[0].Stdin, sb.specs[0].Prompt, "sandbox prompt and stdin must match")
}

func TestSpawnTaskBoundRequiresTask(t *testing.T) {
	s := NewSpawner(Config{}, &fakeSandboxes{}, &fakePool{}, nil, fakeStarter(1, nil, &[]ProcessSpec{}))

	_, err := s.Spawn(context.Background(), taskBoundBlueprint(), nil)
	require.Error(t, err)
}

func TestSpawnSandboxFailureAborts(t *testing.T) {
	var started []ProcessSpec
	s := NewSpawner(Config{}, &fakeSandboxes{err: errors.New("git broke")}, &fakePool{}, nil, fakeStarter(1, nil, &started))

	_, err := s.Spawn(context.Background(), taskBoundBlueprint(), &types.Task{ID: "task-1", Body: "x"})
	require.Error(t, err)
	assert.Empty(t, started, "no process may start without a sandbox")
}

func TestSpawnTaskless(t *testing.T) {
	pool := &fakePool{}
	var started []ProcessSpec
	s := NewSpawner(Config{WorkerBin: "worker", RepoRoot: "/repo"}, &fakeSandboxes{}, pool, nil, fakeStarter(77, nil, &started))

	bp := &types.Blueprint{Name: "analyst", Role: "analyze", SpawnMode: types.SpawnTaskless}
	inst, err := s.Spawn(context.Background(), bp, nil)
	require.NoError(t, err)

	require.NotNil(t, inst)
	assert.Empty(t, inst.TaskID)
	assert.Empty(t, inst.SandboxPath)

	require.Len(t, started, 1)
	assert.Equal(t, "/repo", started[0].Dir)
	require.Len(t, pool.added, 1)
}

func TestSpawnLightweight(t *testing.T) {
	s := NewSpawner(Config{}, &fakeSandboxes{}, &fakePool{}, nil, fakeStarter(0, errors.New("must not start a process"), &[]ProcessSpec{}))

	called := false
	s.RegisterLightweight("monitor", func(_ context.Context) error {
		called = true
		return nil
	})

	bp := &types.Blueprint{Name: "monitor", SpawnMode: types.SpawnLightweight}
	inst, err := s.Spawn(context.Background(), bp, nil)
	require.NoError(t, err)
	assert.Nil(t, inst)
	assert.True(t, called)
}

func TestSpawnLightweightUnregistered(t *testing.T) {
	s := NewSpawner(Config{}, &fakeSandboxes{}, &fakePool{}, nil, fakeStarter(0, nil, &[]ProcessSpec{}))

	bp := &types.Blueprint{Name: "ghost", SpawnMode: types.SpawnLightweight}
	_, err := s.Spawn(context.Background(), bp, nil)
	require.Error(t, err)
}

func TestRegisterLightweightDuplicatePanics(t *testing.T) {
	s := NewSpawner(Config{}, &fakeSandboxes{}, &fakePool{}, nil, fakeStarter(0, nil, &[]ProcessSpec{}))
	s.RegisterLightweight("monitor", func(_ context.Context) error { return nil })

	assert.Panics(t, func() {
		s.RegisterLightweight("monitor", func(_ context.Context) error { return nil })
	})
}

func TestSpawnCondition(t *testing.T) {
	pool := &fakePool{}
	var started []ProcessSpec
	s := NewSpawner(Config{WorkerBin: "worker", RepoRoot: "/repo"}, &fakeSandboxes{}, pool, nil, fakeStarter(314, nil, &started))

	sandboxPath := t.TempDir()
	task := &types.Task{ID: "task-1", Title: "Add docstring", Body: "add docstring to foo"}
	bp := &types.Blueprint{Name: "security-bot", Role: "security review", SpawnMode: types.SpawnTaskBound}

	inst, err := s.SpawnCondition(context.Background(), bp, task, "security-review", sandboxPath)
	require.NoError(t, err)

	require.NotNil(t, inst)
	assert.Equal(t, "security-review", inst.Condition)
	assert.Equal(t, "task-1", inst.TaskID)
	assert.Equal(t, sandboxPath, inst.SandboxPath)

	require.Len(t, started, 1)
	assert.Equal(t, sandboxPath, started[0].Dir, "the verdict is about the sandbox, not the repo root")
	assert.Contains(t, started[0].Env, "DROVER_RESULT_FILE=.drover/decision-security-review.json")
	assert.Contains(t, started[0].Env, "DROVER_CONDITION=security-review")
	assert.Contains(t, started[0].Stdin, ".drover/decision-security-review.json")
	assert.Contains(t, started[0].Stdin, "add docstring to foo")

	require.Len(t, pool.added, 1)
	assert.Same(t, inst, pool.added[0])

	// The meta directory exists so the worker and its log have a destination
	_, statErr := os.Stat(filepath.Join(sandboxPath, ".drover"))
	assert.NoError(t, statErr)
}

func TestSpawnConditionRequiresSandboxPath(t *testing.T) {
	var started []ProcessSpec
	s := NewSpawner(Config{WorkerBin: "worker"}, &fakeSandboxes{}, &fakePool{}, nil, fakeStarter(1, nil, &started))

	bp := &types.Blueprint{Name: "security-bot", SpawnMode: types.SpawnTaskBound}
	_, err := s.SpawnCondition(context.Background(), bp, &types.Task{ID: "task-1"}, "review", "")
	require.Error(t, err)
	assert.Empty(t, started)
}

func TestPromptIncludesRejectionHistory(t *testing.T) {
	now := time.Now()
	mb := &fakeMailbox{messages: []*types.Message{
		{Type: types.MessageRejection, Body: "second: still failing lint", CreatedAt: now},
		{Type: types.MessageRejection, Body: "first: tests fail", CreatedAt: now.Add(-time.Hour)},
	}}
	sb := &fakeSandboxes{path: "/work/task-1"}
	var started []ProcessSpec
	s := NewSpawner(Config{WorkerBin: "worker"}, sb, &fakePool{}, mb, fakeStarter(9, nil, &started))

	_, err := s.Spawn(context.Background(), taskBoundBlueprint(), &types.Task{ID: "task-1", Title: "T", Body: "do it"})
	require.NoError(t, err)

	prompt := started[0].Stdin
	assert.Contains(t, prompt, "Review history")
	// Chronological order regardless of mailbox order
	first := strings.Index(prompt, "first: tests fail")
	second := strings.Index(prompt, "second: still failing lint")
	require.GreaterOrEqual(t, first, 0)
	require.GreaterOrEqual(t, second, 0)
	assert.Less(t, first, second)
}

func TestUnknownSpawnMode(t *testing.T) {
	s := NewSpawner(Config{}, &fakeSandboxes{}, &fakePool{}, nil, fakeStarter(0, nil, &[]ProcessSpec{}))

	bp := &types.Blueprint{Name: "weird", SpawnMode: "orbital"}
	_, err := s.Spawn(context.Background(), bp, nil)
	require.Error(t, err)
}
