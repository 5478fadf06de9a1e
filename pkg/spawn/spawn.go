package spawn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/sandbox"
	"github.com/droverhq/drover/pkg/store"
	"github.com/droverhq/drover/pkg/types"
)

// ProcessSpec describes a worker subprocess to launch
type ProcessSpec struct {
	Command []string
	Dir     string
	Stdin   string // rendered prompt
	Env     []string
	LogPath string // worker stdout/stderr destination, empty discards
}

// ProcessStarter launches a detached worker process and returns its PID.
// The production implementation is StartProcess; tests swap in fakes.
type ProcessStarter func(ctx context.Context, spec ProcessSpec) (int, error)

// StartProcess launches the worker in its own session so it survives the
// tick process exiting. The scheduler never waits on workers; it observes
// their termination through the pool.
func StartProcess(_ context.Context, spec ProcessSpec) (int, error) {
	if len(spec.Command) == 0 {
		return 0, fmt.Errorf("empty worker command")
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Stdin = strings.NewReader(spec.Stdin)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if spec.LogPath != "" {
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("failed to open worker log: %w", err)
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start worker: %w", err)
	}
	pid := cmd.Process.Pid

	// Release and reap asynchronously so the child never zombies while this
	// process is alive
	go cmd.Wait() //nolint:errcheck

	return pid, nil
}

// Sandboxes is the slice of the sandbox manager the spawner uses
type Sandboxes interface {
	Ensure(ctx context.Context, spec sandbox.Spec) (string, error)
}

// Pool records spawned instances
type Pool interface {
	Add(inst *types.Instance) error
}

// Mailbox reads rejection history for prompt rendering
type Mailbox interface {
	ListMessages(ctx context.Context, q store.MessageQuery) ([]*types.Message, error)
}

// LightweightFunc is an in-process worker invoked directly by the spawner.
// Intended for monitors that only make API calls.
type LightweightFunc func(ctx context.Context) error

// Config holds spawner configuration
type Config struct {
	// WorkerBin is the worker runtime executable
	WorkerBin string
	// RepoRoot is the working directory for taskless workers
	RepoRoot string
	// Env entries added to every worker
	Env map[string]string
}

// Spawner selects and executes the spawn strategy for a blueprint.
// Strategies never touch task state; transitions belong to the result
// handler alone.
type Spawner struct {
	cfg         Config
	sandboxes   Sandboxes
	pool        Pool
	mailbox     Mailbox
	start       ProcessStarter
	lightweight map[string]LightweightFunc
}

// NewSpawner creates a spawner. A nil starter uses StartProcess.
func NewSpawner(cfg Config, sandboxes Sandboxes, pool Pool, mailbox Mailbox, starter ProcessStarter) *Spawner {
	if starter == nil {
		starter = StartProcess
	}
	return &Spawner{
		cfg:         cfg,
		sandboxes:   sandboxes,
		pool:        pool,
		mailbox:     mailbox,
		start:       starter,
		lightweight: make(map[string]LightweightFunc),
	}
}

// RegisterLightweight registers the in-process function for a lightweight
// blueprint. Panics on duplicate registration, like the step registry.
func (s *Spawner) RegisterLightweight(blueprint string, fn LightweightFunc) {
	if _, ok := s.lightweight[blueprint]; ok {
		panic(fmt.Sprintf("lightweight worker %q registered twice", blueprint))
	}
	s.lightweight[blueprint] = fn
}

// Spawn launches one worker for the blueprint. task is required for
// task-bound blueprints and ignored otherwise. Returns the recorded
// instance; lightweight spawns return nil because nothing outlives the call.
func (s *Spawner) Spawn(ctx context.Context, bp *types.Blueprint, task *types.Task) (*types.Instance, error) {
	switch bp.SpawnMode {
	case types.SpawnTaskBound:
		if task == nil {
			return nil, fmt.Errorf("blueprint %s is task-bound but no task was claimed", bp.Name)
		}
		return s.spawnTaskBound(ctx, bp, task)
	case types.SpawnTaskless:
		return s.spawnTaskless(ctx, bp)
	case types.SpawnLightweight:
		return nil, s.spawnLightweight(ctx, bp)
	default:
		return nil, fmt.Errorf("blueprint %s has unknown spawn mode %q", bp.Name, bp.SpawnMode)
	}
}

func (s *Spawner) spawnTaskBound(ctx context.Context, bp *types.Blueprint, task *types.Task) (*types.Instance, error) {
	logger := log.WithBlueprint(bp.Name)

	rejections, err := s.rejectionHistory(ctx, task.ID)
	if err != nil {
		// History is additive context, not a prerequisite
		logger.Warn().Err(err).Str("task_id", task.ID).Msg("could not load rejection history")
	}
	prompt := BuildPrompt(bp, task, rejections)

	path, err := s.sandboxes.Ensure(ctx, sandbox.Spec{
		Task:      task,
		Blueprint: bp,
		Prompt:    prompt,
		Env:       s.workerEnvMap(bp, task),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure sandbox for %s: %w", task.ID, err)
	}

	instanceID := uuid.New().String()
	pid, err := s.start(ctx, ProcessSpec{
		Command: s.workerCommand(bp),
		Dir:     path,
		Stdin:   prompt,
		Env:     s.workerEnv(bp, task, instanceID),
		LogPath: filepath.Join(path, ".drover", "worker.log"),
	})
	if err != nil {
		return nil, err
	}

	inst := &types.Instance{
		ID:          instanceID,
		Blueprint:   bp.Name,
		PID:         pid,
		TaskID:      task.ID,
		SandboxPath: path,
		StartedAt:   time.Now(),
	}
	if err := s.pool.Add(inst); err != nil {
		return nil, fmt.Errorf("worker %d started but could not be tracked: %w", pid, err)
	}

	metrics.SpawnsTotal.WithLabelValues(bp.Name, string(bp.SpawnMode)).Inc()
	logger.Info().Int("pid", pid).Str("task_id", task.ID).Str("sandbox", path).Msg("worker spawned")
	return inst, nil
}

func (s *Spawner) spawnTaskless(ctx context.Context, bp *types.Blueprint) (*types.Instance, error) {
	instanceID := uuid.New().String()
	prompt := BuildTasklessPrompt(bp)

	pid, err := s.start(ctx, ProcessSpec{
		Command: s.workerCommand(bp),
		Dir:     s.cfg.RepoRoot,
		Stdin:   prompt,
		Env:     s.workerEnv(bp, nil, instanceID),
	})
	if err != nil {
		return nil, err
	}

	inst := &types.Instance{
		ID:        instanceID,
		Blueprint: bp.Name,
		PID:       pid,
		StartedAt: time.Now(),
	}
	if err := s.pool.Add(inst); err != nil {
		return nil, fmt.Errorf("worker %d started but could not be tracked: %w", pid, err)
	}

	metrics.SpawnsTotal.WithLabelValues(bp.Name, string(bp.SpawnMode)).Inc()
	logger := log.WithBlueprint(bp.Name)
	logger.Info().Int("pid", pid).Msg("taskless worker spawned")
	return inst, nil
}

// SpawnCondition launches a decision worker for a pending agent condition.
// The worker runs against the task's sandbox and writes its verdict to the
// condition's decision file; the result handler turns that file into a
// decision message. The sandbox is reused as-is: re-rendering it here would
// clobber the implementation worker's output.
func (s *Spawner) SpawnCondition(ctx context.Context, bp *types.Blueprint, task *types.Task, conditionName, sandboxPath string) (*types.Instance, error) {
	if sandboxPath == "" {
		return nil, fmt.Errorf("decision worker for %q needs a sandbox path", conditionName)
	}
	// The path may not exist yet when the condition guards a hook transition
	if err := os.MkdirAll(filepath.Join(sandboxPath, ".drover"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare decision directory: %w", err)
	}

	instanceID := uuid.New().String()
	prompt := BuildConditionPrompt(bp, task, conditionName)

	env := s.workerEnvMap(bp, task)
	env["DROVER_RESULT_FILE"] = sandbox.DecisionFile(conditionName)
	env["DROVER_CONDITION"] = conditionName
	env["DROVER_INSTANCE_ID"] = instanceID

	pid, err := s.start(ctx, ProcessSpec{
		Command: s.workerCommand(bp),
		Dir:     sandboxPath,
		Stdin:   prompt,
		Env:     envList(env),
		LogPath: filepath.Join(sandboxPath, ".drover", "decision-"+conditionName+".log"),
	})
	if err != nil {
		return nil, err
	}

	inst := &types.Instance{
		ID:          instanceID,
		Blueprint:   bp.Name,
		PID:         pid,
		TaskID:      task.ID,
		SandboxPath: sandboxPath,
		Condition:   conditionName,
		StartedAt:   time.Now(),
	}
	if err := s.pool.Add(inst); err != nil {
		return nil, fmt.Errorf("worker %d started but could not be tracked: %w", pid, err)
	}

	metrics.SpawnsTotal.WithLabelValues(bp.Name, "condition").Inc()
	logger := log.WithBlueprint(bp.Name)
	logger.Info().Int("pid", pid).Str("task_id", task.ID).Str("condition", conditionName).Msg("decision worker spawned")
	return inst, nil
}

func (s *Spawner) spawnLightweight(ctx context.Context, bp *types.Blueprint) error {
	fn, ok := s.lightweight[bp.Name]
	if !ok {
		return fmt.Errorf("blueprint %s is lightweight but no function is registered", bp.Name)
	}
	metrics.SpawnsTotal.WithLabelValues(bp.Name, string(bp.SpawnMode)).Inc()
	if err := fn(ctx); err != nil {
		return fmt.Errorf("lightweight worker %s: %w", bp.Name, err)
	}
	return nil
}

// workerCommand assembles the worker runtime invocation from the blueprint
func (s *Spawner) workerCommand(bp *types.Blueprint) []string {
	cmd := []string{s.cfg.WorkerBin}
	if bp.Model != "" {
		cmd = append(cmd, "--model", bp.Model)
	}
	if bp.MaxTurns > 0 {
		cmd = append(cmd, "--max-turns", strconv.Itoa(bp.MaxTurns))
	}
	if len(bp.AllowedTools) > 0 {
		cmd = append(cmd, "--allowed-tools", strings.Join(bp.AllowedTools, ","))
	}
	cmd = append(cmd, bp.WorkerArgs...)
	return cmd
}

func (s *Spawner) workerEnvMap(bp *types.Blueprint, task *types.Task) map[string]string {
	env := map[string]string{
		"DROVER_BLUEPRINT": bp.Name,
		"DROVER_ROLE":      bp.Role,
	}
	if task != nil {
		env["DROVER_TASK_ID"] = task.ID
		env["DROVER_RESULT_FILE"] = sandbox.ResultFile
	}
	for k, v := range s.cfg.Env {
		env[k] = v
	}
	return env
}

func (s *Spawner) workerEnv(bp *types.Blueprint, task *types.Task, instanceID string) []string {
	env := s.workerEnvMap(bp, task)
	env["DROVER_INSTANCE_ID"] = instanceID
	return envList(env)
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func (s *Spawner) rejectionHistory(ctx context.Context, taskID string) ([]*types.Message, error) {
	if s.mailbox == nil {
		return nil, nil
	}
	return s.mailbox.ListMessages(ctx, store.MessageQuery{
		TaskID: taskID,
		Type:   types.MessageRejection,
	})
}
