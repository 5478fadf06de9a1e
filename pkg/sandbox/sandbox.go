package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/types"
)

const (
	// PromptFile is the rendered prompt handed to the worker
	PromptFile = "PROMPT.md"

	// metaDir holds drover-owned files inside a sandbox
	metaDir = ".drover"

	// ResultFile is the well-known path the worker writes its result to,
	// relative to the sandbox root
	ResultFile = metaDir + "/result.json"

	manifestFile = metaDir + "/task.json"
	envFile      = metaDir + "/env"
	helperDir    = metaDir + "/bin"
)

// DecisionFile returns the well-known path a decision worker writes its
// verdict to, relative to the sandbox root. One file per condition so two
// agent conditions on the same transition never clobber each other.
func DecisionFile(conditionName string) string {
	return metaDir + "/decision-" + filepath.Base(conditionName) + ".json"
}

// Git is the subset of the vcs adapter the sandbox manager needs
type Git interface {
	BranchHead(ctx context.Context, branch string) (string, error)
	HeadCommit(ctx context.Context, dir string) (string, error)
	IsDetached(ctx context.Context, dir string) (bool, error)
	IsAncestor(ctx context.Context, dir, ancestor, descendant string) (bool, error)
	AddWorktreeDetached(ctx context.Context, path, commit string) error
	RemoveWorktree(ctx context.Context, path string) error
	CommitsAhead(ctx context.Context, dir, base string) (int, error)
	CreateBranchAt(ctx context.Context, dir, branch string) error
	Push(ctx context.Context, dir, remote, branch string) error
}

// HelperScript is a per-blueprint script written into the sandbox.
// The {{interpreter}} placeholder in Body is replaced at write time.
type HelperScript struct {
	Name string
	Body string
}

// Spec describes everything a sandbox needs at creation time
type Spec struct {
	Task      *types.Task
	Blueprint *types.Blueprint
	Prompt    string
	Env       map[string]string
	Helpers   []HelperScript
}

// Manifest is the machine-readable task record written into each sandbox
type Manifest struct {
	TaskID     string    `json:"task_id"`
	Blueprint  string    `json:"blueprint"`
	BaseBranch string    `json:"base_branch"`
	BaseCommit string    `json:"base_commit"`
	Branch     string    `json:"branch"`
	CreatedAt  time.Time `json:"created_at"`
}

// Manager creates and destroys per-task working directories
type Manager struct {
	baseDir     string
	git         Git
	remote      string
	interpreter string
}

// Config holds sandbox manager configuration
type Config struct {
	BaseDir     string
	Remote      string // Push remote, default "origin"
	Interpreter string // Substituted for {{interpreter}} in helper scripts
}

// NewManager creates a sandbox manager
func NewManager(cfg Config, git Git) (*Manager, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("sandbox base directory is required")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox base dir: %w", err)
	}

	remote := cfg.Remote
	if remote == "" {
		remote = "origin"
	}
	interpreter := cfg.Interpreter
	if interpreter == "" {
		interpreter = "/bin/sh"
	}

	return &Manager{
		baseDir:     cfg.BaseDir,
		git:         git,
		remote:      remote,
		interpreter: interpreter,
	}, nil
}

// Path returns the sandbox path for a task
func (m *Manager) Path(taskID string) string {
	// filepath.Base guards against path traversal through task IDs
	return filepath.Join(m.baseDir, filepath.Base(taskID))
}

// Exists reports whether a sandbox directory exists for the task
func (m *Manager) Exists(taskID string) bool {
	_, err := os.Stat(m.Path(taskID))
	return err == nil
}

// ResultPath returns the absolute path of the worker's result document
func (m *Manager) ResultPath(sandboxPath string) string {
	return filepath.Join(sandboxPath, ResultFile)
}

// DecisionPath returns the absolute path of a decision worker's verdict
// document for one condition
func (m *Manager) DecisionPath(sandboxPath, conditionName string) string {
	return filepath.Join(sandboxPath, DecisionFile(conditionName))
}

// Ensure creates (or reuses) the sandbox for a task and returns its path.
// The worktree is always created detached; a named branch would serialize
// parallel workers because git refuses to check out a branch twice.
func (m *Manager) Ensure(ctx context.Context, spec Spec) (string, error) {
	task := spec.Task
	path := m.Path(task.ID)
	logger := log.WithTaskID(task.ID)

	baseHead, err := m.git.BranchHead(ctx, task.BaseRef())
	if err != nil {
		return "", fmt.Errorf("failed to resolve base branch %s: %w", task.BaseRef(), err)
	}

	if m.Exists(task.ID) {
		// Reuse only if the existing tree still descends from the base head
		ok, err := m.git.IsAncestor(ctx, path, baseHead, "HEAD")
		if err == nil && ok {
			logger.Debug().Str("path", path).Msg("reusing existing sandbox")
			if err := m.render(path, spec); err != nil {
				return "", err
			}
			return path, m.assertDetached(ctx, path)
		}
		logger.Info().Str("path", path).Msg("sandbox stale relative to base, recreating")
		if err := m.Destroy(ctx, task.ID, false); err != nil {
			return "", fmt.Errorf("failed to destroy stale sandbox: %w", err)
		}
	}

	if err := m.git.AddWorktreeDetached(ctx, path, baseHead); err != nil {
		return "", fmt.Errorf("failed to create worktree: %w", err)
	}

	if err := m.render(path, spec); err != nil {
		return "", err
	}

	if err := m.assertDetached(ctx, path); err != nil {
		return "", err
	}

	logger.Info().Str("path", path).Str("base_commit", baseHead).Msg("sandbox created")
	return path, nil
}

// assertDetached fails loudly if the worktree holds a named branch. This
// invariant has been violated repeatedly by past implementations and has
// cost hours each time; do not soften it.
func (m *Manager) assertDetached(ctx context.Context, path string) error {
	detached, err := m.git.IsDetached(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to inspect HEAD of %s: %w", path, err)
	}
	if !detached {
		return fmt.Errorf("sandbox %s has a named branch checked out; sandboxes must stay detached", path)
	}
	return nil
}

// render writes the prompt, manifest, environment file, and helper scripts
func (m *Manager) render(path string, spec Spec) error {
	if err := os.MkdirAll(filepath.Join(path, helperDir), 0o755); err != nil {
		return fmt.Errorf("failed to create sandbox meta dir: %w", err)
	}

	if err := os.WriteFile(filepath.Join(path, PromptFile), []byte(spec.Prompt), 0o644); err != nil {
		return fmt.Errorf("failed to write prompt: %w", err)
	}

	baseHead := ""
	if head, err := m.git.HeadCommit(context.Background(), path); err == nil {
		baseHead = head
	}
	manifest := Manifest{
		TaskID:     spec.Task.ID,
		Blueprint:  spec.Blueprint.Name,
		BaseBranch: spec.Task.BaseRef(),
		BaseCommit: baseHead,
		Branch:     spec.Task.BranchName(),
		CreatedAt:  time.Now(),
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, manifestFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.WriteFile(filepath.Join(path, envFile), []byte(renderEnv(spec.Env)), 0o644); err != nil {
		return fmt.Errorf("failed to write env file: %w", err)
	}

	for _, h := range spec.Helpers {
		body := strings.ReplaceAll(h.Body, "{{interpreter}}", m.interpreter)
		dest := filepath.Join(path, helperDir, filepath.Base(h.Name))
		if err := os.WriteFile(dest, []byte(body), 0o755); err != nil {
			return fmt.Errorf("failed to write helper %s: %w", h.Name, err)
		}
	}

	return nil
}

// ReadManifest reads the task manifest from a sandbox
func (m *Manager) ReadManifest(taskID string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(m.Path(taskID), manifestFile))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("malformed sandbox manifest: %w", err)
	}
	return &manifest, nil
}

// HasCommits reports whether the sandbox has commits ahead of its base
func (m *Manager) HasCommits(ctx context.Context, taskID string) (bool, error) {
	manifest, err := m.ReadManifest(taskID)
	if err != nil {
		return false, err
	}
	n, err := m.git.CommitsAhead(ctx, m.Path(taskID), manifest.BaseCommit)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Destroy removes the sandbox for a task. Idempotent: a missing sandbox is
// not an error. When pushCommits is set and the tree is ahead of its base,
// the detached HEAD is named and pushed before removal.
func (m *Manager) Destroy(ctx context.Context, taskID string, pushCommits bool) error {
	path := m.Path(taskID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	logger := log.WithTaskID(taskID)

	if pushCommits {
		manifest, err := m.ReadManifest(taskID)
		if err == nil {
			ahead, err := m.git.CommitsAhead(ctx, path, manifest.BaseCommit)
			if err == nil && ahead > 0 {
				if err := m.git.CreateBranchAt(ctx, path, manifest.Branch); err != nil {
					return fmt.Errorf("failed to name branch before destroy: %w", err)
				}
				if err := m.git.Push(ctx, path, m.remote, manifest.Branch); err != nil {
					return fmt.Errorf("failed to push before destroy: %w", err)
				}
				logger.Info().Str("branch", manifest.Branch).Int("commits", ahead).Msg("pushed sandbox commits before destroy")
			}
		}
	}

	if err := m.git.RemoveWorktree(ctx, path); err != nil {
		// The directory may not be a registered worktree (partial create);
		// fall back to removing the files
		logger.Debug().Err(err).Msg("worktree remove failed, removing directory")
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to remove sandbox directory: %w", err)
		}
	}

	logger.Info().Str("path", path).Msg("sandbox destroyed")
	return nil
}

// List returns the task IDs of all existing sandboxes, sorted
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func renderEnv(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, env[k])
	}
	return b.String()
}
