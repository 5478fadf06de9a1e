package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 60 * time.Second

// Runner executes one git invocation in dir and returns trimmed stdout.
// This is the seam for testing — swap with a fake that records calls.
type Runner func(ctx context.Context, dir string, args ...string) (string, error)

// ExecRunner runs the real git binary
func ExecRunner(ctx context.Context, dir string, args ...string) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Repo is a narrow adapter over a git repository and its worktrees
type Repo struct {
	root string
	run  Runner
}

// NewRepo creates an adapter rooted at the main repository checkout
func NewRepo(root string, run Runner) *Repo {
	if run == nil {
		run = ExecRunner
	}
	return &Repo{root: root, run: run}
}

// Root returns the main repository path
func (r *Repo) Root() string {
	return r.root
}

// BranchHead resolves the current commit of a branch in the main repository
func (r *Repo) BranchHead(ctx context.Context, branch string) (string, error) {
	return r.run(ctx, r.root, "rev-parse", "refs/heads/"+branch)
}

// HeadCommit resolves HEAD of the given working tree
func (r *Repo) HeadCommit(ctx context.Context, dir string) (string, error) {
	return r.run(ctx, dir, "rev-parse", "HEAD")
}

// IsDetached reports whether the working tree's HEAD is detached.
// git symbolic-ref fails when no named branch is checked out.
func (r *Repo) IsDetached(ctx context.Context, dir string) (bool, error) {
	_, err := r.run(ctx, dir, "symbolic-ref", "-q", "HEAD")
	if err != nil {
		return true, nil
	}
	return false, nil
}

// IsAncestor reports whether ancestor is reachable from descendant in dir
func (r *Repo) IsAncestor(ctx context.Context, dir, ancestor, descendant string) (bool, error) {
	_, err := r.run(ctx, dir, "merge-base", "--is-ancestor", ancestor, descendant)
	if err != nil {
		// merge-base exits 1 when not an ancestor; the runner folds exit
		// codes into errors, so a failure here means "no"
		return false, nil
	}
	return true, nil
}

// AddWorktreeDetached creates a new working tree at path, detached at commit.
// Detaching is what permits unbounded parallel worktrees: git refuses to
// check out a branch that is already checked out elsewhere.
func (r *Repo) AddWorktreeDetached(ctx context.Context, path, commit string) error {
	_, err := r.run(ctx, r.root, "worktree", "add", "--detach", path, commit)
	return err
}

// RemoveWorktree removes a working tree and prunes its registration
func (r *Repo) RemoveWorktree(ctx context.Context, path string) error {
	if _, err := r.run(ctx, r.root, "worktree", "remove", "--force", path); err != nil {
		return err
	}
	_, err := r.run(ctx, r.root, "worktree", "prune")
	return err
}

// CommitsAhead counts commits in dir's HEAD not reachable from base
func (r *Repo) CommitsAhead(ctx context.Context, dir, base string) (int, error) {
	out, err := r.run(ctx, dir, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("unexpected rev-list output %q: %w", out, err)
	}
	return n, nil
}

// CreateBranchAt names the working tree's detached HEAD.
// Called only at push time; sandboxes themselves never hold a branch.
func (r *Repo) CreateBranchAt(ctx context.Context, dir, branch string) error {
	_, err := r.run(ctx, dir, "branch", "--force", branch, "HEAD")
	return err
}

// Push pushes a branch to the remote
func (r *Repo) Push(ctx context.Context, dir, remote, branch string) error {
	_, err := r.run(ctx, dir, "push", "--force-with-lease", remote, branch)
	return err
}

// Fetch updates remote tracking refs in the main repository
func (r *Repo) Fetch(ctx context.Context, remote string) error {
	_, err := r.run(ctx, r.root, "fetch", remote)
	return err
}

// Rebase rebases the working tree's HEAD onto the given ref
func (r *Repo) Rebase(ctx context.Context, dir, onto string) error {
	_, err := r.run(ctx, dir, "rebase", onto)
	return err
}
