package step

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/droverhq/drover/pkg/forge"
	"github.com/droverhq/drover/pkg/store"
	"github.com/droverhq/drover/pkg/types"
)

// Git is the subset of the vcs adapter builtin steps need
type Git interface {
	CreateBranchAt(ctx context.Context, dir, branch string) error
	Push(ctx context.Context, dir, remote, branch string) error
	Fetch(ctx context.Context, remote string) error
	Rebase(ctx context.Context, dir, onto string) error
}

// Store is the subset of the store adapter builtin steps need
type Store interface {
	Submit(ctx context.Context, id string, pr store.PRInfo) (*types.Task, error)
	Update(ctx context.Context, id string, fields map[string]any, expectedVersion int64) (*types.Task, error)
	CreateMessage(ctx context.Context, msg *types.Message) (*types.Message, error)
}

// ScriptRunner executes a command in a directory. Seam for tests.
type ScriptRunner func(ctx context.Context, dir string, command []string) error

// ExecScriptRunner runs the command with a timeout, folding stderr into the error
func ExecScriptRunner(ctx context.Context, dir string, command []string) error {
	if len(command) == 0 {
		return fmt.Errorf("empty command")
	}

	execCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(execCtx, command[0], command[1:]...)
	cmd.Dir = dir

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %s", strings.Join(command, " "), strings.TrimSpace(output.String()))
	}
	return nil
}

// Deps holds the collaborators builtin steps are wired against
type Deps struct {
	Store       Store
	Git         Git
	Forge       forge.Forge
	Remote      string   // push remote, default "origin"
	TestCommand []string // command run_tests executes in the sandbox
	RunScript   ScriptRunner
}

// RegisterBuiltins registers the standard step set
func RegisterBuiltins(r *Registry, deps Deps) {
	if deps.Remote == "" {
		deps.Remote = "origin"
	}
	if deps.RunScript == nil {
		deps.RunScript = ExecScriptRunner
	}

	r.Register("push_branch", deps.pushBranch)
	r.Register("run_tests", deps.runTests)
	r.Register("create_pr", deps.createPR)
	r.Register("submit_to_server", deps.submitToServer)
	r.Register("post_review_comment", deps.postReviewComment)
	r.Register("merge_pr", deps.mergePR)
	r.Register("reject_with_feedback", deps.rejectWithFeedback)
	r.Register("create_project_pr", deps.createProjectPR)
	r.Register("merge_project_pr", deps.mergePR)
	r.Register("rebase_on_project_branch", deps.rebaseOnProjectBranch)
}

// pushBranch names the sandbox's detached HEAD and pushes it. This is the
// only place a sandbox's work acquires a branch name.
func (d Deps) pushBranch(ctx context.Context, sc *Context) error {
	branch := sc.Task.BranchName()
	if err := d.Git.CreateBranchAt(ctx, sc.SandboxPath, branch); err != nil {
		return fmt.Errorf("failed to name branch %s: %w", branch, err)
	}
	if err := d.Git.Push(ctx, sc.SandboxPath, d.Remote, branch); err != nil {
		return fmt.Errorf("failed to push branch %s: %w", branch, err)
	}
	sc.Task.Branch = branch
	return nil
}

// runTests executes the configured test command inside the sandbox
func (d Deps) runTests(ctx context.Context, sc *Context) error {
	if len(d.TestCommand) == 0 {
		return nil
	}
	return d.RunScript(ctx, sc.SandboxPath, d.TestCommand)
}

// createPR opens a pull request for the task's branch. Idempotent: an
// existing open PR on the branch is adopted instead of duplicated.
func (d Deps) createPR(ctx context.Context, sc *Context) error {
	branch := sc.Task.BranchName()

	existing, err := d.Forge.FindPRByBranch(ctx, branch)
	if err != nil {
		return fmt.Errorf("failed to look up existing pr: %w", err)
	}
	if existing != nil {
		sc.Task.PRNumber = existing.Number
		sc.Task.PRURL = existing.URL
		return nil
	}

	pr, err := d.Forge.CreatePR(ctx, forge.CreateOptions{
		Title: sc.Task.Title,
		Body:  prBody(sc.Task),
		Head:  branch,
		Base:  sc.Task.BaseRef(),
	})
	if err != nil {
		return fmt.Errorf("failed to create pr: %w", err)
	}
	if pr == nil {
		return fmt.Errorf("pr creation reported success but no pr exists on branch %s", branch)
	}

	sc.Task.PRNumber = pr.Number
	sc.Task.PRURL = pr.URL
	return nil
}

// submitToServer transitions the task to provisional, recording PR info.
// The returned task replaces the in-memory record so the dispatcher sees
// the new state and does not submit twice.
func (d Deps) submitToServer(ctx context.Context, sc *Context) error {
	updated, err := d.Store.Submit(ctx, sc.Task.ID, store.PRInfo{
		Number: sc.Task.PRNumber,
		URL:    sc.Task.PRURL,
	})
	if err != nil {
		return fmt.Errorf("failed to submit task: %w", err)
	}
	*sc.Task = *updated
	return nil
}

// postReviewComment posts the reviewer's comment on the PR
func (d Deps) postReviewComment(ctx context.Context, sc *Context) error {
	if sc.Task.PRNumber == 0 {
		return nil
	}
	comment := ""
	if sc.Result != nil {
		comment = sc.Result.Comment
	}
	if comment == "" {
		return nil
	}
	return d.Forge.PostComment(ctx, sc.Task.PRNumber, comment)
}

// mergePR merges the task's pull request. A merge failure propagates —
// swallowing it here has historically left tasks marked done with an
// unmerged PR.
func (d Deps) mergePR(ctx context.Context, sc *Context) error {
	if sc.Task.PRNumber == 0 {
		return fmt.Errorf("task %s has no pr to merge", sc.Task.ID)
	}
	return d.Forge.MergePR(ctx, sc.Task.PRNumber)
}

// rejectWithFeedback posts the rejection comment, records it on the task's
// message thread, and rewrites the prompt body to outstanding work only.
// Rewriting (not prepending) matters: workers read the original prompt and
// ignore a prepended rejection notice.
func (d Deps) rejectWithFeedback(ctx context.Context, sc *Context) error {
	comment := ""
	reason := ""
	if sc.Result != nil {
		comment = sc.Result.Comment
		reason = sc.Result.Reason
	}
	if comment == "" {
		comment = reason
	}
	if comment == "" {
		comment = "rejected without a stated reason"
	}

	if sc.Task.PRNumber != 0 {
		if err := d.Forge.PostComment(ctx, sc.Task.PRNumber, comment); err != nil {
			return fmt.Errorf("failed to post rejection comment: %w", err)
		}
	}

	// Feedback also travels on the message thread so re-claiming workers
	// can read the full history
	if _, err := d.Store.CreateMessage(ctx, &types.Message{
		TaskID: sc.Task.ID,
		From:   "drover",
		To:     sc.Task.Role,
		Type:   types.MessageRejection,
		Status: types.MessageStatusUnread,
		Body:   comment,
	}); err != nil {
		return fmt.Errorf("failed to record rejection message: %w", err)
	}

	body := RewriteBody(sc.Task, comment)
	updated, err := d.Store.Update(ctx, sc.Task.ID, map[string]any{
		"body":            body,
		"rejection_count": sc.Task.RejectionCount + 1,
	}, sc.Task.Version)
	if err != nil {
		return fmt.Errorf("failed to rewrite task body: %w", err)
	}
	*sc.Task = *updated
	return nil
}

// createProjectPR opens the project-level pull request once children finish
func (d Deps) createProjectPR(ctx context.Context, sc *Context) error {
	return d.createPR(ctx, sc)
}

// rebaseOnProjectBranch rebases the sandbox onto the project's branch
func (d Deps) rebaseOnProjectBranch(ctx context.Context, sc *Context) error {
	if sc.Task.ProjectID == "" {
		return fmt.Errorf("task %s has no project", sc.Task.ID)
	}
	if err := d.Git.Fetch(ctx, d.Remote); err != nil {
		return fmt.Errorf("failed to fetch before rebase: %w", err)
	}
	onto := d.Remote + "/" + ProjectBranch(sc.Task.ProjectID)
	if err := d.Git.Rebase(ctx, sc.SandboxPath, onto); err != nil {
		return fmt.Errorf("failed to rebase onto %s: %w", onto, err)
	}
	return nil
}

// ProjectBranch is the branch naming convention for project integration branches
func ProjectBranch(projectID string) string {
	return "project/" + projectID
}

// RewriteBody produces the replacement prompt body after a rejection.
// The new body leads with the outstanding work; the original request is
// kept as context below it, never above it.
func RewriteBody(task *types.Task, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Outstanding work (rejection %d)\n\n", task.RejectionCount+1)
	b.WriteString(strings.TrimSpace(feedback))
	b.WriteString("\n\n## Original request\n\n")
	b.WriteString(strings.TrimSpace(originalRequest(task)))
	b.WriteString("\n")
	return b.String()
}

// originalRequest recovers the original task text from a possibly
// already-rewritten body
func originalRequest(task *types.Task) string {
	const marker = "## Original request\n\n"
	if i := strings.Index(task.Body, marker); i >= 0 {
		return task.Body[i+len(marker):]
	}
	return task.Body
}

func prBody(task *types.Task) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(task.Body))
	fmt.Fprintf(&b, "\n\n---\nTask: %s\n", task.ID)
	return b.String()
}
