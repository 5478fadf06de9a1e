package spawn

import (
	"fmt"
	"sort"
	"strings"

	"github.com/droverhq/drover/pkg/sandbox"
	"github.com/droverhq/drover/pkg/types"
)

// BuildPrompt renders the prompt handed to a task-bound worker: the task
// body first, then rejection feedback in chronological order, then the
// contract the worker must honor. Rejection feedback comes from the task's
// message thread; the body itself has already been rewritten by
// reject_with_feedback, so the thread is history, not the ask.
func BuildPrompt(bp *types.Blueprint, task *types.Task, rejections []*types.Message) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", task.Title)
	b.WriteString(task.Body)
	if !strings.HasSuffix(task.Body, "\n") {
		b.WriteString("\n")
	}

	if len(rejections) > 0 {
		sorted := make([]*types.Message, len(rejections))
		copy(sorted, rejections)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		})

		b.WriteString("\n## Review history\n\n")
		b.WriteString("Earlier attempts at this task were rejected:\n\n")
		for i, m := range sorted {
			fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(m.Body))
		}
	}

	b.WriteString("\n## Working rules\n\n")
	fmt.Fprintf(&b, "- You are working as %q.\n", bp.Role)
	b.WriteString("- Commit your work in this directory; do not push or create branches.\n")
	b.WriteString("- Do not contact the task server; the orchestrator handles all state changes.\n")
	fmt.Fprintf(&b, "- Before exiting, write your result to %s as JSON:\n", ".drover/result.json")
	b.WriteString("  `{\"outcome\": \"done\"|\"failed\"|\"needs_continuation\", \"decision\": \"approve\"|\"reject\"|null, \"comment\": ..., \"reason\": ...}`\n")

	return b.String()
}

// BuildConditionPrompt renders the prompt for a decision worker settling one
// agent condition. The worker inspects the task's current working tree and
// renders a verdict; it never modifies the work under review.
func BuildConditionPrompt(bp *types.Blueprint, task *types.Task, conditionName string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Decide: %s\n\n", conditionName)
	fmt.Fprintf(&b, "A worker has finished the task below. Review its work in the current directory and decide whether the %q condition is satisfied.\n\n", conditionName)
	fmt.Fprintf(&b, "## Task\n\n### %s\n\n", task.Title)
	b.WriteString(task.Body)
	if !strings.HasSuffix(task.Body, "\n") {
		b.WriteString("\n")
	}

	b.WriteString("\n## Working rules\n\n")
	fmt.Fprintf(&b, "- You are deciding as %q.\n", bp.Role)
	b.WriteString("- Inspect only; do not modify files, commit, push, or create branches.\n")
	b.WriteString("- Do not contact the task server; the orchestrator handles all state changes.\n")
	fmt.Fprintf(&b, "- Before exiting, write your verdict to %s as JSON:\n", sandbox.DecisionFile(conditionName))
	b.WriteString("  `{\"outcome\": \"done\", \"decision\": \"approve\"|\"reject\", \"comment\": ...}`\n")

	return b.String()
}

// BuildTasklessPrompt renders the generic prompt for analyst-style workers
// that run from the repository root with read-only tools
func BuildTasklessPrompt(bp *types.Blueprint) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", bp.Name)
	fmt.Fprintf(&b, "You are working as %q from the repository root.\n\n", bp.Role)
	b.WriteString("## Working rules\n\n")
	b.WriteString("- Your toolset is read-only; produce drafts or messages, not code changes.\n")
	b.WriteString("- Do not contact the task server.\n")

	return b.String()
}
