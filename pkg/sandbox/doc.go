/*
Package sandbox manages per-task isolated working directories.

Each claimed task gets one sandbox: a git worktree created in detached-HEAD
state at the base branch's current commit, plus the rendered prompt, a
machine-readable task manifest, an environment file, and per-blueprint helper
scripts. The worker process runs with the sandbox as its working directory and
writes its result document to a well-known path inside it.

# The Detached-HEAD Invariant

The working tree is always detached — no named branch is ever checked out in
a sandbox. Git refuses to check out a branch that is already checked out in
another working tree, so a shared branch would serialize parallel workers.
Detaching removes this limit while preserving commit graph integrity; the
branch name appears only at push time, in Destroy or the push_branch step.

Ensure asserts the invariant before returning and fails loudly otherwise.

# Lifecycle

  - Created at claim time (Ensure)
  - Reused on retry of the same task, if still descended from the base head
  - Destroyed after the task reaches a terminal state (Destroy); idempotent
  - Swept by the stale-worktree job when a sandbox outlives its task
*/
package sandbox
