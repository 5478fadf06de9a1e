/*
Package vcs is the narrow adapter over the version-control subsystem.

It wraps the git binary with a small typed surface: branch resolution,
detached-HEAD worktree creation and removal, ancestry checks, commit counting,
last-moment branch naming, and pushes. All invocations go through a Runner
function so tests substitute a fake without spawning processes.

The one rule this package exists to uphold: worktrees are created detached and
stay detached. A named branch appears only when a push step asks for one.
*/
package vcs
