/*
Package jobs runs the scheduler's periodic housekeeping.

Jobs are declared with an interval (or a cron schedule), a group (local jobs
need no remote data, remote jobs consume the per-tick poll summary), and
optional conditions such as no_agents_running. The runner walks the registry
in registration order each tick, runs what is due, and isolates every job:
an error or panic in one job is logged and counted, never propagated.

Last-run timestamps live in the scheduler-state JSON file, written atomically
via temp-file-and-rename under the protection of the tick lock.

The builtin set covers orchestrator registration, lease-expiry backstop,
finished-agent reaping, provisional-task hook processing, project completion,
and stale-worktree sweeping.
*/
package jobs
