/*
Package result turns finished workers into flow transitions.

For each instance whose process has exited, the handler reads the result
document (repairing slightly-broken JSON, or inferring an outcome from
sandbox commits when the document is missing), fetches the current task, and
dispatches on (state, outcome, decision). A transition's steps always run
before the state call, so a failing step leaves the store untouched apart
from the task moving to failed. Stale situations — the lease monitor requeued
the task, or a crashed tick is replaying work the journal already recorded —
are detected and skipped rather than clobbered.
*/
package result
