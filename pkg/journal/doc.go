/*
Package journal persists which worker results have been applied.

Result handling must tolerate a tick that crashes mid-way and replays: the
remote store's version checks reject concurrent writers, but a replayed tick
is the same writer doing the same work again. The journal records one entry
per (task, instance) after the result's steps and transition have all landed,
so the retry short-circuits to cleanup instead of re-running side effects.

Entries are pruned by the sweep job once they are older than the retention
window; a pruned entry is safe to lose because its instance's PID file is
long gone by then.
*/
package journal
