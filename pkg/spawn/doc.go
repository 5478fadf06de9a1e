/*
Package spawn launches worker processes for blueprints that passed the
guard chain.

Three strategies, selected by the blueprint's spawn_mode: task-bound workers
get a sandbox, the rendered prompt on stdin, and a PID file in the pool;
taskless workers run from the repository root with a generic prompt;
lightweight workers are in-process functions registered by blueprint name.
Workers run in their own session (Setsid) so they outlive the tick process.

Strategies never change task state. A spawned worker's only output channel
is its result document; the result handler owns every transition.
*/
package spawn
