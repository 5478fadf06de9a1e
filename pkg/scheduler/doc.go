/*
Package scheduler orchestrates one tick of the agent-execution core.

A tick is serialized by an exclusive file lock (a held lock makes the new
tick a clean no-op), validates configuration fatally, issues the single
batched poll against the store, runs due housekeeping jobs, and walks the
configured blueprints through the guard chain, spawning workers for the ones
that pass. The whole tick obeys a soft wall-clock deadline checked between
blueprints; per-call timeouts bound the individual store requests.

Runtime errors never fail a tick. The only nonzero exits are configuration
errors (ErrConfig), because running with a broken flow would touch tasks it
cannot correctly advance.
*/
package scheduler
