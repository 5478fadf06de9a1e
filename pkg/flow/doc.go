/*
Package flow loads and validates the YAML state machines that drive task
lifecycles.

A flow names its states implicitly through transitions. Each transition is
keyed "<from> -> <to>" and may carry the agent role that advances it, an
ordered list of step names to run, and an ordered list of conditions gating
it. Flows used by project children declare a nested child_flow.

# Validation

Load-time validation is strict and fatal: every referenced step must be in
the step registry, every agent must be a configured blueprint, every on_fail
target must be a declared state, every condition type must be one of script,
agent, or manual, and every transition must be reachable from the initial
state. Rejection cycles (provisional -> incoming -> claimed -> provisional)
are legal; the graph is not required to be a DAG.

# Caching

Parsed flows are cached in an LRU keyed by absolute path and invalidated on
mtime change, so repeated ticks do not re-read unchanged files. Flows are
immutable once loaded.
*/
package flow
