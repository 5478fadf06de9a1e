/*
Package condition evaluates transition conditions.

Conditions gate a flow transition and come in three kinds: script (an external
command whose exit code decides), agent (a worker of a named blueprint writes
a decision), and manual (an operator posts an approval). Evaluation walks the
declared order and stops at the first condition that does not pass; a failure
routes the task to that condition's on_fail state, a pending condition simply
holds the transition until a later tick.

Agent and manual verdicts are persisted as mailbox messages on the task, so a
scheduler restart does not re-run already-decided conditions.
*/
package condition
