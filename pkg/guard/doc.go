/*
Package guard implements the agent-evaluation chain.

Before a blueprint spawns a worker, eight guards run in a fixed,
cheapest-first order: enabled, pool_capacity, interval, backpressure,
pre_check, claim, task_body, pr_mergeable. Evaluation stops at the first
guard that declines, returning the guard's name and reason. The claim guard
is the only one that mutates state; everything before it is local or reads
the per-tick cached poll summary, so a stopped chain before the claim costs
no network traffic and holds no lease.

Each guard is independently testable; the composition of DefaultChain is
itself asserted by a test reading Names().
*/
package guard
