/*
Package metrics exposes Prometheus metrics for the orchestration core.

Metrics are package-level collectors registered in init and written to by the
scheduler, guard chain, result handler, and job runner. Because the scheduler
is a short-lived tick process, metrics are most useful when the `drover run`
loop serves them over HTTP via Handler; one-shot `drover tick` invocations
still update them for tests and embedded use.
*/
package metrics
