/*
Package pool tracks live worker processes.

One file per instance lives in the pool directory, named
"<blueprint>-<pid>" and containing the instance record (ID, task, sandbox,
start time). A process is live when a process with its PID exists; the pool
never kills workers, it only observes them. Reap surfaces instances whose
process has gone so the result handler can collect their result documents;
PID files are removed only after handling, so a crashed tick retries.
*/
package pool
