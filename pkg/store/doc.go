/*
Package store provides the typed client over the remote state store's REST API.

The remote store is the state of record for tasks. The scheduler never keeps a
durable task queue of its own: it claims, updates, and transitions tasks
through this adapter and trusts the server's optimistic locking to serialize
conflicting writers.

# Operations

  - Claim: atomic server-side claim with lease assignment
  - Update: optimistic-locked field-level update (expected_version)
  - Submit / Accept / Reject: convenience wrappers encoding legal transitions,
    preferred over raw Update so server-side guards are exercised
  - Poll: batched per-tick read (queue counts, provisional tasks, registration)
  - Register: idempotent presence beacon
  - ListMessages / CreateMessage / UpdateMessageStatus: mailbox primitives

# Error Taxonomy

Every method fails with one of:

  - ErrNotFound: the record does not exist (404)
  - ErrConflict: optimistic lock or claim race lost (409)
  - ErrValidation: the server rejected the request (400); a body of
    {"error":"hooks_incomplete"} additionally matches ErrHooksIncomplete
  - ErrNotAvailable: no matching task to claim (204)
  - ErrNetwork: transport failure after bounded retry

The adapter retries only transport failures (3 attempts, 250ms exponential
backoff). Conflicts are expected under concurrency and surface immediately;
backing off to the next tick is the caller's job.

# Request Budget

Poll returns everything one tick needs in a single round trip. A naive
implementation issues roughly 14 reads per tick against a request-budgeted
backend; consumers must take the cached PollSummary from the tick context
instead of issuing their own reads.
*/
package store
