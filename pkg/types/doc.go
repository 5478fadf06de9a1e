/*
Package types defines the shared data model for Drover.

It contains the core domain structs used across all Drover packages: tasks and
their lifecycle states, agent blueprints and spawn modes, worker instances,
result documents, mailbox messages, and the batched poll summary handed to
every consumer within a tick.

# Core Types

Task:
  - A unit of work owned by the remote store
  - Carries state, prompt body, role, flow name, optimistic-lock version
  - Lease fields (claimed_by, lease_expires_at) while claimed
  - PR fields (pr_number, pr_url) once a pull request exists

TaskState:
  - incoming: waiting to be claimed
  - claimed: leased to an orchestrator, a worker is (or will be) running
  - provisional: work submitted, awaiting review
  - done / failed: terminal
  - needs_continuation: worker ran out of budget, resumable in place
  - Flows may introduce additional project-defined states; those are
    validated against the registered flow at load time

Blueprint:
  - Configuration for a class of workers: role, model, limits, spawn mode
  - ClaimState() resolves the claim_from override (defaults to incoming)

Result:
  - The single JSON document a worker writes before exiting
  - outcome: done | failed | needs_continuation
  - decision: approve | reject (review blueprints only)
  - Any other shape is a protocol violation and routes the task to failed

# Invariants

  - A task in claimed always has a non-empty ClaimedBy and a LeaseExpiresAt
  - provisional implies a recorded PRNumber or a project marker
  - Transitions are legal only if defined by the task's flow
  - BlockedBy is either a blocking task ID or the sentinel "paused"

# Integration Points

This package is imported by every other Drover package and imports nothing
but the standard library.
*/
package types
