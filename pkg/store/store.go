package store

import (
	"context"
	"errors"

	"github.com/droverhq/drover/pkg/types"
)

// Error taxonomy for store operations. Callers decide retry policy; the
// adapter only retries transport failures and never hides conflicts.
var (
	// ErrNotFound means the task or message does not exist
	ErrNotFound = errors.New("store: not found")

	// ErrConflict means the optimistic lock was lost or the claim race was lost
	ErrConflict = errors.New("store: conflict")

	// ErrValidation means the server rejected the request as illegal
	ErrValidation = errors.New("store: validation failed")

	// ErrHooksIncomplete means the transition is blocked by outstanding conditions
	ErrHooksIncomplete = errors.New("store: hooks incomplete")

	// ErrNotAvailable means no matching task was available to claim
	ErrNotAvailable = errors.New("store: no task available")

	// ErrNetwork wraps transport-level failures after retries are exhausted
	ErrNetwork = errors.New("store: network error")
)

// ClaimRequest describes an atomic claim against the store
type ClaimRequest struct {
	Blueprint  string          `json:"blueprint"`
	Role       string          `json:"role"`
	FromState  types.TaskState `json:"from_state"`
	TypeFilter []string        `json:"type_filter,omitempty"`
}

// PRInfo carries pull-request identifiers recorded at submit time
type PRInfo struct {
	Number int    `json:"pr_number"`
	URL    string `json:"pr_url"`
}

// Registration is the idempotent presence beacon payload
type Registration struct {
	OrchestratorID string   `json:"orchestrator_id"`
	Cluster        string   `json:"cluster"`
	MachineID      string   `json:"machine_id"`
	Capabilities   []string `json:"capabilities,omitempty"`
}

// MessageQuery filters mailbox listings
type MessageQuery struct {
	TaskID string
	To     string
	Type   types.MessageType
	Status types.MessageStatus
}

// Store is the narrow typed surface over the remote state store.
// Implemented by Client; faked in tests.
type Store interface {
	// Claim atomically claims one matching task and assigns a lease.
	// Returns ErrNotAvailable when nothing matches, ErrConflict on a lost race.
	Claim(ctx context.Context, req ClaimRequest) (*types.Task, error)

	// Get fetches the current task record
	Get(ctx context.Context, id string) (*types.Task, error)

	// Update performs an optimistic-locked field-level update
	Update(ctx context.Context, id string, fields map[string]any, expectedVersion int64) (*types.Task, error)

	// Submit moves a claimed task to provisional, recording PR info.
	// Prefer this over Update to exercise server-side transition guards.
	Submit(ctx context.Context, id string, pr PRInfo) (*types.Task, error)

	// Accept moves a provisional task to done
	Accept(ctx context.Context, id string) (*types.Task, error)

	// Reject returns a provisional task to incoming with a reason
	Reject(ctx context.Context, id, reason string) (*types.Task, error)

	// Poll is the batched per-tick read. Called at most once per tick;
	// the result is cached and shared by every consumer.
	Poll(ctx context.Context, orchestratorID string) (*types.PollSummary, error)

	// Register is the idempotent presence beacon
	Register(ctx context.Context, reg Registration) error

	// ListTasksByProject returns the child tasks of a project
	ListTasksByProject(ctx context.Context, projectID string) ([]*types.Task, error)

	// Mailbox primitives
	ListMessages(ctx context.Context, q MessageQuery) ([]*types.Message, error)
	CreateMessage(ctx context.Context, msg *types.Message) (*types.Message, error)
	UpdateMessageStatus(ctx context.Context, id string, status types.MessageStatus) error
}
