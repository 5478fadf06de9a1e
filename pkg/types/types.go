package types

import (
	"time"
)

// Task represents a single unit of work claimed and advanced by the scheduler
type Task struct {
	ID             string     `json:"id"`
	State          TaskState  `json:"state"`
	Title          string     `json:"title"`
	Body           string     `json:"body"` // Prompt body handed to the worker
	Role           string     `json:"role"`
	Type           string     `json:"type,omitempty"`
	Priority       int        `json:"priority"`
	ProjectID      string     `json:"project_id,omitempty"`
	Branch         string     `json:"branch,omitempty"`
	BaseBranch     string     `json:"base_branch,omitempty"`
	Flow           string     `json:"flow"`
	Version        int64      `json:"version"` // Optimistic-lock version
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	PRNumber       int        `json:"pr_number,omitempty"`
	PRURL          string     `json:"pr_url,omitempty"`
	BlockedBy      string     `json:"blocked_by,omitempty"` // Task ID or the sentinel "paused"
	RejectionCount int        `json:"rejection_count"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	ExecutionNotes string     `json:"execution_notes,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// BranchName returns the branch a push step would create for this task
func (t *Task) BranchName() string {
	if t.Branch != "" {
		return t.Branch
	}
	return "drover/" + t.ID
}

// BaseRef returns the branch this task's work is based on
func (t *Task) BaseRef() string {
	if t.BaseBranch != "" {
		return t.BaseBranch
	}
	return "main"
}

// TaskState represents the state of a task in its flow
type TaskState string

const (
	TaskStateIncoming          TaskState = "incoming"
	TaskStateClaimed           TaskState = "claimed"
	TaskStateProvisional       TaskState = "provisional"
	TaskStateDone              TaskState = "done"
	TaskStateFailed            TaskState = "failed"
	TaskStateNeedsContinuation TaskState = "needs_continuation"

	// StateChildrenComplete is the synthetic from-state a project flow
	// transitions out of once every child task has reached done.
	StateChildrenComplete TaskState = "children_complete"
)

// Terminal reports whether the state ends the task's lifecycle
func (s TaskState) Terminal() bool {
	return s == TaskStateDone || s == TaskStateFailed
}

// BlockedByPaused is the sentinel value of Task.BlockedBy for paused tasks
const BlockedByPaused = "paused"

// Blueprint is the configuration for a class of workers
type Blueprint struct {
	Name             string    `yaml:"name" json:"name"`
	Role             string    `yaml:"role" json:"role"`
	Model            string    `yaml:"model" json:"model"`
	MaxInstances     int       `yaml:"max_instances" json:"max_instances"`
	IntervalSeconds  int       `yaml:"interval_seconds" json:"interval_seconds"`
	SpawnMode        SpawnMode `yaml:"spawn_mode" json:"spawn_mode"`
	MaxTurns         int       `yaml:"max_turns" json:"max_turns"`
	AllowedTools     []string  `yaml:"allowed_tools" json:"allowed_tools"`
	AllowedTaskTypes []string  `yaml:"allowed_task_types,omitempty" json:"allowed_task_types,omitempty"`
	ClaimFrom        TaskState `yaml:"claim_from,omitempty" json:"claim_from,omitempty"`
	PreCheckScript   string    `yaml:"pre_check_script,omitempty" json:"pre_check_script,omitempty"`
	WorkerArgs       []string  `yaml:"worker_args,omitempty" json:"worker_args,omitempty"`
	Paused           bool      `yaml:"paused,omitempty" json:"paused,omitempty"`
}

// ClaimState returns the state this blueprint claims tasks from
func (b *Blueprint) ClaimState() TaskState {
	if b.ClaimFrom != "" {
		return b.ClaimFrom
	}
	return TaskStateIncoming
}

// SpawnMode defines how a blueprint's workers are launched
type SpawnMode string

const (
	SpawnTaskBound   SpawnMode = "task-bound"
	SpawnTaskless    SpawnMode = "taskless"
	SpawnLightweight SpawnMode = "lightweight"
)

// Instance is one running (or recently terminated) worker attributed to a blueprint
type Instance struct {
	ID          string    `json:"instance_id"`
	Blueprint   string    `json:"blueprint"`
	PID         int       `json:"pid"`
	TaskID      string    `json:"task_id,omitempty"`
	SandboxPath string    `json:"sandbox_path,omitempty"`
	Condition   string    `json:"condition,omitempty"` // set for decision workers spawned to settle an agent condition
	StartedAt   time.Time `json:"started_at"`
}

// Outcome is the top-level verdict a worker writes in its result document
type Outcome string

const (
	OutcomeDone              Outcome = "done"
	OutcomeFailed            Outcome = "failed"
	OutcomeNeedsContinuation Outcome = "needs_continuation"
)

// Decision is the optional review verdict carried by gatekeeper results
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Result is the single document a worker writes before exiting.
// It is the sole channel by which a worker communicates with the scheduler.
type Result struct {
	Outcome  Outcome  `json:"outcome"`
	Decision Decision `json:"decision,omitempty"`
	Comment  string   `json:"comment,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Valid reports whether the result document satisfies the worker protocol
func (r *Result) Valid() bool {
	switch r.Outcome {
	case OutcomeDone, OutcomeFailed, OutcomeNeedsContinuation:
	default:
		return false
	}
	switch r.Decision {
	case "", DecisionApprove, DecisionReject:
	default:
		return false
	}
	return true
}

// PollSummary is the batched read returned by the store once per tick
type PollSummary struct {
	QueueCounts      map[string]int `json:"queue_counts"`
	ProvisionalTasks []*Task        `json:"provisional_tasks"`
	ProjectTasks     []*Task        `json:"project_tasks,omitempty"` // open project umbrella tasks
	Registered       bool           `json:"registered"`
	FetchedAt        time.Time      `json:"fetched_at,omitempty"`
}

// Claimed returns the number of tasks currently in claimed, per the cached counts
func (p *PollSummary) Claimed() int {
	if p == nil || p.QueueCounts == nil {
		return 0
	}
	return p.QueueCounts[string(TaskStateClaimed)]
}

// Provisional returns the number of tasks currently in provisional
func (p *PollSummary) Provisional() int {
	if p == nil || p.QueueCounts == nil {
		return 0
	}
	return p.QueueCounts[string(TaskStateProvisional)]
}

// Message is one entry in the store's mailbox
type Message struct {
	ID        string        `json:"id"`
	TaskID    string        `json:"task_id,omitempty"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	Type      MessageType   `json:"type"`
	Status    MessageStatus `json:"status"`
	Subject   string        `json:"subject,omitempty"`
	Body      string        `json:"body"`
	CreatedAt time.Time     `json:"created_at"`
}

// MessageType classifies mailbox entries
type MessageType string

const (
	MessageRejection MessageType = "rejection"
	MessageApproval  MessageType = "approval"
	MessageDecision  MessageType = "decision"
	MessageEvent     MessageType = "event"
)

// MessageStatus tracks mailbox entry handling
type MessageStatus string

const (
	MessageStatusUnread MessageStatus = "unread"
	MessageStatusRead   MessageStatus = "read"
	MessageStatusDone   MessageStatus = "done"
)
