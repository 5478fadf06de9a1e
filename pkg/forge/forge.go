package forge

import (
	"context"
)

// PullRequest is the forge-side view of a pull request
type PullRequest struct {
	Number    int    `json:"number"`
	URL       string `json:"url"`
	State     string `json:"state"`
	Mergeable string `json:"mergeable"` // MERGEABLE | CONFLICTING | UNKNOWN
	HeadRef   string `json:"headRefName"`
	BaseRef   string `json:"baseRefName"`
}

// CreateOptions describes a pull request to open
type CreateOptions struct {
	Title string
	Body  string
	Head  string
	Base  string
}

// Forge is the narrow adapter over the pull-request host.
// Implemented by GHClient; faked in tests.
type Forge interface {
	// CreatePR opens a pull request from head onto base
	CreatePR(ctx context.Context, opts CreateOptions) (*PullRequest, error)

	// FindPRByBranch returns the open PR whose head is branch, or nil
	FindPRByBranch(ctx context.Context, branch string) (*PullRequest, error)

	// GetPR fetches a pull request by number
	GetPR(ctx context.Context, number int) (*PullRequest, error)

	// MergePR merges the pull request. A merge failure is returned as an
	// error, never swallowed: silent merge failure has been a recurring
	// class of bug in systems like this one.
	MergePR(ctx context.Context, number int) error

	// PostComment posts a comment on the pull request
	PostComment(ctx context.Context, number int, body string) error
}

// MergeableState values reported by the forge
const (
	MergeableYes      = "MERGEABLE"
	MergeableConflict = "CONFLICTING"
	MergeableUnknown  = "UNKNOWN"
)

// Conflicting reports whether the PR is in a conflicting state
func (pr *PullRequest) Conflicting() bool {
	return pr.Mergeable == MergeableConflict
}
