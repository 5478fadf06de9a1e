package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 60 * time.Second

// Runner executes one gh invocation in dir and returns stdout.
// This is the seam for testing.
type Runner func(ctx context.Context, dir string, args ...string) (string, error)

// ExecRunner runs the real gh binary
func ExecRunner(ctx context.Context, dir string, args ...string) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "gh", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("gh %s: %s", strings.Join(args, " "), msg)
	}
	return stdout.String(), nil
}

// GHClient implements Forge over the gh CLI
type GHClient struct {
	repoDir string
	run     Runner
}

// NewGHClient creates a forge client operating from the given repository checkout
func NewGHClient(repoDir string, run Runner) *GHClient {
	if run == nil {
		run = ExecRunner
	}
	return &GHClient{repoDir: repoDir, run: run}
}

const prFields = "number,url,state,mergeable,headRefName,baseRefName"

// CreatePR opens a pull request from head onto base
func (c *GHClient) CreatePR(ctx context.Context, opts CreateOptions) (*PullRequest, error) {
	_, err := c.run(ctx, c.repoDir, "pr", "create",
		"--title", opts.Title,
		"--body", opts.Body,
		"--head", opts.Head,
		"--base", opts.Base,
	)
	if err != nil {
		return nil, err
	}
	// gh pr create prints a URL, not JSON; fetch the structured record
	return c.FindPRByBranch(ctx, opts.Head)
}

// FindPRByBranch returns the open PR whose head is branch, or nil
func (c *GHClient) FindPRByBranch(ctx context.Context, branch string) (*PullRequest, error) {
	out, err := c.run(ctx, c.repoDir, "pr", "list",
		"--head", branch,
		"--state", "open",
		"--json", prFields,
	)
	if err != nil {
		return nil, err
	}

	var prs []PullRequest
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("failed to decode pr list: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &prs[0], nil
}

// GetPR fetches a pull request by number
func (c *GHClient) GetPR(ctx context.Context, number int) (*PullRequest, error) {
	out, err := c.run(ctx, c.repoDir, "pr", "view", strconv.Itoa(number), "--json", prFields)
	if err != nil {
		return nil, err
	}

	var pr PullRequest
	if err := json.Unmarshal([]byte(out), &pr); err != nil {
		return nil, fmt.Errorf("failed to decode pr %d: %w", number, err)
	}
	return &pr, nil
}

// MergePR merges the pull request
func (c *GHClient) MergePR(ctx context.Context, number int) error {
	_, err := c.run(ctx, c.repoDir, "pr", "merge", strconv.Itoa(number), "--squash", "--delete-branch")
	if err != nil {
		return fmt.Errorf("merge of pr %d failed: %w", number, err)
	}
	return nil
}

// PostComment posts a comment on the pull request
func (c *GHClient) PostComment(ctx context.Context, number int, body string) error {
	_, err := c.run(ctx, c.repoDir, "pr", "comment", strconv.Itoa(number), "--body", body)
	return err
}
