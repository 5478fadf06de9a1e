package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/types"
)

const (
	defaultTimeout = 10 * time.Second
	retryAttempts  = 3
	retryBaseDelay = 250 * time.Millisecond
)

// Client is the HTTP implementation of Store
type Client struct {
	baseURL        string
	orchestratorID string
	httpClient     *http.Client
}

// Config holds store client configuration
type Config struct {
	BaseURL        string
	OrchestratorID string
	Timeout        time.Duration
}

// NewClient creates a new store client
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("store base URL is required")
	}
	if cfg.OrchestratorID == "" {
		return nil, fmt.Errorf("orchestrator ID is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		orchestratorID: cfg.OrchestratorID,
		httpClient:     &http.Client{Timeout: timeout},
	}, nil
}

// Claim atomically claims one matching task
func (c *Client) Claim(ctx context.Context, req ClaimRequest) (*types.Task, error) {
	body := struct {
		ClaimRequest
		OrchestratorID string `json:"orchestrator_id"`
	}{req, c.orchestratorID}

	var task types.Task
	status, err := c.do(ctx, "claim", http.MethodPost, "/tasks/claim", body, &task)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, ErrNotAvailable
	}
	return &task, nil
}

// Get fetches the current task record
func (c *Client) Get(ctx context.Context, id string) (*types.Task, error) {
	var task types.Task
	if _, err := c.do(ctx, "get_task", http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Update performs an optimistic-locked field-level update
func (c *Client) Update(ctx context.Context, id string, fields map[string]any, expectedVersion int64) (*types.Task, error) {
	body := struct {
		Fields          map[string]any `json:"fields"`
		ExpectedVersion int64          `json:"expected_version"`
	}{fields, expectedVersion}

	var task types.Task
	if _, err := c.do(ctx, "update_task", http.MethodPatch, "/tasks/"+url.PathEscape(id), body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Submit moves a claimed task to provisional
func (c *Client) Submit(ctx context.Context, id string, pr PRInfo) (*types.Task, error) {
	var task types.Task
	if _, err := c.do(ctx, "submit", http.MethodPost, "/tasks/"+url.PathEscape(id)+"/submit", pr, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Accept moves a provisional task to done
func (c *Client) Accept(ctx context.Context, id string) (*types.Task, error) {
	var task types.Task
	if _, err := c.do(ctx, "accept", http.MethodPost, "/tasks/"+url.PathEscape(id)+"/accept", nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Reject returns a provisional task to incoming
func (c *Client) Reject(ctx context.Context, id, reason string) (*types.Task, error) {
	body := struct {
		Reason string `json:"reason"`
	}{reason}

	var task types.Task
	if _, err := c.do(ctx, "reject", http.MethodPost, "/tasks/"+url.PathEscape(id)+"/reject", body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Poll is the batched per-tick read
func (c *Client) Poll(ctx context.Context, orchestratorID string) (*types.PollSummary, error) {
	var summary types.PollSummary
	path := "/scheduler/poll?orchestrator_id=" + url.QueryEscape(orchestratorID)
	if _, err := c.do(ctx, "poll", http.MethodGet, path, nil, &summary); err != nil {
		return nil, err
	}
	summary.FetchedAt = time.Now()
	return &summary, nil
}

// Register is the idempotent presence beacon
func (c *Client) Register(ctx context.Context, reg Registration) error {
	_, err := c.do(ctx, "register", http.MethodPost, "/orchestrators/register", reg, nil)
	return err
}

// ListTasksByProject returns the child tasks of a project
func (c *Client) ListTasksByProject(ctx context.Context, projectID string) ([]*types.Task, error) {
	var resp struct {
		Tasks []*types.Task `json:"tasks"`
	}
	path := "/tasks?project_id=" + url.QueryEscape(projectID)
	if _, err := c.do(ctx, "list_tasks", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// ListMessages lists mailbox entries matching the query
func (c *Client) ListMessages(ctx context.Context, q MessageQuery) ([]*types.Message, error) {
	params := url.Values{}
	if q.TaskID != "" {
		params.Set("task_id", q.TaskID)
	}
	if q.To != "" {
		params.Set("to", q.To)
	}
	if q.Type != "" {
		params.Set("type", string(q.Type))
	}
	if q.Status != "" {
		params.Set("status", string(q.Status))
	}

	var resp struct {
		Messages []*types.Message `json:"messages"`
	}
	path := "/messages"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	if _, err := c.do(ctx, "list_messages", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// CreateMessage posts a new mailbox entry
func (c *Client) CreateMessage(ctx context.Context, msg *types.Message) (*types.Message, error) {
	var created types.Message
	if _, err := c.do(ctx, "create_message", http.MethodPost, "/messages", msg, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateMessageStatus marks a mailbox entry read or done
func (c *Client) UpdateMessageStatus(ctx context.Context, id string, status types.MessageStatus) error {
	body := struct {
		Status types.MessageStatus `json:"status"`
	}{status}
	_, err := c.do(ctx, "update_message", http.MethodPatch, "/messages/"+url.PathEscape(id), body, nil)
	return err
}

// do wraps roundTrip with per-operation request metrics
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) (int, error) {
	status, err := c.roundTrip(ctx, method, path, body, out)
	metrics.StoreRequests.WithLabelValues(op, requestResult(err)).Inc()
	return status, err
}

// requestResult buckets an operation's error into a bounded label set
func requestResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}

// roundTrip issues one request with bounded retry on transport failures.
// Conflicts, validation errors, and not-found are returned immediately;
// retrying those is the caller's decision, not the adapter's.
func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any) (int, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return 0, fmt.Errorf("%w: %v", ErrNetwork, ctx.Err())
			}
		}

		status, err := c.once(ctx, method, path, payload, out)
		if err == nil {
			return status, nil
		}
		// Only transport failures are retried
		if !isTransient(err) {
			return status, err
		}
		lastErr = err
	}

	return 0, fmt.Errorf("%w: %v", ErrNetwork, lastErr)
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) (int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &transientError{err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, &transientError{err}
	}

	if err := statusError(resp.StatusCode, data); err != nil {
		return resp.StatusCode, err
	}

	if out != nil && len(data) > 0 && resp.StatusCode != http.StatusNoContent {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: malformed response body: %v", ErrValidation, err)
		}
	}
	return resp.StatusCode, nil
}

// statusError maps HTTP status codes onto the store error taxonomy
func statusError(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusBadRequest:
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error == "hooks_incomplete" {
			return fmt.Errorf("%w: %w", ErrValidation, ErrHooksIncomplete)
		}
		return fmt.Errorf("%w: %s", ErrValidation, strings.TrimSpace(string(body)))
	case status >= 500:
		return &transientError{fmt.Errorf("server returned %d: %s", status, strings.TrimSpace(string(body)))}
	default:
		return fmt.Errorf("%w: unexpected status %d", ErrValidation, status)
	}
}

// transientError marks transport-level failures eligible for retry
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
