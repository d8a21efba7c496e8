package gatelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is a minimal Gateline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// MaxRetryElapsed bounds retries of requests that lost a version race.
	// Zero disables retrying.
	MaxRetryElapsed time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:         baseURL,
		Timeout:         10 * time.Second,
		MaxRetryElapsed: 2 * time.Second,
	}
}

// Directive represents the API directive model (partial).
type Directive struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Type            string `json:"type"`
	Scope           string `json:"scope,omitempty"`
	Status          string `json:"status"`
	CurrentPhase    string `json:"current_phase"`
	Progress        int    `json:"progress"`
	PendingChildren int    `json:"pending_children"`
	Version         int64  `json:"version"`
}

// HandoffPayload carries the seven handoff sections.
type HandoffPayload struct {
	ExecutiveSummary     string `json:"executive_summary,omitempty"`
	CompletenessReport   string `json:"completeness_report,omitempty"`
	DeliverablesManifest string `json:"deliverables_manifest,omitempty"`
	KeyDecisions         string `json:"key_decisions,omitempty"`
	KnownIssues          string `json:"known_issues,omitempty"`
	ResourceUtilization  string `json:"resource_utilization,omitempty"`
	ActionItems          string `json:"action_items,omitempty"`
}

// Handoff is a scored handoff record.
type Handoff struct {
	ID        string   `json:"id"`
	FromPhase string   `json:"from_phase"`
	ToPhase   string   `json:"to_phase"`
	Score     int      `json:"score"`
	Status    string   `json:"status"`
	Reasons   []string `json:"reasons,omitempty"`
	Attempt   int      `json:"attempt"`
}

// CompletionResult is the outcome of a completion request.
type CompletionResult struct {
	DirectiveID     string   `json:"directive_id"`
	Accepted        bool     `json:"accepted"`
	Progress        int      `json:"progress"`
	BlockingReasons []string `json:"blocking_reasons"`
}

type Checkpoint struct {
	Seq         int      `json:"seq"`
	Items       []string `json:"items"`
	Effort      int      `json:"effort"`
	CompletedAt *string  `json:"completed_at,omitempty"`
}

type WorkItem struct {
	ID     string `json:"id"`
	Effort int    `json:"effort,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	DirectiveID string         `json:"directive_id"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id"`
	Payload     map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports whether the request lost a race and can be resent.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusConflict && e.Code == "concurrency_conflict"
}

// CreateDirective creates a directive.
func (c *Client) CreateDirective(ctx context.Context, title, directiveType, scope string) (Directive, error) {
	body := map[string]any{
		"title": title,
		"type":  directiveType,
	}
	if scope != "" {
		body["scope"] = scope
	}
	var resp Directive
	err := c.do(ctx, http.MethodPost, "directives", body, &resp)
	return resp, err
}

// GetDirective fetches a directive by id.
func (c *Client) GetDirective(ctx context.Context, id string) (Directive, error) {
	var resp Directive
	err := c.do(ctx, http.MethodGet, directivePath(id), nil, &resp)
	return resp, err
}

// SubmitHandoff submits a handoff from one phase to the next. A rejected
// handoff is not an error; inspect Status and Reasons.
func (c *Client) SubmitHandoff(ctx context.Context, id, from, to string, payload HandoffPayload) (Handoff, error) {
	body := map[string]any{
		"from_phase": from,
		"to_phase":   to,
		"payload":    payload,
	}
	var resp Handoff
	err := c.do(ctx, http.MethodPost, directivePath(id, "handoffs"), body, &resp)
	return resp, err
}

// Advance moves the directive to target using an accepted handoff.
func (c *Client) Advance(ctx context.Context, id, target, handoffID string) (Directive, error) {
	body := map[string]any{
		"target":     target,
		"handoff_id": handoffID,
	}
	var resp Directive
	err := c.do(ctx, http.MethodPost, directivePath(id, "advance"), body, &resp)
	return resp, err
}

// RecordVerdict records a verifier verdict.
func (c *Client) RecordVerdict(ctx context.Context, id, code, verdict string, confidence int, notes string) error {
	body := map[string]any{
		"code":       code,
		"verdict":    verdict,
		"confidence": confidence,
		"notes":      notes,
	}
	return c.do(ctx, http.MethodPost, directivePath(id, "verdicts"), body, nil)
}

// Complete requests completion. Blocked completions come back with
// Accepted=false and the blocking reasons.
func (c *Client) Complete(ctx context.Context, id string) (CompletionResult, error) {
	var resp CompletionResult
	err := c.do(ctx, http.MethodPost, directivePath(id, "complete"), nil, &resp)
	return resp, err
}

// Cancel cancels a directive with a reason.
func (c *Client) Cancel(ctx context.Context, id, reason string) (Directive, error) {
	var resp Directive
	err := c.do(ctx, http.MethodPost, directivePath(id, "cancel"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Decompose plans checkpoints for the implementation phase.
func (c *Client) Decompose(ctx context.Context, id string, items []WorkItem, maxPerCheckpoint int) ([]Checkpoint, error) {
	body := map[string]any{"items": items}
	if maxPerCheckpoint > 0 {
		body["max_per_checkpoint"] = maxPerCheckpoint
	}
	var resp []Checkpoint
	err := c.do(ctx, http.MethodPost, directivePath(id, "checkpoints"), body, &resp)
	return resp, err
}

// CompleteCheckpoint marks checkpoint seq complete.
func (c *Client) CompleteCheckpoint(ctx context.Context, id string, seq int) (Checkpoint, error) {
	var resp Checkpoint
	err := c.do(ctx, http.MethodPost, directivePath(id, "checkpoints", strconv.Itoa(seq), "complete"), nil, &resp)
	return resp, err
}

// LinkChild links childID under the parent directive id.
func (c *Client) LinkChild(ctx context.Context, id, childID string) error {
	return c.do(ctx, http.MethodPost, directivePath(id, "children"), map[string]any{"child_id": childID}, nil)
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	op := func() error {
		err := c.send(ctx, method, endpoint, payload, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Retryable() {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if c.MaxRetryElapsed <= 0 {
		return c.send(ctx, method, endpoint, payload, out)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = c.MaxRetryElapsed
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload []byte, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func directivePath(id string, rest ...string) string {
	parts := append([]string{"directives", url.PathEscape(id)}, rest...)
	return strings.Join(parts, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
