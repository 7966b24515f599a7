// Package cadenza is the Go client for the Cadenza orchestrator API.
//
//	client := cadenza.NewClient("http://localhost:8080")
//	if err := client.Authenticate(ctx, "operator", key); err != nil { ... }
//	run, err := client.CreateRun(ctx, cadenza.CreateRunRequest{Text: "add retries"})
package cadenza

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Client talks to one Cadenza server. Safe for concurrent use after
// Authenticate (or SetToken) has been called.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client. Run creation blocks for
// the whole run, so the client's timeout must exceed the server's run
// timeout.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sets a pre-issued bearer token, skipping Authenticate.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authenticate exchanges a credential for a bearer token and stores it on
// the client.
func (c *Client) Authenticate(ctx context.Context, userID, credential string) error {
	var resp TokenResponse
	err := c.do(ctx, http.MethodPost, "/auth/token", map[string]string{
		"user_id":    userID,
		"credential": credential,
	}, &resp)
	if err != nil {
		return err
	}
	c.token = resp.Token
	return nil
}

// CreateRun starts a run and blocks until it reaches a terminal stage.
func (c *Client) CreateRun(ctx context.Context, req CreateRunRequest) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodPost, "/v1/runs", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ResumeRun resumes a thread's run from its latest checkpoint and blocks
// until it finishes.
func (c *Client) ResumeRun(ctx context.Context, threadID string) (*Run, error) {
	var run Run
	path := "/v1/runs/" + url.PathEscape(threadID) + "/resume"
	if err := c.do(ctx, http.MethodPost, path, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun returns the latest persisted state of a thread's run.
func (c *Client) GetRun(ctx context.Context, threadID string) (*Run, error) {
	var run Run
	path := "/v1/runs/" + url.PathEscape(threadID)
	if err := c.do(ctx, http.MethodGet, path, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetHistory returns a thread's checkpoint lineage, newest first.
func (c *Client) GetHistory(ctx context.Context, threadID string, limit int) (*History, error) {
	path := "/v1/runs/" + url.PathEscape(threadID) + "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var h History
	if err := c.do(ctx, http.MethodGet, path, nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// DeleteThread removes all checkpoint data for a thread.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/threads/"+url.PathEscape(threadID), nil, nil)
}

// ListApprovals returns tool calls suspended awaiting a decision, oldest
// first.
func (c *Client) ListApprovals(ctx context.Context) ([]ToolCall, error) {
	var resp struct {
		Approvals []ToolCall `json:"approvals"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/approvals", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Approvals, nil
}

// Approve approves a suspended tool call; the call executes immediately
// and its result is returned.
func (c *Client) Approve(ctx context.Context, callID uuid.UUID) (*ToolResult, error) {
	var result ToolResult
	path := "/v1/approvals/" + callID.String() + "/approve"
	if err := c.do(ctx, http.MethodPost, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Reject rejects a suspended tool call.
func (c *Client) Reject(ctx context.Context, callID uuid.UUID) error {
	return c.do(ctx, http.MethodPost, "/v1/approvals/"+callID.String()+"/reject", nil, nil)
}

// ListTools returns the tools the given agent role may invoke.
func (c *Client) ListTools(ctx context.Context, role string) ([]string, error) {
	var resp struct {
		Tools []string `json:"tools"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/tools?role="+url.QueryEscape(role), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tools, nil
}

// QueryAudit returns audit entries matching the query.
func (c *Client) QueryAudit(ctx context.Context, q AuditQuery) ([]AuditEntry, error) {
	params := url.Values{}
	switch {
	case q.RunID != uuid.Nil:
		params.Set("run_id", q.RunID.String())
	case q.Agent != "":
		params.Set("agent", q.Agent)
	case q.DeniedOnly:
		params.Set("denied", "true")
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/v1/audit"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var resp struct {
		Entries []AuditEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// GetAuditSummary returns the per-run audit summary.
func (c *Client) GetAuditSummary(ctx context.Context, runID uuid.UUID) (*AuditSummary, error) {
	var s AuditSummary
	if err := c.do(ctx, http.MethodGet, "/v1/audit/summary?run_id="+runID.String(), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetHealth returns the server's health report. No authentication needed.
func (c *Client) GetHealth(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// do performs one API request, unwrapping the response envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cadenza: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("cadenza: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cadenza: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("cadenza: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: CodeInternalError}
		var envErr errorEnvelope
		if jsonErr := json.Unmarshal(raw, &envErr); jsonErr == nil && envErr.Error.Code != "" {
			apiErr.Code = envErr.Error.Code
			apiErr.Message = envErr.Error.Message
			if envErr.Meta != nil {
				apiErr.RequestID = envErr.Meta.RequestID
			}
		} else {
			apiErr.Message = string(raw)
		}
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}

	env := envelope{Data: out}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("cadenza: decode response: %w", err)
	}
	return nil
}
