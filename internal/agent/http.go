package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HTTPInvoker forwards invocations to an external agent backend over HTTP.
// The backend receives a Request as JSON and answers with a Response; any
// non-2xx status is an invocation failure. Status 413, or an error body
// mentioning context length, classifies as ErrContextLengthExceeded so the
// retry policy treats it as fatal.
type HTTPInvoker struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPInvoker creates an invoker posting to endpoint.
func NewHTTPInvoker(endpoint string, logger *slog.Logger) *HTTPInvoker {
	return &HTTPInvoker{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 2 * time.Minute},
		logger:   logger,
	}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("agent: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("agent: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent: invoke %s: %w", req.Role, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		// Error bodies are small; cap the read anyway.
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		if httpResp.StatusCode == http.StatusRequestEntityTooLarge ||
			strings.Contains(strings.ToLower(string(msg)), "context length") {
			return nil, fmt.Errorf("agent: invoke %s: %w", req.Role, ErrContextLengthExceeded)
		}
		return nil, fmt.Errorf("agent: invoke %s: backend returned %d: %s",
			req.Role, httpResp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("agent: decode response: %w", err)
	}

	h.logger.Debug("agent: invocation complete",
		"role", req.Role, "duration", time.Since(start), "tool_uses", len(resp.ToolUses))
	return &resp, nil
}
