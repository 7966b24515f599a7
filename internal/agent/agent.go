// Package agent wraps model invocation for the orchestration stages. The
// invocation mechanics are an opaque dependency: the machine hands an
// Invoker a prompt, gets text and tool-use requests back, and retries
// transient failures against an explicit retry policy.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cadenza-ai/cadenza/internal/model"
)

// ErrContextLengthExceeded classifies the invocation failure that no retry
// can fix. Invokers wrap it with errors.Is-compatible wrapping.
var ErrContextLengthExceeded = errors.New("agent: context length exceeded")

// Request is one model invocation for a role.
type Request struct {
	Role   model.RoleName `json:"role"`
	Model  string         `json:"model"`
	Prompt string         `json:"prompt"`
	Tools  []string       `json:"tools,omitempty"`
}

// ToolUse is a tool invocation requested by the model. The machine routes
// these through the gateway; the invoker never executes tools itself.
type ToolUse struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Verdict is the structured outcome of a review invocation, parsed from
// the model output by the invoker. Nil on non-review invocations.
type Verdict struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues,omitempty"`
}

// Response is the model's output for one invocation.
type Response struct {
	Text     string    `json:"text"`
	ToolUses []ToolUse `json:"tool_uses,omitempty"`
	Verdict  *Verdict  `json:"verdict,omitempty"`
}

// Invoker is the opaque model-invocation dependency.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// RetryPolicy is an explicit value describing how invocation failures are
// retried. Call sites pattern-match on the Outcome instead of catching
// anything.
type RetryPolicy struct {
	// MaxAttempts is the total invocation budget, first attempt included.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt; it doubles each retry.
	BaseDelay time.Duration
	// IsFatal short-circuits retries for failures no repeat can fix.
	IsFatal func(error) bool
}

// DefaultRetryPolicy matches the stage-execution defaults: three attempts,
// one second base delay, context-length failures fatal.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		IsFatal: func(err error) bool {
			return errors.Is(err, ErrContextLengthExceeded)
		},
	}
}

// Outcome classifies an invocation attempt sequence.
type Outcome string

const (
	// OutcomeSuccess: an attempt returned a response.
	OutcomeSuccess Outcome = "success"
	// OutcomeFatal: an attempt failed in a way retries cannot fix.
	OutcomeFatal Outcome = "fatal"
	// OutcomeExhausted: every attempt failed transiently.
	OutcomeExhausted Outcome = "exhausted"
)

// Result is the terminal state of an invoke-with-retry sequence. Err is set
// for fatal and exhausted outcomes; Response for success.
type Result struct {
	Outcome  Outcome
	Response *Response
	Err      error
	Attempts int
}

// InvokeWithRetry drives the invoker under the policy. Context cancellation
// during backoff surfaces as a fatal outcome carrying the context error.
func InvokeWithRetry(ctx context.Context, inv Invoker, req Request, policy RetryPolicy, logger *slog.Logger) Result {
	delay := policy.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		resp, err := inv.Invoke(ctx, req)
		if err == nil {
			return Result{Outcome: OutcomeSuccess, Response: resp, Attempts: attempt}
		}
		lastErr = err

		if policy.IsFatal != nil && policy.IsFatal(err) {
			logger.Error("agent: fatal invocation failure",
				"role", req.Role, "attempt", attempt, "error", err)
			return Result{Outcome: OutcomeFatal, Err: err, Attempts: attempt}
		}

		if attempt == policy.MaxAttempts {
			break
		}

		logger.Warn("agent: invocation failed, retrying",
			"role", req.Role, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return Result{Outcome: OutcomeFatal, Err: ctx.Err(), Attempts: attempt}
		case <-time.After(delay):
		}
		delay *= 2
	}

	logger.Error("agent: invocation retries exhausted",
		"role", req.Role, "attempts", policy.MaxAttempts, "error", lastErr)
	return Result{Outcome: OutcomeExhausted, Err: lastErr, Attempts: policy.MaxAttempts}
}
