package model

import (
	"time"

	"github.com/google/uuid"
)

// ToolErrorCode classifies tool call failures.
type ToolErrorCode string

const (
	// CodePermissionDenied: the role lacks the capability or the tool is
	// globally blocked. Never retried; always audited as denied.
	CodePermissionDenied ToolErrorCode = "PERMISSION_DENIED"
	// CodeApprovalRequired: not a failure — the call is suspended awaiting
	// an explicit approval decision.
	CodeApprovalRequired ToolErrorCode = "APPROVAL_REQUIRED"
	// CodeExecutionError: the handler returned an error or panicked.
	CodeExecutionError ToolErrorCode = "EXECUTION_ERROR"
	// CodeNotFound: an approval decision referenced an unknown call id.
	CodeNotFound ToolErrorCode = "NOT_FOUND"
)

// ToolCall is one invocation request flowing through the gateway.
// Created per invocation with a fresh id; immutable afterwards.
type ToolCall struct {
	ID        uuid.UUID      `json:"id"`
	Tool      Capability     `json:"tool"`
	Args      map[string]any `json:"args"`
	Agent     RoleName       `json:"agent"`
	RunID     uuid.UUID      `json:"run_id"`
	Timestamp time.Time      `json:"timestamp"`
}

// ToolError carries the code and message of a failed or suspended call.
type ToolError struct {
	Code    ToolErrorCode `json:"code"`
	Message string        `json:"message"`
}

// ToolResult is produced exactly once per ToolCall, or once per approval
// decision for gated calls. Gateway failures are always returned as a
// result value, never as a panic or error across the gateway boundary.
type ToolResult struct {
	Success  bool          `json:"success"`
	Data     any           `json:"data,omitempty"`
	Error    *ToolError    `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	AuditID  uuid.UUID     `json:"audit_id,omitempty"`

	// CallID is set on APPROVAL_REQUIRED results so the caller can later
	// approve or reject the pending call.
	CallID uuid.UUID `json:"call_id,omitempty"`

	// FilesChanged is copied from the handler output when present, for
	// audit enrichment.
	FilesChanged []string `json:"files_changed,omitempty"`
}

// ErrorResult builds a failed ToolResult with the given code and message.
func ErrorResult(code ToolErrorCode, message string) ToolResult {
	return ToolResult{
		Success: false,
		Error:   &ToolError{Code: code, Message: message},
	}
}
