package cadenza

import (
	"time"

	"github.com/google/uuid"
)

// envelope is the server's success wrapper.
type envelope struct {
	Data any           `json:"data"`
	Meta *responseMeta `json:"meta,omitempty"`
}

type responseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// errorEnvelope is the server's failure wrapper.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta *responseMeta `json:"meta,omitempty"`
}

// TokenResponse is the result of a credential exchange.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Role      string    `json:"role"`
}

// CreateRunRequest starts a run.
type CreateRunRequest struct {
	Text           string `json:"text"`
	ThreadID       string `json:"conversation_id,omitempty"`
	Mode           string `json:"mode,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
	SecurityLevel  string `json:"security_level,omitempty"`
	TestRigor      string `json:"test_rigor,omitempty"`
}

// Progress is the coarse completion estimate of a run.
type Progress struct {
	Percent int    `json:"percent"`
	Label   string `json:"label,omitempty"`
}

// AgentStatus is one agent's last reported activity.
type AgentStatus struct {
	Agent    string `json:"agent"`
	Activity string `json:"activity,omitempty"`
}

// RunStatus is the projected status of a run.
type RunStatus struct {
	Stage        string        `json:"stage"`
	StageState   string        `json:"stage_state"`
	Progress     Progress      `json:"progress"`
	ActiveAgents []AgentStatus `json:"active_agents,omitempty"`
}

// Run is the API view of a run.
type Run struct {
	ThreadID   string    `json:"thread_id"`
	RunID      uuid.UUID `json:"run_id"`
	UserID     string    `json:"user_id,omitempty"`
	Mode       string    `json:"mode,omitempty"`
	Status     RunStatus `json:"status"`
	EventCount int       `json:"event_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Checkpoint is one entry in a thread's checkpoint lineage.
type Checkpoint struct {
	ID       string         `json:"checkpoint_id"`
	ParentID string         `json:"parent_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// History is a thread's checkpoint lineage, newest first.
type History struct {
	ThreadID    string       `json:"thread_id"`
	Checkpoints []Checkpoint `json:"checkpoints"`
	Count       int          `json:"count"`
}

// ToolCall is a tool invocation suspended for approval.
type ToolCall struct {
	ID        uuid.UUID      `json:"id"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	Agent     string         `json:"agent"`
	RunID     uuid.UUID      `json:"run_id"`
	Timestamp time.Time      `json:"timestamp"`
}

// ToolError carries the code and message of a failed tool call.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolResult is the outcome of an approved tool call.
type ToolResult struct {
	Success      bool           `json:"success"`
	Data         any            `json:"data,omitempty"`
	Error        *ToolError     `json:"error,omitempty"`
	Duration     time.Duration  `json:"duration"`
	AuditID      uuid.UUID      `json:"audit_id,omitempty"`
	CallID       uuid.UUID      `json:"call_id,omitempty"`
	FilesChanged []string       `json:"files_changed,omitempty"`
}

// AuditEntry records one tool invocation attempt.
type AuditEntry struct {
	ID           uuid.UUID      `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Agent        string         `json:"agent"`
	RunID        uuid.UUID      `json:"run_id"`
	Tool         string         `json:"tool"`
	Args         map[string]any `json:"args,omitempty"`
	Result       string         `json:"result"`
	Duration     time.Duration  `json:"duration"`
	FilesChanged []string       `json:"files_changed,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// AuditSummary aggregates audit outcomes for one run.
type AuditSummary struct {
	RunID         uuid.UUID     `json:"run_id"`
	Total         int           `json:"total"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	Denied        int           `json:"denied"`
	TotalDuration time.Duration `json:"total_duration"`
}

// AuditQuery filters an audit trail query. Use at most one of RunID,
// Agent, DeniedOnly.
type AuditQuery struct {
	RunID      uuid.UUID
	Agent      string
	DeniedOnly bool
	Limit      int
}

// Health is the server's health report.
type Health struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	AuditEntries  int    `json:"audit_entries"`
	SSE           string `json:"sse"`
}
