package model

import (
	"time"

	"github.com/google/uuid"
)

// AuditResult is the terminal outcome recorded for a tool call attempt.
type AuditResult string

const (
	AuditSuccess AuditResult = "success"
	AuditError   AuditResult = "error"
	AuditDenied  AuditResult = "denied"
)

// AuditLogEntry records one tool invocation attempt.
//
// Entries are created at call start with Result defaulting to success and
// patched exactly once at completion. Denials are written as single
// terminal entries. Args are redacted before the entry is stored.
type AuditLogEntry struct {
	ID           uuid.UUID      `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Agent        RoleName       `json:"agent"`
	RunID        uuid.UUID      `json:"run_id"`
	Tool         Capability     `json:"tool"`
	Args         map[string]any `json:"args,omitempty"`
	Result       AuditResult    `json:"result"`
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
