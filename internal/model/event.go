package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of a run event.
type EventType string

const (
	EventRunStarted         EventType = "run_started"
	EventStageStarted       EventType = "stage_started"
	EventStageCompleted     EventType = "stage_completed"
	EventIterationStarted   EventType = "iteration_started"
	EventIterationCompleted EventType = "iteration_completed"
	EventAgentStatus        EventType = "agent_status"
	EventQCIssuesFound      EventType = "qc_issues_found"
	EventQCPassed           EventType = "qc_passed"
	EventQCFailed           EventType = "qc_failed"
	EventPatchApplied       EventType = "patch_applied"
	EventArtifactReady      EventType = "artifact_ready"
	EventError              EventType = "error"
	EventWarning            EventType = "warning"
)

// Visibility controls whether an event is surfaced to the end user
// or kept for internal diagnostics.
type Visibility string

const (
	VisibilityUser     Visibility = "user"
	VisibilityInternal Visibility = "internal"
)

// EventLogEntry is an immutable fact about something that happened during
// a run. Created once, never mutated. The ordered sequence of entries in
// RunState.Events is the canonical replay log.
type EventLogEntry struct {
	ID         uuid.UUID      `json:"event_id"`
	RunID      uuid.UUID      `json:"run_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Type       EventType      `json:"type"`
	Stage      Stage          `json:"stage,omitempty"`
	Agent      RoleName       `json:"agent,omitempty"`
	Summary    string         `json:"summary"`
	Visibility Visibility     `json:"visibility"`
	Details    map[string]any `json:"details,omitempty"`
}

// NewEvent constructs an event with a fresh id and timestamp.
func NewEvent(runID uuid.UUID, typ EventType, stage Stage, agent RoleName, summary string, vis Visibility) EventLogEntry {
	return EventLogEntry{
		ID:         uuid.New(),
		RunID:      runID,
		Timestamp:  time.Now().UTC(),
		Type:       typ,
		Stage:      stage,
		Agent:      agent,
		Summary:    summary,
		Visibility: vis,
	}
}
