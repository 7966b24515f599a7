// Package model defines the core domain types for Cadenza.
//
// RunState is the single source of truth for one orchestration run. Its
// events slice is the canonical append-only log; the Status fields are a
// projection derived from it. Types use strong typing (UUIDs, time.Time,
// enums) and avoid interface{} wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Stage represents a named stage of the orchestration pipeline.
type Stage string

const (
	StageCoordPlan          Stage = "COORD_PLAN"
	StageResearch           Stage = "RESEARCH"
	StageArchitectImplement Stage = "ARCHITECT_IMPLEMENT"
	StageQCReview           Stage = "QC_REVIEW"
	StageComplete           Stage = "COMPLETE"
	StageFailed             Stage = "FAILED"
)

// Terminal reports whether the stage is an end state of the pipeline.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed
}

// StageState represents the execution state of the current stage.
type StageState string

const (
	StagePending     StageState = "pending"
	StageRunning     StageState = "running"
	StageCompleted   StageState = "completed"
	StageStateFailed StageState = "failed"
)

// AgentState represents what an agent is doing right now.
type AgentState string

const (
	AgentIdle    AgentState = "idle"
	AgentWorking AgentState = "working"
	AgentBlocked AgentState = "blocked"
	AgentDone    AgentState = "done"
	AgentError   AgentState = "error"
)

// AgentStatus is the per-agent entry in RunStatus.ActiveAgents.
type AgentStatus struct {
	Agent RoleName   `json:"agent"`
	State AgentState `json:"state"`
	Task  string     `json:"task,omitempty"`
	Model string     `json:"model,omitempty"`
}

// Progress is a coarse completion indicator for UI consumption.
type Progress struct {
	Percent int    `json:"percent"`
	Label   string `json:"label,omitempty"`
}

// RunInputs holds the original request and its constraints.
// Immutable after run creation.
type RunInputs struct {
	Request        string `json:"request"`
	TargetLanguage string `json:"target_language,omitempty"`
	SecurityLevel  string `json:"security_level,omitempty"`
	TestRigor      string `json:"test_rigor,omitempty"`
}

// RunStatus is the mutable projection of a run's event log.
type RunStatus struct {
	Stage        Stage         `json:"stage"`
	StageState   StageState    `json:"stage_state"`
	Progress     Progress      `json:"progress"`
	ActiveAgents []AgentStatus `json:"active_agents,omitempty"`
}

// RunError summarizes a terminal or recovered error.
type RunError struct {
	Stage     Stage     `json:"stage"`
	Agent     RoleName  `json:"agent,omitempty"`
	Message   string    `json:"message"`
	Recovered bool      `json:"recovered"`
	At        time.Time `json:"at"`
}

// RunState is the single source of truth for one orchestration run.
//
// Identifiers, Mode, and Inputs are set once at creation and never change.
// Events and Errors are append-only. Only the run state machine mutates a
// RunState; agents and the tool gateway never touch it directly.
type RunState struct {
	RunID          uuid.UUID `json:"run_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Mode           string    `json:"mode"`

	Inputs RunInputs `json:"inputs"`
	Status RunStatus `json:"status"`

	// Iteration counts QC fix-loop passes through ARCHITECT_IMPLEMENT.
	Iteration int `json:"iteration"`

	Events []EventLogEntry `json:"events"`
	Errors []RunError      `json:"errors,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to checkpointing or subscribers
// while the machine keeps mutating the original.
func (r *RunState) Clone() *RunState {
	cp := *r
	cp.Events = make([]EventLogEntry, len(r.Events))
	copy(cp.Events, r.Events)
	cp.Errors = make([]RunError, len(r.Errors))
	copy(cp.Errors, r.Errors)
	cp.Status.ActiveAgents = make([]AgentStatus, len(r.Status.ActiveAgents))
	copy(cp.Status.ActiveAgents, r.Status.ActiveAgents)
	return &cp
}

// AppendEvent adds an event to the canonical log and bumps UpdatedAt.
func (r *RunState) AppendEvent(e EventLogEntry) {
	r.Events = append(r.Events, e)
	r.UpdatedAt = e.Timestamp
}
