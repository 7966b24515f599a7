// Package machine owns RunState and drives it through the orchestration
// stages, emitting events and checkpointing after every transition.
//
// Stages execute sequentially within a run. QC review loops back to
// implementation up to a bounded iteration budget; exceeding it resolves
// per the configured policy. FAILED is reachable from any stage on an
// unrecoverable agent error.
package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cadenza-ai/cadenza/internal/agent"
	"github.com/cadenza-ai/cadenza/internal/checkpoint"
	"github.com/cadenza-ai/cadenza/internal/gateway"
	"github.com/cadenza-ai/cadenza/internal/model"
)

var tracer = otel.Tracer("cadenza/machine")

// validTransitions defines the legal stage transitions. Each key is a
// source stage; the value is the set of valid targets.
var validTransitions = map[model.Stage]map[model.Stage]bool{
	model.StageCoordPlan:          {model.StageResearch: true, model.StageFailed: true},
	model.StageResearch:           {model.StageArchitectImplement: true, model.StageFailed: true},
	model.StageArchitectImplement: {model.StageQCReview: true, model.StageFailed: true},
	model.StageQCReview: {
		model.StageComplete:           true,
		model.StageArchitectImplement: true, // fix-loop
		model.StageFailed:             true,
	},
}

// IsValidTransition checks whether a stage transition is legal.
func IsValidTransition(from, to model.Stage) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// stageRoles maps each executing stage to the agent role that drives it.
var stageRoles = map[model.Stage]model.RoleName{
	model.StageCoordPlan:          model.RoleCoordinator,
	model.StageResearch:           model.RoleResearcher,
	model.StageArchitectImplement: model.RoleArchitect,
	model.StageQCReview:           model.RoleCoordinator,
}

// MaxIterationsPolicy decides the terminal stage when the QC fix-loop
// budget is exhausted with issues still outstanding.
type MaxIterationsPolicy string

const (
	// PolicyComplete forces COMPLETE, reporting the outstanding issues.
	PolicyComplete MaxIterationsPolicy = "complete"
	// PolicyFail moves the run to FAILED.
	PolicyFail MaxIterationsPolicy = "fail"
)

// DefaultMaxIterations bounds QC fix-loop passes.
const DefaultMaxIterations = 3

// Config tunes one machine instance.
type Config struct {
	MaxIterations   int
	OnMaxIterations MaxIterationsPolicy
	Retry           agent.RetryPolicy
	Namespace       string
}

// DefaultConfig returns the stage-execution defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:   DefaultMaxIterations,
		OnMaxIterations: PolicyComplete,
		Retry:           agent.DefaultRetryPolicy(),
		Namespace:       "runs",
	}
}

// EventSink receives every emitted event, in order, as it is appended to
// the run's canonical log.
type EventSink func(model.EventLogEntry)

// Machine drives one run at a time. A given thread must be driven by
// exactly one Machine invocation at a time; the controller enforces that.
type Machine struct {
	gw      *gateway.Gateway
	ckpt    *checkpoint.Store
	invoker agent.Invoker
	roles   map[model.RoleName]model.AgentRole
	cfg     Config
	logger  *slog.Logger
}

// New builds a Machine over its collaborators.
func New(gw *gateway.Gateway, ckpt *checkpoint.Store, invoker agent.Invoker, roles map[model.RoleName]model.AgentRole, cfg Config, logger *slog.Logger) *Machine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.OnMaxIterations == "" {
		cfg.OnMaxIterations = PolicyComplete
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = agent.DefaultRetryPolicy()
	}
	return &Machine{gw: gw, ckpt: ckpt, invoker: invoker, roles: roles, cfg: cfg, logger: logger}
}

// run-local scratch carried between stage nodes.
type runScratch struct {
	lastIssues []string
}

// Run drives state to a terminal stage, emitting every event to sink and
// checkpointing after each transition. On cancellation the current stage is
// abandoned, a terminal error event is emitted, and no further checkpoint
// is written.
func (m *Machine) Run(ctx context.Context, state *model.RunState, threadID string, sink EventSink) error {
	ctx, span := tracer.Start(ctx, "machine.run",
		trace.WithAttributes(
			attribute.String("run_id", state.RunID.String()),
			attribute.String("thread_id", threadID),
		),
	)
	defer span.End()

	m.emit(state, sink, model.NewEvent(state.RunID, model.EventRunStarted, state.Status.Stage, "", "run started", model.VisibilityUser))
	if err := m.persist(ctx, state, threadID); err != nil {
		return err
	}

	scratch := &runScratch{}

	for !state.Status.Stage.Terminal() {
		if err := ctx.Err(); err != nil {
			return m.abort(state, sink, err)
		}

		next, err := m.executeStage(ctx, state, scratch, sink)
		if err != nil {
			return m.abort(state, sink, err)
		}

		if !IsValidTransition(state.Status.Stage, next) {
			return fmt.Errorf("machine: illegal transition %s -> %s", state.Status.Stage, next)
		}
		m.transition(state, next, sink)

		if err := m.persist(ctx, state, threadID); err != nil {
			return err
		}
	}

	m.logger.Info("machine: run finished",
		"run_id", state.RunID, "stage", state.Status.Stage, "iterations", state.Iteration, "events", len(state.Events))
	return nil
}

// abort abandons the current stage on cancellation. A terminal error event
// is appended but no further checkpoint is written, so a later resume picks
// up from the last completed transition.
func (m *Machine) abort(state *model.RunState, sink EventSink, err error) error {
	ev := model.NewEvent(state.RunID, model.EventError, state.Status.Stage, "",
		"run aborted: "+err.Error(), model.VisibilityUser)
	m.emit(state, sink, ev)
	state.Status.StageState = model.StageStateFailed
	m.logger.Warn("machine: run aborted", "run_id", state.RunID, "stage", state.Status.Stage, "error", err)
	return err
}

// executeStage runs the current stage's node and returns the next stage.
// A non-nil error means the stage was abandoned by cancellation.
func (m *Machine) executeStage(ctx context.Context, state *model.RunState, scratch *runScratch, sink EventSink) (model.Stage, error) {
	stage := state.Status.Stage
	role := stageRoles[stage]

	state.Status.StageState = model.StageRunning
	state.Status.Progress = progressFor(stage, state.Iteration, m.cfg.MaxIterations)
	m.setAgent(state, sink, role, model.AgentWorking, stageTask(stage))
	m.emit(state, sink, model.NewEvent(state.RunID, model.EventStageStarted, stage, role, fmt.Sprintf("stage %s started", stage), model.VisibilityUser))

	req := agent.Request{
		Role:   role,
		Model:  m.roles[role].Model,
		Prompt: m.buildPrompt(stage, state, scratch),
		Tools:  m.gw.GetAvailableTools(role),
	}

	res := agent.InvokeWithRetry(ctx, m.invoker, req, m.cfg.Retry, m.logger)
	if res.Outcome != agent.OutcomeSuccess {
		if ctx.Err() != nil {
			return stage, ctx.Err()
		}
		return m.failStage(state, scratch, sink, role, res), nil
	}

	m.dispatchToolUses(ctx, state, sink, role, res.Response.ToolUses)

	next := stage
	switch stage {
	case model.StageCoordPlan:
		next = model.StageResearch
	case model.StageResearch:
		next = model.StageArchitectImplement
	case model.StageArchitectImplement:
		next = model.StageQCReview
	case model.StageQCReview:
		next = m.resolveReview(state, scratch, sink, res.Response)
	}

	state.Status.StageState = model.StageCompleted
	m.setAgent(state, sink, role, model.AgentDone, "")
	done := model.NewEvent(state.RunID, model.EventStageCompleted, stage, role, fmt.Sprintf("stage %s completed", stage), model.VisibilityUser)
	// The model's textual output (plan, findings, summary) rides on the
	// completion event so it reaches the event log and every sink.
	if res.Response.Text != "" {
		done.Details = map[string]any{"output": res.Response.Text}
	}
	m.emit(state, sink, done)
	return next, nil
}

// resolveReview turns the QC verdict into the next stage, honoring the
// bounded fix-loop.
func (m *Machine) resolveReview(state *model.RunState, scratch *runScratch, sink EventSink, resp *agent.Response) model.Stage {
	verdict := resp.Verdict
	if verdict == nil || verdict.Passed {
		m.completeIteration(state, sink)
		m.emit(state, sink, model.NewEvent(state.RunID, model.EventQCPassed, model.StageQCReview, model.RoleCoordinator, "quality review passed", model.VisibilityUser))
		return model.StageComplete
	}

	scratch.lastIssues = verdict.Issues
	ev := model.NewEvent(state.RunID, model.EventQCIssuesFound, model.StageQCReview, model.RoleCoordinator,
		fmt.Sprintf("quality review found %d issue(s)", len(verdict.Issues)), model.VisibilityUser)
	ev.Details = map[string]any{"issues": verdict.Issues}
	m.emit(state, sink, ev)

	if state.Iteration < m.cfg.MaxIterations {
		// The review that just failed closes the current iteration (if
		// any) and opens the next one, so started/completed pairs share a
		// number.
		m.completeIteration(state, sink)

		state.Iteration++
		started := model.NewEvent(state.RunID, model.EventIterationStarted, model.StageQCReview, model.RoleCoordinator,
			fmt.Sprintf("fix iteration %d started", state.Iteration), model.VisibilityInternal)
		started.Details = map[string]any{"iteration": state.Iteration}
		m.emit(state, sink, started)

		return model.StageArchitectImplement
	}

	m.completeIteration(state, sink)
	m.emit(state, sink, model.NewEvent(state.RunID, model.EventQCFailed, model.StageQCReview, model.RoleCoordinator,
		fmt.Sprintf("iteration budget exhausted with %d issue(s) outstanding", len(verdict.Issues)), model.VisibilityUser))

	if m.cfg.OnMaxIterations == PolicyFail {
		state.Errors = append(state.Errors, model.RunError{
			Stage:   model.StageQCReview,
			Agent:   model.RoleCoordinator,
			Message: "quality review did not pass within the iteration budget",
			At:      time.Now().UTC(),
		})
		return model.StageFailed
	}

	m.emit(state, sink, model.NewEvent(state.RunID, model.EventWarning, model.StageQCReview, model.RoleCoordinator,
		"completing with outstanding issues: "+strings.Join(verdict.Issues, "; "), model.VisibilityUser))
	return model.StageComplete
}

// completeIteration closes the fix iteration under review, if one is open.
func (m *Machine) completeIteration(state *model.RunState, sink EventSink) {
	if state.Iteration == 0 {
		return
	}
	done := model.NewEvent(state.RunID, model.EventIterationCompleted, model.StageQCReview, model.RoleCoordinator,
		fmt.Sprintf("fix iteration %d completed", state.Iteration), model.VisibilityInternal)
	done.Details = map[string]any{"iteration": state.Iteration}
	m.emit(state, sink, done)
}

// failStage records an unrecoverable agent failure and moves the run to FAILED.
func (m *Machine) failStage(state *model.RunState, _ *runScratch, sink EventSink, role model.RoleName, res agent.Result) model.Stage {
	state.Errors = append(state.Errors, model.RunError{
		Stage:   state.Status.Stage,
		Agent:   role,
		Message: res.Err.Error(),
		At:      time.Now().UTC(),
	})
	ev := model.NewEvent(state.RunID, model.EventError, state.Status.Stage, role,
		fmt.Sprintf("agent invocation failed after %d attempt(s): %s", res.Attempts, res.Err), model.VisibilityUser)
	ev.Details = map[string]any{"outcome": string(res.Outcome)}
	m.emit(state, sink, ev)

	state.Status.StageState = model.StageStateFailed
	m.setAgent(state, sink, role, model.AgentError, "")
	return model.StageFailed
}

// dispatchToolUses routes the model's tool requests through the gateway.
// Denials and execution failures are terminal for the call, surfaced as
// events, and never retried here.
func (m *Machine) dispatchToolUses(ctx context.Context, state *model.RunState, sink EventSink, role model.RoleName, uses []agent.ToolUse) {
	for _, tu := range uses {
		res := m.gw.CallTool(ctx, role, tu.Tool, tu.Args, state.RunID)
		switch {
		case res.Success:
			if tu.Tool == string(model.FSPatch) && len(res.FilesChanged) > 0 {
				ev := model.NewEvent(state.RunID, model.EventPatchApplied, state.Status.Stage, role,
					fmt.Sprintf("patch applied to %s", strings.Join(res.FilesChanged, ", ")), model.VisibilityUser)
				ev.Details = map[string]any{"files": res.FilesChanged}
				m.emit(state, sink, ev)
			}
		case res.Error.Code == model.CodeApprovalRequired:
			ev := model.NewEvent(state.RunID, model.EventWarning, state.Status.Stage, role,
				fmt.Sprintf("%s awaiting approval", tu.Tool), model.VisibilityUser)
			ev.Details = map[string]any{"call_id": res.CallID.String(), "tool": tu.Tool}
			m.emit(state, sink, ev)
			m.setAgent(state, sink, role, model.AgentBlocked, "awaiting approval for "+tu.Tool)
		default:
			m.emit(state, sink, model.NewEvent(state.RunID, model.EventError, state.Status.Stage, role,
				fmt.Sprintf("tool %s failed: %s", tu.Tool, res.Error.Message), model.VisibilityInternal))
		}
	}
}

// transition moves the run to the next stage and emits terminal events.
func (m *Machine) transition(state *model.RunState, next model.Stage, sink EventSink) {
	state.Status.Stage = next
	switch next {
	case model.StageComplete:
		state.Status.StageState = model.StageCompleted
		state.Status.Progress = progressFor(next, state.Iteration, m.cfg.MaxIterations)
		m.emit(state, sink, model.NewEvent(state.RunID, model.EventArtifactReady, next, "", "run output ready", model.VisibilityUser))
	case model.StageFailed:
		state.Status.StageState = model.StageStateFailed
	default:
		state.Status.StageState = model.StagePending
	}
}

// persist checkpoints the full RunState for the thread.
func (m *Machine) persist(ctx context.Context, state *model.RunState, threadID string) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("machine: encode state: %w", err)
	}
	_, err = m.ckpt.Put(ctx, checkpoint.Config{ThreadID: threadID, Namespace: m.cfg.Namespace}, blob,
		map[string]any{
			"stage":     string(state.Status.Stage),
			"iteration": state.Iteration,
		}, nil)
	if err != nil {
		return fmt.Errorf("machine: checkpoint: %w", err)
	}
	return nil
}

// emit appends to the canonical log and forwards to the sink.
func (m *Machine) emit(state *model.RunState, sink EventSink, ev model.EventLogEntry) {
	state.AppendEvent(ev)
	if sink != nil {
		sink(ev)
	}
}

// setAgent updates the single active-agent slot and emits an internal
// agent_status event.
func (m *Machine) setAgent(state *model.RunState, sink EventSink, role model.RoleName, agentState model.AgentState, task string) {
	status := model.AgentStatus{Agent: role, State: agentState, Task: task, Model: m.roles[role].Model}
	replaced := false
	for i := range state.Status.ActiveAgents {
		if state.Status.ActiveAgents[i].Agent == role {
			state.Status.ActiveAgents[i] = status
			replaced = true
			break
		}
	}
	if !replaced {
		state.Status.ActiveAgents = append(state.Status.ActiveAgents, status)
	}

	ev := model.NewEvent(state.RunID, model.EventAgentStatus, state.Status.Stage, role,
		fmt.Sprintf("%s is %s", role, agentState), model.VisibilityInternal)
	if task != "" {
		ev.Details = map[string]any{"task": task}
	}
	m.emit(state, sink, ev)
}

func stageTask(stage model.Stage) string {
	switch stage {
	case model.StageCoordPlan:
		return "planning the run"
	case model.StageResearch:
		return "researching the codebase"
	case model.StageArchitectImplement:
		return "implementing changes"
	case model.StageQCReview:
		return "reviewing changes"
	default:
		return ""
	}
}

// buildPrompt assembles the stage instruction around the original request.
func (m *Machine) buildPrompt(stage model.Stage, state *model.RunState, scratch *runScratch) string {
	var b strings.Builder
	switch stage {
	case model.StageCoordPlan:
		b.WriteString("Plan how to fulfill the request.\n")
	case model.StageResearch:
		b.WriteString("Research the relevant parts of the project.\n")
	case model.StageArchitectImplement:
		b.WriteString("Implement the planned changes.\n")
		if len(scratch.lastIssues) > 0 {
			b.WriteString("Address these review findings first:\n")
			for _, issue := range scratch.lastIssues {
				b.WriteString("- " + issue + "\n")
			}
		}
	case model.StageQCReview:
		b.WriteString("Review the implemented changes for correctness and safety.\n")
	}
	b.WriteString("\nRequest: " + state.Inputs.Request)
	if state.Inputs.TargetLanguage != "" {
		b.WriteString("\nTarget language: " + state.Inputs.TargetLanguage)
	}
	if state.Inputs.SecurityLevel != "" {
		b.WriteString("\nSecurity level: " + state.Inputs.SecurityLevel)
	}
	if state.Inputs.TestRigor != "" {
		b.WriteString("\nTest rigor: " + state.Inputs.TestRigor)
	}
	return b.String()
}

// NewRunState seeds the canonical state for a fresh run.
func NewRunState(conversationID, userID, mode string, inputs model.RunInputs) *model.RunState {
	now := time.Now().UTC()
	return &model.RunState{
		RunID:          uuid.New(),
		ConversationID: conversationID,
		UserID:         userID,
		Mode:           mode,
		Inputs:         inputs,
		Status: model.RunStatus{
			Stage:      model.StageCoordPlan,
			StageState: model.StagePending,
			Progress:   progressFor(model.StageCoordPlan, 0, DefaultMaxIterations),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
