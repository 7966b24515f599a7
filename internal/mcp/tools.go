package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/cadenza-ai/cadenza/internal/controller"
	"github.com/cadenza-ai/cadenza/internal/model"
)

func (s *Server) registerTools() {
	// cadenza_run — start a coding run and wait for it to finish.
	s.mcpServer.AddTool(
		mcplib.NewTool("cadenza_run",
			mcplib.WithDescription(`Start a multi-agent coding run and wait for it to finish.

The run moves through planning, research, implementation, and quality
review; quality failures trigger bounded fix iterations. The result is the
final run state including the terminal stage (COMPLETE or FAILED).

Reuse a conversation_id to keep related runs on one thread; a run on a
thread that already has one in flight is rejected.

NOTE: tool calls that need human approval (file deletion, dependency
installation) are parked as pending and the run continues without their
result; the requesting agent is reported as blocked. Decide them via
cadenza_approve or cadenza_reject.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("text",
				mcplib.Description("The coding request, e.g. 'add retry logic to the HTTP client'"),
				mcplib.Required(),
			),
			mcplib.WithString("conversation_id",
				mcplib.Description("Thread to run on. Omit to start a fresh thread."),
			),
			mcplib.WithString("mode",
				mcplib.Description("Orchestration mode, e.g. 3-agent-strict"),
			),
			mcplib.WithString("target_language",
				mcplib.Description("Preferred implementation language"),
			),
			mcplib.WithString("security_level",
				mcplib.Description("How strict security scanning should be"),
			),
			mcplib.WithString("test_rigor",
				mcplib.Description("How thorough generated tests should be"),
			),
		),
		s.handleRun,
	)

	// cadenza_status — latest persisted state of a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("cadenza_status",
			mcplib.WithDescription(`Get the latest persisted state of a run without driving it.

Returns the current stage, progress, iteration count, active agents, and
any run-level error. Works for both live and finished runs.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("thread_id",
				mcplib.Description("The conversation/thread id the run belongs to"),
				mcplib.Required(),
			),
		),
		s.handleStatus,
	)

	// cadenza_approvals — tool calls waiting for a human decision.
	s.mcpServer.AddTool(
		mcplib.NewTool("cadenza_approvals",
			mcplib.WithDescription(`List tool calls suspended awaiting human approval, oldest first.

Each entry shows which agent asked for which gated tool with which
arguments. Use cadenza_approve or cadenza_reject with the call id to
decide. Undecided calls expire after a TTL and count as denied.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleApprovals,
	)

	// cadenza_approve — approve a suspended tool call.
	s.mcpServer.AddTool(
		mcplib.NewTool("cadenza_approve",
			mcplib.WithDescription(`Approve a suspended tool call. The call executes immediately and its
result is returned. Approving an unknown or expired call id is an error.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("call_id",
				mcplib.Description("The suspended call's id, from cadenza_approvals"),
				mcplib.Required(),
			),
		),
		s.handleApprove,
	)

	// cadenza_reject — reject a suspended tool call.
	s.mcpServer.AddTool(
		mcplib.NewTool("cadenza_reject",
			mcplib.WithDescription(`Reject a suspended tool call. The requesting agent receives a denial and
the rejection is recorded in the audit trail.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("call_id",
				mcplib.Description("The suspended call's id, from cadenza_approvals"),
				mcplib.Required(),
			),
		),
		s.handleReject,
	)

	// cadenza_audit — query the tool-call audit trail.
	s.mcpServer.AddTool(
		mcplib.NewTool("cadenza_audit",
			mcplib.WithDescription(`Query the tool-call audit trail.

FILTERS (use at most one):
- run_id: every tool call made during one run
- agent: every tool call made by one agent role
- denied=true: only denied calls (permission or approval rejections)

With no filter, returns the most recent entries up to limit.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("Filter by run id"),
			),
			mcplib.WithString("agent",
				mcplib.Description("Filter by agent role: coordinator, researcher, or architect"),
			),
			mcplib.WithBoolean("denied",
				mcplib.Description("Only return denied calls"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum entries to return"),
				mcplib.Min(1),
				mcplib.Max(500),
				mcplib.DefaultNumber(50),
			),
		),
		s.handleAudit,
	)
}

func (s *Server) handleRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	text := request.GetString("text", "")
	if text == "" {
		return errorResult("text is required"), nil
	}

	threadID := request.GetString("conversation_id", "")
	if threadID == "" {
		threadID = uuid.New().String()
	}

	state, err := s.ctrl.ProcessRequest(ctx, controller.Request{
		Text:           text,
		ConversationID: threadID,
		Mode:           request.GetString("mode", ""),
		TargetLanguage: request.GetString("target_language", ""),
		SecurityLevel:  request.GetString("security_level", ""),
		TestRigor:      request.GetString("test_rigor", ""),
	}, nil)
	if err != nil {
		return errorResult(fmt.Sprintf("run failed: %v", err)), nil
	}

	return marshalResult(runSummary(threadID, state))
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	threadID := request.GetString("thread_id", "")
	if threadID == "" {
		return errorResult("thread_id is required"), nil
	}

	state, err := s.ctrl.Status(ctx, threadID)
	if err != nil {
		return errorResult(fmt.Sprintf("status lookup failed: %v", err)), nil
	}
	if state == nil {
		return errorResult(fmt.Sprintf("no run found for thread %q", threadID)), nil
	}

	return marshalResult(runSummary(threadID, state))
}

func (s *Server) handleApprovals(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	pending := s.gw.GetPendingApprovals(ctx)
	return marshalResult(map[string]any{
		"approvals": pending,
		"count":     len(pending),
	})
}

func (s *Server) handleApprove(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	callID, err := uuid.Parse(request.GetString("call_id", ""))
	if err != nil {
		return errorResult("call_id must be a valid UUID"), nil
	}

	result := s.gw.ApproveToolCall(ctx, callID)
	if result.Error != nil && result.Error.Code == model.CodeNotFound {
		return errorResult(result.Error.Message), nil
	}
	return marshalResult(result)
}

func (s *Server) handleReject(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	callID, err := uuid.Parse(request.GetString("call_id", ""))
	if err != nil {
		return errorResult("call_id must be a valid UUID"), nil
	}

	s.gw.RejectToolCall(ctx, callID)
	return textResult(fmt.Sprintf("call %s rejected", callID)), nil
}

func (s *Server) handleAudit(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var entries []model.AuditLogEntry
	switch {
	case request.GetString("run_id", "") != "":
		runID, err := uuid.Parse(request.GetString("run_id", ""))
		if err != nil {
			return errorResult("run_id must be a valid UUID"), nil
		}
		entries = s.auditLog.ByRun(runID)
	case request.GetString("agent", "") != "":
		entries = s.auditLog.ByAgent(model.RoleName(request.GetString("agent", "")))
	case request.GetBool("denied", false):
		entries = s.auditLog.Denied()
	default:
		entries = s.auditLog.Recent(request.GetInt("limit", 50))
	}

	return marshalResult(map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// runSummary is the MCP-facing view of a run.
func runSummary(threadID string, state *model.RunState) map[string]any {
	return map[string]any{
		"thread_id":   threadID,
		"run_id":      state.RunID,
		"mode":        state.Mode,
		"status":      state.Status,
		"event_count": len(state.Events),
		"updated_at":  state.UpdatedAt,
	}
}

func marshalResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return textResult(string(data)), nil
}
