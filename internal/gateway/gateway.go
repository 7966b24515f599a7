// Package gateway is the single entry point for every effectful operation
// an agent performs. It enforces the permission matrix, dispatches allowed
// calls to registered handlers, parks gated calls in a pending-approval
// queue, and records every attempt in the audit log.
//
// Side effects are strictly ordered per call: validate, then deny or gate
// or execute, then audit. Handler panics are caught and surfaced as
// EXECUTION_ERROR results, never propagated.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cadenza-ai/cadenza/internal/audit"
	"github.com/cadenza-ai/cadenza/internal/authz"
	"github.com/cadenza-ai/cadenza/internal/model"
	"github.com/cadenza-ai/cadenza/internal/registry"
)

// DefaultApprovalTTL bounds how long a gated call may sit unapproved before
// it is treated as denied.
const DefaultApprovalTTL = 30 * time.Minute

const expiredReason = "approval expired"

var (
	tracer = otel.Tracer("cadenza/gateway")
	meter  = otel.GetMeterProvider().Meter("cadenza/gateway")
)

type pendingCall struct {
	call      model.ToolCall
	expiresAt time.Time
}

// Gateway mediates between agents and tool handlers. Safe for concurrent
// use; in-flight calls are independent of each other.
type Gateway struct {
	matrix   *authz.Matrix
	registry *registry.Registry
	audit    *audit.Log
	logger   *slog.Logger

	approvalTTL time.Duration
	now         func() time.Time

	mu      sync.Mutex
	pending map[uuid.UUID]pendingCall
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithApprovalTTL overrides how long gated calls wait for a decision.
func WithApprovalTTL(d time.Duration) Option {
	return func(g *Gateway) { g.approvalTTL = d }
}

// New builds a Gateway over the given matrix, registry, and audit log.
func New(matrix *authz.Matrix, reg *registry.Registry, log *audit.Log, logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		matrix:      matrix,
		registry:    reg,
		audit:       log,
		logger:      logger,
		approvalTTL: DefaultApprovalTTL,
		now:         time.Now,
		pending:     make(map[uuid.UUID]pendingCall),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CallTool validates and dispatches one capability invocation for an agent.
// Denials and execution failures come back as result values with an error
// code; gated calls come back suspended with the call id needed to approve
// or reject them.
func (g *Gateway) CallTool(ctx context.Context, agent model.RoleName, tool string, args map[string]any, runID uuid.UUID) model.ToolResult {
	decision := g.matrix.ValidateToolCall(agent, tool)
	if !decision.Allowed {
		auditID := g.audit.LogDenied(ctx, agent, tool, decision.Reason, runID)
		g.logger.Warn("gateway: tool call denied",
			"agent", agent, "tool", tool, "run_id", runID, "reason", decision.Reason)
		g.count(ctx, tool, "denied")
		res := model.ErrorResult(model.CodePermissionDenied, decision.Reason)
		res.AuditID = auditID
		return res
	}

	// Validation guarantees the name parses.
	capability, _ := model.ParseCapability(tool)
	call := model.ToolCall{
		ID:        uuid.New(),
		Tool:      capability,
		Args:      args,
		Agent:     agent,
		RunID:     runID,
		Timestamp: g.now().UTC(),
	}

	if decision.RequiresApproval {
		g.mu.Lock()
		g.pending[call.ID] = pendingCall{call: call, expiresAt: g.now().Add(g.approvalTTL)}
		g.mu.Unlock()
		g.logger.Info("gateway: tool call awaiting approval",
			"agent", agent, "tool", tool, "run_id", runID, "call_id", call.ID)
		g.count(ctx, tool, "gated")
		res := model.ErrorResult(model.CodeApprovalRequired,
			fmt.Sprintf("%s requires approval before execution", tool))
		res.CallID = call.ID
		return res
	}

	return g.execute(ctx, call)
}

// ApproveToolCall executes a pending gated call. Approval is the
// permission; no second matrix check happens. Unknown or expired call ids
// return NOT_FOUND without executing anything.
func (g *Gateway) ApproveToolCall(ctx context.Context, callID uuid.UUID) model.ToolResult {
	g.mu.Lock()
	g.expireLocked(ctx)
	p, ok := g.pending[callID]
	if ok {
		delete(g.pending, callID)
	}
	g.mu.Unlock()

	if !ok {
		return model.ErrorResult(model.CodeNotFound,
			fmt.Sprintf("no pending approval for call %s", callID))
	}

	g.logger.Info("gateway: tool call approved",
		"agent", p.call.Agent, "tool", p.call.Tool, "call_id", callID)
	return g.execute(ctx, p.call)
}

// RejectToolCall removes a pending call and audits the denial. Unknown ids
// are a no-op.
func (g *Gateway) RejectToolCall(ctx context.Context, callID uuid.UUID) {
	g.mu.Lock()
	g.expireLocked(ctx)
	p, ok := g.pending[callID]
	if ok {
		delete(g.pending, callID)
	}
	g.mu.Unlock()

	if !ok {
		return
	}
	g.audit.LogDenied(ctx, p.call.Agent, string(p.call.Tool), "user rejected", p.call.RunID)
	g.logger.Info("gateway: tool call rejected",
		"agent", p.call.Agent, "tool", p.call.Tool, "call_id", callID)
	g.count(ctx, string(p.call.Tool), "rejected")
}

// GetAvailableTools returns the registered tool names the role may invoke,
// sorted. Used to build tool-offer lists, never to bypass enforcement.
func (g *Gateway) GetAvailableTools(agent model.RoleName) []string {
	var tools []string
	for c := range g.registry.Capabilities() {
		if g.matrix.HasPermission(agent, c) {
			tools = append(tools, string(c))
		}
	}
	sort.Strings(tools)
	return tools
}

// GetPendingApprovals returns the unexpired pending calls, oldest first.
func (g *Gateway) GetPendingApprovals(ctx context.Context) []model.ToolCall {
	g.mu.Lock()
	g.expireLocked(ctx)
	calls := make([]model.ToolCall, 0, len(g.pending))
	for _, p := range g.pending {
		calls = append(calls, p.call)
	}
	g.mu.Unlock()

	sort.Slice(calls, func(i, j int) bool {
		return calls[i].Timestamp.Before(calls[j].Timestamp)
	})
	return calls
}

// StartSweeper expires overdue approvals in the background, so their
// denial audit entries are written even when nobody queries the pending
// list. Stops when ctx is cancelled.
func (g *Gateway) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.mu.Lock()
				g.expireLocked(ctx)
				g.mu.Unlock()
			}
		}
	}()
}

// expireLocked drops pending calls past their deadline, auditing each as a
// denial. Caller holds g.mu.
func (g *Gateway) expireLocked(ctx context.Context) {
	now := g.now()
	for id, p := range g.pending {
		if now.Before(p.expiresAt) {
			continue
		}
		delete(g.pending, id)
		g.audit.LogDenied(ctx, p.call.Agent, string(p.call.Tool), expiredReason, p.call.RunID)
		g.logger.Warn("gateway: pending approval expired",
			"agent", p.call.Agent, "tool", p.call.Tool, "call_id", id)
	}
}

func (g *Gateway) execute(ctx context.Context, call model.ToolCall) model.ToolResult {
	ctx, span := tracer.Start(ctx, "gateway.execute",
		trace.WithAttributes(
			attribute.String("tool", string(call.Tool)),
			attribute.String("agent", string(call.Agent)),
			attribute.String("run_id", call.RunID.String()),
		),
	)
	defer span.End()

	auditID := g.audit.LogStart(ctx, call)

	handler, ok := g.registry.Get(call.Tool)
	if !ok {
		// Startup validation makes this unreachable; audited anyway.
		msg := fmt.Sprintf("no handler registered for %s", call.Tool)
		g.audit.LogEnd(ctx, auditID, model.AuditError, 0, nil, msg)
		g.count(ctx, string(call.Tool), "error")
		res := model.ErrorResult(model.CodeExecutionError, msg)
		res.AuditID = auditID
		return res
	}

	start := g.now()
	out, err := invoke(ctx, handler, call.Args)
	duration := time.Since(start)

	if err != nil {
		g.audit.LogEnd(ctx, auditID, model.AuditError, duration, nil, err.Error())
		g.logger.Error("gateway: tool execution failed",
			"agent", call.Agent, "tool", call.Tool, "run_id", call.RunID, "error", err)
		g.count(ctx, string(call.Tool), "error")
		res := model.ErrorResult(model.CodeExecutionError, err.Error())
		res.AuditID = auditID
		res.Duration = duration
		return res
	}

	g.audit.LogEnd(ctx, auditID, model.AuditSuccess, duration, out.FilesChanged, "")
	g.count(ctx, string(call.Tool), "success")
	return model.ToolResult{
		Success:      true,
		Data:         out.Data,
		Duration:     duration,
		AuditID:      auditID,
		FilesChanged: out.FilesChanged,
	}
}

// invoke runs a handler with panic recovery. A panicking handler is
// indistinguishable from one that returned an error.
func invoke(ctx context.Context, h registry.Handler, args map[string]any) (out *registry.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	out, err = h(ctx, args)
	if err == nil && out == nil {
		out = &registry.Result{}
	}
	return out, err
}

// count records one tool-call outcome (best-effort, instruments lazily created).
func (g *Gateway) count(ctx context.Context, tool, outcome string) {
	if counter, err := meter.Int64Counter("gateway.tool_calls"); err == nil {
		counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("outcome", outcome),
		))
	}
}
