package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/cadenza-ai/cadenza/internal/audit"
	"github.com/cadenza-ai/cadenza/internal/auth"
	"github.com/cadenza-ai/cadenza/internal/controller"
	"github.com/cadenza-ai/cadenza/internal/gateway"
	"github.com/cadenza-ai/cadenza/internal/model"
	"github.com/cadenza-ai/cadenza/internal/ratelimit"
)

// Server is the Cadenza HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Broker, Limiter, MCPServer,
// Credentials.
type ServerConfig struct {
	// Required dependencies.
	Controller *controller.Controller
	Gateway    *gateway.Gateway
	Audit      *audit.Log
	JWTMgr     *auth.JWTManager
	Logger     *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker      *Broker
	Limiter     ratelimit.Limiter
	MCPServer   *mcpserver.MCPServer
	Credentials map[string]Credential

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// OpenAPISpec, when set, is served at GET /openapi.yaml.
	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Controller:          cfg.Controller,
		Gateway:             cfg.Gateway,
		Audit:               cfg.Audit,
		Broker:              cfg.Broker,
		JWTMgr:              cfg.JWTMgr,
		Credentials:         cfg.Credentials,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	rateLimited := func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "too many requests")
	}

	// Rate limit rules. Token exchange is keyed by client IP; run creation
	// is keyed by authenticated user so one noisy user cannot starve runs
	// for everyone behind the same proxy.
	authRL := ratelimit.Middleware(cfg.Limiter, "auth", ratelimit.IPKeyFunc, rateLimited)
	runRL := ratelimit.Middleware(cfg.Limiter, "runs", userKeyFunc, rateLimited)

	mux := http.NewServeMux()

	// Token exchange (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	operator := requireRole(auth.RoleOperator)
	anyRole := requireRole(auth.RoleOperator, auth.RoleViewer)

	// Runs (operator starts and resumes, anyone authenticated observes).
	mux.Handle("POST /v1/runs", runRL(operator(http.HandlerFunc(h.HandleCreateRun))))
	mux.Handle("POST /v1/runs/{thread_id}/resume", runRL(operator(http.HandlerFunc(h.HandleResumeRun))))
	mux.Handle("GET /v1/runs/{thread_id}", anyRole(http.HandlerFunc(h.HandleRunStatus)))
	mux.Handle("GET /v1/runs/{thread_id}/history", anyRole(http.HandlerFunc(h.HandleRunHistory)))

	// Event streams (long-lived connections, no rate limit).
	mux.Handle("GET /v1/runs/{thread_id}/events", anyRole(http.HandlerFunc(h.HandleRunEvents)))
	mux.Handle("GET /v1/events", anyRole(http.HandlerFunc(h.HandleRunEvents)))

	// Approval decisions (operator only).
	mux.Handle("GET /v1/approvals", operator(http.HandlerFunc(h.HandleListApprovals)))
	mux.Handle("POST /v1/approvals/{call_id}/approve", operator(http.HandlerFunc(h.HandleApproveToolCall)))
	mux.Handle("POST /v1/approvals/{call_id}/reject", operator(http.HandlerFunc(h.HandleRejectToolCall)))

	// Tool and audit queries.
	mux.Handle("GET /v1/tools", anyRole(http.HandlerFunc(h.HandleListTools)))
	mux.Handle("GET /v1/audit", anyRole(http.HandlerFunc(h.HandleAuditQuery)))
	mux.Handle("GET /v1/audit/summary", anyRole(http.HandlerFunc(h.HandleAuditSummary)))
	mux.Handle("GET /v1/audit/{audit_id}", anyRole(http.HandlerFunc(h.HandleAuditGet)))

	// Thread lifecycle.
	mux.Handle("DELETE /v1/threads/{thread_id}", operator(http.HandlerFunc(h.HandleDeleteThread)))

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", anyRole(mcpHTTP))
	}

	// Health and API spec (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	if len(cfg.OpenAPISpec) != 0 {
		mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(cfg.OpenAPISpec)
		})
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// userKeyFunc extracts the authenticated user ID for rate limiting.
func userKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	return claims.UserID
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
