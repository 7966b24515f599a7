package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadenza-ai/cadenza/internal/audit"
	"github.com/cadenza-ai/cadenza/internal/auth"
	"github.com/cadenza-ai/cadenza/internal/controller"
	"github.com/cadenza-ai/cadenza/internal/gateway"
	"github.com/cadenza-ai/cadenza/internal/machine"
	"github.com/cadenza-ai/cadenza/internal/model"
)

// Credential is a token-exchange credential for one user: an Argon2id hash
// of the secret and the role a successful exchange grants.
type Credential struct {
	Hash string
	Role auth.Role
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	ctrl                *controller.Controller
	gw                  *gateway.Gateway
	auditLog            *audit.Log
	broker              *Broker
	jwtMgr              *auth.JWTManager
	creds               map[string]Credential
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, Credentials.
type HandlersDeps struct {
	Controller          *controller.Controller
	Gateway             *gateway.Gateway
	Audit               *audit.Log
	Broker              *Broker
	JWTMgr              *auth.JWTManager
	Credentials         map[string]Credential
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		ctrl:                d.Controller,
		gw:                  d.Gateway,
		auditLog:            d.Audit,
		broker:              d.Broker,
		jwtMgr:              d.JWTMgr,
		creds:               d.Credentials,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

type authTokenRequest struct {
	UserID     string `json:"user_id"`
	Credential string `json:"credential"`
}

// HandleAuthToken handles POST /auth/token: exchanges a configured
// credential for a signed JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req authTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}

	cred, ok := h.creds[req.UserID]
	if !ok {
		// Burn the same hashing cost as a real check so response timing
		// does not reveal which user ids exist.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyCredential(req.Credential, cred.Hash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.UserID, cred.Role)
	if err != nil {
		h.logger.Error("issue token", "error", err, "user_id", req.UserID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt,
		"role":       cred.Role,
	})
}

type createRunRequest struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id,omitempty"`
	Mode           string `json:"mode,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
	SecurityLevel  string `json:"security_level,omitempty"`
	TestRigor      string `json:"test_rigor,omitempty"`
}

// runView is the external representation of a run.
type runView struct {
	ThreadID   string          `json:"thread_id"`
	RunID      uuid.UUID       `json:"run_id"`
	UserID     string          `json:"user_id,omitempty"`
	Mode       string          `json:"mode,omitempty"`
	Status     model.RunStatus `json:"status"`
	EventCount int             `json:"event_count"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func viewOf(threadID string, state *model.RunState) runView {
	return runView{
		ThreadID:   threadID,
		RunID:      state.RunID,
		UserID:     state.UserID,
		Mode:       state.Mode,
		Status:     state.Status,
		EventCount: len(state.Events),
		CreatedAt:  state.CreatedAt,
		UpdatedAt:  state.UpdatedAt,
	}
}

// HandleCreateRun handles POST /v1/runs. The run is driven synchronously:
// with "Accept: text/event-stream" the response is a live SSE stream of the
// run's user-visible events ending in a "result" event, otherwise the
// handler blocks and returns the final run state as JSON.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "text is required")
		return
	}

	threadID := req.ConversationID
	if threadID == "" {
		threadID = uuid.New().String()
	}

	creq := controller.Request{
		Text:           req.Text,
		ConversationID: threadID,
		Mode:           req.Mode,
		TargetLanguage: req.TargetLanguage,
		SecurityLevel:  req.SecurityLevel,
		TestRigor:      req.TestRigor,
	}
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		creq.UserID = claims.UserID
	}

	h.driveRun(w, r, threadID, func(sink machine.EventSink, heartbeat func()) (*model.RunState, error) {
		creq.Heartbeat = heartbeat
		return h.ctrl.ProcessRequest(r.Context(), creq, sink)
	})
}

// HandleResumeRun handles POST /v1/runs/{thread_id}/resume. Continues an
// interrupted run from its latest checkpoint; a terminal run is returned
// as-is.
func (h *Handlers) HandleResumeRun(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	h.driveRun(w, r, threadID, func(sink machine.EventSink, heartbeat func()) (*model.RunState, error) {
		return h.ctrl.Resume(r.Context(), threadID, heartbeat, sink)
	})
}

// driveRun invokes drive with event fan-out wired up, in either SSE or
// blocking-JSON mode depending on the Accept header.
func (h *Handlers) driveRun(w http.ResponseWriter, r *http.Request, threadID string, drive func(machine.EventSink, func()) (*model.RunState, error)) {
	if !wantsSSE(r) {
		var sink machine.EventSink
		if h.broker != nil {
			sink = h.broker.Sink(threadID)
		}
		state, err := drive(sink, nil)
		h.writeRunResult(w, r, threadID, state, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	// The machine goroutine and the heartbeat goroutine both write to the
	// response; serialize them. The first write commits the SSE headers.
	var mu sync.Mutex
	wrote := false
	write := func(b []byte) {
		mu.Lock()
		defer mu.Unlock()
		wrote = true
		if _, err := w.Write(b); err == nil {
			flusher.Flush()
		}
	}

	heartbeat := func() { write([]byte(":keepalive\n\n")) }

	sink := func(e model.EventLogEntry) {
		if h.broker != nil {
			h.broker.Publish(threadID, e)
		}
		if e.Visibility == model.VisibilityInternal {
			return
		}
		payload, err := json.Marshal(e)
		if err != nil {
			return
		}
		write(formatSSE(string(e.Type), string(payload)))
	}

	state, err := drive(sink, heartbeat)

	// If nothing was streamed the response is still uncommitted, so a plain
	// JSON error (409 busy, 404 unknown thread) is possible.
	if !wrote && (err != nil || state == nil) {
		h.writeRunResult(w, r, threadID, state, err)
		return
	}

	result := map[string]any{"run": viewOf(threadID, state)}
	if err != nil {
		result["error"] = err.Error()
	}
	if payload, merr := json.Marshal(result); merr == nil {
		write(formatSSE("result", string(payload)))
	}
}

// writeRunResult maps a drive outcome to a JSON response.
func (h *Handlers) writeRunResult(w http.ResponseWriter, r *http.Request, threadID string, state *model.RunState, err error) {
	switch {
	case errors.Is(err, controller.ErrThreadBusy):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "a run is already in flight for this thread")
	case err != nil:
		h.logger.Error("run ended with error", "thread_id", threadID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, err.Error())
	case state == nil:
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown thread")
	default:
		writeJSON(w, r, http.StatusOK, viewOf(threadID, state))
	}
}

func wantsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// HandleRunStatus handles GET /v1/runs/{thread_id}: the latest persisted
// state of a run, without driving it.
func (h *Handlers) HandleRunStatus(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	state, err := h.ctrl.Status(r.Context(), threadID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, err.Error())
		return
	}
	if state == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown thread")
		return
	}
	writeJSON(w, r, http.StatusOK, viewOf(threadID, state))
}

// HandleRunEvents handles GET /v1/runs/{thread_id}/events (SSE) and
// GET /v1/events (all threads).
func (h *Handlers) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event streaming not configured")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(r.PathValue("thread_id"))
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleRunHistory handles GET /v1/runs/{thread_id}/history: the thread's
// checkpoint chain, newest first.
func (h *Handlers) HandleRunHistory(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	limit := queryInt(r, "limit", 20)

	checkpoints, err := h.ctrl.History(r.Context(), threadID, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, err.Error())
		return
	}

	type checkpointView struct {
		ID       string         `json:"checkpoint_id"`
		ParentID string         `json:"parent_id,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}
	views := make([]checkpointView, 0, len(checkpoints))
	for _, cp := range checkpoints {
		views = append(views, checkpointView{ID: cp.ID, ParentID: cp.ParentID, Metadata: cp.Metadata})
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"thread_id":   threadID,
		"checkpoints": views,
		"count":       len(views),
	})
}

// HandleDeleteThread handles DELETE /v1/threads/{thread_id}.
func (h *Handlers) HandleDeleteThread(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	err := h.ctrl.DeleteThread(r.Context(), threadID)
	switch {
	case errors.Is(err, controller.ErrThreadBusy):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "thread has an active run")
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleListApprovals handles GET /v1/approvals: tool calls suspended
// awaiting a human decision, oldest first.
func (h *Handlers) HandleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending := h.gw.GetPendingApprovals(r.Context())
	writeJSON(w, r, http.StatusOK, map[string]any{
		"approvals": pending,
		"count":     len(pending),
	})
}

// HandleApproveToolCall handles POST /v1/approvals/{call_id}/approve: the
// suspended call executes immediately and its result is returned.
func (h *Handlers) HandleApproveToolCall(w http.ResponseWriter, r *http.Request) {
	callID, err := uuid.Parse(r.PathValue("call_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid call id")
		return
	}

	result := h.gw.ApproveToolCall(r.Context(), callID)
	if result.Error != nil && result.Error.Code == model.CodeNotFound {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, result.Error.Message)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleRejectToolCall handles POST /v1/approvals/{call_id}/reject.
func (h *Handlers) HandleRejectToolCall(w http.ResponseWriter, r *http.Request) {
	callID, err := uuid.Parse(r.PathValue("call_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid call id")
		return
	}

	h.gw.RejectToolCall(r.Context(), callID)
	writeJSON(w, r, http.StatusOK, map[string]any{"call_id": callID, "status": "rejected"})
}

// HandleListTools handles GET /v1/tools?role=: the tools a role may invoke.
func (h *Handlers) HandleListTools(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	if role == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "role query parameter is required")
		return
	}

	tools := h.gw.GetAvailableTools(model.RoleName(role))
	writeJSON(w, r, http.StatusOK, map[string]any{
		"role":  role,
		"tools": tools,
	})
}

// HandleAuditQuery handles GET /v1/audit with optional run_id, agent,
// denied, and limit filters.
func (h *Handlers) HandleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var entries []model.AuditLogEntry
	switch {
	case q.Get("run_id") != "":
		runID, err := uuid.Parse(q.Get("run_id"))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid run id")
			return
		}
		entries = h.auditLog.ByRun(runID)
	case q.Get("agent") != "":
		entries = h.auditLog.ByAgent(model.RoleName(q.Get("agent")))
	case q.Get("denied") == "true":
		entries = h.auditLog.Denied()
	default:
		entries = h.auditLog.Recent(queryInt(r, "limit", 100))
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// HandleAuditGet handles GET /v1/audit/{audit_id}.
func (h *Handlers) HandleAuditGet(w http.ResponseWriter, r *http.Request) {
	auditID, err := uuid.Parse(r.PathValue("audit_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid audit id")
		return
	}

	entry, ok := h.auditLog.Get(auditID)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "audit entry not found")
		return
	}
	writeJSON(w, r, http.StatusOK, entry)
}

// HandleAuditSummary handles GET /v1/audit/summary?run_id=.
func (h *Handlers) HandleAuditSummary(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.URL.Query().Get("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "run_id query parameter is required")
		return
	}
	writeJSON(w, r, http.StatusOK, h.auditLog.Summary(runID))
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	sse := "disabled"
	if h.broker != nil {
		sse = "running"
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"audit_entries":  h.auditLog.Len(),
		"sse":            sse,
	})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
