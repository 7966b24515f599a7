package cadenza

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wrap(t *testing.T, w http.ResponseWriter, status int, data any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"data": data}))
}

func TestAuthenticateStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/token", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "operator", body["user_id"])
		wrap(t, w, http.StatusOK, TokenResponse{
			Token:     "tok-123",
			ExpiresAt: time.Now().Add(time.Hour),
			Role:      "operator",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	require.NoError(t, c.Authenticate(context.Background(), "operator", "secret"))
	assert.Equal(t, "tok-123", c.token)
}

func TestCreateRunSendsTokenAndDecodesRun(t *testing.T) {
	runID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/runs", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req CreateRunRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "add a parser", req.Text)
		wrap(t, w, http.StatusOK, Run{
			ThreadID: "conv-1",
			RunID:    runID,
			Status:   RunStatus{Stage: "COMPLETE"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithToken("tok"))
	run, err := c.CreateRun(context.Background(), CreateRunRequest{Text: "add a parser"})
	require.NoError(t, err)
	assert.Equal(t, runID, run.RunID)
	assert.Equal(t, "COMPLETE", run.Status.Stage)
}

func TestConflictErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"CONFLICT","message":"a run is already in flight for this thread"},"meta":{"request_id":"req-9"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithToken("tok"))
	_, err := c.CreateRun(context.Background(), CreateRunRequest{Text: "x"})
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Contains(t, err.Error(), "req-9")
}

func TestApprovalsLifecyclePaths(t *testing.T) {
	callID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/approvals":
			wrap(t, w, http.StatusOK, map[string]any{
				"approvals": []ToolCall{{ID: callID, Tool: "fs.delete", Agent: "coordinator"}},
				"count":     1,
			})
		case "/v1/approvals/" + callID.String() + "/approve":
			wrap(t, w, http.StatusOK, ToolResult{Success: true, CallID: callID})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithToken("tok"))
	pending, err := c.ListApprovals(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "fs.delete", pending[0].Tool)

	result, err := c.Approve(context.Background(), callID)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestQueryAuditBuildsFilters(t *testing.T) {
	runID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, runID.String(), r.URL.Query().Get("run_id"))
		wrap(t, w, http.StatusOK, map[string]any{
			"entries": []AuditEntry{{RunID: runID, Tool: "fs.read", Result: "success"}},
			"count":   1,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithToken("tok"))
	entries, err := c.QueryAudit(context.Background(), AuditQuery{RunID: runID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fs.read", entries[0].Tool)
}

func TestDeleteThreadAcceptsNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithToken("tok"))
	require.NoError(t, c.DeleteThread(context.Background(), "conv-1"))
}
