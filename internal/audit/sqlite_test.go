package audit_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-ai/cadenza/internal/audit"
	"github.com/cadenza-ai/cadenza/internal/model"
)

func TestSQLiteSinkAppendPatch(t *testing.T) {
	ctx := context.Background()
	sink, err := audit.NewSQLiteSink(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer sink.Close()

	runID := uuid.New()
	entry := model.AuditLogEntry{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		Agent:     model.RoleCoordinator,
		RunID:     runID,
		Tool:      model.RunInstall,
		Args:      map[string]any{"package": "left-pad"},
		Result:    model.AuditSuccess,
	}
	require.NoError(t, sink.Append(ctx, entry))
	require.NoError(t, sink.Patch(ctx, entry.ID, model.AuditError, 2*time.Second, []string{"package.json", "lockfile"}, "install failed"))

	got, err := sink.ByRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, entry.ID, got[0].ID)
	assert.Equal(t, model.AuditError, got[0].Result)
	assert.Equal(t, 2*time.Second, got[0].Duration)
	assert.Equal(t, []string{"package.json", "lockfile"}, got[0].FilesChanged)
	assert.Equal(t, "install failed", got[0].Error)
	assert.Equal(t, "left-pad", got[0].Args["package"])
}

func TestSQLiteSinkPatchUnknownID(t *testing.T) {
	sink, err := audit.NewSQLiteSink(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer sink.Close()

	err = sink.Patch(context.Background(), uuid.New(), model.AuditSuccess, 0, nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLogMirrorsIntoSink(t *testing.T) {
	ctx := context.Background()
	sink, err := audit.NewSQLiteSink(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer sink.Close()

	log := audit.NewLog(testLogger(), audit.WithSink(sink))
	runID := uuid.New()

	auditID := log.LogStart(ctx, newCall(runID, map[string]any{"path": "x.go"}))
	log.LogEnd(ctx, auditID, model.AuditSuccess, time.Second, []string{"x.go"}, "")
	log.LogDenied(ctx, model.RoleResearcher, string(model.FSWrite), "no permission", runID)

	got, err := sink.ByRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.AuditSuccess, got[0].Result)
	assert.Equal(t, model.AuditDenied, got[1].Result)
}
