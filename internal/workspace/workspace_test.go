package workspace

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorkspace(t *testing.T) *Local {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ws, err := NewLocal(t.TempDir(), logger)
	require.NoError(t, err)
	return ws
}

func TestLocalCreateReadWriteDelete(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()

	require.NoError(t, ws.Create(ctx, "src/main.go", "package main\n"))

	content, err := ws.Read(ctx, "src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main\n", content)

	require.NoError(t, ws.Write(ctx, "src/main.go", "package app\n"))
	content, err = ws.Read(ctx, "src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "package app\n", content)

	require.NoError(t, ws.Delete(ctx, "src/main.go"))
	_, err = ws.Read(ctx, "src/main.go")
	assert.Error(t, err)
}

func TestLocalWriteRequiresExistingFile(t *testing.T) {
	ws := newTestWorkspace(t)
	assert.Error(t, ws.Write(context.Background(), "missing.go", "x"))
}

func TestLocalCreateRefusesExistingFile(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()
	require.NoError(t, ws.Create(ctx, "a.txt", "one"))
	assert.Error(t, ws.Create(ctx, "a.txt", "two"))
}

func TestLocalRejectsEscapingPaths(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()

	_, err := ws.Read(ctx, "../outside.txt")
	assert.Error(t, err)
	_, err = ws.Read(ctx, "/etc/passwd")
	assert.Error(t, err)
	assert.Error(t, ws.Delete(ctx, "a/../../b"))
}

func TestPatchAppliesUnifiedDiff(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()
	require.NoError(t, ws.Create(ctx, "greet.go", "package greet\n\nfunc Hello() string {\n\treturn \"hi\"\n}\n"))

	diff := `--- a/greet.go
+++ b/greet.go
@@ -3,3 +3,3 @@
 func Hello() string {
-	return "hi"
+	return "hello"
 }
`
	changed, err := ws.Patch(ctx, "greet.go", diff)
	require.NoError(t, err)
	assert.Equal(t, []string{"greet.go"}, changed)

	content, err := ws.Read(ctx, "greet.go")
	require.NoError(t, err)
	assert.Contains(t, content, `return "hello"`)
	assert.NotContains(t, content, `return "hi"`)
}

func TestPatchRejectsContextMismatch(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()
	require.NoError(t, ws.Create(ctx, "a.txt", "one\ntwo\nthree\n"))

	diff := "@@ -1,2 +1,2 @@\n one\n-TWO\n+2\n"
	_, err := ws.Patch(ctx, "a.txt", diff)
	require.Error(t, err)

	// Nothing is written on failure.
	content, err := ws.Read(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\n", content)
}

func TestScannerFindsSecrets(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()
	require.NoError(t, ws.Create(ctx, "config.py",
		"api_key = \"sk-0123456789abcdef0123456789\"\nname = \"ok\"\n"))

	out, err := NewScanner(ws).Secrets(ctx, []string{"config.py"})
	require.NoError(t, err)
	findings := out.([]Finding)
	require.Len(t, findings, 1)
	assert.Equal(t, "generic-api-key", findings[0].Rule)
	assert.Equal(t, 1, findings[0].Line)
}

func TestScannerCleanFileHasNoFindings(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()
	require.NoError(t, ws.Create(ctx, "main.go", "package main\n"))

	out, err := NewScanner(ws).Scan(ctx, []string{"main.go"})
	require.NoError(t, err)
	assert.Empty(t, out.([]Finding))
}

func TestInspectorStructureSkipsVendoredDirs(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()
	require.NoError(t, ws.Create(ctx, "src/app.go", "package app\n"))
	require.NoError(t, os.MkdirAll(filepath.Join(ws.Root(), "node_modules", "left-pad"), 0o755))

	out, err := NewInspector(ws).Structure(ctx, "")
	require.NoError(t, err)
	entries := out.([]Entry)

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	assert.Contains(t, paths, "src/app.go")
	assert.NotContains(t, paths, "node_modules/left-pad")
}

func TestInspectorDiagnosticsFlagsConflictMarkers(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()
	require.NoError(t, ws.Create(ctx, "merge.go",
		"package m\n<<<<<<< HEAD\nvar a = 1\n"))

	out, err := NewInspector(ws).Diagnostics(ctx, []string{"merge.go"})
	require.NoError(t, err)
	diags := out.([]Diagnostic)
	require.Len(t, diags, 1)
	assert.Equal(t, 2, diags[0].Line)
}

func TestExecRunnerUnconfiguredCommand(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewExecRunner(t.TempDir(), Commands{}, logger)

	_, err := r.Build(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no build command configured")
}

func TestExecRunnerCapturesOutput(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewExecRunner(t.TempDir(), Commands{Build: []string{"echo", "built"}}, logger)

	out, err := r.Build(context.Background(), "all")
	require.NoError(t, err)
	assert.Contains(t, out, "built all")
}
