// Package workspace provides local implementations of the tool registry's
// collaborators: a rooted filesystem workspace, a command runner, and
// lightweight security and project inspectors. Embedders with remote or
// sandboxed execution replace these through the root package options.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Local is a Workspace over a directory subtree. Every path is resolved
// relative to the root; paths that escape the root are rejected.
type Local struct {
	root   string
	logger *slog.Logger
}

// NewLocal creates a workspace rooted at dir. The directory must exist.
func NewLocal(dir string, logger *slog.Logger) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace: root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace: root %s is not a directory", abs)
	}
	return &Local{root: abs, logger: logger}, nil
}

// Root returns the absolute workspace root.
func (l *Local) Root() string { return l.root }

// resolve maps a workspace-relative path to an absolute one, rejecting
// absolute paths and any path that escapes the root.
func (l *Local) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("workspace: empty path")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("workspace: absolute path %q not allowed", path)
	}
	abs := filepath.Join(l.root, filepath.Clean(path))
	if abs != l.root && !strings.HasPrefix(abs, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("workspace: path %q escapes the workspace root", path)
	}
	return abs, nil
}

func (l *Local) Read(_ context.Context, path string) (string, error) {
	abs, err := l.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("workspace: read %s: %w", path, err)
	}
	return string(data), nil
}

func (l *Local) Write(_ context.Context, path, content string) error {
	abs, err := l.resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("workspace: write %s: %w", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("workspace: write %s: %w", path, err)
	}
	return nil
}

func (l *Local) Create(_ context.Context, path, content string) error {
	abs, err := l.resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err == nil {
		return fmt.Errorf("workspace: create %s: file already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("workspace: create %s: %w", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("workspace: create %s: %w", path, err)
	}
	return nil
}

func (l *Local) Delete(_ context.Context, path string) error {
	abs, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("workspace: delete %s: %w", path, err)
	}
	l.logger.Info("workspace: deleted file", "path", path)
	return nil
}

// Patch applies a unified diff to the file at path and returns the list of
// changed files (always exactly one entry).
func (l *Local) Patch(ctx context.Context, path, diff string) ([]string, error) {
	original, err := l.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	patched, err := applyUnifiedDiff(original, diff)
	if err != nil {
		return nil, fmt.Errorf("workspace: patch %s: %w", path, err)
	}
	if err := l.Write(ctx, path, patched); err != nil {
		return nil, err
	}
	return []string{path}, nil
}
