package workspace

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// Commands configures the argv templates the ExecRunner shells out to.
// An empty slice leaves that operation unconfigured; calling it returns
// an error instead of guessing at a build system.
type Commands struct {
	Build     []string
	Test      []string
	Lint      []string
	Install   []string
	DevServer []string
}

// ExecRunner runs configured commands in the workspace root and captures
// their combined output. Output is truncated so a noisy build cannot blow
// up run state or the audit trail.
type ExecRunner struct {
	dir       string
	cmds      Commands
	timeout   time.Duration
	maxOutput int
	logger    *slog.Logger
}

// NewExecRunner creates a runner over dir with the given command templates.
func NewExecRunner(dir string, cmds Commands, logger *slog.Logger) *ExecRunner {
	return &ExecRunner{
		dir:       dir,
		cmds:      cmds,
		timeout:   10 * time.Minute,
		maxOutput: 64 * 1024,
		logger:    logger,
	}
}

func (r *ExecRunner) run(ctx context.Context, name string, argv []string, extra ...string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("workspace: no %s command configured", name)
	}
	args := append(append([]string(nil), argv[1:]...), extra...)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], args...)
	cmd.Dir = r.dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	err := cmd.Run()
	out := buf.String()
	if len(out) > r.maxOutput {
		out = out[:r.maxOutput] + "\n... (output truncated)"
	}
	r.logger.Info("workspace: command finished",
		"op", name, "duration", time.Since(start), "error", err)
	if err != nil {
		return out, fmt.Errorf("workspace: %s: %w", name, err)
	}
	return out, nil
}

func (r *ExecRunner) Build(ctx context.Context, target string) (string, error) {
	var extra []string
	if target != "" {
		extra = append(extra, target)
	}
	return r.run(ctx, "build", r.cmds.Build, extra...)
}

func (r *ExecRunner) Test(ctx context.Context, pattern string) (string, error) {
	var extra []string
	if pattern != "" {
		extra = append(extra, pattern)
	}
	return r.run(ctx, "test", r.cmds.Test, extra...)
}

func (r *ExecRunner) Lint(ctx context.Context, paths []string) (string, error) {
	return r.run(ctx, "lint", r.cmds.Lint, paths...)
}

func (r *ExecRunner) Install(ctx context.Context, pkg string) ([]string, string, error) {
	out, err := r.run(ctx, "install", r.cmds.Install, pkg)
	if err != nil {
		return nil, out, err
	}
	return []string{pkg}, out, nil
}

func (r *ExecRunner) DevServer(ctx context.Context, action string) (string, error) {
	return r.run(ctx, "dev-server", r.cmds.DevServer, action)
}
