// Command cadenza runs the orchestrator as a standalone server.
//
// It wires the embeddable App with an HTTP model backend (CADENZA_AGENT_URL)
// and an optional bootstrap operator credential (CADENZA_OPERATOR_KEY).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/cadenza-ai/cadenza"
	"github.com/cadenza-ai/cadenza/internal/agent"
	"github.com/cadenza-ai/cadenza/internal/auth"
	"github.com/cadenza-ai/cadenza/internal/server"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env before reading log level; App.New loads it again, which is
	// harmless.
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("CADENZA_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	agentURL := os.Getenv("CADENZA_AGENT_URL")
	if agentURL == "" {
		return fmt.Errorf("CADENZA_AGENT_URL is required: the address of the model backend that answers agent invocations")
	}

	opts := []cadenza.Option{
		cadenza.WithLogger(logger),
		cadenza.WithVersion(version),
		cadenza.WithInvoker(agent.NewHTTPInvoker(agentURL, logger)),
	}

	// Bootstrap operator credential for the token exchange. Embedders
	// normally bring their own identity layer; the standalone binary takes
	// one operator key from the environment.
	if key := os.Getenv("CADENZA_OPERATOR_KEY"); key != "" {
		hash, err := auth.HashCredential(key)
		if err != nil {
			return fmt.Errorf("hash operator key: %w", err)
		}
		opts = append(opts, cadenza.WithCredentials(map[string]server.Credential{
			"operator": {Hash: hash, Role: auth.RoleOperator},
		}))
	} else {
		logger.Warn("CADENZA_OPERATOR_KEY not set: token exchange will reject all requests")
	}

	app, err := cadenza.New(opts...)
	if err != nil {
		return err
	}

	return app.Run(ctx)
}
