// Package cadenza is the embeddable run orchestrator and tool gateway for
// multi-agent coding assistants.
//
// A run moves a user request through planning, research, implementation,
// and quality review. Every tool call an agent makes is capability-checked
// against a per-role permission matrix, optionally suspended for human
// approval, and recorded in an append-only audit trail. Run progress is
// checkpointed so threads survive restarts when backed by Postgres.
//
// Embedding:
//
//	app, err := cadenza.New(
//		cadenza.WithInvoker(myModelBackend),
//		cadenza.WithLogger(logger),
//		cadenza.WithVersion(version),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := app.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// Configuration comes from CADENZA_* environment variables (see
// internal/config); functional options override individual values and
// replace collaborators such as the workspace or checkpoint store.
//
// Import direction: cadenza (root) imports internal/*, never the reverse.
package cadenza

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/joho/godotenv"

	"github.com/cadenza-ai/cadenza/api"
	"github.com/cadenza-ai/cadenza/internal/audit"
	"github.com/cadenza-ai/cadenza/internal/auth"
	"github.com/cadenza-ai/cadenza/internal/authz"
	"github.com/cadenza-ai/cadenza/internal/checkpoint"
	"github.com/cadenza-ai/cadenza/internal/config"
	"github.com/cadenza-ai/cadenza/internal/controller"
	"github.com/cadenza-ai/cadenza/internal/gateway"
	"github.com/cadenza-ai/cadenza/internal/kv"
	"github.com/cadenza-ai/cadenza/internal/machine"
	"github.com/cadenza-ai/cadenza/internal/mcp"
	"github.com/cadenza-ai/cadenza/internal/model"
	"github.com/cadenza-ai/cadenza/internal/ratelimit"
	"github.com/cadenza-ai/cadenza/internal/registry"
	"github.com/cadenza-ai/cadenza/internal/server"
	"github.com/cadenza-ai/cadenza/internal/telemetry"
	"github.com/cadenza-ai/cadenza/internal/workspace"
)

// App is a fully wired orchestrator: gateway, state machine, controller,
// HTTP and MCP surfaces. Create with New, drive with Run.
type App struct {
	cfg          config.Config
	store        kv.Store
	ctrl         *controller.Controller
	gw           *gateway.Gateway
	auditLog     *audit.Log
	auditSink    *audit.SQLiteSink
	broker       *server.Broker
	srv          *server.Server
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New builds an App from environment configuration and options. A model
// invoker is required; everything else has a default.
func New(opts ...Option) (*App, error) {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	o := resolvedOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	if o.invoker == nil {
		return nil, errors.New("cadenza: a model invoker is required (use WithInvoker)")
	}

	// Initialize OpenTelemetry. No-op when OTEL_EXPORTER_OTLP_ENDPOINT is unset.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	fail := func(err error) (*App, error) {
		_ = otelShutdown(context.Background())
		return nil, err
	}

	// Checkpoint backing store: explicit override, else Postgres when
	// DATABASE_URL is set, else in-memory (runs do not survive a restart).
	store := o.store
	switch {
	case store != nil:
		logger.Info("checkpoints: external store")
	case cfg.DatabaseURL != "":
		store, err = kv.NewPostgres(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			return fail(fmt.Errorf("checkpoint store: %w", err))
		}
		logger.Info("checkpoints: postgres")
	default:
		store = kv.NewMemory()
		logger.Warn("checkpoints: in-memory (set DATABASE_URL for durable runs)")
	}
	ckpt := checkpoint.NewStore(store, logger)

	closeStore := func() { _ = store.Close() }

	// Audit trail: in-memory ring is canonical; SQLite mirror is the
	// durable record when configured.
	var auditOpts []audit.Option
	var auditSink *audit.SQLiteSink
	if cfg.AuditDBPath != "" {
		auditSink, err = audit.NewSQLiteSink(cfg.AuditDBPath)
		if err != nil {
			closeStore()
			return fail(fmt.Errorf("audit sink: %w", err))
		}
		auditOpts = append(auditOpts, audit.WithSink(auditSink))
		logger.Info("audit: sqlite sink enabled", "path", cfg.AuditDBPath)
	}
	auditLog := audit.NewLog(logger, auditOpts...)

	cleanup := func() {
		if auditSink != nil {
			_ = auditSink.Close()
		}
		closeStore()
	}

	// Tool collaborators. Defaults operate on the local workspace root;
	// embedders with sandboxed execution replace them via options.
	ws := o.ws
	scanner := o.scanner
	inspector := o.inspector
	runner := o.runner
	if ws == nil || scanner == nil || inspector == nil {
		local, err := workspace.NewLocal(cfg.WorkspaceRoot, logger)
		if err != nil {
			cleanup()
			return fail(err)
		}
		if ws == nil {
			ws = local
		}
		if scanner == nil {
			scanner = workspace.NewScanner(local)
		}
		if inspector == nil {
			inspector = workspace.NewInspector(local)
		}
	}
	if runner == nil {
		runner = workspace.NewExecRunner(cfg.WorkspaceRoot, workspace.Commands{
			Build:     strings.Fields(cfg.BuildCmd),
			Test:      strings.Fields(cfg.TestCmd),
			Lint:      strings.Fields(cfg.LintCmd),
			Install:   strings.Fields(cfg.InstallCmd),
			DevServer: strings.Fields(cfg.DevServerCmd),
		}, logger)
	}

	reg := registry.New(ws, runner, scanner, inspector)
	if err := reg.Validate(); err != nil {
		cleanup()
		return fail(fmt.Errorf("tool registry: %w", err))
	}

	roles := model.DefaultRoles()
	matrix := authz.NewMatrix(roles)
	if err := matrix.ValidateAgainstRegistry(reg.Capabilities()); err != nil {
		cleanup()
		return fail(fmt.Errorf("permission matrix: %w", err))
	}

	gw := gateway.New(matrix, reg, auditLog, logger,
		gateway.WithApprovalTTL(cfg.ApprovalTTL))

	machineCfg := machine.DefaultConfig()
	machineCfg.MaxIterations = cfg.MaxIterations
	if cfg.MaxIterationsPolicy == "fail" {
		machineCfg.OnMaxIterations = machine.PolicyFail
	}
	m := machine.New(gw, ckpt, o.invoker, roles, machineCfg, logger)

	ctrl := controller.New(m, ckpt, logger,
		controller.WithTimeout(cfg.RunTimeout),
		controller.WithHeartbeatInterval(cfg.HeartbeatInterval))

	// JWT manager. Without key paths an ephemeral keypair is generated, so
	// tokens stop validating across restarts.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		cleanup()
		return fail(fmt.Errorf("auth: %w", err))
	}

	broker := server.NewBroker(logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(ctrl, gw, auditLog, logger)

	srv := server.New(server.ServerConfig{
		Controller:          ctrl,
		Gateway:             gw,
		Audit:               auditLog,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Broker:              broker,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Credentials:         o.credentials,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		store:        store,
		ctrl:         ctrl,
		gw:           gw,
		auditLog:     auditLog,
		auditSink:    auditSink,
		broker:       broker,
		srv:          srv,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Controller exposes the run controller for embedders that drive runs
// directly instead of over HTTP.
func (a *App) Controller() *controller.Controller { return a.ctrl }

// Gateway exposes the tool gateway, e.g. for deciding approvals in-process.
func (a *App) Gateway() *gateway.Gateway { return a.gw }

// Handler returns the fully wired HTTP handler for embedding into an
// existing server instead of calling Run.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Run starts the approval sweeper and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown has
// been called; callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	a.gw.StartSweeper(ctx)

	a.logger.Info("cadenza starting", "version", a.version, "port", a.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, then releases the rate limiter,
// audit sink, checkpoint store, and OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("cadenza shutting down")

	var errs []error
	if err := a.srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.limiter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("rate limiter: %w", err))
	}
	if a.auditSink != nil {
		if err := a.auditSink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit sink: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("checkpoint store: %w", err))
	}
	if err := a.otelShutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	a.logger.Info("cadenza stopped")
	return errors.Join(errs...)
}
