package cadenza

import (
	"log/slog"

	"github.com/cadenza-ai/cadenza/internal/agent"
	"github.com/cadenza-ai/cadenza/internal/kv"
	"github.com/cadenza-ai/cadenza/internal/registry"
	"github.com/cadenza-ai/cadenza/internal/server"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	logger      *slog.Logger
	version     string
	invoker     agent.Invoker
	store       kv.Store
	ws          registry.Workspace
	runner      registry.Runner
	scanner     registry.Scanner
	inspector   registry.Inspector
	credentials map[string]server.Credential
}

// WithPort overrides the TCP port from config (CADENZA_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the checkpoint database connection string from
// config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithInvoker sets the model invoker used for every agent stage. Required:
// New fails without one, since no default model backend is assumed.
func WithInvoker(inv agent.Invoker) Option {
	return func(o *resolvedOptions) { o.invoker = inv }
}

// WithKVStore replaces the checkpoint backing store. Overrides the
// DATABASE_URL-driven choice between Postgres and in-memory.
func WithKVStore(store kv.Store) Option {
	return func(o *resolvedOptions) { o.store = store }
}

// WithWorkspace replaces the local filesystem workspace behind the fs.*
// tools, e.g. with a sandboxed or remote filesystem.
func WithWorkspace(ws registry.Workspace) Option {
	return func(o *resolvedOptions) { o.ws = ws }
}

// WithRunner replaces the command runner behind the run.* tools. The
// default runner only executes commands configured via CADENZA_*_CMD
// environment variables.
func WithRunner(r registry.Runner) Option {
	return func(o *resolvedOptions) { o.runner = r }
}

// WithScanner replaces the security scanner behind the sec.* tools.
// The default is a pattern-based scanner over the workspace.
func WithScanner(s registry.Scanner) Option {
	return func(o *resolvedOptions) { o.scanner = s }
}

// WithInspector replaces the project inspector behind the proj.* tools.
func WithInspector(i registry.Inspector) Option {
	return func(o *resolvedOptions) { o.inspector = i }
}

// WithCredentials sets the credential table for the token exchange
// endpoint. Without credentials, POST /auth/token rejects every request;
// embedders mint tokens through their own identity layer instead.
func WithCredentials(creds map[string]server.Credential) Option {
	return func(o *resolvedOptions) { o.credentials = creds }
}
