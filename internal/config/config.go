// Package config loads and validates application configuration from
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Checkpoint storage. Empty DatabaseURL means in-memory checkpoints
	// (runs do not survive a restart).
	DatabaseURL string

	// Audit persistence. Empty path keeps the audit trail in memory only.
	AuditDBPath string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Run orchestration settings.
	RunTimeout          time.Duration
	HeartbeatInterval   time.Duration
	MaxIterations       int
	MaxIterationsPolicy string // "complete" or "fail"
	ApprovalTTL         time.Duration

	// Workspace settings. Command strings are split on whitespace; empty
	// means the corresponding run.* capability is unconfigured.
	WorkspaceRoot string
	BuildCmd      string
	TestCmd       string
	LintCmd       string
	InstallCmd    string
	DevServerCmd  string

	// Rate limiting. Zero RateLimitRPS disables it.
	RateLimitRPS   float64
	RateLimitBurst int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	port, err := envInt("CADENZA_PORT", 8080)
	collect(err)
	readTimeout, err := envDuration("CADENZA_READ_TIMEOUT", 30*time.Second)
	collect(err)
	writeTimeout, err := envDuration("CADENZA_WRITE_TIMEOUT", 30*time.Second)
	collect(err)
	maxBody, err := envInt("CADENZA_MAX_REQUEST_BODY_BYTES", 1*1024*1024)
	collect(err)
	jwtExpiration, err := envDuration("CADENZA_JWT_EXPIRATION", 24*time.Hour)
	collect(err)
	runTimeout, err := envDuration("CADENZA_RUN_TIMEOUT", 5*time.Minute)
	collect(err)
	heartbeat, err := envDuration("CADENZA_HEARTBEAT_INTERVAL", 15*time.Second)
	collect(err)
	maxIterations, err := envInt("CADENZA_MAX_ITERATIONS", 3)
	collect(err)
	approvalTTL, err := envDuration("CADENZA_APPROVAL_TTL", 30*time.Minute)
	collect(err)
	rateRPS, err := envFloat("CADENZA_RATE_LIMIT_RPS", 0)
	collect(err)
	rateBurst, err := envInt("CADENZA_RATE_LIMIT_BURST", 10)
	collect(err)
	otelInsecure, err := envBool("OTEL_EXPORTER_OTLP_INSECURE", false)
	collect(err)

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}

	cfg := Config{
		Port:                port,
		ReadTimeout:         readTimeout,
		WriteTimeout:        writeTimeout,
		MaxRequestBodyBytes: int64(maxBody),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		AuditDBPath:         envStr("CADENZA_AUDIT_DB", ""),
		JWTPrivateKeyPath:   envStr("CADENZA_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    envStr("CADENZA_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       jwtExpiration,
		RunTimeout:          runTimeout,
		HeartbeatInterval:   heartbeat,
		MaxIterations:       maxIterations,
		MaxIterationsPolicy: envStr("CADENZA_MAX_ITERATIONS_POLICY", "complete"),
		ApprovalTTL:         approvalTTL,
		WorkspaceRoot:       envStr("CADENZA_WORKSPACE", "."),
		BuildCmd:            envStr("CADENZA_BUILD_CMD", ""),
		TestCmd:             envStr("CADENZA_TEST_CMD", ""),
		LintCmd:             envStr("CADENZA_LINT_CMD", ""),
		InstallCmd:          envStr("CADENZA_INSTALL_CMD", ""),
		DevServerCmd:        envStr("CADENZA_DEV_SERVER_CMD", ""),
		RateLimitRPS:        rateRPS,
		RateLimitBurst:      rateBurst,
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        otelInsecure,
		ServiceName:         envStr("OTEL_SERVICE_NAME", "cadenza"),
		LogLevel:            envStr("CADENZA_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: CADENZA_PORT must be in 1..65535, got %d", c.Port)
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: CADENZA_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("config: CADENZA_MAX_ITERATIONS must be positive")
	}
	if c.MaxIterationsPolicy != "complete" && c.MaxIterationsPolicy != "fail" {
		return fmt.Errorf("config: CADENZA_MAX_ITERATIONS_POLICY must be %q or %q, got %q",
			"complete", "fail", c.MaxIterationsPolicy)
	}
	if c.RunTimeout <= 0 {
		return fmt.Errorf("config: CADENZA_RUN_TIMEOUT must be positive")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("config: CADENZA_RATE_LIMIT_RPS must not be negative")
	}
	if (c.JWTPrivateKeyPath == "") != (c.JWTPublicKeyPath == "") {
		return fmt.Errorf("config: CADENZA_JWT_PRIVATE_KEY and CADENZA_JWT_PUBLIC_KEY must be set together")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
