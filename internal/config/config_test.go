package config

import (
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "90s")
	v, err := envDuration("TEST_DUR", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 90*time.Second {
		t.Fatalf("expected 90s, got %s", v)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with defaults: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("default port: got %d, want 8080", cfg.Port)
	}
	if cfg.MaxIterations != 3 {
		t.Errorf("default max iterations: got %d, want 3", cfg.MaxIterations)
	}
	if cfg.MaxIterationsPolicy != "complete" {
		t.Errorf("default policy: got %q, want %q", cfg.MaxIterationsPolicy, "complete")
	}
	if cfg.ApprovalTTL != 30*time.Minute {
		t.Errorf("default approval TTL: got %s, want 30m", cfg.ApprovalTTL)
	}
}

func TestLoadRejectsBadPolicy(t *testing.T) {
	t.Setenv("CADENZA_MAX_ITERATIONS_POLICY", "retry-forever")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestValidateRejectsLoneJWTKey(t *testing.T) {
	t.Setenv("CADENZA_JWT_PRIVATE_KEY", "/keys/priv.pem")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when only the private key path is set")
	}
}

func TestValidateRejectsZeroIterations(t *testing.T) {
	t.Setenv("CADENZA_MAX_ITERATIONS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero max iterations")
	}
}
