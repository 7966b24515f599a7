// Package ratelimit guards request-heavy endpoints with a pluggable limiter.
//
// The default implementation is an in-memory token bucket per key. The
// Limiter interface is the contract, so a shared store can be substituted
// when several instances sit behind one load balancer.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is opaque;
	// callers construct it (e.g. "runs:user:alice"). Errors signal a limiter
	// malfunction and callers should fail open rather than block traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases limiter resources.
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
