// Package kv defines the ordered key/value protocol the checkpoint store
// persists through, plus the shipped backings.
//
// Any store supporting get, set, delete, set-membership add, set
// enumeration, and prefix key scans over string keys satisfies the
// contract. The in-memory backing serves tests and single-process
// deployments; the Postgres backing is the durable production option.
package kv

import "context"

// Store is the backing protocol for checkpoint persistence.
// Implementations must be safe for concurrent use. Keys for different
// orchestration threads never collide (they are namespaced by thread id),
// so implementations need no cross-key transactionality.
type Store interface {
	// Get returns the value for key. Absent keys return ok=false, not an error.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Del removes keys. Deleting an absent key is not an error.
	Del(ctx context.Context, keys ...string) error

	// SAdd adds members to the set stored at key.
	SAdd(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of the set at key, in lexicographic order.
	// An absent set is an empty slice.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Keys returns all keys with the given prefix, in lexicographic order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases backing resources.
	Close() error
}
