package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS kv_values (
	key   TEXT PRIMARY KEY,
	value BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS kv_set_members (
	key    TEXT NOT NULL,
	member TEXT NOT NULL,
	PRIMARY KEY (key, member)
);
`

// Postgres is the durable Store backing for production deployments.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects a pool, verifies connectivity, and ensures the
// key/value tables exist.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("kv: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("kv: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("kv: ping pool: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("kv: ensure schema: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Get returns the value for key.
func (p *Postgres) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := p.pool.QueryRow(ctx, `SELECT value FROM kv_values WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kv: get %q: %w", key, err)
	}
	return value, true, nil
}

// Set upserts value under key.
func (p *Postgres) Set(ctx context.Context, key string, value []byte) error {
	err := withRetry(ctx, 3, 50*time.Millisecond, func() error {
		_, err := p.pool.Exec(ctx,
			`INSERT INTO kv_values (key, value) VALUES ($1, $2)
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
			key, value)
		return err
	})
	if err != nil {
		return fmt.Errorf("kv: set %q: %w", key, err)
	}
	return nil
}

// Del removes keys from both the value and set tables.
func (p *Postgres) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := withRetry(ctx, 3, 50*time.Millisecond, func() error {
		if _, err := p.pool.Exec(ctx, `DELETE FROM kv_values WHERE key = ANY($1)`, keys); err != nil {
			return err
		}
		_, err := p.pool.Exec(ctx, `DELETE FROM kv_set_members WHERE key = ANY($1)`, keys)
		return err
	})
	if err != nil {
		return fmt.Errorf("kv: del: %w", err)
	}
	return nil
}

// SAdd adds members to the set at key, ignoring duplicates.
func (p *Postgres) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	err := withRetry(ctx, 3, 50*time.Millisecond, func() error {
		_, err := p.pool.Exec(ctx,
			`INSERT INTO kv_set_members (key, member)
			 SELECT $1, unnest($2::text[])
			 ON CONFLICT DO NOTHING`,
			key, members)
		return err
	})
	if err != nil {
		return fmt.Errorf("kv: sadd %q: %w", key, err)
	}
	return nil
}

// SMembers returns the members of the set at key in lexicographic order.
func (p *Postgres) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT member FROM kv_set_members WHERE key = $1 ORDER BY member`, key)
	if err != nil {
		return nil, fmt.Errorf("kv: smembers %q: %w", key, err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("kv: scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// escapeLike neutralizes LIKE metacharacters so a prefix stays a literal
// prefix. Thread ids flow into key prefixes verbatim; an id like "conv_1"
// must not match keys of "convX1".
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Keys returns all value and set keys with the given prefix, sorted.
func (p *Postgres) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key FROM kv_values WHERE key LIKE $1 || '%' ESCAPE '\'
		 UNION
		 SELECT DISTINCT key FROM kv_set_members WHERE key LIKE $1 || '%' ESCAPE '\'
		 ORDER BY key`, escapeLike(prefix))
	if err != nil {
		return nil, fmt.Errorf("kv: keys %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("kv: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close shuts down the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// isRetriable returns true for Postgres error codes indicating a transient conflict.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	default:
		return false
	}
}

// withRetry executes fn, retrying on serialization or deadlock errors with
// jittered exponential backoff starting at baseDelay.
func withRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
