package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cadenza-ai/cadenza/internal/model"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id            TEXT PRIMARY KEY,
	ts_unix_ns    INTEGER NOT NULL,
	agent         TEXT NOT NULL,
	run_id        TEXT NOT NULL,
	tool          TEXT NOT NULL,
	args_json     TEXT NOT NULL DEFAULT '{}',
	result        TEXT NOT NULL,
	duration_ns   INTEGER NOT NULL DEFAULT 0,
	files_changed TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_entries(run_id);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_entries(ts_unix_ns);
`

// SQLiteSink mirrors the in-memory audit ring into a SQLite file so the
// trail survives process restarts and ring eviction.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the audit database at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite sink: %w", err)
	}
	// WAL allows concurrent reads but a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate sink schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Append inserts one entry.
func (s *SQLiteSink) Append(ctx context.Context, entry model.AuditLogEntry) error {
	args, err := json.Marshal(entry.Args)
	if err != nil {
		return fmt.Errorf("audit: marshal args: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, ts_unix_ns, agent, run_id, tool, args_json, result, duration_ns, files_changed, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(),
		entry.Timestamp.UnixNano(),
		string(entry.Agent),
		entry.RunID.String(),
		string(entry.Tool),
		string(args),
		string(entry.Result),
		int64(entry.Duration),
		strings.Join(entry.FilesChanged, "\n"),
		entry.Error,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

// Patch updates the terminal outcome of a previously appended entry.
func (s *SQLiteSink) Patch(ctx context.Context, id uuid.UUID, result model.AuditResult, duration time.Duration, filesChanged []string, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE audit_entries SET result = ?, duration_ns = ?, files_changed = ?, error = ? WHERE id = ?`,
		string(result), int64(duration), strings.Join(filesChanged, "\n"), errMsg, id.String(),
	)
	if err != nil {
		return fmt.Errorf("audit: patch entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("audit: patch rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("audit: patch entry %s: not found", id)
	}
	return nil
}

// ByRun loads the durable entries for one run, ordered by time.
func (s *SQLiteSink) ByRun(ctx context.Context, runID uuid.UUID) ([]model.AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts_unix_ns, agent, run_id, tool, args_json, result, duration_ns, files_changed, error
		 FROM audit_entries WHERE run_id = ? ORDER BY ts_unix_ns ASC`,
		runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query by run: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditLogEntry
	for rows.Next() {
		var (
			e                          model.AuditLogEntry
			idStr, runStr, files, args string
			tsNS, durNS                int64
		)
		if err := rows.Scan(&idStr, &tsNS, &e.Agent, &runStr, &e.Tool, &args, &e.Result, &durNS, &files, &e.Error); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		if e.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("audit: parse entry id: %w", err)
		}
		if e.RunID, err = uuid.Parse(runStr); err != nil {
			return nil, fmt.Errorf("audit: parse run id: %w", err)
		}
		e.Timestamp = time.Unix(0, tsNS).UTC()
		e.Duration = time.Duration(durNS)
		if files != "" {
			e.FilesChanged = strings.Split(files, "\n")
		}
		if err := json.Unmarshal([]byte(args), &e.Args); err != nil {
			return nil, fmt.Errorf("audit: unmarshal args: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
