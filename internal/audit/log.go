// Package audit provides the append-only record of every tool invocation
// attempt, outcome, and denial.
//
// The in-memory ring is the queryable store; entries older than the
// configured maximum are evicted (bounded memory is a documented trade-off,
// not a correctness property). An optional durable sink mirrors every
// append and patch for the permanent trail.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadenza-ai/cadenza/internal/model"
)

// DefaultMaxEntries bounds the in-memory ring.
const DefaultMaxEntries = 10000

// Sink receives a durable copy of every audit mutation.
// Implementations must be safe for concurrent use. Sink failures are
// logged and do not fail the originating tool call.
type Sink interface {
	Append(ctx context.Context, entry model.AuditLogEntry) error
	Patch(ctx context.Context, id uuid.UUID, result model.AuditResult, duration time.Duration, filesChanged []string, errMsg string) error
	Close() error
}

// Log is the audit log service. Construct with NewLog and inject; there is
// no global instance.
type Log struct {
	logger *slog.Logger
	sink   Sink // nil when no durable sink is configured
	max    int

	mu      sync.Mutex
	order   []uuid.UUID
	entries map[uuid.UUID]*model.AuditLogEntry
	patched map[uuid.UUID]bool
}

// Option configures a Log.
type Option func(*Log)

// WithMaxEntries overrides the ring bound.
func WithMaxEntries(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.max = n
		}
	}
}

// WithSink attaches a durable sink mirroring every entry.
func WithSink(s Sink) Option {
	return func(l *Log) { l.sink = s }
}

// NewLog creates an audit log with the default ring bound.
func NewLog(logger *slog.Logger, opts ...Option) *Log {
	l := &Log{
		logger:  logger,
		max:     DefaultMaxEntries,
		entries: make(map[uuid.UUID]*model.AuditLogEntry),
		patched: make(map[uuid.UUID]bool),
	}
	for _, fn := range opts {
		fn(l)
	}
	return l
}

// LogStart appends a new entry for a call that is about to execute.
// Result defaults to success as an optimistic placeholder; LogEnd patches
// it exactly once. Args are redacted before the entry is stored.
func (l *Log) LogStart(ctx context.Context, call model.ToolCall) uuid.UUID {
	entry := model.AuditLogEntry{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Agent:     call.Agent,
		RunID:     call.RunID,
		Tool:      call.Tool,
		Args:      Redact(call.Args),
		Result:    model.AuditSuccess,
	}

	l.append(entry)

	if l.sink != nil {
		if err := l.sink.Append(ctx, entry); err != nil {
			l.logger.Warn("audit: sink append failed", "audit_id", entry.ID, "error", err)
		}
	}
	return entry.ID
}

// LogEnd patches the entry created by LogStart with the terminal outcome.
// This is the only allowed mutation and it happens exactly once per entry;
// later calls for the same id are ignored.
func (l *Log) LogEnd(ctx context.Context, auditID uuid.UUID, result model.AuditResult, duration time.Duration, filesChanged []string, errMsg string) {
	l.mu.Lock()
	entry, ok := l.entries[auditID]
	if !ok || l.patched[auditID] {
		l.mu.Unlock()
		if ok {
			l.logger.Warn("audit: duplicate LogEnd ignored", "audit_id", auditID)
		}
		return
	}
	entry.Result = result
	entry.Duration = duration
	entry.FilesChanged = filesChanged
	entry.Error = errMsg
	l.patched[auditID] = true
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.Patch(ctx, auditID, result, duration, filesChanged, errMsg); err != nil {
			l.logger.Warn("audit: sink patch failed", "audit_id", auditID, "error", err)
		}
	}
}

// LogDenied appends a terminal denied entry directly, with no start/end pair.
func (l *Log) LogDenied(ctx context.Context, agent model.RoleName, tool string, reason string, runID uuid.UUID) uuid.UUID {
	entry := model.AuditLogEntry{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Agent:     agent,
		RunID:     runID,
		Tool:      model.Capability(tool),
		Result:    model.AuditDenied,
		Error:     reason,
	}

	l.append(entry)
	l.mu.Lock()
	l.patched[entry.ID] = true // denied entries are terminal on creation
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.Append(ctx, entry); err != nil {
			l.logger.Warn("audit: sink append failed", "audit_id", entry.ID, "error", err)
		}
	}
	return entry.ID
}

func (l *Log) append(entry model.AuditLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := entry
	l.entries[e.ID] = &e
	l.order = append(l.order, e.ID)

	// Evict oldest entries beyond the ring bound. Sequenced under the same
	// lock as appends so eviction never races a patch.
	for len(l.order) > l.max {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.entries, oldest)
		delete(l.patched, oldest)
	}
}

// ByRun returns entries for one run in append order.
func (l *Log) ByRun(runID uuid.UUID) []model.AuditLogEntry {
	return l.filter(func(e *model.AuditLogEntry) bool { return e.RunID == runID })
}

// ByAgent returns entries for one agent role in append order.
func (l *Log) ByAgent(agent model.RoleName) []model.AuditLogEntry {
	return l.filter(func(e *model.AuditLogEntry) bool { return e.Agent == agent })
}

// Denied returns only denied entries, for security review.
func (l *Log) Denied() []model.AuditLogEntry {
	return l.filter(func(e *model.AuditLogEntry) bool { return e.Result == model.AuditDenied })
}

// Recent returns the most recent n entries, newest first.
func (l *Log) Recent(n int) []model.AuditLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > len(l.order) {
		n = len(l.order)
	}
	out := make([]model.AuditLogEntry, 0, n)
	for i := len(l.order) - 1; i >= len(l.order)-n; i-- {
		out = append(out, *l.entries[l.order[i]])
	}
	return out
}

// Get returns a copy of one entry by id.
func (l *Log) Get(id uuid.UUID) (model.AuditLogEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return model.AuditLogEntry{}, false
	}
	return *e, true
}

// Summary aggregates outcomes and total duration for one run.
func (l *Log) Summary(runID uuid.UUID) model.AuditSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := model.AuditSummary{RunID: runID}
	for _, id := range l.order {
		e := l.entries[id]
		if e.RunID != runID {
			continue
		}
		s.Total++
		s.TotalDuration += e.Duration
		switch e.Result {
		case model.AuditSuccess:
			s.Succeeded++
		case model.AuditError:
			s.Failed++
		case model.AuditDenied:
			s.Denied++
		}
	}
	return s
}

// Len returns the current number of entries in the ring.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

func (l *Log) filter(keep func(*model.AuditLogEntry) bool) []model.AuditLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []model.AuditLogEntry
	for _, id := range l.order {
		if e := l.entries[id]; keep(e) {
			out = append(out, *e)
		}
	}
	return out
}
