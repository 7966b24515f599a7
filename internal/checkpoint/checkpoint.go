// Package checkpoint provides durable, versioned persistence of run state
// transitions keyed by thread, enabling resume after process restart and
// point-in-time listing.
//
// Checkpoints are opaque serialized blobs; each records its predecessor id,
// so a thread's checkpoints form a strict parent-chain. Checkpoint ids are
// UUIDv7 strings: monotonically increasing, so descending lexicographic
// order is reverse creation order.
//
// Key layout on the backing store:
//
//	{prefix}:{threadID}:{namespace}:{checkpointID}  checkpoint blob
//	{prefix}:index:{threadID}:{namespace}           latest checkpoint id
//	{prefix}:set:{threadID}:{namespace}             membership set of ids
//	{prefix}:writes:{threadID}:{namespace}:{id}     pending writes bucket
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cadenza-ai/cadenza/internal/kv"
)

// DefaultPrefix namespaces all checkpoint keys in the backing store.
const DefaultPrefix = "cadenza:ckpt"

// ErrEmptyThreadID is returned when a caller omits the thread id.
// This is a programmer error, not a recoverable runtime condition.
var ErrEmptyThreadID = errors.New("checkpoint: thread id must not be empty")

// Config addresses one checkpoint (or, with empty CheckpointID, the latest
// checkpoint of a thread/namespace).
type Config struct {
	ThreadID     string `json:"thread_id"`
	Namespace    string `json:"namespace"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// PendingWrite is one (taskID, channel) -> value output recorded against a
// checkpoint before the next checkpoint is committed.
type PendingWrite struct {
	TaskID  string          `json:"task_id"`
	Channel string          `json:"channel"`
	Value   json.RawMessage `json:"value"`
}

// Checkpoint is an immutable, versioned snapshot of run state tied to a
// thread. Never mutated after creation; superseded checkpoints are retained
// unless the thread is explicitly deleted.
type Checkpoint struct {
	ID              string           `json:"id"`
	ThreadID        string           `json:"thread_id"`
	Namespace       string           `json:"namespace"`
	ParentID        string           `json:"parent_id,omitempty"`
	State           json.RawMessage  `json:"state"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
	ChannelVersions map[string]int64 `json:"channel_versions,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`

	// PendingWrites holds writes recorded against this checkpoint, merged
	// in by Get. Not part of the stored blob.
	PendingWrites []PendingWrite `json:"-"`
}

// ListOptions filters a List enumeration.
type ListOptions struct {
	// Before restricts results to ids strictly less than this id.
	Before string
	// Limit caps the number of yielded checkpoints; 0 means no cap.
	Limit int
	// MetadataEquals keeps only checkpoints whose metadata matches every
	// given key/value pair.
	MetadataEquals map[string]any
}

// Store persists checkpoints through a kv.Store.
type Store struct {
	kv     kv.Store
	prefix string
	logger *slog.Logger
}

// NewStore creates a checkpoint store over the given backing.
func NewStore(backing kv.Store, logger *slog.Logger) *Store {
	return &Store{kv: backing, prefix: DefaultPrefix, logger: logger}
}

func (s *Store) blobKey(threadID, ns, id string) string {
	return fmt.Sprintf("%s:%s:%s:%s", s.prefix, threadID, ns, id)
}

func (s *Store) indexKey(threadID, ns string) string {
	return fmt.Sprintf("%s:index:%s:%s", s.prefix, threadID, ns)
}

func (s *Store) setKey(threadID, ns string) string {
	return fmt.Sprintf("%s:set:%s:%s", s.prefix, threadID, ns)
}

func (s *Store) writesKey(threadID, ns, id string) string {
	return fmt.Sprintf("%s:writes:%s:%s:%s", s.prefix, threadID, ns, id)
}

// Get loads a checkpoint. With an empty CheckpointID it resolves the latest
// id via the index pointer first. Absent thread or absent checkpoint both
// return (nil, nil), not an error. Pending writes recorded against the
// checkpoint are merged into the result.
func (s *Store) Get(ctx context.Context, cfg Config) (*Checkpoint, error) {
	if cfg.ThreadID == "" {
		return nil, ErrEmptyThreadID
	}

	id := cfg.CheckpointID
	if id == "" {
		raw, ok, err := s.kv.Get(ctx, s.indexKey(cfg.ThreadID, cfg.Namespace))
		if err != nil {
			return nil, fmt.Errorf("checkpoint: resolve latest: %w", err)
		}
		if !ok {
			return nil, nil
		}
		id = string(raw)
	}

	raw, ok, err := s.kv.Get(ctx, s.blobKey(cfg.ThreadID, cfg.Namespace, id))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load %s: %w", id, err)
	}
	if !ok {
		return nil, nil
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", id, err)
	}

	writes, err := s.loadWrites(ctx, cfg.ThreadID, cfg.Namespace, id)
	if err != nil {
		return nil, err
	}
	cp.PendingWrites = writes
	return &cp, nil
}

// Put serializes state under a fresh checkpoint id, records the previous
// latest id as parent, updates the index pointer, and adds the id to the
// thread's membership set. Returns the config addressing the new checkpoint.
func (s *Store) Put(ctx context.Context, cfg Config, state json.RawMessage, metadata map[string]any, channelVersions map[string]int64) (Config, error) {
	if cfg.ThreadID == "" {
		return Config{}, ErrEmptyThreadID
	}

	id7, err := uuid.NewV7()
	if err != nil {
		return Config{}, fmt.Errorf("checkpoint: new id: %w", err)
	}
	id := id7.String()

	var parent string
	if raw, ok, err := s.kv.Get(ctx, s.indexKey(cfg.ThreadID, cfg.Namespace)); err != nil {
		return Config{}, fmt.Errorf("checkpoint: read index: %w", err)
	} else if ok {
		parent = string(raw)
	}

	cp := Checkpoint{
		ID:              id,
		ThreadID:        cfg.ThreadID,
		Namespace:       cfg.Namespace,
		ParentID:        parent,
		State:           state,
		Metadata:        metadata,
		ChannelVersions: channelVersions,
		CreatedAt:       time.Now().UTC(),
	}
	blob, err := json.Marshal(cp)
	if err != nil {
		return Config{}, fmt.Errorf("checkpoint: encode: %w", err)
	}

	if err := s.kv.Set(ctx, s.blobKey(cfg.ThreadID, cfg.Namespace, id), blob); err != nil {
		return Config{}, fmt.Errorf("checkpoint: store blob: %w", err)
	}
	if err := s.kv.Set(ctx, s.indexKey(cfg.ThreadID, cfg.Namespace), []byte(id)); err != nil {
		return Config{}, fmt.Errorf("checkpoint: update index: %w", err)
	}
	if err := s.kv.SAdd(ctx, s.setKey(cfg.ThreadID, cfg.Namespace), id); err != nil {
		return Config{}, fmt.Errorf("checkpoint: add to set: %w", err)
	}

	return Config{ThreadID: cfg.ThreadID, Namespace: cfg.Namespace, CheckpointID: id}, nil
}

// PutWrites merges (taskID, channel) -> value pairs into the writes bucket
// for the checkpoint addressed by cfg. Writes for an already-recorded pair
// are idempotently skipped — first write wins — which makes partial or
// retried node execution safe to replay without duplicating side-channel
// outputs.
func (s *Store) PutWrites(ctx context.Context, cfg Config, writes []PendingWrite, taskID string) error {
	if cfg.ThreadID == "" {
		return ErrEmptyThreadID
	}
	if cfg.CheckpointID == "" {
		return errors.New("checkpoint: PutWrites requires a checkpoint id")
	}

	key := s.writesKey(cfg.ThreadID, cfg.Namespace, cfg.CheckpointID)

	bucket := make(map[string]PendingWrite)
	if raw, ok, err := s.kv.Get(ctx, key); err != nil {
		return fmt.Errorf("checkpoint: load writes: %w", err)
	} else if ok {
		if err := json.Unmarshal(raw, &bucket); err != nil {
			return fmt.Errorf("checkpoint: decode writes: %w", err)
		}
	}

	changed := false
	for _, w := range writes {
		w.TaskID = taskID
		k := w.TaskID + "\x00" + w.Channel
		if _, exists := bucket[k]; exists {
			continue
		}
		bucket[k] = w
		changed = true
	}
	if !changed {
		return nil
	}

	raw, err := json.Marshal(bucket)
	if err != nil {
		return fmt.Errorf("checkpoint: encode writes: %w", err)
	}
	if err := s.kv.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("checkpoint: store writes: %w", err)
	}
	return nil
}

func (s *Store) loadWrites(ctx context.Context, threadID, ns, id string) ([]PendingWrite, error) {
	raw, ok, err := s.kv.Get(ctx, s.writesKey(threadID, ns, id))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load writes: %w", err)
	}
	if !ok {
		return nil, nil
	}
	bucket := make(map[string]PendingWrite)
	if err := json.Unmarshal(raw, &bucket); err != nil {
		return nil, fmt.Errorf("checkpoint: decode writes: %w", err)
	}
	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writes := make([]PendingWrite, 0, len(keys))
	for _, k := range keys {
		writes = append(writes, bucket[k])
	}
	return writes, nil
}

// List lazily enumerates a thread's checkpoints newest-first. Each yielded
// checkpoint is fetched independently, so the sequence can be abandoned or
// restarted at any point. Iteration stops early on the first storage error,
// yielding (nil, err).
func (s *Store) List(ctx context.Context, cfg Config, opts ListOptions) iter.Seq2[*Checkpoint, error] {
	return func(yield func(*Checkpoint, error) bool) {
		if cfg.ThreadID == "" {
			yield(nil, ErrEmptyThreadID)
			return
		}

		ids, err := s.kv.SMembers(ctx, s.setKey(cfg.ThreadID, cfg.Namespace))
		if err != nil {
			yield(nil, fmt.Errorf("checkpoint: list ids: %w", err))
			return
		}
		// Descending id order is newest-first for UUIDv7 ids.
		sort.Sort(sort.Reverse(sort.StringSlice(ids)))

		yielded := 0
		for _, id := range ids {
			if opts.Before != "" && id >= opts.Before {
				continue
			}
			cp, err := s.Get(ctx, Config{ThreadID: cfg.ThreadID, Namespace: cfg.Namespace, CheckpointID: id})
			if err != nil {
				yield(nil, err)
				return
			}
			if cp == nil {
				continue // evicted between enumeration and fetch
			}
			if !metadataMatches(cp.Metadata, opts.MetadataEquals) {
				continue
			}
			if !yield(cp, nil) {
				return
			}
			yielded++
			if opts.Limit > 0 && yielded >= opts.Limit {
				return
			}
		}
	}
}

func metadataMatches(md, want map[string]any) bool {
	for k, v := range want {
		got, ok := md[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

// DeleteThread purges all checkpoint data for a thread across every
// namespace: writes buckets first, then blobs, then membership sets, then
// index pointers. The order is child-first so a crash mid-delete leaves
// only re-deletable leftovers, never a dangling latest pointer.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return ErrEmptyThreadID
	}

	families := []string{
		fmt.Sprintf("%s:writes:%s:", s.prefix, threadID),
		fmt.Sprintf("%s:%s:", s.prefix, threadID),
		fmt.Sprintf("%s:set:%s:", s.prefix, threadID),
		fmt.Sprintf("%s:index:%s:", s.prefix, threadID),
	}

	deleted := 0
	for _, prefix := range families {
		keys, err := s.kv.Keys(ctx, prefix)
		if err != nil {
			return fmt.Errorf("checkpoint: scan %q: %w", prefix, err)
		}
		if len(keys) == 0 {
			continue
		}
		if err := s.kv.Del(ctx, keys...); err != nil {
			return fmt.Errorf("checkpoint: delete %q keys: %w", prefix, err)
		}
		deleted += len(keys)
	}

	s.logger.Info("checkpoint: thread deleted", "thread_id", threadID, "keys", deleted)
	return nil
}
