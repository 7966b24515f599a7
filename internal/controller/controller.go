// Package controller is the external-facing entry point for runs. It
// accepts a user request, seeds the canonical RunState, drives the state
// machine to a terminal stage, and streams events outward.
//
// The controller enforces the single-writer invariant: a given thread is
// driven by at most one machine invocation at a time, so checkpoints for a
// thread always form a strict parent-chain.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cadenza-ai/cadenza/internal/checkpoint"
	"github.com/cadenza-ai/cadenza/internal/machine"
	"github.com/cadenza-ai/cadenza/internal/model"
)

// DefaultTimeout bounds one ProcessRequest call end to end.
const DefaultTimeout = 5 * time.Minute

// ErrThreadBusy is returned when a run is already in flight for the thread.
var ErrThreadBusy = errors.New("controller: thread already has an active run")

// Request carries a user request into the orchestrator.
type Request struct {
	Text           string
	ConversationID string
	UserID         string
	Mode           string
	TargetLanguage string
	SecurityLevel  string
	TestRigor      string

	// Heartbeat, when set, is invoked periodically while the run is alive
	// so callers can keep upstream connections open.
	Heartbeat func()
}

// Option configures a Controller.
type Option func(*Controller)

// WithTimeout overrides the per-run deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) { c.timeout = d }
}

// WithHeartbeatInterval overrides how often Heartbeat fires.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Controller) { c.heartbeatEvery = d }
}

// Controller drives runs. Safe for concurrent use across threads.
type Controller struct {
	machine *machine.Machine
	ckpt    *checkpoint.Store
	logger  *slog.Logger

	timeout        time.Duration
	heartbeatEvery time.Duration
	namespace      string

	mu     sync.Mutex
	active map[string]bool
}

// New builds a Controller over the machine and checkpoint store.
func New(m *machine.Machine, ckpt *checkpoint.Store, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		machine:        m,
		ckpt:           ckpt,
		logger:         logger,
		timeout:        DefaultTimeout,
		heartbeatEvery: 15 * time.Second,
		namespace:      "runs",
		active:         make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProcessRequest seeds a fresh RunState for the request's conversation and
// drives it to a terminal stage, streaming events to sink as they are
// emitted. Returns the final state; the returned error reflects
// cancellation or infrastructure failure, not run-level outcomes (a FAILED
// run returns nil error with Status.Stage == FAILED).
func (c *Controller) ProcessRequest(ctx context.Context, req Request, sink machine.EventSink) (*model.RunState, error) {
	if req.ConversationID == "" {
		return nil, errors.New("controller: conversation id is required")
	}

	state := machine.NewRunState(req.ConversationID, req.UserID, req.Mode, model.RunInputs{
		Request:        req.Text,
		TargetLanguage: req.TargetLanguage,
		SecurityLevel:  req.SecurityLevel,
		TestRigor:      req.TestRigor,
	})

	return state, c.drive(ctx, state, req.ConversationID, req.Heartbeat, sink)
}

// Resume loads the latest checkpoint for a thread and continues driving it
// if the run is not terminal. A terminal run is returned as-is. An unknown
// thread returns (nil, nil).
func (c *Controller) Resume(ctx context.Context, threadID string, heartbeat func(), sink machine.EventSink) (*model.RunState, error) {
	cp, err := c.ckpt.Get(ctx, checkpoint.Config{ThreadID: threadID, Namespace: c.namespace})
	if err != nil {
		return nil, fmt.Errorf("controller: load checkpoint: %w", err)
	}
	if cp == nil {
		return nil, nil
	}

	var state model.RunState
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return nil, fmt.Errorf("controller: decode checkpoint state: %w", err)
	}

	if state.Status.Stage.Terminal() {
		return &state, nil
	}

	c.logger.Info("controller: resuming run",
		"thread_id", threadID, "run_id", state.RunID, "stage", state.Status.Stage)
	return &state, c.drive(ctx, &state, threadID, heartbeat, sink)
}

// drive acquires the thread, runs the machine under the deadline, and
// releases the thread when done.
func (c *Controller) drive(ctx context.Context, state *model.RunState, threadID string, heartbeat func(), sink machine.EventSink) error {
	if !c.acquire(threadID) {
		return ErrThreadBusy
	}
	defer c.release(threadID)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	runDone := make(chan struct{})
	g.Go(func() error {
		defer close(runDone)
		return c.machine.Run(ctx, state, threadID, sink)
	})

	if heartbeat != nil {
		g.Go(func() error {
			ticker := time.NewTicker(c.heartbeatEvery)
			defer ticker.Stop()
			for {
				select {
				case <-runDone:
					return nil
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					heartbeat()
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		c.logger.Error("controller: run ended with error",
			"thread_id", threadID, "run_id", state.RunID, "error", err)
		return err
	}
	return nil
}

// Status loads the latest persisted RunState for a thread without driving
// it. Unknown threads return (nil, nil).
func (c *Controller) Status(ctx context.Context, threadID string) (*model.RunState, error) {
	cp, err := c.ckpt.Get(ctx, checkpoint.Config{ThreadID: threadID, Namespace: c.namespace})
	if err != nil {
		return nil, fmt.Errorf("controller: load checkpoint: %w", err)
	}
	if cp == nil {
		return nil, nil
	}
	var state model.RunState
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return nil, fmt.Errorf("controller: decode checkpoint state: %w", err)
	}
	return &state, nil
}

// DeleteThread purges all persisted state for a thread. Refused while a
// run is driving it.
func (c *Controller) DeleteThread(ctx context.Context, threadID string) error {
	if !c.acquire(threadID) {
		return ErrThreadBusy
	}
	defer c.release(threadID)
	return c.ckpt.DeleteThread(ctx, threadID)
}

// History lists a thread's checkpoints, newest first.
func (c *Controller) History(ctx context.Context, threadID string, limit int) ([]*checkpoint.Checkpoint, error) {
	var out []*checkpoint.Checkpoint
	for cp, err := range c.ckpt.List(ctx, checkpoint.Config{ThreadID: threadID, Namespace: c.namespace}, checkpoint.ListOptions{Limit: limit}) {
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (c *Controller) acquire(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[threadID] {
		return false
	}
	c.active[threadID] = true
	return true
}

func (c *Controller) release(threadID string) {
	c.mu.Lock()
	delete(c.active, threadID)
	c.mu.Unlock()
}
