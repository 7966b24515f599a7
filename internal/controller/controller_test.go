package controller_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-ai/cadenza/internal/agent"
	"github.com/cadenza-ai/cadenza/internal/audit"
	"github.com/cadenza-ai/cadenza/internal/authz"
	"github.com/cadenza-ai/cadenza/internal/checkpoint"
	"github.com/cadenza-ai/cadenza/internal/controller"
	"github.com/cadenza-ai/cadenza/internal/gateway"
	"github.com/cadenza-ai/cadenza/internal/kv"
	"github.com/cadenza-ai/cadenza/internal/machine"
	"github.com/cadenza-ai/cadenza/internal/model"
	"github.com/cadenza-ai/cadenza/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type invokerFunc func(ctx context.Context, req agent.Request) (*agent.Response, error)

func (f invokerFunc) Invoke(ctx context.Context, req agent.Request) (*agent.Response, error) {
	return f(ctx, req)
}

type nullWorkspace struct{}

func (nullWorkspace) Read(_ context.Context, _ string) (string, error) { return "", nil }
func (nullWorkspace) Write(_ context.Context, _, _ string) error       { return nil }
func (nullWorkspace) Patch(_ context.Context, path, _ string) ([]string, error) {
	return []string{path}, nil
}
func (nullWorkspace) Create(_ context.Context, _, _ string) error { return nil }
func (nullWorkspace) Delete(_ context.Context, _ string) error    { return nil }

type nullRunner struct{}

func (nullRunner) Build(_ context.Context, _ string) (string, error)  { return "", nil }
func (nullRunner) Test(_ context.Context, _ string) (string, error)   { return "", nil }
func (nullRunner) Lint(_ context.Context, _ []string) (string, error) { return "", nil }
func (nullRunner) Install(_ context.Context, _ string) ([]string, string, error) {
	return nil, "", nil
}
func (nullRunner) DevServer(_ context.Context, _ string) (string, error) { return "", nil }

type nullScanner struct{}

func (nullScanner) Scan(_ context.Context, _ []string) (any, error)    { return nil, nil }
func (nullScanner) Secrets(_ context.Context, _ []string) (any, error) { return nil, nil }

type nullInspector struct{}

func (nullInspector) Structure(_ context.Context, _ string) (any, error)     { return nil, nil }
func (nullInspector) Diagnostics(_ context.Context, _ []string) (any, error) { return nil, nil }

func newController(t *testing.T, inv agent.Invoker, opts ...controller.Option) (*controller.Controller, *checkpoint.Store) {
	t.Helper()
	logger := testLogger()

	reg := registry.New(nullWorkspace{}, nullRunner{}, nullScanner{}, nullInspector{})
	require.NoError(t, reg.Validate())
	matrix := authz.NewMatrix(model.DefaultRoles())
	gw := gateway.New(matrix, reg, audit.NewLog(logger), logger)
	ckpt := checkpoint.NewStore(kv.NewMemory(), logger)

	cfg := machine.DefaultConfig()
	cfg.Retry = agent.RetryPolicy{MaxAttempts: 1, BaseDelay: 0}
	m := machine.New(gw, ckpt, inv, model.DefaultRoles(), cfg, logger)

	return controller.New(m, ckpt, logger, opts...), ckpt
}

func passingInvoker(block <-chan struct{}) agent.Invoker {
	return invokerFunc(func(ctx context.Context, req agent.Request) (*agent.Response, error) {
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if strings.Contains(req.Prompt, "Review the implemented changes") {
			return &agent.Response{Verdict: &agent.Verdict{Passed: true}}, nil
		}
		return &agent.Response{Text: "ok"}, nil
	})
}

func TestProcessRequestStreamsToTerminal(t *testing.T) {
	c, _ := newController(t, passingInvoker(nil))

	var events []model.EventLogEntry
	state, err := c.ProcessRequest(context.Background(), controller.Request{
		Text:           "add a parser",
		ConversationID: "conv-1",
		UserID:         "u1",
		Mode:           "3-agent-strict",
	}, func(e model.EventLogEntry) { events = append(events, e) })

	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, model.StageComplete, state.Status.Stage)
	assert.Equal(t, "conv-1", state.ConversationID)
	assert.Equal(t, "3-agent-strict", state.Mode)
	require.NotEmpty(t, events)
	assert.Equal(t, model.EventRunStarted, events[0].Type)
	assert.Len(t, events, len(state.Events))
}

func TestProcessRequestRequiresConversationID(t *testing.T) {
	c, _ := newController(t, passingInvoker(nil))
	_, err := c.ProcessRequest(context.Background(), controller.Request{Text: "x"}, nil)
	require.Error(t, err)
}

func TestSingleWriterPerThread(t *testing.T) {
	block := make(chan struct{})
	c, _ := newController(t, passingInvoker(block))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := c.ProcessRequest(context.Background(), controller.Request{
			Text: "slow", ConversationID: "conv-1",
		}, nil)
		assert.NoError(t, err)
	}()

	// Give the first run time to acquire the thread.
	require.Eventually(t, func() bool {
		_, err := c.ProcessRequest(context.Background(), controller.Request{
			Text: "concurrent", ConversationID: "conv-1",
		}, nil)
		return err == controller.ErrThreadBusy
	}, time.Second, 5*time.Millisecond)

	// A different thread is not blocked by conv-1's writer.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.ProcessRequest(context.Background(), controller.Request{
			Text: "other", ConversationID: "conv-2",
		}, nil)
		assert.NoError(t, err)
	}()

	close(block)
	wg.Wait()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second thread did not finish")
	}
}

func TestRunTimesOut(t *testing.T) {
	c, _ := newController(t, passingInvoker(make(chan struct{})), controller.WithTimeout(30*time.Millisecond))

	state, err := c.ProcessRequest(context.Background(), controller.Request{
		Text: "never finishes", ConversationID: "conv-1",
	}, nil)

	require.Error(t, err)
	require.NotNil(t, state)
	assert.False(t, state.Status.Stage.Terminal())
}

func TestHeartbeatFiresWhileRunning(t *testing.T) {
	block := make(chan struct{})
	var beats atomic.Int32

	c, _ := newController(t, passingInvoker(block),
		controller.WithHeartbeatInterval(5*time.Millisecond))

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(block)
	}()

	_, err := c.ProcessRequest(context.Background(), controller.Request{
		Text:           "slow",
		ConversationID: "conv-1",
		Heartbeat:      func() { beats.Add(1) },
	}, nil)

	require.NoError(t, err)
	assert.Greater(t, beats.Load(), int32(0))
}

func TestResumeTerminalRunReturnsAsIs(t *testing.T) {
	c, _ := newController(t, passingInvoker(nil))
	ctx := context.Background()

	first, err := c.ProcessRequest(ctx, controller.Request{Text: "x", ConversationID: "conv-1"}, nil)
	require.NoError(t, err)
	require.Equal(t, model.StageComplete, first.Status.Stage)

	resumed, err := c.Resume(ctx, "conv-1", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, resumed)
	assert.Equal(t, first.RunID, resumed.RunID)
	assert.Equal(t, model.StageComplete, resumed.Status.Stage)
}

func TestResumeUnknownThread(t *testing.T) {
	c, _ := newController(t, passingInvoker(nil))
	state, err := c.Resume(context.Background(), "nope", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestResumeContinuesInterruptedRun(t *testing.T) {
	block := make(chan struct{})
	c, ckpt := newController(t, passingInvoker(block), controller.WithTimeout(30*time.Millisecond))
	ctx := context.Background()

	// First attempt times out mid-run, leaving a non-terminal checkpoint.
	state, err := c.ProcessRequest(ctx, controller.Request{Text: "x", ConversationID: "conv-1"}, nil)
	require.Error(t, err)
	require.False(t, state.Status.Stage.Terminal())

	cp, err := ckpt.Get(ctx, checkpoint.Config{ThreadID: "conv-1", Namespace: "runs"})
	require.NoError(t, err)
	require.NotNil(t, cp)

	// Unblock the invoker; a rebuilt controller over the same store
	// (simulating a process restart) drives the run to completion.
	close(block)
	c2 := restartedController(t, ckpt)
	resumed, err := c2.Resume(ctx, "conv-1", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, resumed)
	assert.Equal(t, state.RunID, resumed.RunID)
	assert.Equal(t, model.StageComplete, resumed.Status.Stage)
}

func restartedController(t *testing.T, ckpt *checkpoint.Store) *controller.Controller {
	t.Helper()
	logger := testLogger()
	reg := registry.New(nullWorkspace{}, nullRunner{}, nullScanner{}, nullInspector{})
	matrix := authz.NewMatrix(model.DefaultRoles())
	gw := gateway.New(matrix, reg, audit.NewLog(logger), logger)

	cfg := machine.DefaultConfig()
	cfg.Retry = agent.RetryPolicy{MaxAttempts: 1, BaseDelay: 0}
	m := machine.New(gw, ckpt, passingInvoker(nil), model.DefaultRoles(), cfg, logger)

	return controller.New(m, ckpt, logger)
}

func TestDeleteThreadRefusedWhileActive(t *testing.T) {
	block := make(chan struct{})
	c, _ := newController(t, passingInvoker(block))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = c.ProcessRequest(context.Background(), controller.Request{Text: "x", ConversationID: "conv-1"}, nil)
	}()

	require.Eventually(t, func() bool {
		return c.DeleteThread(context.Background(), "conv-1") == controller.ErrThreadBusy
	}, time.Second, 5*time.Millisecond)

	close(block)
	wg.Wait()
	require.NoError(t, c.DeleteThread(context.Background(), "conv-1"))
}

func TestHistoryListsNewestFirst(t *testing.T) {
	c, _ := newController(t, passingInvoker(nil))
	ctx := context.Background()

	_, err := c.ProcessRequest(ctx, controller.Request{Text: "x", ConversationID: "conv-1"}, nil)
	require.NoError(t, err)

	history, err := c.History(ctx, "conv-1", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i := 1; i < len(history); i++ {
		assert.Greater(t, history[i-1].ID, history[i].ID)
	}
}
