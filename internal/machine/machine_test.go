package machine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-ai/cadenza/internal/agent"
	"github.com/cadenza-ai/cadenza/internal/audit"
	"github.com/cadenza-ai/cadenza/internal/authz"
	"github.com/cadenza-ai/cadenza/internal/checkpoint"
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

func isReview(req agent.Request) bool {
	return strings.Contains(req.Prompt, "Review the implemented changes")
}

type nullWorkspace struct{}

func (nullWorkspace) Read(_ context.Context, path string) (string, error) { return "", nil }
func (nullWorkspace) Write(_ context.Context, _, _ string) error          { return nil }
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

type harness struct {
	m     *machine.Machine
	ckpt  *checkpoint.Store
	log   *audit.Log
	state *model.RunState
}

func newHarness(t *testing.T, inv agent.Invoker, cfg machine.Config) *harness {
	t.Helper()
	logger := testLogger()

	reg := registry.New(nullWorkspace{}, nullRunner{}, nullScanner{}, nullInspector{})
	require.NoError(t, reg.Validate())
	matrix := authz.NewMatrix(model.DefaultRoles())
	log := audit.NewLog(logger)
	gw := gateway.New(matrix, reg, log, logger)
	ckpt := checkpoint.NewStore(kv.NewMemory(), logger)

	cfg.Retry = agent.RetryPolicy{MaxAttempts: 2, BaseDelay: 0, IsFatal: agent.DefaultRetryPolicy().IsFatal}

	return &harness{
		m:     machine.New(gw, ckpt, inv, model.DefaultRoles(), cfg, logger),
		ckpt:  ckpt,
		log:   log,
		state: machine.NewRunState("conv-1", "user-1", "3-agent-strict", model.RunInputs{Request: "add a parser"}),
	}
}

func eventsOfType(state *model.RunState, typ model.EventType) []model.EventLogEntry {
	var out []model.EventLogEntry
	for _, e := range state.Events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func passingInvoker() agent.Invoker {
	return invokerFunc(func(_ context.Context, req agent.Request) (*agent.Response, error) {
		if isReview(req) {
			return &agent.Response{Text: "lgtm", Verdict: &agent.Verdict{Passed: true}}, nil
		}
		return &agent.Response{Text: "ok"}, nil
	})
}

func TestRunCompletesHappyPath(t *testing.T) {
	h := newHarness(t, passingInvoker(), machine.DefaultConfig())

	var streamed []model.EventLogEntry
	sink := func(e model.EventLogEntry) { streamed = append(streamed, e) }

	err := h.m.Run(context.Background(), h.state, "conv-1", sink)
	require.NoError(t, err)

	assert.Equal(t, model.StageComplete, h.state.Status.Stage)
	assert.Equal(t, model.StageCompleted, h.state.Status.StageState)
	assert.Equal(t, 100, h.state.Status.Progress.Percent)
	assert.Equal(t, 0, h.state.Iteration)
	assert.Empty(t, h.state.Errors)

	assert.Len(t, eventsOfType(h.state, model.EventRunStarted), 1)
	assert.Len(t, eventsOfType(h.state, model.EventStageStarted), 4)
	assert.Len(t, eventsOfType(h.state, model.EventStageCompleted), 4)
	assert.Len(t, eventsOfType(h.state, model.EventQCPassed), 1)
	assert.Len(t, eventsOfType(h.state, model.EventArtifactReady), 1)
	assert.Empty(t, eventsOfType(h.state, model.EventIterationCompleted))

	// Every appended event was also streamed, in order.
	require.Len(t, streamed, len(h.state.Events))
	for i, e := range streamed {
		assert.Equal(t, h.state.Events[i].ID, e.ID)
	}
}

func TestStageCompletionCarriesModelOutput(t *testing.T) {
	inv := invokerFunc(func(_ context.Context, req agent.Request) (*agent.Response, error) {
		if isReview(req) {
			return &agent.Response{Text: "all checks green", Verdict: &agent.Verdict{Passed: true}}, nil
		}
		if req.Role == model.RoleResearcher {
			return &agent.Response{Text: "the parser lives in internal/parse"}, nil
		}
		return &agent.Response{Text: "ok"}, nil
	})
	h := newHarness(t, inv, machine.DefaultConfig())

	var streamed []model.EventLogEntry
	sink := func(e model.EventLogEntry) { streamed = append(streamed, e) }

	require.NoError(t, h.m.Run(context.Background(), h.state, "conv-1", sink))

	completed := eventsOfType(h.state, model.EventStageCompleted)
	require.Len(t, completed, 4)
	byStage := map[model.Stage]model.EventLogEntry{}
	for _, e := range completed {
		byStage[e.Stage] = e
	}
	assert.Equal(t, "the parser lives in internal/parse", byStage[model.StageResearch].Details["output"])
	assert.Equal(t, "all checks green", byStage[model.StageQCReview].Details["output"])

	// The text also reaches the sink, not just the canonical log.
	var found bool
	for _, e := range streamed {
		if e.Type == model.EventStageCompleted && e.Details["output"] == "the parser lives in internal/parse" {
			found = true
		}
	}
	assert.True(t, found, "streamed stage_completed carries the model output")
}

func TestIterationEventsPairByNumber(t *testing.T) {
	reviews := 0
	inv := invokerFunc(func(_ context.Context, req agent.Request) (*agent.Response, error) {
		if isReview(req) {
			reviews++
			if reviews == 1 {
				return &agent.Response{Verdict: &agent.Verdict{Passed: false, Issues: []string{"missing error path"}}}, nil
			}
			return &agent.Response{Verdict: &agent.Verdict{Passed: true}}, nil
		}
		return &agent.Response{Text: "ok"}, nil
	})
	h := newHarness(t, inv, machine.DefaultConfig())

	require.NoError(t, h.m.Run(context.Background(), h.state, "conv-1", nil))
	assert.Equal(t, model.StageComplete, h.state.Status.Stage)

	started := eventsOfType(h.state, model.EventIterationStarted)
	completed := eventsOfType(h.state, model.EventIterationCompleted)
	require.Len(t, started, 1)
	require.Len(t, completed, 1)
	assert.Equal(t, "fix iteration 1 started", started[0].Summary)
	assert.Equal(t, "fix iteration 1 completed", completed[0].Summary)
	assert.Equal(t, started[0].Details["iteration"], completed[0].Details["iteration"])

	// The pair brackets the loop: started before the rework, completed when
	// the passing review closes it.
	var startIdx, doneIdx int
	for i, e := range h.state.Events {
		switch e.ID {
		case started[0].ID:
			startIdx = i
		case completed[0].ID:
			doneIdx = i
		}
	}
	assert.Less(t, startIdx, doneIdx)
}

func TestRunCheckpointsEveryTransition(t *testing.T) {
	h := newHarness(t, passingInvoker(), machine.DefaultConfig())
	ctx := context.Background()

	require.NoError(t, h.m.Run(ctx, h.state, "conv-1", nil))

	var count int
	var lastStage string
	for cp, err := range h.ckpt.List(ctx, checkpoint.Config{ThreadID: "conv-1", Namespace: "runs"}, checkpoint.ListOptions{}) {
		require.NoError(t, err)
		if count == 0 {
			lastStage, _ = cp.Metadata["stage"].(string)
		}
		count++
	}
	// Initial persist plus one per stage transition.
	assert.Equal(t, 5, count)
	assert.Equal(t, string(model.StageComplete), lastStage)

	latest, err := h.ckpt.Get(ctx, checkpoint.Config{ThreadID: "conv-1", Namespace: "runs"})
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Contains(t, string(latest.State), h.state.RunID.String())
}

func TestIterationBudgetForcesCompletion(t *testing.T) {
	inv := invokerFunc(func(_ context.Context, req agent.Request) (*agent.Response, error) {
		if isReview(req) {
			return &agent.Response{Verdict: &agent.Verdict{Passed: false, Issues: []string{"test coverage missing"}}}, nil
		}
		return &agent.Response{Text: "ok"}, nil
	})
	cfg := machine.DefaultConfig()
	cfg.MaxIterations = 2
	h := newHarness(t, inv, cfg)

	require.NoError(t, h.m.Run(context.Background(), h.state, "conv-1", nil))

	assert.Equal(t, model.StageComplete, h.state.Status.Stage)
	assert.Equal(t, 2, h.state.Iteration)
	assert.Len(t, eventsOfType(h.state, model.EventIterationCompleted), 2, "one per loop, never beyond the budget")
	assert.Len(t, eventsOfType(h.state, model.EventIterationStarted), 2)
	assert.Len(t, eventsOfType(h.state, model.EventQCIssuesFound), 3)
	assert.Len(t, eventsOfType(h.state, model.EventQCFailed), 1)
	require.Len(t, eventsOfType(h.state, model.EventWarning), 1)
	assert.Contains(t, eventsOfType(h.state, model.EventWarning)[0].Summary, "outstanding issues")
}

func TestIterationBudgetFailPolicy(t *testing.T) {
	inv := invokerFunc(func(_ context.Context, req agent.Request) (*agent.Response, error) {
		if isReview(req) {
			return &agent.Response{Verdict: &agent.Verdict{Passed: false, Issues: []string{"broken build"}}}, nil
		}
		return &agent.Response{Text: "ok"}, nil
	})
	cfg := machine.DefaultConfig()
	cfg.MaxIterations = 1
	cfg.OnMaxIterations = machine.PolicyFail
	h := newHarness(t, inv, cfg)

	require.NoError(t, h.m.Run(context.Background(), h.state, "conv-1", nil))

	assert.Equal(t, model.StageFailed, h.state.Status.Stage)
	assert.Equal(t, model.StageStateFailed, h.state.Status.StageState)
	require.Len(t, h.state.Errors, 1)
	assert.Contains(t, h.state.Errors[0].Message, "iteration budget")
}

func TestFatalAgentFailureMovesRunToFailed(t *testing.T) {
	inv := invokerFunc(func(_ context.Context, req agent.Request) (*agent.Response, error) {
		if req.Role == model.RoleResearcher {
			return nil, agent.ErrContextLengthExceeded
		}
		return &agent.Response{Text: "ok"}, nil
	})
	h := newHarness(t, inv, machine.DefaultConfig())
	ctx := context.Background()

	require.NoError(t, h.m.Run(ctx, h.state, "conv-1", nil))

	assert.Equal(t, model.StageFailed, h.state.Status.Stage)
	assert.Equal(t, model.StageStateFailed, h.state.Status.StageState)
	require.Len(t, h.state.Errors, 1)
	assert.Equal(t, model.StageResearch, h.state.Errors[0].Stage)
	assert.Equal(t, model.RoleResearcher, h.state.Errors[0].Agent)
	require.NotEmpty(t, eventsOfType(h.state, model.EventError))

	// The terminal checkpoint reflects the failure.
	latest, err := h.ckpt.Get(ctx, checkpoint.Config{ThreadID: "conv-1", Namespace: "runs"})
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, string(model.StageFailed), latest.Metadata["stage"])
}

func TestCancellationAbandonsRun(t *testing.T) {
	h := newHarness(t, passingInvoker(), machine.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.m.Run(ctx, h.state, "conv-1", nil)
	require.ErrorIs(t, err, context.Canceled)

	last := h.state.Events[len(h.state.Events)-1]
	assert.Equal(t, model.EventError, last.Type)
	assert.Contains(t, last.Summary, "aborted")
	assert.False(t, h.state.Status.Stage.Terminal(), "stage is left where it was")

	// Only the initial checkpoint exists; nothing is written after abort.
	var count int
	for _, err := range h.ckpt.List(context.Background(), checkpoint.Config{ThreadID: "conv-1", Namespace: "runs"}, checkpoint.ListOptions{}) {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 1, count)
}

func TestDeniedToolUseSurfacedNotRetried(t *testing.T) {
	inv := invokerFunc(func(_ context.Context, req agent.Request) (*agent.Response, error) {
		if req.Role == model.RoleResearcher {
			return &agent.Response{ToolUses: []agent.ToolUse{
				{Tool: "fs.write", Args: map[string]any{"path": "a.go", "content": "x"}},
			}}, nil
		}
		if isReview(req) {
			return &agent.Response{Verdict: &agent.Verdict{Passed: true}}, nil
		}
		return &agent.Response{Text: "ok"}, nil
	})
	h := newHarness(t, inv, machine.DefaultConfig())

	require.NoError(t, h.m.Run(context.Background(), h.state, "conv-1", nil))

	// The denial does not fail the run.
	assert.Equal(t, model.StageComplete, h.state.Status.Stage)

	errs := eventsOfType(h.state, model.EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Summary, "fs.write")

	denied := h.log.Denied()
	require.Len(t, denied, 1)
	assert.Equal(t, model.RoleResearcher, denied[0].Agent)
}

func TestPatchToolUseEmitsPatchApplied(t *testing.T) {
	inv := invokerFunc(func(_ context.Context, req agent.Request) (*agent.Response, error) {
		if req.Role == model.RoleArchitect {
			return &agent.Response{ToolUses: []agent.ToolUse{
				{Tool: "fs.patch", Args: map[string]any{"path": "parser.go", "diff": "---"}},
			}}, nil
		}
		if isReview(req) {
			return &agent.Response{Verdict: &agent.Verdict{Passed: true}}, nil
		}
		return &agent.Response{Text: "ok"}, nil
	})
	h := newHarness(t, inv, machine.DefaultConfig())

	require.NoError(t, h.m.Run(context.Background(), h.state, "conv-1", nil))

	patches := eventsOfType(h.state, model.EventPatchApplied)
	require.Len(t, patches, 1)
	assert.Contains(t, patches[0].Summary, "parser.go")
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, machine.IsValidTransition(model.StageCoordPlan, model.StageResearch))
	assert.True(t, machine.IsValidTransition(model.StageQCReview, model.StageArchitectImplement))
	assert.True(t, machine.IsValidTransition(model.StageQCReview, model.StageComplete))
	assert.False(t, machine.IsValidTransition(model.StageCoordPlan, model.StageComplete))
	assert.False(t, machine.IsValidTransition(model.StageComplete, model.StageCoordPlan))
	assert.False(t, machine.IsValidTransition(model.StageResearch, model.StageQCReview))

	for from := range map[model.Stage]bool{
		model.StageCoordPlan: true, model.StageResearch: true,
		model.StageArchitectImplement: true, model.StageQCReview: true,
	} {
		assert.True(t, machine.IsValidTransition(from, model.StageFailed), "FAILED must be reachable from %s", from)
	}
}

func TestRetryExhaustionIsRunError(t *testing.T) {
	calls := 0
	inv := invokerFunc(func(_ context.Context, req agent.Request) (*agent.Response, error) {
		calls++
		return nil, errors.New("model overloaded")
	})
	h := newHarness(t, inv, machine.DefaultConfig())

	require.NoError(t, h.m.Run(context.Background(), h.state, "conv-1", nil))

	assert.Equal(t, model.StageFailed, h.state.Status.Stage)
	assert.Equal(t, 2, calls, "retry budget applies to the failing stage only")
	require.Len(t, h.state.Errors, 1)
	assert.Contains(t, h.state.Errors[0].Message, "model overloaded")
}
