package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/auterity/engine-go/internal/airouter"
	"github.com/auterity/engine-go/internal/events"
	"github.com/auterity/engine-go/internal/models"
	"github.com/auterity/engine-go/internal/observability"
	"github.com/auterity/engine-go/internal/steps"
	"github.com/auterity/engine-go/internal/store"
	"github.com/auterity/engine-go/internal/workflow"
)

// ctrlRouter is a controllable AI router for engine tests.
type ctrlRouter struct {
	mu       sync.Mutex
	delay    time.Duration
	honorCtx bool
	err      error
	calls    int
}

func (r *ctrlRouter) Route(ctx context.Context, req airouter.Request) (*airouter.Response, error) {
	r.mu.Lock()
	r.calls++
	delay, honorCtx, err := r.delay, r.honorCtx, r.err
	r.mu.Unlock()

	if delay > 0 {
		if honorCtx {
			select {
			case <-ctx.Done():
				return nil, models.WrapError(models.KindTimeout, "provider call cancelled", ctx.Err())
			case <-time.After(delay):
			}
		} else {
			time.Sleep(delay)
		}
	}
	if err != nil {
		return nil, err
	}
	return &airouter.Response{
		Text:          "ok",
		ModelID:       "test-model",
		Provider:      "test",
		Usage:         airouter.Usage{PromptTokens: 10, CompletionTokens: 5},
		ActualCents:   0.1,
		LatencyMs:     int64(delay / time.Millisecond),
		TotalAttempts: 1,
	}, nil
}

type noSecrets struct{}

func (noSecrets) Secret(ctx context.Context, tenantID, name string) (string, error) {
	return "", nil
}

type harness struct {
	store  *store.MemoryStore
	bus    *events.Bus
	router *ctrlRouter
	eng    *Engine
	svc    *Service
}

func newHarness(t *testing.T, mutate func(cfg *Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CancellationGracePeriod = 2 * time.Second
	cfg.StoreRetryDelay = 10 * time.Millisecond
	cfg.StepRetryBase = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	logger := zap.NewNop()
	st := store.NewMemoryStore()
	bus := events.NewBus(logger, 1024)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	router := &ctrlRouter{}

	eng := New(logger, cfg, st, steps.NewDefaultRegistry(logger), workflow.NewValidator(), bus, metrics, router, noSecrets{})
	return &harness{
		store:  st,
		bus:    bus,
		router: router,
		eng:    eng,
		svc:    NewService(logger, eng, st, bus),
	}
}

func fullPrincipal() models.Principal {
	return models.Principal{
		TenantID: "tenant-1",
		UserID:   "user-1",
		Permissions: []string{
			PermExecute, PermRead, PermCancel,
		},
	}
}

func saveDefinition(t *testing.T, h *harness, def *models.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, h.store.SaveWorkflowDefinition(context.Background(), def, nil))
}

func linearDef() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID: "wf-linear", Version: 1, Name: "linear",
		Nodes: []models.Step{
			{ID: "s1-start", Type: models.StepTypeStart},
			{ID: "s2-upper", Type: models.StepTypeProcess, Parameters: map[string]any{"transform": "uppercase"}},
			{ID: "s3-out", Type: models.StepTypeOutput},
		},
		Edges: []models.Edge{
			{Source: "s1-start", Target: "s2-upper"},
			{Source: "s2-upper", Target: "s3-out"},
		},
	}
}

func awaitTerminal(t *testing.T, h *harness, executionID string) *models.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := h.store.GetExecution(context.Background(), executionID)
		require.NoError(t, err)
		if exec.Status.Terminal() {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach a terminal state", executionID)
	return nil
}

func TestLinearSuccess(t *testing.T) {
	h := newHarness(t, nil)
	saveDefinition(t, h, linearDef())

	res, err := h.svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
		WorkflowID: "wf-linear",
		Inputs:     models.JSONMap{"text": "hi"},
		Mode:       models.ModeSync,
		Principal:  fullPrincipal(),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Snapshot)

	exec := res.Snapshot.Execution
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, models.JSONMap{"text": "HI"}, exec.Outputs)
	require.NotNil(t, exec.EndedAt)
	require.NotNil(t, exec.DurationMs)

	require.Len(t, res.Snapshot.StepRecords, 3)
	for _, rec := range res.Snapshot.StepRecords {
		assert.Equal(t, models.StepStatusCompleted, rec.Status, "step %s", rec.StepID)
		assert.GreaterOrEqual(t, rec.Attempts, 1)
		require.NotNil(t, rec.EndedAt, "step %s", rec.StepID)
	}

	logs, err := h.svc.GetExecutionLogs(context.Background(), exec.ID, fullPrincipal(), 0, 0)
	require.NoError(t, err)

	var messages []string
	for i, entry := range logs {
		assert.Equal(t, int64(i+1), entry.Sequence, "log sequence must be dense")
		messages = append(messages, entry.Message)
	}
	assert.Equal(t, "execution-started", messages[0])
	assert.Equal(t, "execution-terminated", messages[len(messages)-1])

	count := func(want string) int {
		n := 0
		for _, m := range messages {
			if m == want {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 3, count("step-started"))
	assert.Equal(t, 3, count("step-completed"))
}

func TestLinearSuccessIsDeterministic(t *testing.T) {
	h := newHarness(t, nil)
	saveDefinition(t, h, linearDef())

	run := func() models.JSONMap {
		res, err := h.svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
			WorkflowID: "wf-linear",
			Inputs:     models.JSONMap{"text": "same input"},
			Mode:       models.ModeSync,
			Principal:  fullPrincipal(),
		})
		require.NoError(t, err)
		return res.Snapshot.Execution.Outputs
	}
	assert.Equal(t, run(), run())
}

func fanOutDef() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID: "wf-fan", Version: 1, Name: "fan",
		Nodes: []models.Step{
			{ID: "a-start", Type: models.StepTypeStart},
			{ID: "b1", Type: models.StepTypeProcess, Parameters: map[string]any{"transform": "uppercase"}},
			{ID: "b2", Type: models.StepTypeProcess, Parameters: map[string]any{"transform": "identity"}},
			{ID: "b3", Type: models.StepTypeProcess, Parameters: map[string]any{
				"transform": "templateRender", "template": "seen {{.text}}"}},
			{ID: "c-join", Type: models.StepTypeOutput},
			{ID: "d-end", Type: models.StepTypeEnd},
		},
		Edges: []models.Edge{
			{Source: "a-start", Target: "b1"},
			{Source: "a-start", Target: "b2"},
			{Source: "a-start", Target: "b3"},
			{Source: "b1", Target: "c-join"},
			{Source: "b2", Target: "c-join"},
			{Source: "b3", Target: "c-join"},
			{Source: "c-join", Target: "d-end"},
		},
	}
}

func TestFanOutFanIn(t *testing.T) {
	h := newHarness(t, nil)
	saveDefinition(t, h, fanOutDef())

	res, err := h.svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
		WorkflowID: "wf-fan",
		Inputs:     models.JSONMap{"text": "hi"},
		Mode:       models.ModeSync,
		Principal:  fullPrincipal(),
	})
	require.NoError(t, err)

	exec := res.Snapshot.Execution
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	require.Len(t, res.Snapshot.StepRecords, 6)
	for _, rec := range res.Snapshot.StepRecords {
		assert.Equal(t, models.StepStatusCompleted, rec.Status, "step %s", rec.StepID)
	}

	// The join must not have started before every branch completed.
	logs, err := h.store.ListLogs(context.Background(), exec.ID, 0, 0)
	require.NoError(t, err)
	branchDone := map[string]int64{}
	var joinStarted int64
	for _, entry := range logs {
		if entry.Message == "step-completed" && (entry.StepID == "b1" || entry.StepID == "b2" || entry.StepID == "b3") {
			branchDone[entry.StepID] = entry.Sequence
		}
		if entry.Message == "step-started" && entry.StepID == "c-join" {
			joinStarted = entry.Sequence
		}
	}
	require.Len(t, branchDone, 3)
	require.NotZero(t, joinStarted)
	for id, seq := range branchDone {
		assert.Less(t, seq, joinStarted, "join started before %s completed", id)
	}
}

func TestSequentialDispatchFollowsTopologicalOrder(t *testing.T) {
	h := newHarness(t, nil)
	def := fanOutDef()
	def.ID = "wf-fan-seq"
	def.MaxConcurrency = 1
	saveDefinition(t, h, def)

	res, err := h.svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
		WorkflowID: "wf-fan-seq",
		Inputs:     models.JSONMap{"text": "hi"},
		Mode:       models.ModeSync,
		Principal:  fullPrincipal(),
	})
	require.NoError(t, err)

	logs, err := h.store.ListLogs(context.Background(), res.Snapshot.Execution.ID, 0, 0)
	require.NoError(t, err)
	var started []string
	for _, entry := range logs {
		if entry.Message == "step-started" {
			started = append(started, entry.StepID)
		}
	}
	assert.Equal(t, []string{"a-start", "b1", "b2", "b3", "c-join", "d-end"}, started)
}

func failFastDef() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID: "wf-failfast", Version: 1, Name: "failfast",
		Nodes: []models.Step{
			{ID: "a-start", Type: models.StepTypeStart},
			// b-bad fails: strict extract of a path that never matches.
			{ID: "b-bad", Type: models.StepTypeProcess, Parameters: map[string]any{
				"transform": "jsonExtract", "path": "no.such.path", "strict": true}},
			// b-slow is an AI call that ignores the cancellation signal.
			{ID: "b-slow", Type: models.StepTypeAI, Parameters: map[string]any{"prompt": "think"}},
			{ID: "c-after-bad", Type: models.StepTypeProcess, Parameters: map[string]any{"transform": "identity"}},
			{ID: "d-out", Type: models.StepTypeOutput},
		},
		Edges: []models.Edge{
			{Source: "a-start", Target: "b-bad"},
			{Source: "a-start", Target: "b-slow"},
			{Source: "b-bad", Target: "c-after-bad"},
			{Source: "c-after-bad", Target: "d-out"},
			{Source: "b-slow", Target: "d-out"},
		},
	}
}

func TestFailFastSkipsDescendantsAndLetsRunnersFinish(t *testing.T) {
	h := newHarness(t, nil)
	h.router.delay = 150 * time.Millisecond
	h.router.honorCtx = false // a handler that never observes the signal
	saveDefinition(t, h, failFastDef())

	res, err := h.svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
		WorkflowID: "wf-failfast",
		Inputs:     models.JSONMap{"text": "hi"},
		Mode:       models.ModeSync,
		Principal:  fullPrincipal(),
	})
	require.NoError(t, err)

	exec := res.Snapshot.Execution
	assert.Equal(t, models.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, string(models.KindTransformError), exec.ErrorKind)

	byID := map[string]*models.StepRecord{}
	for _, rec := range res.Snapshot.StepRecords {
		byID[rec.StepID] = rec
	}
	assert.Equal(t, models.StepStatusFailed, byID["b-bad"].Status)
	assert.Equal(t, string(models.KindTransformError), byID["b-bad"].ErrorKind)
	// The running sibling was not force-killed.
	assert.Equal(t, models.StepStatusCompleted, byID["b-slow"].Status)
	// Descendants of the failure are skipped with the upstream reason.
	assert.Equal(t, models.StepStatusSkipped, byID["c-after-bad"].Status)
	assert.Equal(t, string(SkipUpstreamFailed), byID["c-after-bad"].ErrorKind)
	assert.Equal(t, models.StepStatusSkipped, byID["d-out"].Status)
}

func TestContinueOnErrorCompletesRemainingBranches(t *testing.T) {
	h := newHarness(t, nil)
	def := failFastDef()
	def.ID = "wf-continue"
	def.OnStepFailure = models.ContinueOnError
	saveDefinition(t, h, def)

	res, err := h.svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
		WorkflowID: "wf-continue",
		Inputs:     models.JSONMap{"text": "hi"},
		Mode:       models.ModeSync,
		Principal:  fullPrincipal(),
	})
	require.NoError(t, err)

	exec := res.Snapshot.Execution
	// Any failed step still fails the execution overall.
	assert.Equal(t, models.ExecutionStatusFailed, exec.Status)

	byID := map[string]*models.StepRecord{}
	for _, rec := range res.Snapshot.StepRecords {
		byID[rec.StepID] = rec
	}
	assert.Equal(t, models.StepStatusCompleted, byID["b-slow"].Status)
	assert.Equal(t, models.StepStatusSkipped, byID["c-after-bad"].Status)
}

func TestCancellation(t *testing.T) {
	h := newHarness(t, nil)
	h.router.delay = 5 * time.Second
	h.router.honorCtx = true
	saveDefinition(t, h, &models.WorkflowDefinition{
		ID: "wf-cancel", Version: 1, Name: "cancel",
		Nodes: []models.Step{
			{ID: "s1", Type: models.StepTypeStart},
			{ID: "s2-ai", Type: models.StepTypeAI, Parameters: map[string]any{"prompt": "long thought"}},
			{ID: "s3", Type: models.StepTypeOutput},
		},
		Edges: []models.Edge{
			{Source: "s1", Target: "s2-ai"},
			{Source: "s2-ai", Target: "s3"},
		},
	})

	res, err := h.svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
		WorkflowID: "wf-cancel",
		Inputs:     models.JSONMap{},
		Mode:       models.ModeAsync,
		Principal:  fullPrincipal(),
	})
	require.NoError(t, err)

	// Let the AI step start, then cancel.
	require.Eventually(t, func() bool {
		snap, err := h.store.LoadExecutionSnapshot(context.Background(), res.ExecutionID)
		if err != nil {
			return false
		}
		for _, rec := range snap.StepRecords {
			if rec.StepID == "s2-ai" && rec.Status == models.StepStatusRunning {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.svc.CancelExecution(context.Background(), res.ExecutionID, fullPrincipal()))
	// Cancellation is idempotent.
	require.NoError(t, h.svc.CancelExecution(context.Background(), res.ExecutionID, fullPrincipal()))

	exec := awaitTerminal(t, h, res.ExecutionID)
	assert.Equal(t, models.ExecutionStatusCancelled, exec.Status)

	snap, err := h.store.LoadExecutionSnapshot(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	for _, rec := range snap.StepRecords {
		if rec.StepID == "s2-ai" {
			assert.Equal(t, models.StepStatusCancelled, rec.Status)
		}
	}

	// No new step may start after the signal: the output step was never
	// dispatched, at most skipped.
	for _, rec := range snap.StepRecords {
		if rec.StepID == "s3" {
			assert.Equal(t, models.StepStatusSkipped, rec.Status)
			assert.Equal(t, string(SkipUpstreamCancelled), rec.ErrorKind)
		}
	}
}

func TestCancellationGraceExpiry(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.CancellationGracePeriod = 100 * time.Millisecond
	})
	h.router.delay = 3 * time.Second
	h.router.honorCtx = false // handler ignores the signal entirely
	saveDefinition(t, h, &models.WorkflowDefinition{
		ID: "wf-stubborn", Version: 1, Name: "stubborn",
		Nodes: []models.Step{
			{ID: "s1", Type: models.StepTypeStart},
			{ID: "s2-ai", Type: models.StepTypeAI, Parameters: map[string]any{"prompt": "stubborn"}},
		},
		Edges: []models.Edge{{Source: "s1", Target: "s2-ai"}},
	})

	res, err := h.svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
		WorkflowID: "wf-stubborn",
		Mode:       models.ModeAsync,
		Principal:  fullPrincipal(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		exec, err := h.store.GetExecution(context.Background(), res.ExecutionID)
		return err == nil && exec.Status == models.ExecutionStatusRunning
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond) // let the ai step dispatch

	start := time.Now()
	require.NoError(t, h.svc.CancelExecution(context.Background(), res.ExecutionID, fullPrincipal()))
	exec := awaitTerminal(t, h, res.ExecutionID)

	assert.Equal(t, models.ExecutionStatusCancelled, exec.Status)
	assert.Less(t, time.Since(start), 2*time.Second,
		"execution must finalize at grace expiry, not at handler completion")
}

func TestExecutionTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.router.delay = 5 * time.Second
	h.router.honorCtx = true
	saveDefinition(t, h, &models.WorkflowDefinition{
		ID: "wf-timeout", Version: 1, Name: "timeout",
		Nodes: []models.Step{
			{ID: "s1", Type: models.StepTypeStart},
			{ID: "s2-ai", Type: models.StepTypeAI, Parameters: map[string]any{"prompt": "slow"}},
		},
		Edges: []models.Edge{{Source: "s1", Target: "s2-ai"}},
	})

	res, err := h.svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
		WorkflowID: "wf-timeout",
		Mode:       models.ModeSync,
		TimeoutMs:  100,
		Principal:  fullPrincipal(),
	})
	require.NoError(t, err)

	exec := res.Snapshot.Execution
	assert.Equal(t, models.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, string(models.KindExecutionTimeout), exec.ErrorKind)

	for _, rec := range res.Snapshot.StepRecords {
		assert.NotEqual(t, models.StepStatusRunning, rec.Status,
			"no step may be orphaned in RUNNING")
		if rec.StepID == "s2-ai" {
			assert.Equal(t, models.StepStatusFailed, rec.Status)
			assert.Equal(t, string(models.KindTimeout), rec.ErrorKind)
		}
	}
}

func TestEmptyDAGCompletesWithEmptyOutputs(t *testing.T) {
	h := newHarness(t, nil)
	saveDefinition(t, h, &models.WorkflowDefinition{
		ID: "wf-empty", Version: 1, Name: "empty",
		Nodes: []models.Step{
			{ID: "s1", Type: models.StepTypeStart},
			{ID: "s2", Type: models.StepTypeEnd},
		},
		Edges: []models.Edge{{Source: "s1", Target: "s2"}},
	})

	res, err := h.svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
		WorkflowID: "wf-empty",
		Mode:       models.ModeSync,
		Principal:  fullPrincipal(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, res.Snapshot.Execution.Status)
	assert.Empty(t, res.Snapshot.Execution.Outputs)
	assert.NotNil(t, res.Snapshot.Execution.Outputs)
}

func TestValidationFailureRecordsFailedExecution(t *testing.T) {
	h := newHarness(t, nil)
	def := linearDef()
	def.ID = "wf-cyclic"
	def.Edges = append(def.Edges, models.Edge{Source: "s3-out", Target: "s2-upper"})
	saveDefinition(t, h, def)

	res, err := h.svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
		WorkflowID: "wf-cyclic",
		Mode:       models.ModeSync,
		Principal:  fullPrincipal(),
	})
	require.Error(t, err)
	kind, _ := models.KindOf(err)
	assert.Equal(t, models.KindCycleDetected, kind)

	exec, getErr := h.store.GetExecution(context.Background(), res.ExecutionID)
	require.NoError(t, getErr)
	assert.Equal(t, models.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, string(models.KindCycleDetected), exec.ErrorKind)
}

func TestCancelTerminalExecutionIsNotCancellable(t *testing.T) {
	h := newHarness(t, nil)
	saveDefinition(t, h, linearDef())

	res, err := h.svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
		WorkflowID: "wf-linear",
		Inputs:     models.JSONMap{"text": "hi"},
		Mode:       models.ModeSync,
		Principal:  fullPrincipal(),
	})
	require.NoError(t, err)

	err = h.svc.CancelExecution(context.Background(), res.ExecutionID, fullPrincipal())
	require.Error(t, err)
	kind, _ := models.KindOf(err)
	assert.Equal(t, models.ErrorKind("not-cancellable"), kind)
}

func TestAIStepPersistsRoutingDecision(t *testing.T) {
	h := newHarness(t, nil)
	saveDefinition(t, h, &models.WorkflowDefinition{
		ID: "wf-ai", Version: 1, Name: "ai",
		Nodes: []models.Step{
			{ID: "s1", Type: models.StepTypeStart},
			{ID: "s2-ai", Type: models.StepTypeAI, Parameters: map[string]any{"prompt": "summarize"}},
			{ID: "s3", Type: models.StepTypeOutput},
		},
		Edges: []models.Edge{
			{Source: "s1", Target: "s2-ai"},
			{Source: "s2-ai", Target: "s3"},
		},
	})

	res, err := h.svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
		WorkflowID: "wf-ai",
		Mode:       models.ModeSync,
		Principal:  fullPrincipal(),
	})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, res.Snapshot.Execution.Status)
	require.Len(t, res.Snapshot.RoutingDecisions, 1)
	decision := res.Snapshot.RoutingDecisions[0]
	assert.Equal(t, "s2-ai", decision.StepID)
	assert.Equal(t, "test-model", decision.ModelID)
	assert.InDelta(t, 0.1, decision.ActualCostCents, 0.0001)

	outputs := res.Snapshot.Execution.Outputs
	assert.Equal(t, "ok", outputs["text"])
	assert.Equal(t, "test-model", outputs["model_id"])
}

func TestServiceAuthorization(t *testing.T) {
	h := newHarness(t, nil)
	saveDefinition(t, h, linearDef())

	res, err := h.svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
		WorkflowID: "wf-linear",
		Inputs:     models.JSONMap{"text": "hi"},
		Mode:       models.ModeSync,
		Principal:  fullPrincipal(),
	})
	require.NoError(t, err)
	executionID := res.ExecutionID

	t.Run("missing permission is forbidden", func(t *testing.T) {
		_, err := h.svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
			WorkflowID: "wf-linear",
			Principal:  models.Principal{TenantID: "tenant-1", Permissions: []string{PermRead}},
		})
		kind, _ := models.KindOf(err)
		assert.Equal(t, models.KindForbidden, kind)
	})

	t.Run("cross-tenant reads are not-found", func(t *testing.T) {
		other := models.Principal{TenantID: "tenant-2", Permissions: []string{PermRead, PermCancel}}
		_, err := h.svc.GetExecution(context.Background(), executionID, other)
		kind, _ := models.KindOf(err)
		assert.Equal(t, models.KindNotFound, kind)

		_, err = h.svc.GetExecutionLogs(context.Background(), executionID, other, 0, 0)
		kind, _ = models.KindOf(err)
		assert.Equal(t, models.KindNotFound, kind)

		err = h.svc.CancelExecution(context.Background(), executionID, other)
		kind, _ = models.KindOf(err)
		assert.Equal(t, models.KindNotFound, kind)
	})

	t.Run("unknown workflow is not-found", func(t *testing.T) {
		_, err := h.svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
			WorkflowID: "wf-ghost",
			Principal:  fullPrincipal(),
		})
		kind, _ := models.KindOf(err)
		assert.Equal(t, models.KindNotFound, kind)
	})

	t.Run("failed step details are redacted without debug", func(t *testing.T) {
		def := failFastDef()
		def.ID = "wf-redact"
		saveDefinition(t, h, def)
		r, err := h.svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
			WorkflowID: "wf-redact",
			Inputs:     models.JSONMap{"text": "x"},
			Mode:       models.ModeSync,
			Principal:  fullPrincipal(),
		})
		require.NoError(t, err)

		snap, err := h.svc.GetExecution(context.Background(), r.ExecutionID, fullPrincipal())
		require.NoError(t, err)
		for _, rec := range snap.StepRecords {
			if rec.Status == models.StepStatusFailed {
				assert.NotContains(t, rec.ErrorMessage, "no.such.path")
			}
		}

		debugPrincipal := fullPrincipal()
		debugPrincipal.Permissions = append(debugPrincipal.Permissions, PermDebug)
		snap, err = h.svc.GetExecution(context.Background(), r.ExecutionID, debugPrincipal)
		require.NoError(t, err)
		found := false
		for _, rec := range snap.StepRecords {
			if rec.StepID == "b-bad" {
				found = true
				assert.Contains(t, rec.ErrorMessage, "no.such.path")
			}
		}
		assert.True(t, found)
	})
}

func TestListExecutions(t *testing.T) {
	h := newHarness(t, nil)
	saveDefinition(t, h, linearDef())

	for i := 0; i < 3; i++ {
		_, err := h.svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
			WorkflowID: "wf-linear",
			Inputs:     models.JSONMap{"text": "hi"},
			Mode:       models.ModeSync,
			Principal:  fullPrincipal(),
		})
		require.NoError(t, err)
	}

	execs, err := h.svc.ListExecutions(context.Background(), "wf-linear", fullPrincipal(), store.ListFilter{}, store.Page{})
	require.NoError(t, err)
	assert.Len(t, execs, 3)

	completed, err := h.svc.ListExecutions(context.Background(), "wf-linear", fullPrincipal(), store.ListFilter{
		Statuses: []models.ExecutionStatus{models.ExecutionStatusCompleted},
	}, store.Page{})
	require.NoError(t, err)
	assert.Len(t, completed, 3)

	_, err = h.svc.ListExecutions(context.Background(), "wf-ghost", fullPrincipal(), store.ListFilter{}, store.Page{})
	kind, _ := models.KindOf(err)
	assert.Equal(t, models.KindNotFound, kind)
}

func TestEventStreamTerminatesOnCompletion(t *testing.T) {
	h := newHarness(t, nil)
	h.router.delay = 200 * time.Millisecond
	h.router.honorCtx = true
	saveDefinition(t, h, &models.WorkflowDefinition{
		ID: "wf-events", Version: 1, Name: "events",
		Nodes: []models.Step{
			{ID: "s1", Type: models.StepTypeStart},
			{ID: "s2-ai", Type: models.StepTypeAI, Parameters: map[string]any{"prompt": "p"}},
		},
		Edges: []models.Edge{{Source: "s1", Target: "s2-ai"}},
	})

	res, err := h.svc.ExecuteWorkflow(context.Background(), ExecuteRequest{
		WorkflowID: "wf-events",
		Mode:       models.ModeAsync,
		Principal:  fullPrincipal(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		exec, err := h.store.GetExecution(context.Background(), res.ExecutionID)
		return err == nil && exec.Status == models.ExecutionStatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	sub, err := h.svc.Subscribe(context.Background(), res.ExecutionID, fullPrincipal())
	require.NoError(t, err)

	var last events.Event
	for event := range sub.C {
		last = event
	}
	assert.Equal(t, events.ExecutionTerminated, last.Type)
	assert.Equal(t, string(models.ExecutionStatusCompleted), last.Status)
}
