package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auterity/engine-go/internal/models"
)

func seedExecution(t *testing.T, s *MemoryStore, id string) *models.Execution {
	t.Helper()
	exec := &models.Execution{
		ID:              id,
		WorkflowID:      "wf-1",
		WorkflowVersion: 1,
		TenantID:        "tenant-1",
		InitiatorUserID: "user-1",
		Status:          models.ExecutionStatusPending,
		Mode:            models.ModeSync,
		Inputs:          models.JSONMap{"text": "hi"},
		StartedAt:       time.Now(),
	}
	require.NoError(t, s.CreateExecution(context.Background(), exec))
	return exec
}

func TestTransitionExecutionCAS(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedExecution(t, s, "e1")

	require.NoError(t, s.TransitionExecution(ctx, "e1", models.ExecutionStatusPending, models.ExecutionStatusRunning, nil))

	// Stale CAS is rejected and leaves state unchanged.
	err := s.TransitionExecution(ctx, "e1", models.ExecutionStatusPending, models.ExecutionStatusRunning, nil)
	require.ErrorIs(t, err, ErrConflict)

	exec, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, exec.Status)

	err = s.TransitionExecution(ctx, "missing", models.ExecutionStatusPending, models.ExecutionStatusRunning, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionWritesTerminalFields(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedExecution(t, s, "e1")
	require.NoError(t, s.TransitionExecution(ctx, "e1", models.ExecutionStatusPending, models.ExecutionStatusRunning, nil))

	ended := time.Now()
	duration := int64(1234)
	require.NoError(t, s.TransitionExecution(ctx, "e1", models.ExecutionStatusRunning, models.ExecutionStatusCompleted, &TransitionFields{
		Outputs:    models.JSONMap{"text": "HI"},
		EndedAt:    &ended,
		DurationMs: &duration,
	}))

	exec, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, models.JSONMap{"text": "HI"}, exec.Outputs)
	require.NotNil(t, exec.EndedAt)
	assert.Equal(t, int64(1234), *exec.DurationMs)
}

func TestAppendLogSequencesAreDense(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedExecution(t, s, "e1")

	for i := 0; i < 5; i++ {
		_, err := s.AppendLog(ctx, "e1", "", models.LogInfo, "entry", nil)
		require.NoError(t, err)
	}
	logs, err := s.ListLogs(ctx, "e1", 0, 0)
	require.NoError(t, err)
	require.Len(t, logs, 5)
	for i, entry := range logs {
		assert.Equal(t, int64(i+1), entry.Sequence)
	}

	// sinceSequence pages forward without gaps or repeats.
	tail, err := s.ListLogs(ctx, "e1", 3, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(4), tail[0].Sequence)
	assert.Equal(t, int64(5), tail[1].Sequence)
}

func TestAppendLogConcurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedExecution(t, s, "e1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendLog(ctx, "e1", "", models.LogDebug, "concurrent", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	logs, err := s.ListLogs(ctx, "e1", 0, 0)
	require.NoError(t, err)
	require.Len(t, logs, 20)
	seen := make(map[int64]bool)
	for _, entry := range logs {
		assert.False(t, seen[entry.Sequence], "sequence %d assigned twice", entry.Sequence)
		seen[entry.Sequence] = true
	}
	for i := int64(1); i <= 20; i++ {
		assert.True(t, seen[i], "sequence %d missing", i)
	}
}

func TestApplyStepResultIsAtomic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedExecution(t, s, "e1")

	started := time.Now()
	ended := started.Add(50 * time.Millisecond)
	duration := ended.Sub(started).Milliseconds()
	rec := &models.StepRecord{
		ExecutionID: "e1",
		StepID:      "s2",
		StepType:    models.StepTypeAI,
		Status:      models.StepStatusCompleted,
		Outputs:     models.JSONMap{"text": "summary"},
		Attempts:    2,
		StartedAt:   &started,
		EndedAt:     &ended,
		DurationMs:  &duration,
	}
	decision := &models.ModelRoutingDecision{
		ExecutionID: "e1", StepID: "s2", ModelID: "atlas-small", Provider: "modelhub",
		ActualCostCents: 0.2, FallbackDepth: 1,
	}
	logs := []LogRequest{
		{StepID: "s2", Level: models.LogInfo, Message: "step-completed"},
	}
	require.NoError(t, s.ApplyStepResult(ctx, rec, logs, decision))

	snapshot, err := s.LoadExecutionSnapshot(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, snapshot.StepRecords, 1)
	assert.Equal(t, models.StepStatusCompleted, snapshot.StepRecords[0].Status)
	require.Len(t, snapshot.RoutingDecisions, 1)
	assert.Equal(t, "atlas-small", snapshot.RoutingDecisions[0].ModelID)

	entries, err := s.ListLogs(ctx, "e1", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Unknown execution leaves everything untouched.
	err = s.ApplyStepResult(ctx, &models.StepRecord{ExecutionID: "ghost", StepID: "x"}, logs, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertStepRecordIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedExecution(t, s, "e1")

	started := time.Now()
	require.NoError(t, s.UpsertStepRecord(ctx, &models.StepRecord{
		ExecutionID: "e1", StepID: "s1", Status: models.StepStatusRunning,
		Inputs: models.JSONMap{"a": 1}, Attempts: 1, StartedAt: &started,
	}))
	// Terminal upsert without inputs keeps the recorded inputs and start time.
	require.NoError(t, s.UpsertStepRecord(ctx, &models.StepRecord{
		ExecutionID: "e1", StepID: "s1", Status: models.StepStatusCompleted, Attempts: 1,
	}))

	snapshot, err := s.LoadExecutionSnapshot(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, snapshot.StepRecords, 1)
	rec := snapshot.StepRecords[0]
	assert.Equal(t, models.StepStatusCompleted, rec.Status)
	assert.Equal(t, models.JSONMap{"a": 1}, rec.Inputs)
	require.NotNil(t, rec.StartedAt)
}

func TestSnapshotSerializationIsStable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedExecution(t, s, "e1")
	require.NoError(t, s.UpsertStepRecord(ctx, &models.StepRecord{
		ExecutionID: "e1", StepID: "s1", Status: models.StepStatusCompleted, Attempts: 1,
	}))

	first, err := s.LoadExecutionSnapshot(ctx, "e1")
	require.NoError(t, err)
	second, err := s.LoadExecutionSnapshot(ctx, "e1")
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestListExecutionsFiltersAndPages(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"e1", "e2", "e3"} {
		exec := &models.Execution{
			ID: id, WorkflowID: "wf-1", TenantID: "tenant-1", InitiatorUserID: "user-1",
			Status:    models.ExecutionStatusPending,
			Mode:      models.ModeAsync,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.CreateExecution(ctx, exec))
	}
	require.NoError(t, s.TransitionExecution(ctx, "e2", models.ExecutionStatusPending, models.ExecutionStatusRunning, nil))

	all, err := s.ListExecutionsForWorkflow(ctx, "wf-1", ListFilter{}, Page{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first.
	assert.Equal(t, "e3", all[0].ID)

	running, err := s.ListExecutionsForWorkflow(ctx, "wf-1", ListFilter{
		Statuses: []models.ExecutionStatus{models.ExecutionStatusRunning},
	}, Page{})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "e2", running[0].ID)

	page, err := s.ListExecutionsForWorkflow(ctx, "wf-1", ListFilter{}, Page{Limit: 1, AfterID: "e3"})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "e2", page[0].ID)
}

func TestTenantBudgetLedger(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	spend, cap, err := s.TenantBudget(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Zero(t, spend)
	assert.Zero(t, cap)

	s.SetTenantBudget("tenant-1", 0, 100)
	newSpend, err := s.AddTenantSpend(ctx, "tenant-1", 2.5)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, newSpend, 0.0001)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AddTenantSpend(ctx, "tenant-1", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	spend, _, err = s.TenantBudget(ctx, "tenant-1")
	require.NoError(t, err)
	assert.InDelta(t, 12.5, spend, 0.0001)
}

func TestWorkflowDefinitionVersions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	v1 := &models.WorkflowDefinition{ID: "wf-1", Version: 1, Name: "demo"}
	v2 := &models.WorkflowDefinition{ID: "wf-1", Version: 2, Name: "demo"}
	require.NoError(t, s.SaveWorkflowDefinition(ctx, v1, nil))
	require.NoError(t, s.SaveWorkflowDefinition(ctx, v2, nil))
	require.Error(t, s.SaveWorkflowDefinition(ctx, v2, nil), "versions are immutable")

	def, err := s.GetWorkflowDefinition(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 2, def.Version)

	_, err = s.GetWorkflowDefinition(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
