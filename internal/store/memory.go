package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/auterity/engine-go/internal/models"
)

// MemoryStore is an in-memory Store with the same transactional semantics as
// the Postgres implementation, used by the engine test suite and local
// development. One mutex serializes mutations, which also makes AppendLog
// linearizable per execution.
type MemoryStore struct {
	mu          sync.Mutex
	definitions map[string][]*models.WorkflowDefinition
	executions  map[string]*models.Execution
	steps       map[string]map[string]*models.StepRecord
	logs        map[string][]*models.LogEntry
	logSeq      map[string]int64
	decisions   map[string][]models.ModelRoutingDecision
	budgets     map[string]*tenantBudget

	now func() time.Time
}

type tenantBudget struct {
	spendCents float64
	capCents   float64
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string][]*models.WorkflowDefinition),
		executions:  make(map[string]*models.Execution),
		steps:       make(map[string]map[string]*models.StepRecord),
		logs:        make(map[string][]*models.LogEntry),
		logSeq:      make(map[string]int64),
		decisions:   make(map[string][]models.ModelRoutingDecision),
		budgets:     make(map[string]*tenantBudget),
		now:         time.Now,
	}
}

// SetTenantBudget seeds a tenant's ledger, test helper.
func (s *MemoryStore) SetTenantBudget(tenantID string, spendCents, capCents float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[tenantID] = &tenantBudget{spendCents: spendCents, capCents: capCents}
}

// SaveWorkflowDefinition stores a definition version.
func (s *MemoryStore) SaveWorkflowDefinition(ctx context.Context, def *models.WorkflowDefinition, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.definitions[def.ID] {
		if existing.Version == def.Version {
			return fmt.Errorf("definition %s version %d already exists", def.ID, def.Version)
		}
	}
	s.definitions[def.ID] = append(s.definitions[def.ID], def)
	return nil
}

// GetWorkflowDefinition returns the highest stored version.
func (s *MemoryStore) GetWorkflowDefinition(ctx context.Context, workflowID string) (*models.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.definitions[workflowID]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	latest := versions[0]
	for _, v := range versions[1:] {
		if v.Version > latest.Version {
			latest = v
		}
	}
	return latest, nil
}

// CreateExecution inserts the execution row.
func (s *MemoryStore) CreateExecution(ctx context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; exists {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	clone := *exec
	s.executions[exec.ID] = &clone
	s.steps[exec.ID] = make(map[string]*models.StepRecord)
	return nil
}

// TransitionExecution is the compare-and-swap status update.
func (s *MemoryStore) TransitionExecution(ctx context.Context, executionID string, from, to models.ExecutionStatus, fields *TransitionFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	if exec.Status != from {
		return fmt.Errorf("%w: execution %s is %s, expected %s", ErrConflict, executionID, exec.Status, from)
	}
	exec.Status = to
	if fields != nil {
		if fields.Outputs != nil {
			exec.Outputs = fields.Outputs
		}
		if fields.ErrorKind != "" {
			exec.ErrorKind = fields.ErrorKind
		}
		if fields.ErrorMessage != "" {
			exec.ErrorMessage = fields.ErrorMessage
		}
		if fields.EndedAt != nil {
			exec.EndedAt = fields.EndedAt
		}
		if fields.DurationMs != nil {
			exec.DurationMs = fields.DurationMs
		}
	}
	return nil
}

// GetExecution returns a copy of the execution row.
func (s *MemoryStore) GetExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *exec
	return &clone, nil
}

// ListExecutionsForWorkflow filters and pages in memory.
func (s *MemoryStore) ListExecutionsForWorkflow(ctx context.Context, workflowID string, filter ListFilter, page Page) ([]*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Execution
	for _, exec := range s.executions {
		if exec.WorkflowID != workflowID {
			continue
		}
		if len(filter.Statuses) > 0 {
			match := false
			for _, st := range filter.Statuses {
				if exec.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		if filter.InitiatorUserID != "" && exec.InitiatorUserID != filter.InitiatorUserID {
			continue
		}
		if filter.StartedAfter != nil && exec.StartedAt.Before(*filter.StartedAfter) {
			continue
		}
		if filter.StartedBefore != nil && !exec.StartedAt.Before(*filter.StartedBefore) {
			continue
		}
		clone := *exec
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})

	if page.AfterID != "" {
		idx := -1
		for i, e := range out {
			if e.ID == page.AfterID {
				idx = i
				break
			}
		}
		if idx >= 0 {
			out = out[idx+1:]
		}
	}
	limit := page.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertStepRecord writes a step record idempotently.
func (s *MemoryStore) UpsertStepRecord(ctx context.Context, rec *models.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertStepLocked(rec)
}

func (s *MemoryStore) upsertStepLocked(rec *models.StepRecord) error {
	byStep, ok := s.steps[rec.ExecutionID]
	if !ok {
		return ErrNotFound
	}
	clone := *rec
	if existing, ok := byStep[rec.StepID]; ok {
		if clone.Inputs == nil {
			clone.Inputs = existing.Inputs
		}
		if clone.Outputs == nil {
			clone.Outputs = existing.Outputs
		}
		if clone.StartedAt == nil {
			clone.StartedAt = existing.StartedAt
		}
	}
	byStep[rec.StepID] = &clone
	return nil
}

// ApplyStepResult commits record, logs and decision together, honoring the
// all-or-nothing contract.
func (s *MemoryStore) ApplyStepResult(ctx context.Context, rec *models.StepRecord, logs []LogRequest, decision *models.ModelRoutingDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[rec.ExecutionID]; !ok {
		return ErrNotFound
	}
	if err := s.upsertStepLocked(rec); err != nil {
		return err
	}
	for _, lr := range logs {
		s.appendLogLocked(rec.ExecutionID, lr)
	}
	if decision != nil {
		s.decisions[rec.ExecutionID] = append(s.decisions[rec.ExecutionID], *decision)
	}
	return nil
}

func (s *MemoryStore) appendLogLocked(executionID string, lr LogRequest) int64 {
	s.logSeq[executionID]++
	seq := s.logSeq[executionID]
	s.logs[executionID] = append(s.logs[executionID], &models.LogEntry{
		ExecutionID: executionID,
		StepID:      lr.StepID,
		Sequence:    seq,
		Level:       lr.Level,
		Timestamp:   s.now(),
		Message:     lr.Message,
		Data:        lr.Data.Clone(),
	})
	return seq
}

// AppendLog assigns the next sequence atomically.
func (s *MemoryStore) AppendLog(ctx context.Context, executionID, stepID string, level models.LogLevel, message string, data models.JSONMap) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[executionID]; !ok {
		return 0, ErrNotFound
	}
	return s.appendLogLocked(executionID, LogRequest{
		StepID: stepID, Level: level, Message: message, Data: data,
	}), nil
}

// ListLogs returns entries in sequence order.
func (s *MemoryStore) ListLogs(ctx context.Context, executionID string, sinceSequence int64, limit int) ([]*models.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[executionID]; !ok {
		return nil, ErrNotFound
	}
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	var out []*models.LogEntry
	for _, entry := range s.logs[executionID] {
		if entry.Sequence > sinceSequence {
			clone := *entry
			out = append(out, &clone)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// LoadExecutionSnapshot reads a consistent copy of the execution tree.
func (s *MemoryStore) LoadExecutionSnapshot(ctx context.Context, executionID string) (*models.ExecutionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	execClone := *exec

	var records []*models.StepRecord
	for _, rec := range s.steps[executionID] {
		clone := *rec
		records = append(records, &clone)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].StepID < records[j].StepID })

	decisions := append([]models.ModelRoutingDecision(nil), s.decisions[executionID]...)
	sort.Slice(decisions, func(i, j int) bool { return decisions[i].StepID < decisions[j].StepID })

	return &models.ExecutionSnapshot{
		Execution:        &execClone,
		StepRecords:      records,
		RoutingDecisions: decisions,
	}, nil
}

// TenantBudget reads the tenant ledger; missing tenants have no cap.
func (s *MemoryStore) TenantBudget(ctx context.Context, tenantID string) (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[tenantID]
	if !ok {
		return 0, 0, nil
	}
	return b.spendCents, b.capCents, nil
}

// AddTenantSpend atomically increments the period spend.
func (s *MemoryStore) AddTenantSpend(ctx context.Context, tenantID string, cents float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[tenantID]
	if !ok {
		b = &tenantBudget{}
		s.budgets[tenantID] = b
	}
	b.spendCents += cents
	return b.spendCents, nil
}
