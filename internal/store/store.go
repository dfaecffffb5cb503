package store

import (
	"context"
	"errors"
	"time"

	"github.com/auterity/engine-go/internal/models"
)

// ErrConflict is returned by TransitionExecution when the compare-and-swap
// precondition fails.
var ErrConflict = errors.New("execution status conflict")

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// TransitionFields are the optional columns written together with a status
// transition.
type TransitionFields struct {
	Outputs      models.JSONMap
	ErrorKind    string
	ErrorMessage string
	EndedAt      *time.Time
	DurationMs   *int64
}

// LogRequest is one pending log append; the store assigns the sequence.
type LogRequest struct {
	StepID  string
	Level   models.LogLevel
	Message string
	Data    models.JSONMap
}

// ListFilter narrows ListExecutionsForWorkflow results.
type ListFilter struct {
	Statuses        []models.ExecutionStatus
	InitiatorUserID string
	StartedAfter    *time.Time
	StartedBefore   *time.Time
}

// Page is keyset pagination over executions ordered by started_at desc, id.
type Page struct {
	Limit   int
	AfterID string
}

// Store is the durable, transactional persistence layer for executions, step
// records and logs. Every method either commits a consistent change or leaves
// state untouched; once a mutation returns, it survives process restart.
type Store interface {
	// Workflow definitions (read-only reference data for the engine).
	SaveWorkflowDefinition(ctx context.Context, def *models.WorkflowDefinition, raw []byte) error
	GetWorkflowDefinition(ctx context.Context, workflowID string) (*models.WorkflowDefinition, error)

	// Execution lifecycle.
	CreateExecution(ctx context.Context, exec *models.Execution) error
	// TransitionExecution is a compare-and-swap on status: it rejects with
	// ErrConflict when the current status differs from `from`.
	TransitionExecution(ctx context.Context, executionID string, from, to models.ExecutionStatus, fields *TransitionFields) error
	GetExecution(ctx context.Context, executionID string) (*models.Execution, error)
	ListExecutionsForWorkflow(ctx context.Context, workflowID string, filter ListFilter, page Page) ([]*models.Execution, error)

	// Step records. UpsertStepRecord is idempotent per (executionID, stepID).
	UpsertStepRecord(ctx context.Context, rec *models.StepRecord) error
	// ApplyStepResult writes the terminal step record, its logs and the
	// routing decision in one transaction.
	ApplyStepResult(ctx context.Context, rec *models.StepRecord, logs []LogRequest, decision *models.ModelRoutingDecision) error

	// Logs. AppendLog assigns the next sequence atomically.
	AppendLog(ctx context.Context, executionID, stepID string, level models.LogLevel, message string, data models.JSONMap) (int64, error)
	ListLogs(ctx context.Context, executionID string, sinceSequence int64, limit int) ([]*models.LogEntry, error)

	// Snapshot reads execution + step records + routing decisions consistently.
	LoadExecutionSnapshot(ctx context.Context, executionID string) (*models.ExecutionSnapshot, error)

	// Tenant budget ledger; AddTenantSpend is an atomic increment under a row
	// lock, the one cross-execution hotspot.
	TenantBudget(ctx context.Context, tenantID string) (spendCents, capCents float64, err error)
	AddTenantSpend(ctx context.Context, tenantID string, cents float64) (float64, error)
}
