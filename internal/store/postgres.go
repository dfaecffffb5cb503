package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/auterity/engine-go/internal/models"
)

// PostgresStore implements Store on PostgreSQL via sqlx. All mutations for
// one step dispatch share a single transaction; log sequences come from the
// log_seq counter column on executions, bumped with RETURNING so assignment
// is atomic.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresStore connects and configures the pool.
func NewPostgresStore(databaseURL string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{
		db:     db,
		logger: logger.With(zap.String("component", "store")),
	}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping checks connectivity for health reporting.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveWorkflowDefinition persists a validated definition. Definitions are
// immutable per version; saving the same (id, version) again is rejected by
// the primary key.
func (s *PostgresStore) SaveWorkflowDefinition(ctx context.Context, def *models.WorkflowDefinition, raw []byte) error {
	if raw == nil {
		var err error
		raw, err = json.Marshal(def)
		if err != nil {
			return fmt.Errorf("failed to encode definition: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, version, name, definition)
		VALUES ($1, $2, $3, $4)
	`, def.ID, def.Version, def.Name, raw)
	if err != nil {
		return fmt.Errorf("failed to save workflow definition: %w", err)
	}
	return nil
}

// GetWorkflowDefinition loads the latest version of a definition.
func (s *PostgresStore) GetWorkflowDefinition(ctx context.Context, workflowID string) (*models.WorkflowDefinition, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, `
		SELECT definition FROM workflow_definitions
		WHERE id = $1 ORDER BY version DESC LIMIT 1
	`, workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow definition: %w", err)
	}
	var def models.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("stored definition is corrupt: %w", err)
	}
	return &def, nil
}

// CreateExecution inserts the execution row in PENDING.
func (s *PostgresStore) CreateExecution(ctx context.Context, exec *models.Execution) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, workflow_version, tenant_id, initiator_user_id,
			status, mode, inputs, started_at, log_seq)
		VALUES (:id, :workflow_id, :workflow_version, :tenant_id, :initiator_user_id,
			:status, :mode, :inputs, :started_at, 0)
	`, exec)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// TransitionExecution performs the status compare-and-swap.
func (s *PostgresStore) TransitionExecution(ctx context.Context, executionID string, from, to models.ExecutionStatus, fields *TransitionFields) error {
	if fields == nil {
		fields = &TransitionFields{}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $1,
			outputs = COALESCE($2, outputs),
			error_kind = COALESCE(NULLIF($3, ''), error_kind),
			error_message = COALESCE(NULLIF($4, ''), error_message),
			ended_at = COALESCE($5, ended_at),
			duration_ms = COALESCE($6, duration_ms)
		WHERE id = $7 AND status = $8
	`, to, fields.Outputs, fields.ErrorKind, fields.ErrorMessage, fields.EndedAt, fields.DurationMs, executionID, from)
	if err != nil {
		return fmt.Errorf("failed to transition execution %s: %w", executionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read transition result: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing row from a CAS conflict.
		var current string
		err := s.db.GetContext(ctx, &current, `SELECT status FROM executions WHERE id = $1`, executionID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to inspect execution %s: %w", executionID, err)
		}
		return fmt.Errorf("%w: execution %s is %s, expected %s", ErrConflict, executionID, current, from)
	}
	return nil
}

// GetExecution loads one execution row.
func (s *PostgresStore) GetExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	var exec models.Execution
	err := s.db.GetContext(ctx, &exec, `
		SELECT id, workflow_id, workflow_version, tenant_id, initiator_user_id, status, mode,
			inputs, outputs, COALESCE(error_kind, '') AS error_kind,
			COALESCE(error_message, '') AS error_message, started_at, ended_at, duration_ms
		FROM executions WHERE id = $1
	`, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}
	return &exec, nil
}

// ListExecutionsForWorkflow pages executions newest-first.
func (s *PostgresStore) ListExecutionsForWorkflow(ctx context.Context, workflowID string, filter ListFilter, page Page) ([]*models.Execution, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT id, workflow_id, workflow_version, tenant_id, initiator_user_id, status, mode,
			inputs, outputs, COALESCE(error_kind, '') AS error_kind,
			COALESCE(error_message, '') AS error_message, started_at, ended_at, duration_ms
		FROM executions WHERE workflow_id = $1`)
	args := []any{workflowID}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			args = append(args, st)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query.WriteString(" AND status IN (" + strings.Join(placeholders, ",") + ")")
	}
	if filter.InitiatorUserID != "" {
		args = append(args, filter.InitiatorUserID)
		query.WriteString(fmt.Sprintf(" AND initiator_user_id = $%d", len(args)))
	}
	if filter.StartedAfter != nil {
		args = append(args, *filter.StartedAfter)
		query.WriteString(fmt.Sprintf(" AND started_at >= $%d", len(args)))
	}
	if filter.StartedBefore != nil {
		args = append(args, *filter.StartedBefore)
		query.WriteString(fmt.Sprintf(" AND started_at < $%d", len(args)))
	}
	if page.AfterID != "" {
		args = append(args, page.AfterID)
		query.WriteString(fmt.Sprintf(
			" AND (started_at, id) < (SELECT started_at, id FROM executions WHERE id = $%d)", len(args)))
	}
	query.WriteString(" ORDER BY started_at DESC, id DESC")
	limit := page.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)
	query.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))

	var out []*models.Execution
	if err := s.db.SelectContext(ctx, &out, query.String(), args...); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return out, nil
}

// UpsertStepRecord writes a step record idempotently per (execution, step).
func (s *PostgresStore) UpsertStepRecord(ctx context.Context, rec *models.StepRecord) error {
	return s.upsertStepRecordTx(ctx, s.db, rec)
}

type execer interface {
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

func (s *PostgresStore) upsertStepRecordTx(ctx context.Context, tx execer, rec *models.StepRecord) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO step_records (execution_id, step_id, step_type, status, inputs, outputs,
			error_kind, error_message, attempts, started_at, ended_at, duration_ms)
		VALUES (:execution_id, :step_id, :step_type, :status, :inputs, :outputs,
			:error_kind, :error_message, :attempts, :started_at, :ended_at, :duration_ms)
		ON CONFLICT (execution_id, step_id) DO UPDATE
		SET status = EXCLUDED.status,
			inputs = COALESCE(EXCLUDED.inputs, step_records.inputs),
			outputs = COALESCE(EXCLUDED.outputs, step_records.outputs),
			error_kind = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message,
			attempts = EXCLUDED.attempts,
			started_at = COALESCE(EXCLUDED.started_at, step_records.started_at),
			ended_at = EXCLUDED.ended_at,
			duration_ms = EXCLUDED.duration_ms
	`, rec)
	if err != nil {
		return fmt.Errorf("failed to upsert step record %s/%s: %w", rec.ExecutionID, rec.StepID, err)
	}
	return nil
}

// ApplyStepResult commits the step's terminal state, its log entries and the
// routing decision atomically.
func (s *PostgresStore) ApplyStepResult(ctx context.Context, rec *models.StepRecord, logs []LogRequest, decision *models.ModelRoutingDecision) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin step transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.upsertStepRecordTx(ctx, tx, rec); err != nil {
		return err
	}
	for _, lr := range logs {
		if _, err := s.appendLogTx(ctx, tx, rec.ExecutionID, lr); err != nil {
			return err
		}
	}
	if decision != nil {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO model_routing_decisions (execution_id, step_id, model_id, provider,
				estimated_cost_cents, actual_cost_cents, prompt_tokens, completion_tokens,
				latency_ms, fallback_depth)
			VALUES (:execution_id, :step_id, :model_id, :provider,
				:estimated_cost_cents, :actual_cost_cents, :prompt_tokens, :completion_tokens,
				:latency_ms, :fallback_depth)
		`, decision); err != nil {
			return fmt.Errorf("failed to persist routing decision: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit step transaction: %w", err)
	}
	return nil
}

type seqQueryer interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) appendLogTx(ctx context.Context, q seqQueryer, executionID string, lr LogRequest) (int64, error) {
	var seq int64
	err := q.GetContext(ctx, &seq, `
		UPDATE executions SET log_seq = log_seq + 1 WHERE id = $1 RETURNING log_seq
	`, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to allocate log sequence: %w", err)
	}

	data, _ := lr.Data.Value()
	_, err = q.ExecContext(ctx, `
		INSERT INTO execution_logs (execution_id, step_id, sequence, level, timestamp, message, data)
		VALUES ($1, NULLIF($2, ''), $3, $4, now(), $5, $6)
	`, executionID, lr.StepID, seq, lr.Level, lr.Message, data)
	if err != nil {
		return 0, fmt.Errorf("failed to append log: %w", err)
	}
	return seq, nil
}

// AppendLog assigns the next sequence and inserts the entry in one
// transaction.
func (s *PostgresStore) AppendLog(ctx context.Context, executionID, stepID string, level models.LogLevel, message string, data models.JSONMap) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin log transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	seq, err := s.appendLogTx(ctx, tx, executionID, LogRequest{
		StepID: stepID, Level: level, Message: message, Data: data,
	})
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit log transaction: %w", err)
	}
	return seq, nil
}

// ListLogs returns entries in sequence order, optionally after a sequence.
func (s *PostgresStore) ListLogs(ctx context.Context, executionID string, sinceSequence int64, limit int) ([]*models.LogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	var out []*models.LogEntry
	err := s.db.SelectContext(ctx, &out, `
		SELECT execution_id, COALESCE(step_id, '') AS step_id, sequence, level, timestamp, message, data
		FROM execution_logs
		WHERE execution_id = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3
	`, executionID, sinceSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	return out, nil
}

// LoadExecutionSnapshot reads the execution and its children from one
// repeatable-read transaction.
func (s *PostgresStore) LoadExecutionSnapshot(ctx context.Context, executionID string) (*models.ExecutionSnapshot, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exec models.Execution
	err = tx.GetContext(ctx, &exec, `
		SELECT id, workflow_id, workflow_version, tenant_id, initiator_user_id, status, mode,
			inputs, outputs, COALESCE(error_kind, '') AS error_kind,
			COALESCE(error_message, '') AS error_message, started_at, ended_at, duration_ms
		FROM executions WHERE id = $1
	`, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}

	var records []*models.StepRecord
	if err := tx.SelectContext(ctx, &records, `
		SELECT execution_id, step_id, step_type, status, inputs, outputs,
			COALESCE(error_kind, '') AS error_kind, COALESCE(error_message, '') AS error_message,
			attempts, started_at, ended_at, duration_ms
		FROM step_records WHERE execution_id = $1 ORDER BY step_id
	`, executionID); err != nil {
		return nil, fmt.Errorf("failed to load step records: %w", err)
	}

	var decisions []models.ModelRoutingDecision
	if err := tx.SelectContext(ctx, &decisions, `
		SELECT execution_id, step_id, model_id, provider, estimated_cost_cents, actual_cost_cents,
			prompt_tokens, completion_tokens, latency_ms, fallback_depth
		FROM model_routing_decisions WHERE execution_id = $1 ORDER BY step_id
	`, executionID); err != nil {
		return nil, fmt.Errorf("failed to load routing decisions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to finish snapshot read: %w", err)
	}
	return &models.ExecutionSnapshot{
		Execution:        &exec,
		StepRecords:      records,
		RoutingDecisions: decisions,
	}, nil
}

// TenantBudget reads the tenant's period spend and cap.
func (s *PostgresStore) TenantBudget(ctx context.Context, tenantID string) (float64, float64, error) {
	var row struct {
		Spend float64 `db:"period_spend_cents"`
		Cap   float64 `db:"budget_cap_cents"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT period_spend_cents, budget_cap_cents FROM tenant_budgets WHERE tenant_id = $1
	`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil // no configured budget: unlimited
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load tenant budget: %w", err)
	}
	return row.Spend, row.Cap, nil
}

// AddTenantSpend atomically increments the period spend under the row lock.
func (s *PostgresStore) AddTenantSpend(ctx context.Context, tenantID string, cents float64) (float64, error) {
	var newSpend float64
	err := s.db.GetContext(ctx, &newSpend, `
		INSERT INTO tenant_budgets (tenant_id, period_spend_cents, budget_cap_cents)
		VALUES ($1, $2, 0)
		ON CONFLICT (tenant_id) DO UPDATE
		SET period_spend_cents = tenant_budgets.period_spend_cents + EXCLUDED.period_spend_cents
		RETURNING period_spend_cents
	`, tenantID, cents)
	if err != nil {
		return 0, fmt.Errorf("failed to record tenant spend: %w", err)
	}
	return newSpend, nil
}
