package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/auterity/engine-go/internal/events"
	"github.com/auterity/engine-go/internal/models"
	"github.com/auterity/engine-go/internal/store"
)

// Permissions checked by the control surface. The platform's authz layer
// resolves them into the principal before calls reach the engine.
const (
	PermExecute = "execution:execute"
	PermRead    = "execution:read"
	PermCancel  = "execution:cancel"
	PermDebug   = "execution:debug"
)

// ExecuteRequest is the validated input for ExecuteWorkflow.
type ExecuteRequest struct {
	WorkflowID string
	Inputs     models.JSONMap
	Mode       models.ExecutionMode
	TimeoutMs  int64
	Principal  models.Principal
}

// ExecuteResult is what ExecuteWorkflow returns. Snapshot is populated only
// in sync mode.
type ExecuteResult struct {
	ExecutionID string
	Snapshot    *models.ExecutionSnapshot
}

// Service is the execution control surface consumed by the HTTP and
// WebSocket layers. It owns authorization against the resolved principal;
// transport concerns stay outside.
type Service struct {
	logger *zap.Logger
	engine *Engine
	store  store.Store
	bus    *events.Bus
}

// NewService wires the control surface.
func NewService(logger *zap.Logger, engine *Engine, st store.Store, bus *events.Bus) *Service {
	return &Service{
		logger: logger.With(zap.String("component", "execution-service")),
		engine: engine,
		store:  st,
		bus:    bus,
	}
}

// ExecuteWorkflow starts an execution of the named workflow. Sync mode blocks
// until the execution reaches a terminal state and returns the final
// snapshot; async mode returns as soon as the execution is accepted.
func (s *Service) ExecuteWorkflow(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if !req.Principal.Can(PermExecute) {
		return nil, models.NewError(models.KindForbidden, "principal may not execute workflows")
	}

	def, err := s.store.GetWorkflowDefinition(ctx, req.WorkflowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NewErrorf(models.KindNotFound, "workflow %s not found", req.WorkflowID)
		}
		return nil, models.WrapError(models.KindStoreUnavailable, "failed to load workflow", err)
	}

	mode := req.Mode
	if mode == "" {
		mode = models.ModeAsync
	}
	defCopy := *def
	if req.TimeoutMs > 0 {
		defCopy.TimeoutMs = req.TimeoutMs
	}

	exec := &models.Execution{
		ID:              uuid.NewString(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		TenantID:        req.Principal.TenantID,
		InitiatorUserID: req.Principal.UserID,
		Mode:            mode,
		Inputs:          req.Inputs.Clone(),
	}

	s.logger.Info("starting workflow execution",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", def.ID),
		zap.String("tenant_id", exec.TenantID),
		zap.String("mode", string(mode)),
	)

	if mode == models.ModeSync {
		snapshot, err := s.engine.Execute(ctx, &defCopy, exec)
		if err != nil {
			return &ExecuteResult{ExecutionID: exec.ID}, err
		}
		return &ExecuteResult{ExecutionID: exec.ID, Snapshot: snapshot}, nil
	}

	go func() {
		if _, err := s.engine.Execute(context.Background(), &defCopy, exec); err != nil {
			s.logger.Warn("async execution ended with error",
				zap.String("execution_id", exec.ID),
				zap.Error(err),
			)
		}
	}()
	return &ExecuteResult{ExecutionID: exec.ID}, nil
}

// GetExecution returns the execution and its step records.
func (s *Service) GetExecution(ctx context.Context, executionID string, principal models.Principal) (*models.ExecutionSnapshot, error) {
	if !principal.Can(PermRead) {
		return nil, models.NewError(models.KindForbidden, "principal may not read executions")
	}
	snapshot, err := s.store.LoadExecutionSnapshot(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NewErrorf(models.KindNotFound, "execution %s not found", executionID)
		}
		return nil, models.WrapError(models.KindStoreUnavailable, "failed to load execution", err)
	}
	if snapshot.Execution.TenantID != principal.TenantID {
		// Cross-tenant ids are indistinguishable from unknown ones.
		return nil, models.NewErrorf(models.KindNotFound, "execution %s not found", executionID)
	}
	if !principal.Can(PermDebug) {
		redactSnapshot(snapshot)
	}
	return snapshot, nil
}

// redactSnapshot strips internals reserved for execution:debug holders.
func redactSnapshot(snapshot *models.ExecutionSnapshot) {
	for _, rec := range snapshot.StepRecords {
		if rec.Status == models.StepStatusFailed && rec.ErrorMessage != "" {
			rec.ErrorMessage = "step failed; details require the execution:debug permission"
		}
	}
}

// GetExecutionLogs returns ordered log entries for an execution.
func (s *Service) GetExecutionLogs(ctx context.Context, executionID string, principal models.Principal, sinceSequence int64, limit int) ([]*models.LogEntry, error) {
	if !principal.Can(PermRead) {
		return nil, models.NewError(models.KindForbidden, "principal may not read executions")
	}
	if _, err := s.authorizeRead(ctx, executionID, principal); err != nil {
		return nil, err
	}
	logs, err := s.store.ListLogs(ctx, executionID, sinceSequence, limit)
	if err != nil {
		return nil, models.WrapError(models.KindStoreUnavailable, "failed to list logs", err)
	}
	return logs, nil
}

// CancelExecution requests cooperative cancellation. Calling it on a COMPLETED
// or FAILED execution reports not-cancellable; repeating it on a running or
// already cancelled one is a no-op acknowledged as success.
func (s *Service) CancelExecution(ctx context.Context, executionID string, principal models.Principal) error {
	if !principal.Can(PermCancel) {
		return models.NewError(models.KindForbidden, "principal may not cancel executions")
	}
	if _, err := s.authorizeRead(ctx, executionID, principal); err != nil {
		return err
	}
	return s.engine.Cancel(ctx, executionID)
}

// ListExecutions pages the executions of a workflow within the caller's
// tenant.
func (s *Service) ListExecutions(ctx context.Context, workflowID string, principal models.Principal, filter store.ListFilter, page store.Page) ([]*models.Execution, error) {
	if !principal.Can(PermRead) {
		return nil, models.NewError(models.KindForbidden, "principal may not read executions")
	}
	if _, err := s.store.GetWorkflowDefinition(ctx, workflowID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NewErrorf(models.KindNotFound, "workflow %s not found", workflowID)
		}
		return nil, models.WrapError(models.KindStoreUnavailable, "failed to load workflow", err)
	}
	execs, err := s.store.ListExecutionsForWorkflow(ctx, workflowID, filter, page)
	if err != nil {
		return nil, models.WrapError(models.KindStoreUnavailable, "failed to list executions", err)
	}
	scoped := execs[:0]
	for _, exec := range execs {
		if exec.TenantID == principal.TenantID {
			scoped = append(scoped, exec)
		}
	}
	return scoped, nil
}

// Subscribe attaches to an execution's event stream. The stream ends when
// execution-terminated is delivered or the subscriber closes.
func (s *Service) Subscribe(ctx context.Context, executionID string, principal models.Principal) (*events.Subscriber, error) {
	if !principal.Can(PermRead) {
		return nil, models.NewError(models.KindForbidden, "principal may not read executions")
	}
	if _, err := s.authorizeRead(ctx, executionID, principal); err != nil {
		return nil, err
	}
	return s.bus.Subscribe(executionID), nil
}

func (s *Service) authorizeRead(ctx context.Context, executionID string, principal models.Principal) (*models.Execution, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NewErrorf(models.KindNotFound, "execution %s not found", executionID)
		}
		return nil, models.WrapError(models.KindStoreUnavailable, "failed to load execution", err)
	}
	if exec.TenantID != principal.TenantID {
		return nil, models.NewErrorf(models.KindNotFound, "execution %s not found", executionID)
	}
	return exec, nil
}

// ErrorResponse is the stable error shape handed to the HTTP layer.
type ErrorResponse struct {
	ErrorKind   string `json:"errorKind"`
	Message     string `json:"message"`
	ExecutionID string `json:"executionId,omitempty"`
	StepID      string `json:"stepId,omitempty"`
}

// ToErrorResponse converts any service error to the transport shape.
func ToErrorResponse(err error, executionID string) ErrorResponse {
	var de *models.Error
	if errors.As(err, &de) {
		return ErrorResponse{
			ErrorKind:   string(de.Kind),
			Message:     de.Message,
			ExecutionID: executionID,
			StepID:      de.StepID,
		}
	}
	return ErrorResponse{
		ErrorKind:   string(models.KindStoreUnavailable),
		Message:     "internal error",
		ExecutionID: executionID,
	}
}
