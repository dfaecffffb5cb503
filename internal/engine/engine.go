package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/auterity/engine-go/internal/airouter"
	"github.com/auterity/engine-go/internal/events"
	"github.com/auterity/engine-go/internal/models"
	"github.com/auterity/engine-go/internal/observability"
	"github.com/auterity/engine-go/internal/steps"
	"github.com/auterity/engine-go/internal/store"
	"github.com/auterity/engine-go/internal/workflow"
)

// Config tunes the execution engine.
type Config struct {
	// MaxConcurrency bounds in-flight steps within one execution unless the
	// definition overrides it.
	MaxConcurrency int
	// MaxConcurrentSteps bounds in-flight steps across all executions.
	MaxConcurrentSteps int64
	// CancellationGracePeriod is how long running handlers get to observe the
	// cancellation signal before the execution finalizes regardless.
	CancellationGracePeriod time.Duration
	DefaultStepTimeout      time.Duration
	DefaultExecutionTimeout time.Duration
	// Store write retries during step application.
	StoreRetryAttempts int
	StoreRetryDelay    time.Duration
	// Idempotent handler retries on transient failures.
	StepRetryAttempts int
	StepRetryBase     time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:          8,
		MaxConcurrentSteps:      128,
		CancellationGracePeriod: 30 * time.Second,
		DefaultStepTimeout:      5 * time.Minute,
		DefaultExecutionTimeout: time.Hour,
		StoreRetryAttempts:      3,
		StoreRetryDelay:         250 * time.Millisecond,
		StepRetryAttempts:       3,
		StepRetryBase:           time.Second,
	}
}

// Engine drives workflow executions through their lifecycle. Collaborators
// are injected explicitly; tests substitute the in-memory store and fake
// routers.
type Engine struct {
	logger    *zap.Logger
	config    Config
	store     store.Store
	registry  *steps.Registry
	validator *workflow.Validator
	bus       *events.Bus
	metrics   *observability.Metrics
	router    airouter.Router
	secrets   steps.SecretAccessor

	stepSem *semaphore.Weighted

	mu     sync.Mutex
	active map[string]*activeExecution
}

// activeExecution is the in-process control block for one running execution.
type activeExecution struct {
	cancelOnce sync.Once
	cancelled  chan struct{}
	done       chan struct{}
}

func (a *activeExecution) requestCancel() {
	a.cancelOnce.Do(func() { close(a.cancelled) })
}

// New builds an engine.
func New(
	logger *zap.Logger,
	cfg Config,
	st store.Store,
	registry *steps.Registry,
	validator *workflow.Validator,
	bus *events.Bus,
	metrics *observability.Metrics,
	router airouter.Router,
	secrets steps.SecretAccessor,
) *Engine {
	return &Engine{
		logger:    logger.With(zap.String("component", "engine")),
		config:    cfg,
		store:     st,
		registry:  registry,
		validator: validator,
		bus:       bus,
		metrics:   metrics,
		router:    router,
		secrets:   secrets,
		stepSem:   semaphore.NewWeighted(cfg.MaxConcurrentSteps),
		active:    make(map[string]*activeExecution),
	}
}

// Cancel requests cooperative cancellation of a running execution. It is
// idempotent: a CANCELLING or CANCELLED execution acknowledges success, while
// a COMPLETED or FAILED one reports not-cancellable.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	ae, ok := e.active[executionID]
	e.mu.Unlock()
	if ok {
		ae.requestCancel()
		return nil
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.NewErrorf(models.KindNotFound, "execution %s not found", executionID)
		}
		return models.WrapError(models.KindStoreUnavailable, "failed to load execution", err)
	}
	if exec.Status == models.ExecutionStatusCancelled || exec.Status == models.ExecutionStatusCancelling {
		// Cancellation is idempotent.
		return nil
	}
	if exec.Status.Terminal() {
		return models.NewErrorf(models.ErrorKind("not-cancellable"), "execution %s already ended as %s", executionID, exec.Status)
	}
	// Not in this process and not terminal: nothing to signal locally, so the
	// request is reported not-cancellable.
	return models.NewErrorf(models.ErrorKind("not-cancellable"), "execution %s is not active on this worker", executionID)
}

// stepOutcome is what a dispatch goroutine reports back to the engine loop.
type stepOutcome struct {
	stepID    string
	stepType  models.StepType
	status    models.StepStatus
	outputs   models.JSONMap
	errKind   models.ErrorKind
	errMsg    string
	attempts  int
	decision  *models.ModelRoutingDecision
	startedAt time.Time
	endedAt   time.Time
}

// runPhase tracks why dispatching stopped.
type runPhase int

const (
	phaseActive runPhase = iota
	phaseDraining   // a step failed under fail-fast; waiting for running steps
	phaseCancelling // user cancellation; waiting out the grace period
	phaseTimedOut   // execution timeout; waiting for running steps
)

// Execute runs one workflow execution to a terminal state. The execution row
// is created PENDING before validation so validation errors are durably
// recorded as FAILED executions.
func (e *Engine) Execute(ctx context.Context, def *models.WorkflowDefinition, exec *models.Execution) (*models.ExecutionSnapshot, error) {
	exec.Status = models.ExecutionStatusPending
	exec.StartedAt = time.Now()
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, models.WrapError(models.KindStoreUnavailable, "failed to create execution", err)
	}
	e.appendLog(ctx, exec.ID, "", models.LogInfo, "execution-started", models.JSONMap{
		"workflow_id": exec.WorkflowID,
		"mode":        string(exec.Mode),
	})
	e.bus.Publish(events.Event{
		Type:        events.ExecutionStarted,
		ExecutionID: exec.ID,
		Status:      string(models.ExecutionStatusPending),
	})
	e.metrics.RecordExecutionStarted(exec.TenantID)

	graph, err := e.validator.Validate(def)
	if err != nil {
		kind, _ := models.KindOf(err)
		if kind == "" {
			kind = models.KindSchema
		}
		e.failFromPending(ctx, exec, kind, err.Error())
		return nil, err
	}

	if err := e.transition(ctx, exec, models.ExecutionStatusPending, models.ExecutionStatusRunning, nil); err != nil {
		return nil, err
	}
	e.appendLog(ctx, exec.ID, "", models.LogInfo, "execution-running", nil)

	ae := &activeExecution{
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
	}
	e.mu.Lock()
	e.active[exec.ID] = ae
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, exec.ID)
		e.mu.Unlock()
		close(ae.done)
	}()

	e.runLoop(ctx, graph, exec, ae)

	snapshot, snapErr := e.store.LoadExecutionSnapshot(ctx, exec.ID)
	if snapErr != nil {
		return nil, models.WrapError(models.KindStoreUnavailable, "failed to load final snapshot", snapErr)
	}
	return snapshot, nil
}

// runLoop is the per-execution engine loop. It is the single writer of the
// scheduler state; dispatch goroutines only run handlers and report outcomes.
func (e *Engine) runLoop(ctx context.Context, graph *workflow.Graph, exec *models.Execution, ae *activeExecution) {
	execTimeout := e.config.DefaultExecutionTimeout
	if graph.Definition.TimeoutMs > 0 {
		execTimeout = time.Duration(graph.Definition.TimeoutMs) * time.Millisecond
	}
	execCtx, cancelExec := context.WithTimeout(context.Background(), execTimeout)
	defer cancelExec()

	// stepCtx is the cancellation signal observable by every handler.
	stepCtx, cancelSteps := context.WithCancel(execCtx)
	defer cancelSteps()

	maxConcurrency := e.config.MaxConcurrency
	if graph.Definition.MaxConcurrency > 0 {
		maxConcurrency = graph.Definition.MaxConcurrency
	}
	policy := graph.Definition.OnStepFailure
	if policy == "" {
		policy = models.FailFast
	}

	sched := NewScheduler(graph)
	outcomes := make(chan stepOutcome, len(graph.Definition.Nodes)+1)

	phase := phaseActive
	var firstFailure *stepOutcome
	var graceDeadline <-chan time.Time
	execDone := execCtx.Done()
	cancelRequested := ae.cancelled

	for {
		// The execution deadline outranks step-level failures racing in
		// through the outcome channel.
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && phase != phaseCancelling && phase != phaseTimedOut {
			phase = phaseTimedOut
			e.appendLog(ctx, exec.ID, "", models.LogError, "execution timeout exceeded", nil)
			cancelSteps()
		}

		for _, skip := range sched.TakeSkips() {
			e.recordSkip(ctx, exec, skip)
		}

		if phase == phaseActive {
			for _, stepID := range sched.Ready(maxConcurrency - sched.RunningCount()) {
				e.dispatch(ctx, stepCtx, sched, graph, exec, stepID, outcomes)
			}
		}

		if sched.RunningCount() == 0 {
			switch {
			case phase == phaseCancelling:
				e.finalizeCancelled(ctx, exec)
				return
			case phase == phaseTimedOut:
				e.finalizeFailed(ctx, exec, models.KindExecutionTimeout, "execution exceeded its timeout")
				return
			case phase == phaseDraining || (sched.Done() && sched.AnyFailed()):
				kind, msg := models.KindHandlerPanic, "a step failed"
				if firstFailure != nil {
					kind, msg = firstFailure.errKind, firstFailure.errMsg
				}
				e.finalizeFailed(ctx, exec, kind, msg)
				return
			case sched.Done():
				e.finalizeCompleted(ctx, sched, exec)
				return
			case sched.Stuck():
				e.finalizeFailed(ctx, exec, models.KindStuckDAG, "no step is ready and none is running")
				return
			}
		}

		select {
		case outcome := <-outcomes:
			e.applyOutcome(ctx, sched, exec, &outcome)
			if outcome.status == models.StepStatusFailed && firstFailure == nil {
				firstFailure = &outcome
				if policy == models.FailFast && phase == phaseActive {
					phase = phaseDraining
					cancelSteps()
					e.appendLog(ctx, exec.ID, "", models.LogWarn, "fail-fast engaged, cancelling remaining steps", models.JSONMap{
						"failed_step": outcome.stepID,
					})
				}
			}

		case <-cancelRequested:
			// The channel is closed; disarm it so the select does not spin
			// while running handlers observe the signal.
			cancelRequested = nil
			phase = phaseCancelling
			if err := e.transition(ctx, exec, models.ExecutionStatusRunning, models.ExecutionStatusCancelling, nil); err != nil {
				e.logger.Warn("cancel transition rejected", zap.String("execution_id", exec.ID), zap.Error(err))
			}
			e.appendLog(ctx, exec.ID, "", models.LogWarn, "cancellation requested", nil)
			cancelSteps()
			timer := time.NewTimer(e.config.CancellationGracePeriod)
			defer timer.Stop()
			graceDeadline = timer.C

		case <-graceDeadline:
			// Grace expired: record any stragglers as CANCELLED and finalize.
			for _, stepID := range sched.RunningIDs() {
				e.recordStraggler(ctx, sched, exec, stepID)
			}
			e.finalizeCancelled(ctx, exec)
			return

		case <-execDone:
			// Handled at the top of the loop; disarm so the select does not
			// spin while running steps drain.
			execDone = nil
		}
	}
}

// dispatch marks the step RUNNING, resolves its inputs and starts the handler
// goroutine. Store writes stay in the engine loop so log order follows
// dispatch order.
func (e *Engine) dispatch(ctx context.Context, stepCtx context.Context, sched *Scheduler, graph *workflow.Graph, exec *models.Execution, stepID string, outcomes chan<- stepOutcome) {
	step := graph.Definition.StepByID(stepID)
	now := time.Now()

	inputs, err := sched.ResolveInputs(step, exec.Inputs)
	if err != nil {
		sched.MarkRunning(stepID)
		kind, _ := models.KindOf(err)
		outcomes <- stepOutcome{
			stepID:    stepID,
			stepType:  step.Type,
			status:    models.StepStatusFailed,
			errKind:   kind,
			errMsg:    err.Error(),
			attempts:  1,
			startedAt: now,
			endedAt:   time.Now(),
		}
		return
	}

	sched.MarkRunning(stepID)
	record := &models.StepRecord{
		ExecutionID: exec.ID,
		StepID:      stepID,
		StepType:    step.Type,
		Status:      models.StepStatusRunning,
		Inputs:      inputs,
		Attempts:    1,
		StartedAt:   &now,
	}
	if err := e.storeRetry(ctx, func() error { return e.store.UpsertStepRecord(ctx, record) }); err != nil {
		e.logger.Error("failed to persist step start", zap.String("execution_id", exec.ID), zap.String("step_id", stepID), zap.Error(err))
	}
	logData := models.JSONMap{"type": string(step.Type)}
	if estimate := e.registry.EstimatedDuration(step.Type, step.Parameters); estimate > 0 {
		logData["estimated_duration_ms"] = estimate.Milliseconds()
	}
	e.appendLog(ctx, exec.ID, stepID, models.LogInfo, "step-started", logData)
	e.bus.Publish(events.Event{
		Type:        events.StepStarted,
		ExecutionID: exec.ID,
		StepID:      stepID,
		Status:      string(models.StepStatusRunning),
	})
	e.metrics.RecordStep(exec.TenantID, string(step.Type), "started")

	go e.runStep(stepCtx, exec, step, *record, outcomes)
}

// runStep executes one handler with timeout, retry and cancellation
// classification. It runs outside the engine loop and communicates only via
// the outcomes channel.
func (e *Engine) runStep(stepCtx context.Context, exec *models.Execution, step *models.Step, record models.StepRecord, outcomes chan<- stepOutcome) {
	started := time.Now()
	outcome := stepOutcome{
		stepID:    step.ID,
		stepType:  step.Type,
		startedAt: started,
	}

	if err := e.stepSem.Acquire(stepCtx, 1); err != nil {
		outcome.status, outcome.errKind, outcome.errMsg = e.classifyCtxErr(stepCtx)
		outcome.attempts = 1
		outcome.endedAt = time.Now()
		outcomes <- outcome
		return
	}
	defer e.stepSem.Release(1)

	timeout := e.config.DefaultStepTimeout
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}

	sc := &steps.Context{
		Logger:          e.logger.With(zap.String("execution_id", exec.ID), zap.String("step_id", step.ID)),
		Router:          e.router,
		Secrets:         e.secrets,
		TenantID:        exec.TenantID,
		Inputs:          record.Inputs,
		ExecutionInputs: exec.Inputs,
		Record:          record,
		Params:          step.Parameters,
	}

	maxAttempts := 1
	if e.registry.IsIdempotent(step.Type) && step.Type != models.StepTypeAI {
		maxAttempts = e.config.StepRetryAttempts
	}

	var result *steps.Result
	var err error
	attempts := 0
	for attempts < maxAttempts {
		attempts++
		attemptCtx, cancel := context.WithTimeout(stepCtx, timeout)
		result, err = e.registry.Dispatch(attemptCtx, step.Type, sc)
		cancel()
		if err == nil || stepCtx.Err() != nil || !transientKind(err) {
			break
		}
		if attempts < maxAttempts {
			backoff := e.config.StepRetryBase << (attempts - 1)
			timer := time.NewTimer(backoff)
			select {
			case <-stepCtx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}
	outcome.endedAt = time.Now()

	switch {
	case err == nil:
		outcome.status = models.StepStatusCompleted
		outcome.outputs = result.Outputs
		outcome.decision = result.RoutingDecision
		if result.Attempts > 0 {
			attempts = result.Attempts
		}
	case stepCtx.Err() != nil:
		outcome.status, outcome.errKind, outcome.errMsg = e.classifyCtxErr(stepCtx)
	default:
		kind, ok := models.KindOf(err)
		if !ok {
			kind = models.KindHandlerPanic
		}
		if errors.Is(err, context.DeadlineExceeded) {
			kind = models.KindTimeout
		}
		outcome.status = models.StepStatusFailed
		outcome.errKind = kind
		outcome.errMsg = err.Error()
	}
	outcome.attempts = attempts
	outcomes <- outcome
}

// classifyCtxErr maps the shared step context's termination to a step status.
func (e *Engine) classifyCtxErr(stepCtx context.Context) (models.StepStatus, models.ErrorKind, string) {
	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return models.StepStatusFailed, models.KindTimeout, "step exceeded its timeout"
	}
	return models.StepStatusCancelled, models.KindCancelledByUser, "step cancelled"
}

func transientKind(err error) bool {
	kind, ok := models.KindOf(err)
	if !ok {
		return true
	}
	return kind == models.KindStoreUnavailable || kind == models.KindProviderUnavailable
}

// applyOutcome persists a terminal step state transactionally and updates the
// scheduler and event subscribers.
func (e *Engine) applyOutcome(ctx context.Context, sched *Scheduler, exec *models.Execution, outcome *stepOutcome) {
	durationMs := outcome.endedAt.Sub(outcome.startedAt).Milliseconds()
	record := &models.StepRecord{
		ExecutionID:  exec.ID,
		StepID:       outcome.stepID,
		StepType:     outcome.stepType,
		Status:       outcome.status,
		Outputs:      outcome.outputs,
		ErrorKind:    string(outcome.errKind),
		ErrorMessage: outcome.errMsg,
		Attempts:     outcome.attempts,
		StartedAt:    &outcome.startedAt,
		EndedAt:      &outcome.endedAt,
		DurationMs:   &durationMs,
	}

	logMessage := "step-completed"
	logLevel := models.LogInfo
	eventType := events.StepCompleted
	if outcome.status == models.StepStatusFailed {
		logMessage = "step-failed"
		logLevel = models.LogError
		eventType = events.StepFailed
	} else if outcome.status == models.StepStatusCancelled {
		logMessage = "step-cancelled"
		logLevel = models.LogWarn
	}
	logs := []store.LogRequest{{
		StepID:  outcome.stepID,
		Level:   logLevel,
		Message: logMessage,
		Data: models.JSONMap{
			"status":      string(outcome.status),
			"attempts":    outcome.attempts,
			"duration_ms": durationMs,
		},
	}}

	if err := e.storeRetry(ctx, func() error {
		return e.store.ApplyStepResult(ctx, record, logs, outcome.decision)
	}); err != nil {
		e.logger.Error("failed to apply step result, marking step failed",
			zap.String("execution_id", exec.ID),
			zap.String("step_id", outcome.stepID),
			zap.Error(err),
		)
		outcome.status = models.StepStatusFailed
		outcome.errKind = models.KindStoreUnavailable
		outcome.errMsg = "failed to persist step result"
	}

	sched.Complete(outcome.stepID, outcome.status, outcome.outputs)
	e.bus.Publish(events.Event{
		Type:        eventType,
		ExecutionID: exec.ID,
		StepID:      outcome.stepID,
		Status:      string(outcome.status),
		Message:     outcome.errMsg,
	})
	e.metrics.RecordStep(exec.TenantID, string(outcome.stepType), string(outcome.status))
	if outcome.decision != nil {
		e.metrics.RecordAIRoute(exec.TenantID, outcome.decision.ModelID, outcome.decision.FallbackDepth, outcome.decision.ActualCostCents)
	}
}

// recordSkip persists a SKIPPED record for a step ruled out by the scheduler.
func (e *Engine) recordSkip(ctx context.Context, exec *models.Execution, skip Skip) {
	record := &models.StepRecord{
		ExecutionID:  exec.ID,
		StepID:       skip.StepID,
		Status:       models.StepStatusSkipped,
		ErrorKind:    string(skip.Reason),
		ErrorMessage: fmt.Sprintf("skipped: %s", skip.Reason),
		Attempts:     1,
	}
	logs := []store.LogRequest{{
		StepID:  skip.StepID,
		Level:   models.LogWarn,
		Message: "step-skipped",
		Data:    models.JSONMap{"reason": string(skip.Reason)},
	}}
	if err := e.storeRetry(ctx, func() error {
		return e.store.ApplyStepResult(ctx, record, logs, nil)
	}); err != nil {
		e.logger.Error("failed to record skipped step", zap.String("step_id", skip.StepID), zap.Error(err))
	}
	e.bus.Publish(events.Event{
		Type:        events.StepCompleted,
		ExecutionID: exec.ID,
		StepID:      skip.StepID,
		Status:      string(models.StepStatusSkipped),
		Message:     string(skip.Reason),
	})
	e.metrics.RecordStep(exec.TenantID, "", string(models.StepStatusSkipped))
}

// recordStraggler marks a step that ignored the cancellation signal past the
// grace period.
func (e *Engine) recordStraggler(ctx context.Context, sched *Scheduler, exec *models.Execution, stepID string) {
	now := time.Now()
	record := &models.StepRecord{
		ExecutionID:  exec.ID,
		StepID:       stepID,
		Status:       models.StepStatusCancelled,
		ErrorKind:    string(models.KindCancelledByUser),
		ErrorMessage: "handler did not finish within the cancellation grace period",
		Attempts:     1,
		EndedAt:      &now,
	}
	if err := e.storeRetry(ctx, func() error { return e.store.UpsertStepRecord(ctx, record) }); err != nil {
		e.logger.Error("failed to record straggler step", zap.String("step_id", stepID), zap.Error(err))
	}
	sched.Complete(stepID, models.StepStatusCancelled, nil)
}

func (e *Engine) failFromPending(ctx context.Context, exec *models.Execution, kind models.ErrorKind, msg string) {
	now := time.Now()
	durationMs := now.Sub(exec.StartedAt).Milliseconds()
	err := e.transition(ctx, exec, models.ExecutionStatusPending, models.ExecutionStatusFailed, &store.TransitionFields{
		ErrorKind:    string(kind),
		ErrorMessage: msg,
		EndedAt:      &now,
		DurationMs:   &durationMs,
	})
	if err != nil {
		e.logger.Error("failed to record validation failure", zap.String("execution_id", exec.ID), zap.Error(err))
	}
	e.appendLog(ctx, exec.ID, "", models.LogError, "validation failed", models.JSONMap{"error_kind": string(kind)})
	e.publishTerminated(exec.ID, models.ExecutionStatusFailed)
	e.metrics.RecordExecutionCompleted(exec.TenantID, string(models.ExecutionStatusFailed))
}

func (e *Engine) finalizeCompleted(ctx context.Context, sched *Scheduler, exec *models.Execution) {
	outputs, collisions := sched.GatherOutputs()
	for _, key := range collisions {
		e.appendLog(ctx, exec.ID, "", models.LogWarn, "output key collision, last writer wins", models.JSONMap{"key": key})
	}
	e.finalize(ctx, exec, models.ExecutionStatusCompleted, &store.TransitionFields{Outputs: outputs})
}

func (e *Engine) finalizeFailed(ctx context.Context, exec *models.Execution, kind models.ErrorKind, msg string) {
	e.finalize(ctx, exec, models.ExecutionStatusFailed, &store.TransitionFields{
		ErrorKind:    string(kind),
		ErrorMessage: msg,
	})
}

func (e *Engine) finalizeCancelled(ctx context.Context, exec *models.Execution) {
	e.finalize(ctx, exec, models.ExecutionStatusCancelled, &store.TransitionFields{
		ErrorKind:    string(models.KindCancelledByUser),
		ErrorMessage: "execution cancelled",
	})
}

// finalize writes the terminal transition, trying both live source states so
// the CANCELLING path and the RUNNING path share one exit.
func (e *Engine) finalize(ctx context.Context, exec *models.Execution, to models.ExecutionStatus, fields *store.TransitionFields) {
	now := time.Now()
	durationMs := now.Sub(exec.StartedAt).Milliseconds()
	fields.EndedAt = &now
	fields.DurationMs = &durationMs

	err := e.storeRetry(ctx, func() error {
		err := e.store.TransitionExecution(ctx, exec.ID, models.ExecutionStatusRunning, to, fields)
		if errors.Is(err, store.ErrConflict) {
			return e.store.TransitionExecution(ctx, exec.ID, models.ExecutionStatusCancelling, to, fields)
		}
		return err
	})
	if err != nil {
		e.logger.Error("failed to finalize execution",
			zap.String("execution_id", exec.ID),
			zap.String("status", string(to)),
			zap.Error(err),
		)
	}
	exec.Status = to

	e.appendLog(ctx, exec.ID, "", models.LogInfo, "execution-terminated", models.JSONMap{
		"status":      string(to),
		"duration_ms": durationMs,
	})
	e.publishTerminated(exec.ID, to)
	e.metrics.RecordExecutionCompleted(exec.TenantID, string(to))
	e.metrics.ObserveExecutionDuration(exec.TenantID, now.Sub(exec.StartedAt))

	e.logger.Info("execution finalized",
		zap.String("execution_id", exec.ID),
		zap.String("status", string(to)),
		zap.Int64("duration_ms", durationMs),
	)
}

func (e *Engine) transition(ctx context.Context, exec *models.Execution, from, to models.ExecutionStatus, fields *store.TransitionFields) error {
	if err := e.store.TransitionExecution(ctx, exec.ID, from, to, fields); err != nil {
		return err
	}
	exec.Status = to
	e.publishStatus(exec.ID, to)
	return nil
}

func (e *Engine) publishStatus(executionID string, status models.ExecutionStatus) {
	e.bus.Publish(events.Event{
		Type:        events.ExecutionStatusChanged,
		ExecutionID: executionID,
		Status:      string(status),
	})
}

func (e *Engine) publishTerminated(executionID string, status models.ExecutionStatus) {
	e.bus.Publish(events.Event{
		Type:        events.ExecutionTerminated,
		ExecutionID: executionID,
		Status:      string(status),
	})
}

// appendLog writes one engine-level or step-level log entry and mirrors it as
// a log-appended event.
func (e *Engine) appendLog(ctx context.Context, executionID, stepID string, level models.LogLevel, message string, data models.JSONMap) {
	seq, err := e.store.AppendLog(ctx, executionID, stepID, level, message, data)
	if err != nil {
		e.logger.Warn("failed to append execution log",
			zap.String("execution_id", executionID),
			zap.String("message", message),
			zap.Error(err),
		)
		return
	}
	e.bus.Publish(events.Event{
		Type:        events.LogAppended,
		ExecutionID: executionID,
		StepID:      stepID,
		Message:     message,
		Data:        models.JSONMap{"sequence": seq, "level": string(level)},
	})
}

// storeRetry retries store mutations a bounded number of times before giving
// up; logs may be incomplete when the store is down, per the durability
// contract.
func (e *Engine) storeRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < e.config.StoreRetryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(e.config.StoreRetryDelay):
		}
	}
	return err
}
