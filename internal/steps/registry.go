package steps

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/auterity/engine-go/internal/airouter"
	"github.com/auterity/engine-go/internal/models"
)

// Result is what a handler returns on success.
type Result struct {
	Outputs models.JSONMap
	// RoutingDecision is set by the ai handler so the engine can persist it
	// with the step record in the same transaction.
	RoutingDecision *models.ModelRoutingDecision
	// Attempts reports provider attempts made inside the handler (ai steps);
	// zero leaves the engine's own dispatch count in place.
	Attempts int
}

// Handler executes one step type. Implementations must respect context
// cancellation at their suspension points and return domain errors with
// stable kinds; anything else is surfaced as handler-panic or wrapped.
type Handler interface {
	Type() models.StepType
	ValidateParameters(params map[string]any) error
	Execute(ctx context.Context, sc *Context) (*Result, error)
}

// IdempotentHandler marks a handler safe to retry on ambiguous failures.
// Handlers that do not implement it are never retried by the engine.
type IdempotentHandler interface {
	Idempotent() bool
}

// DurationEstimator is an optional handler capability: a rough duration hint
// surfaced in dispatch logs and available to capacity planning.
type DurationEstimator interface {
	EstimatedDuration(params map[string]any) time.Duration
}

// SecretAccessor resolves tenant-scoped secrets for handlers that need
// connector credentials.
type SecretAccessor interface {
	Secret(ctx context.Context, tenantID, name string) (string, error)
}

// Context is the capability surface handed to a handler for one dispatch.
type Context struct {
	Logger   *zap.Logger
	Router   airouter.Router
	Secrets  SecretAccessor
	TenantID string

	// Inputs are the resolved step inputs: bindings applied over predecessor
	// outputs and workflow inputs.
	Inputs models.JSONMap

	// ExecutionInputs are the workflow inputs materialized at start.
	ExecutionInputs models.JSONMap

	// Record is a read-only copy of the current step record.
	Record models.StepRecord

	// Params are the step's raw parameters from the definition.
	Params map[string]any
}

// Registry maps step types to handlers. The validator rejects unknown types
// before an execution starts; Dispatch reports unknown-step-type for a type
// with no registered handler.
type Registry struct {
	handlers map[models.StepType]Handler
	logger   *zap.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[models.StepType]Handler),
		logger:   logger.With(zap.String("component", "step-registry")),
	}
}

// NewDefaultRegistry builds a registry with all built-in handlers installed.
func NewDefaultRegistry(logger *zap.Logger) *Registry {
	r := NewRegistry(logger)
	r.MustRegister(&StartHandler{})
	r.MustRegister(&EndHandler{})
	r.MustRegister(&InputHandler{})
	r.MustRegister(&ProcessHandler{})
	r.MustRegister(&OutputHandler{})
	r.MustRegister(&AIHandler{})
	return r
}

// Register installs a handler for its step type.
func (r *Registry) Register(h Handler) error {
	if _, exists := r.handlers[h.Type()]; exists {
		return fmt.Errorf("handler for step type %q already registered", h.Type())
	}
	r.handlers[h.Type()] = h
	return nil
}

// MustRegister is Register for static wiring at startup.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for a step type.
func (r *Registry) Lookup(t models.StepType) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// Has reports whether a handler exists for the step type.
func (r *Registry) Has(t models.StepType) bool {
	_, ok := r.handlers[t]
	return ok
}

// IsIdempotent reports whether the handler for the given type declares
// itself idempotent.
func (r *Registry) IsIdempotent(t models.StepType) bool {
	h, ok := r.handlers[t]
	if !ok {
		return false
	}
	ih, ok := h.(IdempotentHandler)
	return ok && ih.Idempotent()
}

// EstimatedDuration returns the handler's duration hint, zero when the
// handler offers none.
func (r *Registry) EstimatedDuration(t models.StepType, params map[string]any) time.Duration {
	h, ok := r.handlers[t]
	if !ok {
		return 0
	}
	de, ok := h.(DurationEstimator)
	if !ok {
		return 0
	}
	return de.EstimatedDuration(params)
}

// Dispatch runs the handler for the step type with panic recovery. Panics
// become handler-panic failures; the raw panic is logged at ERROR and never
// surfaced to the caller.
func (r *Registry) Dispatch(ctx context.Context, t models.StepType, sc *Context) (result *Result, err error) {
	h, ok := r.handlers[t]
	if !ok {
		return nil, models.NewErrorf(models.KindUnknownStepType, "no handler registered for step type %q", t)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("step handler panicked",
				zap.String("execution_id", sc.Record.ExecutionID),
				zap.String("step_id", sc.Record.StepID),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			result = nil
			err = models.NewErrorf(models.KindHandlerPanic, "step handler for type %q failed unexpectedly", t)
		}
	}()

	return h.Execute(ctx, sc)
}
