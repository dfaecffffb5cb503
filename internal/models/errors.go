package models

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable identifier for a failure class. Kinds are part of the
// external contract: the HTTP layer switches on them and they are persisted on
// executions and step records.
type ErrorKind string

const (
	// Validation
	KindSchema          ErrorKind = "schema"
	KindUnknownStepType ErrorKind = "unknown-step-type"
	KindCycleDetected   ErrorKind = "cycle-detected"
	KindDanglingEdge    ErrorKind = "dangling-edge"
	KindUnreachableNode ErrorKind = "unreachable-node"
	KindDuplicateID     ErrorKind = "duplicate-id"
	KindInvalidBinding  ErrorKind = "invalid-binding"
	KindParameterSchema ErrorKind = "parameter-schema"
	KindInvalidInput    ErrorKind = "invalid-input"

	// Runtime (step)
	KindTransformError    ErrorKind = "transform-error"
	KindBindingUnresolved ErrorKind = "binding-unresolved"
	KindHandlerPanic      ErrorKind = "handler-panic"
	KindTimeout           ErrorKind = "timeout"

	// Runtime (AI)
	KindModelNotFound       ErrorKind = "model-not-found"
	KindBudgetExceeded      ErrorKind = "budget-exceeded"
	KindContentPolicy       ErrorKind = "content-policy"
	KindAIUnavailable       ErrorKind = "ai-unavailable"
	KindRateLimitedTerminal ErrorKind = "rate-limited-terminal"

	// Runtime (execution)
	KindExecutionTimeout ErrorKind = "execution-timeout"
	KindStuckDAG         ErrorKind = "stuck-dag"
	KindCancelledByUser  ErrorKind = "cancelled-by-user"

	// Infrastructure
	KindStoreUnavailable    ErrorKind = "store-unavailable"
	KindProviderUnavailable ErrorKind = "provider-unavailable"

	// Authorization
	KindForbidden ErrorKind = "forbidden"
	KindNotFound  ErrorKind = "not-found"
)

// Error is a domain error with a stable kind and a user-safe message. Wrap the
// underlying cause so internal callers can still unwrap it.
type Error struct {
	Kind    ErrorKind
	Message string
	StepID  string
	cause   error
}

func (e *Error) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("%s: step %s: %s", e.Kind, e.StepID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a domain error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewErrorf builds a domain error with a formatted message.
func NewErrorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and user-safe message to an underlying cause.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithStep returns a copy of the error annotated with the step id.
func (e *Error) WithStep(stepID string) *Error {
	clone := *e
	clone.StepID = stepID
	return &clone
}

// KindOf extracts the stable kind from any error chain. Unclassified errors
// report KindHandlerPanic at step boundaries; callers that need a different
// default should check ok.
func KindOf(err error) (ErrorKind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}
