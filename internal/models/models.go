package models

import (
	"time"
)

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending    ExecutionStatus = "PENDING"
	ExecutionStatusRunning    ExecutionStatus = "RUNNING"
	ExecutionStatusCancelling ExecutionStatus = "CANCELLING"
	ExecutionStatusCompleted  ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed     ExecutionStatus = "FAILED"
	ExecutionStatusCancelled  ExecutionStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// StepStatus is the lifecycle state of a single step within an execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusSkipped   StepStatus = "SKIPPED"
	StepStatusCancelled StepStatus = "CANCELLED"
)

// Terminal reports whether the step status admits no further transitions.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	}
	return false
}

// ExecutionMode selects whether the caller blocks for the final snapshot.
type ExecutionMode string

const (
	ModeSync  ExecutionMode = "sync"
	ModeAsync ExecutionMode = "async"
)

// FailurePolicy controls how the engine reacts to a failed step.
type FailurePolicy string

const (
	FailFast        FailurePolicy = "fail-fast"
	ContinueOnError FailurePolicy = "continue-on-error"
)

// Principal is the resolved caller identity handed in by the transport layer.
type Principal struct {
	TenantID    string   `json:"tenant_id"`
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions"`
}

// Can reports whether the principal holds the named permission.
func (p Principal) Can(permission string) bool {
	for _, perm := range p.Permissions {
		if perm == permission {
			return true
		}
	}
	return false
}

// Execution is a single run of a workflow with concrete inputs.
type Execution struct {
	ID              string          `json:"id" db:"id"`
	WorkflowID      string          `json:"workflow_id" db:"workflow_id"`
	WorkflowVersion int             `json:"workflow_version" db:"workflow_version"`
	TenantID        string          `json:"tenant_id" db:"tenant_id"`
	InitiatorUserID string          `json:"initiator_user_id" db:"initiator_user_id"`
	Status          ExecutionStatus `json:"status" db:"status"`
	Mode            ExecutionMode   `json:"mode" db:"mode"`
	Inputs          JSONMap         `json:"inputs,omitempty" db:"inputs"`
	Outputs         JSONMap         `json:"outputs,omitempty" db:"outputs"`
	ErrorKind       string          `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage    string          `json:"error_message,omitempty" db:"error_message"`
	StartedAt       time.Time       `json:"started_at" db:"started_at"`
	EndedAt         *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	DurationMs      *int64          `json:"duration_ms,omitempty" db:"duration_ms"`
}

// StepRecord is the durable state of one step within one execution.
// There is exactly one record per (ExecutionID, StepID).
type StepRecord struct {
	ExecutionID  string     `json:"execution_id" db:"execution_id"`
	StepID       string     `json:"step_id" db:"step_id"`
	StepType     StepType   `json:"step_type" db:"step_type"`
	Status       StepStatus `json:"status" db:"status"`
	Inputs       JSONMap    `json:"inputs,omitempty" db:"inputs"`
	Outputs      JSONMap    `json:"outputs,omitempty" db:"outputs"`
	ErrorKind    string     `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	Attempts     int        `json:"attempts" db:"attempts"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	DurationMs   *int64     `json:"duration_ms,omitempty" db:"duration_ms"`
}

// LogLevel classifies a log entry.
type LogLevel string

const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// LogEntry is one append-only log line attached to an execution. Sequence is
// strictly increasing and dense per execution.
type LogEntry struct {
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	StepID      string    `json:"step_id,omitempty" db:"step_id"`
	Sequence    int64     `json:"sequence" db:"sequence"`
	Level       LogLevel  `json:"level" db:"level"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
	Message     string    `json:"message" db:"message"`
	Data        JSONMap   `json:"data,omitempty" db:"data"`
}

// ModelRoutingDecision records how one AI step was routed. Its lifecycle
// follows the owning StepRecord.
type ModelRoutingDecision struct {
	ExecutionID        string  `json:"execution_id" db:"execution_id"`
	StepID             string  `json:"step_id" db:"step_id"`
	ModelID            string  `json:"model_id" db:"model_id"`
	Provider           string  `json:"provider" db:"provider"`
	EstimatedCostCents float64 `json:"estimated_cost_cents" db:"estimated_cost_cents"`
	ActualCostCents    float64 `json:"actual_cost_cents" db:"actual_cost_cents"`
	PromptTokens       int     `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens   int     `json:"completion_tokens" db:"completion_tokens"`
	LatencyMs          int64   `json:"latency_ms" db:"latency_ms"`
	FallbackDepth      int     `json:"fallback_depth" db:"fallback_depth"`
}

// ExecutionSnapshot is a consistent read of an execution and its children.
type ExecutionSnapshot struct {
	Execution        *Execution             `json:"execution"`
	StepRecords      []*StepRecord          `json:"step_records"`
	RoutingDecisions []ModelRoutingDecision `json:"routing_decisions,omitempty"`
}

// JSONMap is an opaque JSON object persisted as a jsonb column.
type JSONMap map[string]any

// Clone returns a shallow copy so callers can mutate top-level keys safely.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
