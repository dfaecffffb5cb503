package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	// Workflow execution metrics
	ExecutionsStarted   *prometheus.CounterVec
	ExecutionsCompleted *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	ActiveExecutions    *prometheus.GaugeVec

	// Step execution metrics
	StepsTotal *prometheus.CounterVec

	// AI routing metrics
	AIRoutesTotal    *prometheus.CounterVec
	AIFallbackDepth  *prometheus.HistogramVec
	TenantSpendCents *prometheus.CounterVec

	// Event bus metrics
	EventsPublished *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance registered on the default
// registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates a Metrics instance on an explicit registerer; tests
// pass a fresh registry to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExecutionsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_executions_started_total",
				Help: "Total number of workflow executions started",
			},
			[]string{"tenant_id"},
		),

		ExecutionsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_executions_completed_total",
				Help: "Total number of workflow executions reaching a terminal state",
			},
			[]string{"tenant_id", "status"},
		),

		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_execution_duration_seconds",
				Help:    "Duration of workflow executions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 900, 3600},
			},
			[]string{"tenant_id"},
		),

		ActiveExecutions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "workflow_active_executions",
				Help: "Number of currently active workflow executions",
			},
			[]string{"tenant_id"},
		),

		StepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_steps_total",
				Help: "Total number of step dispatch outcomes",
			},
			[]string{"tenant_id", "step_type", "status"},
		),

		AIRoutesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_routes_total",
				Help: "Total number of AI routing decisions",
			},
			[]string{"tenant_id", "model_id"},
		),

		AIFallbackDepth: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ai_route_fallback_depth",
				Help:    "Fallback depth of AI routing decisions",
				Buckets: []float64{0, 1, 2, 3},
			},
			[]string{"tenant_id"},
		),

		TenantSpendCents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_tenant_spend_cents_total",
				Help: "Accumulated AI spend in cents",
			},
			[]string{"tenant_id"},
		),

		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "execution_events_published_total",
				Help: "Total number of events published on the internal bus",
			},
			[]string{"type"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"component", "error_kind"},
		),
	}
}

// RecordExecutionStarted increments the executions started counter
func (m *Metrics) RecordExecutionStarted(tenantID string) {
	m.ExecutionsStarted.WithLabelValues(tenantID).Inc()
	m.ActiveExecutions.WithLabelValues(tenantID).Inc()
}

// RecordExecutionCompleted increments the terminal-state counter
func (m *Metrics) RecordExecutionCompleted(tenantID, status string) {
	m.ExecutionsCompleted.WithLabelValues(tenantID, status).Inc()
	m.ActiveExecutions.WithLabelValues(tenantID).Dec()
}

// ObserveExecutionDuration records the duration of a workflow execution
func (m *Metrics) ObserveExecutionDuration(tenantID string, duration time.Duration) {
	m.ExecutionDuration.WithLabelValues(tenantID).Observe(duration.Seconds())
}

// RecordStep records a step dispatch outcome
func (m *Metrics) RecordStep(tenantID, stepType, status string) {
	m.StepsTotal.WithLabelValues(tenantID, stepType, status).Inc()
}

// RecordAIRoute records one AI routing decision
func (m *Metrics) RecordAIRoute(tenantID, modelID string, fallbackDepth int, costCents float64) {
	m.AIRoutesTotal.WithLabelValues(tenantID, modelID).Inc()
	m.AIFallbackDepth.WithLabelValues(tenantID).Observe(float64(fallbackDepth))
	m.TenantSpendCents.WithLabelValues(tenantID).Add(costCents)
}

// RecordEvent records an event published on the internal bus
func (m *Metrics) RecordEvent(eventType string) {
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordError records an error metric
func (m *Metrics) RecordError(component, errorKind string) {
	m.ErrorsTotal.WithLabelValues(component, errorKind).Inc()
}
