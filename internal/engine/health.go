package engine

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Pinger is anything whose connectivity the health endpoint reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// DependencyStatus is one dependency's health.
type DependencyStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// HealthReport is the aggregate health response.
type HealthReport struct {
	Healthy      bool               `json:"healthy"`
	Dependencies []DependencyStatus `json:"dependencies"`
}

// HealthChecker pings registered dependencies for the readiness endpoint.
type HealthChecker struct {
	logger *zap.Logger
	checks map[string]Pinger
}

// NewHealthChecker builds a checker.
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		logger: logger.With(zap.String("component", "health")),
		checks: make(map[string]Pinger),
	}
}

// Register adds a named dependency.
func (h *HealthChecker) Register(name string, p Pinger) {
	h.checks[name] = p
}

// Check pings every dependency with a bounded timeout.
func (h *HealthChecker) Check(ctx context.Context) HealthReport {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	report := HealthReport{Healthy: true}
	for _, name := range names {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := h.checks[name].Ping(pingCtx)
		cancel()

		status := DependencyStatus{Name: name, Healthy: err == nil}
		if err != nil {
			status.Message = err.Error()
			report.Healthy = false
			h.logger.Warn("dependency unhealthy", zap.String("dependency", name), zap.Error(err))
		}
		report.Dependencies = append(report.Dependencies, status)
	}
	return report
}
