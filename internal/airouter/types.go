package airouter

import (
	"context"
	"time"
)

// Request describes one AI invocation to be routed.
type Request struct {
	TenantID              string
	Prompt                string
	PreferredCapabilities []string
	MaxCostCents          float64
	MaxLatencyMs          int64
}

// Usage is the token accounting reported by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is the routed result surfaced to the ai step handler.
type Response struct {
	Text             string
	ModelID          string
	Provider         string
	Usage            Usage
	EstimatedCents   float64
	ActualCents      float64
	LatencyMs        int64
	FallbackDepth    int
	TotalAttempts    int
	AttemptLatencies []AttemptLatency
}

// AttemptLatency records one provider attempt for diagnostics.
type AttemptLatency struct {
	ModelID   string
	LatencyMs int64
	Err       string
}

// Router selects a model per steering rules and budget, invokes the provider,
// and accounts cost. Implementations are stateless across calls.
type Router interface {
	Route(ctx context.Context, req Request) (*Response, error)
}

// Model is one entry in the model catalog.
type Model struct {
	ID                       string        `json:"id"`
	Provider                 string        `json:"provider"`
	Capabilities             []string      `json:"capabilities"`
	CostPer1KPromptCents     float64       `json:"cost_per_1k_prompt_cents"`
	CostPer1KCompletionCents float64       `json:"cost_per_1k_completion_cents"`
	QualityScore             float64       `json:"quality_score"`
	DefaultTimeout           time.Duration `json:"default_timeout"`
}

// HasCapabilities reports whether the model's declared capabilities cover all
// of the requested ones.
func (m Model) HasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range m.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// EstimateCents estimates cost for a prompt of the given length, assuming the
// completion is comparable in size. Estimation is conservative on purpose:
// budgets are checked against it before the call is made.
func (m Model) EstimateCents(promptChars int) float64 {
	// ~4 chars per token
	tokens := float64(promptChars) / 4
	return (tokens*m.CostPer1KPromptCents + tokens*m.CostPer1KCompletionCents) / 1000
}

// CostCents computes the actual cost of a response from published rates.
func (m Model) CostCents(u Usage) float64 {
	return (float64(u.PromptTokens)*m.CostPer1KPromptCents +
		float64(u.CompletionTokens)*m.CostPer1KCompletionCents) / 1000
}

// BudgetPolicy selects what happens when a selection would exceed the cap.
type BudgetPolicy string

const (
	BudgetDowngrade BudgetPolicy = "downgrade"
	BudgetReject    BudgetPolicy = "reject"
)

// BudgetStore exposes the tenant spend ledger. The engine's Execution Store
// implements it; the increment is atomic under a row lock.
type BudgetStore interface {
	TenantBudget(ctx context.Context, tenantID string) (spendCents, capCents float64, err error)
	AddTenantSpend(ctx context.Context, tenantID string, cents float64) (newSpendCents float64, err error)
}
