package airouter

import (
	"time"
)

// PromptLengthBucket classifies a prompt for predicate matching.
type PromptLengthBucket string

const (
	PromptShort  PromptLengthBucket = "short"  // < 500 chars
	PromptMedium PromptLengthBucket = "medium" // 500..4000 chars
	PromptLong   PromptLengthBucket = "long"   // > 4000 chars
)

// BucketForPrompt maps a prompt to its length bucket.
func BucketForPrompt(prompt string) PromptLengthBucket {
	switch n := len(prompt); {
	case n < 500:
		return PromptShort
	case n <= 4000:
		return PromptMedium
	default:
		return PromptLong
	}
}

// Predicate matches request attributes. Zero-valued fields are wildcards; all
// set fields must match.
type Predicate struct {
	PromptLength PromptLengthBucket `json:"prompt_length,omitempty"`
	Capability   string             `json:"capability,omitempty"`
	TenantTier   string             `json:"tenant_tier,omitempty"`
	HourFrom     *int               `json:"hour_from,omitempty"`
	HourTo       *int               `json:"hour_to,omitempty"`
}

// Matches evaluates the predicate against a request. The hour window is
// half-open [from, to) in UTC.
func (p Predicate) Matches(req Request, tier string, now time.Time) bool {
	if p.PromptLength != "" && BucketForPrompt(req.Prompt) != p.PromptLength {
		return false
	}
	if p.Capability != "" {
		found := false
		for _, c := range req.PreferredCapabilities {
			if c == p.Capability {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if p.TenantTier != "" && p.TenantTier != tier {
		return false
	}
	if p.HourFrom != nil && p.HourTo != nil {
		h := now.UTC().Hour()
		if h < *p.HourFrom || h >= *p.HourTo {
			return false
		}
	}
	return true
}

// Rule pairs a predicate with a model selector. Rules are evaluated in order;
// the first match wins.
type Rule struct {
	Predicate Predicate `json:"predicate"`
	ModelID   string    `json:"model_id"`
	Fallbacks []string  `json:"fallbacks,omitempty"`
}

// Ruleset is a tenant's active steering configuration.
type Ruleset struct {
	TenantID     string       `json:"tenant_id"`
	TenantTier   string       `json:"tenant_tier,omitempty"`
	Rules        []Rule       `json:"rules,omitempty"`
	OnBudgetNear BudgetPolicy `json:"on_budget_near,omitempty"`
}

// Policy returns the ruleset's budget policy, defaulting to reject.
func (rs *Ruleset) Policy() BudgetPolicy {
	if rs != nil && rs.OnBudgetNear == BudgetDowngrade {
		return BudgetDowngrade
	}
	return BudgetReject
}

// RulesetSource provides the active steering ruleset for a tenant. The Redis
// cache implementation bounds staleness to the configured TTL.
type RulesetSource interface {
	ActiveRuleset(tenantID string) (*Ruleset, error)
}
