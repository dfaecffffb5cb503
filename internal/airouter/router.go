package airouter

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/auterity/engine-go/internal/models"
)

// Config tunes the routing client.
type Config struct {
	// Retry tuning for transient failures against one model.
	RetryBase   time.Duration
	RetryFactor float64
	RetryJitter float64
	MaxAttempts int

	// MaxFallbackDepth bounds how many alternative models are tried after the
	// primary.
	MaxFallbackDepth int

	// ProviderDefaultTimeout applies when the model declares none.
	ProviderDefaultTimeout time.Duration

	// RateLimit is the per-provider, per-tenant token bucket.
	RateLimit rate.Limit
	RateBurst int

	Breaker BreakerConfig
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		RetryBase:              200 * time.Millisecond,
		RetryFactor:            2.0,
		RetryJitter:            0.25,
		MaxAttempts:            4,
		MaxFallbackDepth:       3,
		ProviderDefaultTimeout: 60 * time.Second,
		RateLimit:              rate.Limit(10),
		RateBurst:              20,
		Breaker:                DefaultBreakerConfig(),
	}
}

// Client routes AI requests across registered providers. It is stateless
// across calls; budgets and rulesets live behind the injected collaborators.
type Client struct {
	logger    *zap.Logger
	config    Config
	catalog   *Catalog
	rulesets  RulesetSource
	budgets   BudgetStore
	providers map[string]Provider

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	breakersMu sync.Mutex
	breakers   map[string]*providerBreaker

	// injectable for deterministic tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rng   *rand.Rand
	rngMu sync.Mutex
}

// NewClient builds a routing client.
func NewClient(logger *zap.Logger, cfg Config, catalog *Catalog, rulesets RulesetSource, budgets BudgetStore, providers []Provider) *Client {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Client{
		logger:    logger.With(zap.String("component", "ai-router")),
		config:    cfg,
		catalog:   catalog,
		rulesets:  rulesets,
		budgets:   budgets,
		providers: byName,
		limiters:  make(map[string]*rate.Limiter),
		breakers:  make(map[string]*providerBreaker),
		now:       time.Now,
		sleep:     sleepCtx,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Route selects a model for the request, invokes it with retry and fallback,
// and accounts the actual cost against the tenant's period spend.
func (c *Client) Route(ctx context.Context, req Request) (*Response, error) {
	ruleset, err := c.rulesets.ActiveRuleset(req.TenantID)
	if err != nil {
		return nil, models.WrapError(models.KindStoreUnavailable, "failed to load steering ruleset", err)
	}

	chain, estimate, err := c.selectChain(ctx, req, ruleset)
	if err != nil {
		return nil, err
	}

	resp := &Response{EstimatedCents: estimate}
	var lastErr error
	for depth, model := range chain {
		if depth > c.config.MaxFallbackDepth {
			break
		}
		text, usage, attempts, latencyMs, invokeErr := c.invokeWithRetry(ctx, req, model, resp)
		resp.TotalAttempts += attempts
		if invokeErr != nil {
			lastErr = invokeErr
			c.logger.Warn("model attempt chain failed, advancing fallback",
				zap.String("tenant_id", req.TenantID),
				zap.String("model_id", model.ID),
				zap.Int("fallback_depth", depth),
				zap.Error(invokeErr),
			)
			continue
		}

		actual := model.CostCents(usage)
		newSpend, spendErr := c.budgets.AddTenantSpend(ctx, req.TenantID, actual)
		if spendErr != nil {
			return nil, models.WrapError(models.KindStoreUnavailable, "failed to record tenant spend", spendErr)
		}

		resp.Text = text
		resp.ModelID = model.ID
		resp.Provider = model.Provider
		resp.Usage = usage
		resp.ActualCents = actual
		resp.LatencyMs = latencyMs
		resp.FallbackDepth = depth

		c.logger.Info("ai request routed",
			zap.String("tenant_id", req.TenantID),
			zap.String("model_id", model.ID),
			zap.Int("fallback_depth", depth),
			zap.Int("attempts", resp.TotalAttempts),
			zap.Float64("actual_cents", actual),
			zap.Float64("period_spend_cents", newSpend),
		)
		return resp, nil
	}

	if lastErr != nil {
		if kind, ok := models.KindOf(lastErr); ok && kind == models.KindTimeout {
			return nil, lastErr
		}
		return nil, models.WrapError(models.KindAIUnavailable, "all fallback models exhausted", lastErr)
	}
	return nil, models.NewError(models.KindAIUnavailable, "no model could serve the request")
}

// selectChain applies steering rules, the default selector and the budget
// check, returning the ordered model chain to attempt.
func (c *Client) selectChain(ctx context.Context, req Request, ruleset *Ruleset) ([]Model, float64, error) {
	acceptable := c.catalog.Acceptable(req)

	var primary Model
	var fallbacks []string
	matched := false
	if ruleset != nil {
		for _, rule := range ruleset.Rules {
			if !rule.Predicate.Matches(req, ruleset.TenantTier, c.now()) {
				continue
			}
			m, err := c.catalog.Lookup(rule.ModelID)
			if err != nil {
				return nil, 0, err
			}
			primary, fallbacks, matched = m, rule.Fallbacks, true
			break
		}
	}
	if !matched {
		if len(acceptable) == 0 {
			return nil, 0, models.NewError(models.KindModelNotFound, "no registered model satisfies the requested capabilities and cost ceiling")
		}
		primary = acceptable[0]
	}

	estimate := primary.EstimateCents(len(req.Prompt))

	// Budget check against the primary's estimate; downgrade swaps in the
	// cheapest acceptable model that still fits the remaining budget.
	spend, cap, err := c.budgets.TenantBudget(ctx, req.TenantID)
	if err != nil {
		return nil, 0, models.WrapError(models.KindStoreUnavailable, "failed to load tenant budget", err)
	}
	if cap > 0 && spend+estimate > cap {
		if ruleset.Policy() != BudgetDowngrade {
			return nil, 0, models.NewErrorf(models.KindBudgetExceeded,
				"estimated cost %.2f¢ exceeds remaining budget %.2f¢", estimate, cap-spend)
		}
		downgraded := false
		for _, m := range acceptable {
			e := m.EstimateCents(len(req.Prompt))
			if spend+e <= cap {
				primary, estimate, fallbacks = m, e, nil
				downgraded = true
				break
			}
		}
		if !downgraded {
			return nil, 0, models.NewErrorf(models.KindBudgetExceeded,
				"no acceptable model fits remaining budget %.2f¢", cap-spend)
		}
	}

	chain := []Model{primary}
	if len(fallbacks) > 0 {
		for _, id := range fallbacks {
			m, err := c.catalog.Lookup(id)
			if err != nil {
				return nil, 0, err
			}
			chain = append(chain, m)
		}
	} else {
		// Derive the fallback list from the selector: remaining acceptable
		// models, cheapest first.
		for _, m := range acceptable {
			if m.ID != primary.ID {
				chain = append(chain, m)
			}
		}
	}
	return chain, estimate, nil
}

// invokeWithRetry drives one model through the transient-retry loop. It
// returns the attempt count regardless of outcome so callers can account
// observable attempts across the fallback chain.
func (c *Client) invokeWithRetry(ctx context.Context, req Request, model Model, resp *Response) (string, Usage, int, int64, error) {
	provider, ok := c.providers[model.Provider]
	if !ok {
		return "", Usage{}, 0, 0, models.NewErrorf(models.KindModelNotFound, "no provider registered for %q", model.Provider)
	}

	breaker := c.breakerFor(model.Provider)
	if !breaker.CanExecute() {
		return "", Usage{}, 0, 0, models.NewErrorf(models.KindProviderUnavailable, "provider %s circuit is open", model.Provider)
	}

	timeout := model.DefaultTimeout
	if timeout <= 0 {
		timeout = c.config.ProviderDefaultTimeout
	}
	if req.MaxLatencyMs > 0 {
		if reqTimeout := time.Duration(req.MaxLatencyMs) * time.Millisecond; reqTimeout < timeout {
			timeout = reqTimeout
		}
	}

	var lastErr error
	attempts := 0
	for attempts < c.config.MaxAttempts {
		if err := c.waitRateLimit(ctx, req.TenantID, model.Provider); err != nil {
			return "", Usage{}, attempts, 0, models.WrapError(models.KindTimeout, "cancelled while rate limited", err)
		}

		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		start := c.now()
		text, usage, err := provider.Invoke(attemptCtx, model, req.Prompt)
		cancel()
		latencyMs := c.now().Sub(start).Milliseconds()
		resp.AttemptLatencies = append(resp.AttemptLatencies, AttemptLatency{
			ModelID:   model.ID,
			LatencyMs: latencyMs,
			Err:       errString(err),
		})

		if err == nil {
			breaker.RecordSuccess()
			return text, usage, attempts, latencyMs, nil
		}
		breaker.RecordFailure()
		lastErr = err

		if ctx.Err() != nil {
			return "", Usage{}, attempts, 0, models.WrapError(models.KindTimeout, "ai call cancelled", ctx.Err())
		}
		class, _ := classify(err)
		if class == FailurePermanent {
			return "", Usage{}, attempts, 0, err
		}
		if attempts < c.config.MaxAttempts {
			if err := c.sleep(ctx, c.backoff(attempts)); err != nil {
				return "", Usage{}, attempts, 0, models.WrapError(models.KindTimeout, "cancelled during retry backoff", err)
			}
		}
	}
	return "", Usage{}, attempts, 0, fmt.Errorf("retries exhausted for model %s: %w", model.ID, lastErr)
}

// backoff computes the delay before the next attempt: exponential with
// +/-jitter around the deterministic base.
func (c *Client) backoff(attempt int) time.Duration {
	delay := float64(c.config.RetryBase)
	for i := 1; i < attempt; i++ {
		delay *= c.config.RetryFactor
	}
	c.rngMu.Lock()
	jitter := 1 + c.config.RetryJitter*(2*c.rng.Float64()-1)
	c.rngMu.Unlock()
	return time.Duration(delay * jitter)
}

func (c *Client) waitRateLimit(ctx context.Context, tenantID, provider string) error {
	key := tenantID + "/" + provider
	c.limitersMu.Lock()
	limiter, ok := c.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(c.config.RateLimit, c.config.RateBurst)
		c.limiters[key] = limiter
	}
	c.limitersMu.Unlock()
	return limiter.Wait(ctx)
}

func (c *Client) breakerFor(provider string) *providerBreaker {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	b, ok := c.breakers[provider]
	if !ok {
		b = newProviderBreaker(c.config.Breaker, c.logger.With(zap.String("provider", provider)), c.now)
		c.breakers[provider] = b
	}
	return b
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
