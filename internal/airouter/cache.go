package airouter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RulesetLoader fetches the authoritative ruleset for a tenant, typically
// from the relational store.
type RulesetLoader func(ctx context.Context, tenantID string) (*Ruleset, error)

// CachedRulesets is a RulesetSource backed by Redis. Redis entries expire
// after the TTL and writers invalidate by deleting the key. On a Redis miss or
// read error the loader is consulted; when the loader fails, the last ruleset
// this process saw for the tenant is returned, whatever its age.
type CachedRulesets struct {
	client *redis.Client
	loader RulesetLoader
	logger *zap.Logger
	ttl    time.Duration

	mu       sync.RWMutex
	snapshot map[string]*Ruleset
}

// NewCachedRulesets builds the cache. TTL is clamped to 30s, the staleness
// bound the routing contract promises.
func NewCachedRulesets(client *redis.Client, loader RulesetLoader, ttl time.Duration, logger *zap.Logger) *CachedRulesets {
	if ttl <= 0 || ttl > 30*time.Second {
		ttl = 30 * time.Second
	}
	return &CachedRulesets{
		client:   client,
		loader:   loader,
		logger:   logger.With(zap.String("component", "ruleset-cache")),
		ttl:      ttl,
		snapshot: make(map[string]*Ruleset),
	}
}

func rulesetKey(tenantID string) string {
	return fmt.Sprintf("steering:ruleset:%s", tenantID)
}

// ActiveRuleset returns the tenant's steering ruleset, reading through the
// cache.
func (c *CachedRulesets) ActiveRuleset(tenantID string) (*Ruleset, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if c.client != nil {
		raw, err := c.client.Get(ctx, rulesetKey(tenantID)).Result()
		if err == nil {
			var rs Ruleset
			if jsonErr := json.Unmarshal([]byte(raw), &rs); jsonErr == nil {
				c.remember(tenantID, &rs)
				return &rs, nil
			}
		} else if err != redis.Nil {
			c.logger.Warn("ruleset cache read failed, falling back to loader",
				zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}

	rs, err := c.loader(ctx, tenantID)
	if err != nil {
		// A stale local snapshot beats failing the AI step outright.
		if cached := c.recall(tenantID); cached != nil {
			return cached, nil
		}
		return nil, fmt.Errorf("failed to load steering ruleset for tenant %s: %w", tenantID, err)
	}
	c.remember(tenantID, rs)

	if c.client != nil && rs != nil {
		if raw, jsonErr := json.Marshal(rs); jsonErr == nil {
			if setErr := c.client.Set(ctx, rulesetKey(tenantID), raw, c.ttl).Err(); setErr != nil {
				c.logger.Debug("ruleset cache write failed", zap.Error(setErr))
			}
		}
	}
	return rs, nil
}

// Invalidate drops the cached ruleset after a mutation.
func (c *CachedRulesets) Invalidate(ctx context.Context, tenantID string) error {
	c.mu.Lock()
	delete(c.snapshot, tenantID)
	c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, rulesetKey(tenantID)).Err()
}

func (c *CachedRulesets) remember(tenantID string, rs *Ruleset) {
	c.mu.Lock()
	c.snapshot[tenantID] = rs
	c.mu.Unlock()
}

func (c *CachedRulesets) recall(tenantID string) *Ruleset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot[tenantID]
}

const catalogKey = "model:catalog"

// FetchCatalog reads the published model catalog (ids, capabilities, rates)
// from Redis, where the model registry publishes it.
func FetchCatalog(ctx context.Context, client *redis.Client) ([]Model, error) {
	raw, err := client.Get(ctx, catalogKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read model catalog: %w", err)
	}
	var ms []Model
	if err := json.Unmarshal([]byte(raw), &ms); err != nil {
		return nil, fmt.Errorf("model catalog is corrupt: %w", err)
	}
	return ms, nil
}

// RefreshCatalog polls the registry's published catalog and swaps it into the
// live catalog, keeping rates within the staleness bound.
func RefreshCatalog(ctx context.Context, client *redis.Client, catalog *Catalog, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 || interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ms, err := FetchCatalog(ctx, client)
			if err != nil {
				logger.Warn("model catalog refresh failed", zap.Error(err))
				continue
			}
			if len(ms) > 0 {
				catalog.Replace(ms)
			}
		}
	}
}

// StaticRulesets is a RulesetSource for tests and single-tenant deployments.
type StaticRulesets map[string]*Ruleset

// ActiveRuleset returns the configured ruleset, or an empty one so the
// default selector applies.
func (s StaticRulesets) ActiveRuleset(tenantID string) (*Ruleset, error) {
	if rs, ok := s[tenantID]; ok {
		return rs, nil
	}
	return &Ruleset{TenantID: tenantID}, nil
}
