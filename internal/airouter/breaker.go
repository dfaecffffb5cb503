package airouter

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// breakerState is the current state of a provider circuit breaker.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// DefaultBreakerConfig returns the default per-provider breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 3,
	}
}

// providerBreaker is a circuit breaker guarding one provider. An open breaker
// makes the router advance directly to the next fallback model instead of
// burning retry attempts against a dead upstream.
type providerBreaker struct {
	config BreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu           sync.Mutex
	state        breakerState
	failureCount int
	successCount int
	lastFailure  time.Time
}

func newProviderBreaker(cfg BreakerConfig, logger *zap.Logger, now func() time.Time) *providerBreaker {
	return &providerBreaker{config: cfg, logger: logger, now: now}
}

// CanExecute reports whether a call may be attempted right now.
func (b *providerBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed, breakerHalfOpen:
		return true
	case breakerOpen:
		if b.now().Sub(b.lastFailure) >= b.config.RecoveryTimeout {
			b.state = breakerHalfOpen
			b.successCount = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess feeds a successful call into the breaker.
func (b *providerBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.state = breakerClosed
			b.failureCount = 0
			b.logger.Info("provider circuit closed, upstream recovered")
		}
	case breakerClosed:
		b.failureCount = 0
	}
}

// RecordFailure feeds a failed call into the breaker.
func (b *providerBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = b.now()

	if b.state == breakerClosed && b.failureCount >= b.config.FailureThreshold {
		b.state = breakerOpen
		b.logger.Warn("provider circuit opened",
			zap.Int("failure_count", b.failureCount),
			zap.Int("threshold", b.config.FailureThreshold),
		)
	} else if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.successCount = 0
		b.logger.Warn("provider circuit reopened, failure in half-open state")
	}
}
