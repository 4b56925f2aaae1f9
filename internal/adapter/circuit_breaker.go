package adapter

import (
	"sync"
	"time"
)

// CircuitBreakerConfig holds tunable parameters for the CircuitBreaker.
type CircuitBreakerConfig struct {
	// StaleThreshold is the maximum silence on the feed before the book is
	// considered stale. level2_batch publishes every 50ms on an active
	// market. Default: 5s.
	StaleThreshold time.Duration

	// CoolOff is how long after a snapshot the book is reported as still
	// settling. Default: 1s.
	CoolOff time.Duration
}

// DefaultCircuitBreakerConfig returns production-tuned defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		StaleThreshold: 5 * time.Second,
		CoolOff:        time.Second,
	}
}

// Reasons returned by Healthy.
const (
	ReasonOK            = "ok"
	ReasonNoFeed        = "no feed attached"
	ReasonNotStreaming  = "feed not streaming"
	ReasonAwaitSnapshot = "awaiting snapshot"
	ReasonStale         = "book stale"
	ReasonCoolingOff    = "resynchronising"
)

// CircuitBreaker decides whether the book can be trusted by readers. It
// combines the feed's connection state with how recently the book was
// written to:
//   - the feed must be Streaming
//   - a snapshot must have been applied
//   - the last event must be within StaleThreshold
//   - CoolOff must have passed since the last snapshot
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	feedMu sync.RWMutex
	feed   StateReader

	mu          sync.RWMutex
	lastEvent   time.Time
	snapshotAt  time.Time
	hasSnapshot bool

	nowFunc func() time.Time // injectable clock for testing
}

// NewCircuitBreaker creates a CircuitBreaker. Attach the feed with Watch.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:     cfg,
		nowFunc: time.Now,
	}
}

// Watch registers the feed whose State gates health.
func (cb *CircuitBreaker) Watch(feed StateReader) {
	cb.feedMu.Lock()
	cb.feed = feed
	cb.feedMu.Unlock()
}

// RecordSnapshot notes that the book was reset from a snapshot.
func (cb *CircuitBreaker) RecordSnapshot() {
	now := cb.nowFunc()
	cb.mu.Lock()
	cb.lastEvent = now
	cb.snapshotAt = now
	cb.hasSnapshot = true
	cb.mu.Unlock()
}

// RecordUpdate notes that a delta batch was applied.
func (cb *CircuitBreaker) RecordUpdate() {
	now := cb.nowFunc()
	cb.mu.Lock()
	cb.lastEvent = now
	cb.mu.Unlock()
}

// Healthy reports whether the book is live, with a short reason when not.
func (cb *CircuitBreaker) Healthy() (bool, string) {
	cb.feedMu.RLock()
	feed := cb.feed
	cb.feedMu.RUnlock()

	if feed == nil {
		return false, ReasonNoFeed
	}
	if feed.State() != StateStreaming {
		return false, ReasonNotStreaming
	}

	now := cb.nowFunc()

	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if !cb.hasSnapshot {
		return false, ReasonAwaitSnapshot
	}
	if now.Sub(cb.lastEvent) > cb.cfg.StaleThreshold {
		return false, ReasonStale
	}
	if now.Sub(cb.snapshotAt) < cb.cfg.CoolOff {
		return false, ReasonCoolingOff
	}
	return true, ReasonOK
}
