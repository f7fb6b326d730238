package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BucketConfig defines one token bucket. Parameters come from configuration,
// never compile-time constants.
type BucketConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Manager holds one token bucket per endpoint class. The refresh job and the
// hot-path scan consume different classes so background work cannot starve a
// live scan.
type Manager struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
	configs map[string]BucketConfig
}

// NewManager creates an empty rate limiter manager.
func NewManager() *Manager {
	return &Manager{
		buckets: make(map[string]*rate.Limiter),
		configs: make(map[string]BucketConfig),
	}
}

// AddClass registers a bucket for an endpoint class, replacing any existing one.
func (m *Manager) AddClass(class string, cfg BucketConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.configs[class] = cfg
	m.buckets[class] = rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
}

// Wait blocks until a request for the class is allowed or the context ends.
// Unknown classes are allowed immediately.
func (m *Manager) Wait(ctx context.Context, class string) error {
	m.mu.RLock()
	limiter, exists := m.buckets[class]
	m.mu.RUnlock()

	if !exists {
		return nil
	}
	return limiter.Wait(ctx)
}

// Allow reports whether a request for the class would be admitted right now.
func (m *Manager) Allow(class string) bool {
	m.mu.RLock()
	limiter, exists := m.buckets[class]
	m.mu.RUnlock()

	if !exists {
		return true
	}
	return limiter.Allow()
}

// Stats describes the current state of one bucket.
type Stats struct {
	Class           string        `json:"class"`
	RPS             float64       `json:"rps"`
	Burst           int           `json:"burst"`
	TokensAvailable float64       `json:"tokens_available"`
	Delay           time.Duration `json:"delay"`
}

// IsThrottled reports whether the bucket would delay the next request.
func (s Stats) IsThrottled() bool {
	return s.Delay > 0
}

// Snapshot returns per-class bucket statistics.
func (m *Manager) Snapshot() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats, len(m.buckets))
	for class, limiter := range m.buckets {
		reservation := limiter.Reserve()
		delay := reservation.Delay()
		reservation.Cancel()

		cfg := m.configs[class]
		stats[class] = Stats{
			Class:           class,
			RPS:             cfg.RPS,
			Burst:           cfg.Burst,
			TokensAvailable: limiter.Tokens(),
			Delay:           delay,
		}
	}
	return stats
}
