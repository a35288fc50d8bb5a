package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/tern/config"
	"github.com/migadu/tern/pkg/metrics"
)

// RateLimitResult reports the outcome of one admission check. It is produced
// fresh per call and never persisted; the counter state lives in the store.
type RateLimitResult struct {
	Admitted     bool
	CurrentValue int64
	TTLRemaining time.Duration
}

// CounterStore provides atomic fixed-window counters keyed by string. The
// first increment within a window arms a TTL equal to the window; the counter
// vanishes when the TTL expires. Implementations must be safe for concurrent
// use across transactions.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// RateLimiter applies fixed-window rate limits keyed by (purpose, identity).
// A purpose with no entry in the configured table is never limited. This is a
// fixed-window counter, not a leaky bucket: a burst straddling a window
// boundary can reach twice the nominal rate, accepted for O(1) state.
type RateLimiter struct {
	limits *config.LimitsConfig
	store  CounterStore
}

func NewRateLimiter(limits *config.LimitsConfig, store CounterStore) *RateLimiter {
	return &RateLimiter{limits: limits, store: store}
}

// Admit checks and consumes one admission slot for identity under purpose,
// using the limit configured for the purpose.
func (r *RateLimiter) Admit(ctx context.Context, purpose, identity string) (RateLimitResult, error) {
	return r.AdmitWithLimit(ctx, purpose, identity, 0)
}

// AdmitWithLimit is Admit with a caller-supplied limit override, used where
// the budget is per-account rather than global (forward fan-out). A zero
// override falls back to the configured limit for the purpose.
func (r *RateLimiter) AdmitWithLimit(ctx context.Context, purpose, identity string, limitOverride int) (RateLimitResult, error) {
	limit, window, configured := r.limits.LimitFor(purpose)
	if limitOverride > 0 {
		limit = limitOverride
		if !configured {
			w, err := r.limits.GetDefaultWindow()
			if err != nil {
				w = time.Hour
			}
			window = w
		}
	} else if !configured {
		// Unconfigured purpose: always admit.
		return RateLimitResult{Admitted: true}, nil
	}

	count, ttl, err := r.store.Increment(ctx, purpose+":"+identity, window)
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("rate counter increment failed: %w", err)
	}

	result := RateLimitResult{
		Admitted:     count <= int64(limit),
		CurrentValue: count,
		TTLRemaining: ttl,
	}

	decision := "admit"
	if !result.Admitted {
		decision = "deny"
	}
	metrics.RateLimitDecisions.WithLabelValues(purpose, decision).Inc()

	return result, nil
}

// MemoryCounterStore is an in-process CounterStore. It serves single-node
// deployments and tests; multi-node setups use the database-backed store so
// all front ends share one counter space.
type MemoryCounterStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
}

type memoryWindow struct {
	count   int64
	expires time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{windows: make(map[string]*memoryWindow)}
}

func (m *MemoryCounterStore) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || now.After(w.expires) {
		w = &memoryWindow{expires: now.Add(window)}
		m.windows[key] = w
	}
	w.count++

	// Opportunistically drop expired windows to bound memory.
	if len(m.windows) > 1024 {
		for k, win := range m.windows {
			if now.After(win.expires) {
				delete(m.windows, k)
			}
		}
	}

	return w.count, w.expires.Sub(now), nil
}
