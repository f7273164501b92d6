package admission

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/neuroedge/neuromesh/config"
)

// RateLimiter enforces per-identity sliding windows, one policy per
// route class. The key is routeClass|org|workspace|subject so tenants
// never contend on each other's budget.
type RateLimiter struct {
	mu      sync.Mutex
	classes map[string]config.RouteClassLimit
	windows map[string][]time.Time
	now     func() time.Time
	logger  *zap.Logger
}

// RateDecision reports whether the request was admitted and, when it
// was not, how long the caller should wait before the oldest counted
// request leaves the window.
type RateDecision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
}

// NewRateLimiter builds a limiter from per-class limits.
func NewRateLimiter(classes map[string]config.RouteClassLimit, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		classes: classes,
		windows: make(map[string][]time.Time),
		now:     time.Now,
		logger:  logger.With(zap.String("component", "ratelimit")),
	}
}

// Allow records the request against the identity's window for the route
// class and admits it if the window still has room. Unknown route
// classes are unlimited.
func (rl *RateLimiter) Allow(routeClass, identity string) RateDecision {
	limit, ok := rl.classes[routeClass]
	if !ok || limit.MaxRequests <= 0 {
		return RateDecision{Allowed: true}
	}

	window := time.Duration(limit.WindowMS) * time.Millisecond
	key := routeClass + "|" + identity

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-window)

	entries := rl.windows[key]
	kept := entries[:0]
	for _, t := range entries {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit.MaxRequests {
		rl.windows[key] = kept
		// The slot frees when the oldest surviving entry ages out.
		retryAfter := kept[0].Add(window).Sub(now)
		if retryAfter < time.Millisecond {
			retryAfter = time.Millisecond
		}
		rl.logger.Debug("rate limit exceeded",
			zap.String("route_class", routeClass),
			zap.String("identity", identity),
			zap.Duration("retry_after", retryAfter),
		)
		return RateDecision{Allowed: false, RetryAfter: retryAfter}
	}

	kept = append(kept, now)
	rl.windows[key] = kept
	return RateDecision{Allowed: true, Remaining: limit.MaxRequests - len(kept)}
}

// Prune drops identities whose windows have fully expired. Called
// periodically so idle tenants do not pin memory.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, entries := range rl.windows {
		routeClass, _, _ := splitKey(key)
		limit, ok := rl.classes[routeClass]
		if !ok {
			delete(rl.windows, key)
			removed++
			continue
		}
		cutoff := now.Add(-time.Duration(limit.WindowMS) * time.Millisecond)
		live := false
		for _, t := range entries {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(rl.windows, key)
			removed++
		}
	}
	return removed
}

func splitKey(key string) (routeClass, rest string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:], true
		}
	}
	return key, "", false
}
