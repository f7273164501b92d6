package admission

import (
	"sync"

	"go.uber.org/zap"
)

// InflightGuard caps concurrently executing requests per resource
// class. Admission is non-blocking: over the cap, the caller is shed
// with 503 instead of queued.
type InflightGuard struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
	peaks  map[string]int
	logger *zap.Logger
}

// NewInflightGuard builds a guard with the given per-class ceiling.
// max <= 0 disables shedding.
func NewInflightGuard(max int, logger *zap.Logger) *InflightGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InflightGuard{
		max:    max,
		counts: make(map[string]int),
		peaks:  make(map[string]int),
		logger: logger.With(zap.String("component", "inflight")),
	}
}

// Acquire reserves a slot for the resource class. The returned release
// func is idempotent so completion and disconnect paths can both call
// it without double-decrementing.
func (g *InflightGuard) Acquire(class string) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.max > 0 && g.counts[class] >= g.max {
		g.logger.Warn("shedding request, inflight limit reached",
			zap.String("class", class),
			zap.Int("limit", g.max),
		)
		return nil, false
	}

	g.counts[class]++
	if g.counts[class] > g.peaks[class] {
		g.peaks[class] = g.counts[class]
	}

	var once sync.Once
	release = func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if g.counts[class] > 0 {
				g.counts[class]--
			}
		})
	}
	return release, true
}

// Current returns the live count for a resource class.
func (g *InflightGuard) Current(class string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[class]
}

// Peak returns the highest concurrency ever observed for a class.
func (g *InflightGuard) Peak(class string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peaks[class]
}

// Snapshot returns current counts per class for metrics scraping.
func (g *InflightGuard) Snapshot() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int, len(g.counts))
	for k, v := range g.counts {
		out[k] = v
	}
	return out
}
