package kernel

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/neuroedge/neuromesh/config"
	"github.com/neuroedge/neuromesh/store"
	"github.com/neuroedge/neuromesh/types"
)

const fleetStateKey = "kernels"

// Kernel status values: ready serves traffic, degraded answers its
// health probe but reports trouble, offline is unreachable.
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusOffline  = "offline"
)

// Backend is one registered kernel and its last observed health.
type Backend struct {
	ID           string    `json:"id"`
	BaseURL      string    `json:"base_url"`
	Status       string    `json:"status,omitempty"`
	Version      string    `json:"version,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Healthy      bool      `json:"healthy"`
	LastCheck    time.Time `json:"last_check,omitempty"`
	Inflight     int       `json:"inflight"`
}

// HealthStatus is the fan-out probe result for one backend.
type HealthStatus struct {
	ID           string   `json:"id"`
	Status       string   `json:"status"`
	Healthy      bool     `json:"healthy"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Fleet tracks kernel backends and routes commands to them. Membership
// survives restarts through the state store; health is runtime-only.
type Fleet struct {
	mu       sync.Mutex
	backends map[string]*Backend
	clients  map[string]*Client
	cfg      config.KernelsConfig
	backing  store.StateStore
	logger   *zap.Logger
}

// NewFleet restores persisted membership, then folds in the statically
// configured backends.
func NewFleet(cfg config.KernelsConfig, backing store.StateStore, logger *zap.Logger) (*Fleet, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &Fleet{
		backends: make(map[string]*Backend),
		clients:  make(map[string]*Client),
		cfg:      cfg,
		backing:  backing,
		logger:   logger.With(zap.String("component", "kernel-fleet")),
	}

	var persisted []Backend
	err := store.GetKey(context.Background(), backing, fleetStateKey, &persisted)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	for _, b := range persisted {
		f.addLocked(b.ID, b.BaseURL)
	}
	for _, entry := range cfg.Backends {
		f.addLocked(entry.ID, entry.BaseURL)
	}

	f.logger.Info("kernel fleet ready", zap.Int("backends", len(f.backends)))
	return f, nil
}

// AddKernel registers a backend. Re-adding an existing id with the same
// URL is a no-op; a new URL replaces the client. Membership is persisted.
func (f *Fleet) AddKernel(ctx context.Context, id, baseURL string) error {
	f.mu.Lock()
	existing, ok := f.backends[id]
	changed := !ok || existing.BaseURL != baseURL
	f.addLocked(id, baseURL)
	snapshot := f.membershipLocked()
	f.mu.Unlock()

	if !changed {
		return nil
	}

	f.logger.Info("kernel registered", zap.String("kernel_id", id), zap.String("base_url", baseURL))
	if err := store.SetKey(ctx, f.backing, fleetStateKey, snapshot); err != nil {
		return err
	}
	return f.backing.AppendEvent(ctx, "kernel_added", map[string]string{"id": id, "base_url": baseURL})
}

// List returns backend snapshots, id-sorted.
func (f *Fleet) List() []Backend {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Backend, 0, len(f.backends))
	for _, b := range f.backends {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SendCommand routes one command to the named kernel. There is no
// retry; the caller decides whether a failure is worth repeating.
func (f *Fleet) SendCommand(ctx context.Context, id string, cmd types.Command) (types.ExecResult, *types.Error) {
	f.mu.Lock()
	client, ok := f.clients[id]
	if ok {
		f.backends[id].Inflight++
	}
	f.mu.Unlock()

	if !ok {
		return types.ExecResult{}, types.NewError(types.ErrKernelNotFound, "unknown kernel: "+id).
			WithHTTPStatus(http.StatusNotFound)
	}
	defer f.settle(id)

	result, err := client.Send(ctx, cmd)
	if err != nil {
		f.markHealth(id, false)
		return types.ExecResult{}, types.NewError(types.ErrUpstreamError, err.Error()).
			WithCause(err).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
	}
	f.markHealth(id, true)
	return result, nil
}

// SendCommandBalanced routes to the healthy backend with the fewest
// inflight calls. Unknown health counts as healthy so a fresh fleet is
// immediately usable.
func (f *Fleet) SendCommandBalanced(ctx context.Context, cmd types.Command) (types.ExecResult, *types.Error) {
	f.mu.Lock()
	var pick *Backend
	for _, b := range f.backends {
		if b.LastCheck.IsZero() || b.Healthy {
			if pick == nil || b.Inflight < pick.Inflight ||
				(b.Inflight == pick.Inflight && b.ID < pick.ID) {
				pick = b
			}
		}
	}
	var id string
	if pick != nil {
		id = pick.ID
	}
	f.mu.Unlock()

	if id == "" {
		return types.ExecResult{}, types.NewError(types.ErrUpstreamUnavailable, "no healthy kernel available").
			WithHTTPStatus(http.StatusServiceUnavailable).WithRetryable(true)
	}
	return f.SendCommand(ctx, id, cmd)
}

// AllHealth probes every backend concurrently and records the outcome.
func (f *Fleet) AllHealth(ctx context.Context) []HealthStatus {
	f.mu.Lock()
	ids := make([]string, 0, len(f.clients))
	for id := range f.clients {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	sort.Strings(ids)

	results := make([]HealthStatus, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for i, id := range ids {
		g.Go(func() error {
			f.mu.Lock()
			client := f.clients[id]
			f.mu.Unlock()

			info, err := client.Health(gctx)
			status := HealthStatus{
				ID:           id,
				Status:       info.Status,
				Healthy:      info.Status == StatusReady,
				Version:      info.Version,
				Capabilities: info.Capabilities,
			}
			if err != nil {
				status.Error = err.Error()
			}
			f.recordProbe(status)
			results[i] = status
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (f *Fleet) addLocked(id, baseURL string) {
	if id == "" || baseURL == "" {
		return
	}
	if b, ok := f.backends[id]; ok {
		if b.BaseURL == baseURL {
			return
		}
		b.BaseURL = baseURL
	} else {
		f.backends[id] = &Backend{ID: id, BaseURL: baseURL}
	}
	f.clients[id] = NewClient(baseURL, f.cfg.APIKey, f.cfg.CallTimeout)
}

func (f *Fleet) membershipLocked() []Backend {
	out := make([]Backend, 0, len(f.backends))
	for _, b := range f.backends {
		out = append(out, Backend{ID: b.ID, BaseURL: b.BaseURL})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Fleet) settle(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.backends[id]; ok && b.Inflight > 0 {
		b.Inflight--
	}
}

func (f *Fleet) markHealth(id string, healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.backends[id]; ok {
		b.Healthy = healthy
		if healthy {
			b.Status = StatusReady
		} else {
			b.Status = StatusOffline
		}
		b.LastCheck = time.Now().UTC()
	}
}

// recordProbe folds an AllHealth result into the backend record so the
// membership list carries the kernel's advertised version and
// capabilities.
func (f *Fleet) recordProbe(s HealthStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.backends[s.ID]
	if !ok {
		return
	}
	b.Healthy = s.Healthy
	b.Status = s.Status
	b.LastCheck = time.Now().UTC()
	if s.Version != "" {
		b.Version = s.Version
	}
	if s.Capabilities != nil {
		b.Capabilities = append([]string(nil), s.Capabilities...)
	}
}
