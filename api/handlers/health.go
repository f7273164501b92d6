package handlers

import (
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/neuroedge/neuromesh/kernel"
	"github.com/neuroedge/neuromesh/mesh"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	directory *mesh.Directory
	fleet     *kernel.Fleet
	version   string
	started   time.Time
	logger    *zap.Logger
}

// NewHealthHandler builds the handler.
func NewHealthHandler(directory *mesh.Directory, fleet *kernel.Fleet, version string, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		directory: directory,
		fleet:     fleet,
		version:   version,
		started:   time.Now(),
		logger:    logger.With(zap.String("handler", "health")),
	}
}

// Live handles GET /healthz: a flat ok for load balancers.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready handles GET /ready: serving traffic is safe once the process is
// up; the directory and fleet carry no startup dependencies to probe.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, map[string]any{"ready": true})
}

// Version handles GET /version.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, map[string]any{
		"service": "neuromesh",
		"version": h.version,
		"go":      runtime.Version(),
	})
}

// Health handles GET /health with a richer snapshot.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, map[string]any{
		"status":       "ok",
		"service":      "neuromesh",
		"version":      h.version,
		"uptime_s":     int(time.Since(h.started).Seconds()),
		"goroutines":   runtime.NumGoroutine(),
		"nodes_online": h.directory.OnlineCount(),
		"kernels":      len(h.fleet.List()),
		"time":         time.Now().UTC().Format(time.RFC3339),
	})
}
