package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/neuroedge/neuromesh/kernel"
	"github.com/neuroedge/neuromesh/types"
)

// KernelsHandler serves fleet membership and health.
type KernelsHandler struct {
	fleet  *kernel.Fleet
	logger *zap.Logger
}

// NewKernelsHandler builds the handler.
func NewKernelsHandler(fleet *kernel.Fleet, logger *zap.Logger) *KernelsHandler {
	return &KernelsHandler{
		fleet:  fleet,
		logger: logger.With(zap.String("handler", "kernels")),
	}
}

// Handle serves GET and POST /kernels. GET returns the health snapshot
// map; POST registers a backend and returns the same snapshot.
func (h *KernelsHandler) Handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.health(w, r)
	case http.MethodPost:
		h.register(w, r)
	default:
		WriteErrorMessage(w, r, http.StatusMethodNotAllowed, types.ErrInvalidRequest,
			"method not allowed", h.logger)
	}
}

func (h *KernelsHandler) health(w http.ResponseWriter, r *http.Request) {
	statuses := h.fleet.AllHealth(r.Context())

	snapshot := make(map[string]any, len(statuses))
	for _, s := range statuses {
		entry := map[string]any{"status": s.Status, "healthy": s.Healthy}
		if s.Version != "" {
			entry["version"] = s.Version
		}
		if len(s.Capabilities) > 0 {
			entry["capabilities"] = s.Capabilities
		}
		if s.Error != "" {
			entry["error"] = s.Error
		}
		snapshot[s.ID] = entry
	}
	WriteSuccess(w, r, map[string]any{"kernels": snapshot, "count": len(statuses)})
}

func (h *KernelsHandler) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string `json:"id"`
		BaseURL string `json:"base_url"`
	}
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.ID == "" || req.BaseURL == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest,
			"id and base_url are required", h.logger)
		return
	}

	if err := h.fleet.AddKernel(r.Context(), req.ID, req.BaseURL); err != nil {
		WriteError(w, r, types.NewError(types.ErrInternalError, "failed to persist kernel").
			WithCause(err), h.logger)
		return
	}
	h.health(w, r)
}
