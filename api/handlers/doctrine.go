package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/neuroedge/neuromesh/admission"
	"github.com/neuroedge/neuromesh/types"
)

// DoctrineHandler serves the content-policy rule store. Admin only.
type DoctrineHandler struct {
	engine *admission.PolicyEngine
	logger *zap.Logger
}

// NewDoctrineHandler builds the handler.
func NewDoctrineHandler(engine *admission.PolicyEngine, logger *zap.Logger) *DoctrineHandler {
	return &DoctrineHandler{
		engine: engine,
		logger: logger.With(zap.String("handler", "doctrine")),
	}
}

// Rules serves GET and POST /doctrine/rules. Both answers carry the
// rule-store version so operators can confirm an update propagated.
func (h *DoctrineHandler) Rules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		WriteSuccess(w, r, map[string]any{
			"version": h.engine.Version(),
			"rules":   h.engine.Rules(),
		})
	case http.MethodPost:
		h.upsert(w, r)
	default:
		WriteErrorMessage(w, r, http.StatusMethodNotAllowed, types.ErrInvalidRequest,
			"method not allowed", h.logger)
	}
}

func (h *DoctrineHandler) upsert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rules []admission.PolicyRule `json:"rules"`
	}
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if len(req.Rules) == 0 {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest,
			"rules are required", h.logger)
		return
	}

	version, err := h.engine.Upsert(r.Context(), req.Rules...)
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrInvalidRequest, err.Error()).
			WithCause(err).WithHTTPStatus(http.StatusBadRequest), h.logger)
		return
	}

	subject := "unknown"
	if ac, ok := types.AuthFromContext(r.Context()); ok {
		subject = ac.Subject
	}
	h.logger.Info("doctrine rules updated",
		zap.Int64("version", version),
		zap.Int("count", len(req.Rules)),
		zap.String("subject", subject),
	)
	WriteSuccess(w, r, map[string]any{"version": version})
}
