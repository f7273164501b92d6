package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/neuroedge/neuromesh/federation"
	"github.com/neuroedge/neuromesh/internal/metrics"
	"github.com/neuroedge/neuromesh/types"
)

// FedHandler serves the federated learning endpoints.
type FedHandler struct {
	aggregator *federation.Aggregator
	signer     *federation.Signer
	collector  *metrics.Collector
	logger     *zap.Logger
}

// NewFedHandler wires the aggregator and signer into one handler.
func NewFedHandler(aggregator *federation.Aggregator, signer *federation.Signer, collector *metrics.Collector, logger *zap.Logger) *FedHandler {
	return &FedHandler{
		aggregator: aggregator,
		signer:     signer,
		collector:  collector,
		logger:     logger.With(zap.String("handler", "fed")),
	}
}

// Model handles GET /fed/model. A version-0 model means no batch has
// aggregated yet; clients treat that as "none".
func (h *FedHandler) Model(w http.ResponseWriter, r *http.Request) {
	model, pending := h.aggregator.Current()
	if model.Version == 0 {
		WriteSuccess(w, r, map[string]any{"model": nil, "pending": pending})
		return
	}
	WriteSuccess(w, r, map[string]any{"model": model, "pending": pending})
}

// Update handles POST /fed/update {update, sig}. The signature covers
// the update object's canonical form; a bad or missing signature is 401.
func (h *FedHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Update map[string]any `json:"update"`
		Sig    string         `json:"sig"`
	}
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Update == nil {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrMalformedUpdate,
			"missing update", h.logger)
		return
	}

	if apiErr := h.signer.Verify(req.Update, req.Sig); apiErr != nil {
		h.collector.RecordFedUpdate("rejected")
		h.logger.Warn("rejected federated update",
			zap.String("reason", string(apiErr.Code)),
		)
		WriteError(w, r, apiErr, h.logger)
		return
	}

	update, apiErr := decodeUpdate(req.Update)
	if apiErr != nil {
		h.collector.RecordFedUpdate("malformed")
		WriteError(w, r, apiErr, h.logger)
		return
	}

	model, aggregated, err := h.aggregator.Submit(r.Context(), *update)
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrInternalError, "failed to persist model").
			WithCause(err), h.logger)
		return
	}

	h.collector.RecordFedUpdate("accepted")
	h.collector.SetFedModelVersion(model.Version)
	WriteSuccess(w, r, map[string]any{
		"status":     "ok",
		"aggregated": aggregated,
		"version":    model.Version,
	})
}

// Sign handles POST /fed/sign {payload}: the server-side signing helper
// trusted trainers use instead of sharing the key.
func (h *FedHandler) Sign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload map[string]any `json:"payload"`
	}
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Payload == nil {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest,
			"missing payload", h.logger)
		return
	}

	sig, apiErr := h.signer.Sign(req.Payload)
	if apiErr != nil {
		WriteError(w, r, apiErr, h.logger)
		return
	}
	WriteSuccess(w, r, map[string]string{"sig": sig})
}

// decodeUpdate maps the loose JSON update onto the typed struct and
// validates it.
func decodeUpdate(raw map[string]any) (*federation.Update, *types.Error) {
	u := &federation.Update{}
	if v, ok := raw["id"].(string); ok {
		u.ID = v
	}
	if v, ok := raw["ts"].(float64); ok {
		u.TS = v
	}
	if v, ok := raw["n_features"].(float64); ok {
		u.NFeatures = int(v)
	}
	if v, ok := raw["samples"].(float64); ok {
		u.Samples = int(v)
	}
	if v, ok := raw["classes"].([]any); ok {
		for _, c := range v {
			if s, ok := c.(string); ok {
				u.Classes = append(u.Classes, s)
			}
		}
	}
	if v, ok := raw["intercept"].([]any); ok {
		for _, item := range v {
			if f, ok := item.(float64); ok {
				u.Intercept = append(u.Intercept, f)
			}
		}
	}
	if v, ok := raw["coef"].([]any); ok {
		for _, rowAny := range v {
			row, ok := rowAny.([]any)
			if !ok {
				return nil, types.NewError(types.ErrMalformedUpdate, "coef must be a matrix").
					WithHTTPStatus(http.StatusBadRequest)
			}
			var typed []float64
			for _, item := range row {
				if f, ok := item.(float64); ok {
					typed = append(typed, f)
				}
			}
			u.Coef = append(u.Coef, typed)
		}
	}

	if apiErr := federation.ValidateUpdate(u); apiErr != nil {
		return nil, apiErr
	}
	return u, nil
}
