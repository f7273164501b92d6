package handlers

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/neuroedge/neuromesh/federation"
	"github.com/neuroedge/neuromesh/internal/metrics"
	"github.com/neuroedge/neuromesh/kernel"
	"github.com/neuroedge/neuromesh/mesh"
	"github.com/neuroedge/neuromesh/store"
	"github.com/neuroedge/neuromesh/types"
)

// RouterHandler serves the business routes: chat and execution requests
// composed from the kernel fleet and the mesh executor.
type RouterHandler struct {
	fleet      *kernel.Fleet
	executor   *mesh.Executor
	aggregator *federation.Aggregator
	backing    store.StateStore
	collector  *metrics.Collector
	logger     *zap.Logger
}

// NewRouterHandler wires routing dependencies into one handler.
func NewRouterHandler(
	fleet *kernel.Fleet,
	executor *mesh.Executor,
	aggregator *federation.Aggregator,
	backing store.StateStore,
	collector *metrics.Collector,
	logger *zap.Logger,
) *RouterHandler {
	return &RouterHandler{
		fleet:      fleet,
		executor:   executor,
		aggregator: aggregator,
		backing:    backing,
		collector:  collector,
		logger:     logger.With(zap.String("handler", "router")),
	}
}

// commandRequest is the loose body every business route accepts. The
// well-known payload keys are message, code, and command.
type commandRequest struct {
	Message string         `json:"message,omitempty"`
	Code    string         `json:"code,omitempty"`
	Command string         `json:"command,omitempty"`
	Kernel  string         `json:"kernel,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (req *commandRequest) toPayload() map[string]any {
	payload := map[string]any{}
	for k, v := range req.Payload {
		payload[k] = v
	}
	if req.Message != "" {
		payload["message"] = req.Message
	}
	if req.Code != "" {
		payload["code"] = req.Code
	}
	if req.Command != "" {
		payload["command"] = req.Command
	}
	return payload
}

// Chat handles POST /chat: the command goes to the named kernel, or the
// least-loaded healthy one.
func (h *RouterHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	cmd := types.NewCommand("chat", req.toPayload())
	if cmd.Action() == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest,
			"message is required", h.logger)
		return
	}

	start := time.Now()
	var result types.ExecResult
	var apiErr *types.Error
	if req.Kernel != "" {
		result, apiErr = h.fleet.SendCommand(r.Context(), req.Kernel, cmd)
	} else {
		result, apiErr = h.fleet.SendCommandBalanced(r.Context(), cmd)
	}
	h.collector.RecordKernelCommand(req.Kernel, cmd.Type, apiErr == nil, time.Since(start))

	if apiErr != nil {
		WriteError(w, r, apiErr, h.logger)
		return
	}
	WriteSuccess(w, r, result)
}

// Execute handles POST /execute: mesh execution nodes first, kernel
// fleet as the local fallback when the mesh cannot serve.
func (h *RouterHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	cmd := types.NewCommand("execute", req.toPayload())
	if cmd.Action() == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest,
			"code or command is required", h.logger)
		return
	}

	result, meshErr := h.executor.ExecuteBest(r.Context(), cmd)
	if meshErr == nil {
		WriteSuccess(w, r, result)
		return
	}

	h.logger.Info("mesh execution unavailable, falling back to kernel",
		zap.String("reason", string(meshErr.Code)),
	)
	start := time.Now()
	result, apiErr := h.fleet.SendCommandBalanced(r.Context(), cmd)
	h.collector.RecordKernelCommand("", cmd.Type, apiErr == nil, time.Since(start))
	if apiErr != nil {
		// Both paths failed; the mesh error carries the richer status.
		WriteError(w, r, meshErr, h.logger)
		return
	}
	WriteSuccess(w, r, result)
}

// AI handles POST /ai: inference-typed commands through the same
// mesh-then-kernel cascade.
func (h *RouterHandler) AI(w http.ResponseWriter, r *http.Request) {
	h.routeInference(w, r, nil)
}

// Research handles POST /research. The pipeline's content logic lives
// in an external collaborator; the core contributes admission, routing,
// and the mode tag nodes use to pick a pipeline.
func (h *RouterHandler) Research(w http.ResponseWriter, r *http.Request) {
	h.routeInference(w, r, map[string]any{"mode": "research"})
}

func (h *RouterHandler) routeInference(w http.ResponseWriter, r *http.Request, metadata map[string]any) {
	var req commandRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	cmd := types.NewCommand("ai_inference", req.toPayload())
	cmd.Metadata = metadata
	if cmd.Action() == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest,
			"message is required", h.logger)
		return
	}

	result, meshErr := h.executor.ExecuteBest(r.Context(), cmd)
	if meshErr == nil {
		WriteSuccess(w, r, result)
		return
	}

	start := time.Now()
	result, apiErr := h.fleet.SendCommandBalanced(r.Context(), cmd)
	h.collector.RecordKernelCommand("", cmd.Type, apiErr == nil, time.Since(start))
	if apiErr != nil {
		WriteError(w, r, meshErr, h.logger)
		return
	}
	WriteSuccess(w, r, result)
}

// Training handles /training/*. Samples are journaled and forwarded to
// a mesh node as an online-learning signal; status reports the
// federated model's progress.
func (h *RouterHandler) Training(w http.ResponseWriter, r *http.Request) {
	suffix := strings.TrimPrefix(r.URL.Path, "/training")
	suffix = strings.Trim(suffix, "/")

	switch {
	case suffix == "status" && r.Method == http.MethodGet:
		h.trainingStatus(w, r)
	case (suffix == "sample" || suffix == "") && r.Method == http.MethodPost:
		h.trainingSample(w, r)
	default:
		WriteErrorMessage(w, r, http.StatusNotFound, types.ErrInvalidRequest,
			"unknown training endpoint", h.logger)
	}
}

func (h *RouterHandler) trainingStatus(w http.ResponseWriter, r *http.Request) {
	model, pending := h.aggregator.Current()
	events, err := h.backing.ListEvents(r.Context(), 20)
	if err != nil {
		h.logger.Warn("failed to list training events", zap.Error(err))
	}
	WriteSuccess(w, r, map[string]any{
		"model_version":   model.Version,
		"pending_updates": pending,
		"recent_events":   events,
	})
}

func (h *RouterHandler) trainingSample(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text  string `json:"text"`
		Label string `json:"label,omitempty"`
	}
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest,
			"text is required", h.logger)
		return
	}

	if err := h.backing.AppendEvent(r.Context(), "training_sample", req); err != nil {
		WriteError(w, r, types.NewError(types.ErrInternalError, "failed to journal sample").
			WithCause(err), h.logger)
		return
	}

	// Best effort: feed the sample to a node so local online training
	// picks it up before the next federated round.
	cmd := types.NewCommand("ai_inference", map[string]any{"message": req.Text})
	if result, meshErr := h.executor.ExecuteBest(r.Context(), cmd); meshErr == nil {
		WriteSuccess(w, r, map[string]any{"status": "ok", "routed_to": result.Node})
		return
	}
	WriteSuccess(w, r, map[string]any{"status": "ok", "routed_to": nil})
}
