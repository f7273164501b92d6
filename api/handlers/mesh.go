package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/neuroedge/neuromesh/config"
	"github.com/neuroedge/neuromesh/internal/cache"
	"github.com/neuroedge/neuromesh/internal/metrics"
	"github.com/neuroedge/neuromesh/mesh"
	"github.com/neuroedge/neuromesh/types"
)

// MeshHandler serves node lifecycle and inference routing endpoints.
type MeshHandler struct {
	directory  *mesh.Directory
	executor   *mesh.Executor
	dispatcher *mesh.SocketDispatcher
	cache      *cache.Manager
	collector  *metrics.Collector
	cfg        config.MeshConfig
	logger     *zap.Logger
}

// NewMeshHandler wires the mesh services into one handler. cache may be
// nil when Redis is not configured.
func NewMeshHandler(
	directory *mesh.Directory,
	executor *mesh.Executor,
	dispatcher *mesh.SocketDispatcher,
	cacheMgr *cache.Manager,
	collector *metrics.Collector,
	cfg config.MeshConfig,
	logger *zap.Logger,
) *MeshHandler {
	return &MeshHandler{
		directory:  directory,
		executor:   executor,
		dispatcher: dispatcher,
		cache:      cacheMgr,
		collector:  collector,
		cfg:        cfg,
		logger:     logger.With(zap.String("handler", "mesh")),
	}
}

// Register handles POST /mesh/register.
func (h *MeshHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req mesh.RegisterRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.ID == "" || req.BaseURL == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest,
			"id and baseUrl are required", h.logger)
		return
	}

	h.directory.Register(req)
	h.collector.SetMeshNodesOnline(h.directory.OnlineCount())
	WriteSuccess(w, r, map[string]string{"status": "ok"})
}

// Heartbeat handles POST /mesh/heartbeat. Unknown nodes are ignored;
// the response is ok either way so a re-registering node does not loop
// on errors.
func (h *MeshHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	known := h.directory.Heartbeat(req.ID)
	WriteSuccess(w, r, map[string]any{"status": "ok", "known": known})
}

// Metrics handles POST /mesh/metrics.
func (h *MeshHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	var report mesh.MetricsReport
	if err := DecodeJSONBody(w, r, &report, h.logger); err != nil {
		return
	}

	if !h.directory.UpdateMetrics(report) {
		WriteErrorMessage(w, r, http.StatusNotFound, types.ErrInvalidRequest,
			"unknown node: "+report.ID, h.logger)
		return
	}
	h.collector.SetMeshNodesOnline(h.directory.OnlineCount())
	WriteSuccess(w, r, map[string]string{"status": "ok"})
}

// Nodes handles GET /mesh/nodes.
func (h *MeshHandler) Nodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.directory.List()
	h.collector.SetMeshNodesOnline(h.directory.OnlineCount())
	WriteSuccess(w, r, map[string]any{"nodes": nodes, "count": len(nodes)})
}

// Infer handles POST /mesh/infer: forward the body verbatim to the best
// inference node. Repeated identical prompts within a workspace are
// answered from the cache.
func (h *MeshHandler) Infer(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest,
			"failed to read request body", h.logger)
		return
	}

	identity := "anonymous"
	if ac, ok := types.AuthFromContext(r.Context()); ok {
		identity = ac.Identity()
	}
	cacheKey := cache.InferenceKey(identity, string(body))

	if h.cache != nil {
		var cached map[string]any
		if err := h.cache.GetJSON(r.Context(), cacheKey, &cached); err == nil {
			h.collector.RecordCacheHit("inference")
			WriteSuccess(w, r, cached)
			return
		}
		h.collector.RecordCacheMiss("inference")
	}

	node, ok := h.directory.PickNode()
	if !ok {
		WriteError(w, r, types.NewError(types.ErrNoNodeOnline, "no mesh node online").
			WithHTTPStatus(http.StatusServiceUnavailable).WithRetryable(true), h.logger)
		return
	}

	start := time.Now()
	out, err := h.executor.Forward(r.Context(), node, "/infer", body)
	h.collector.RecordMeshDispatch(node.ID, err == nil, time.Since(start))
	if err != nil {
		h.logger.Warn("inference node failed",
			zap.String("node_id", node.ID),
			zap.Error(err),
		)
		WriteError(w, r, types.NewError(types.ErrUpstreamError, "inference node failed").
			WithCause(err).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true), h.logger)
		return
	}

	var result any
	if err := json.Unmarshal(out, &result); err != nil {
		result = string(out)
	}
	payload := map[string]any{"node": node.ID, "result": result}

	if h.cache != nil {
		if err := h.cache.SetJSON(r.Context(), cacheKey, payload, h.cfg.InferCacheTTL); err != nil {
			h.logger.Debug("failed to cache inference result", zap.Error(err))
		}
	}
	WriteSuccess(w, r, payload)
}

// Broadcast handles POST /mesh/broadcast: the command is sent to every
// online node and per-node outcomes are returned.
func (h *MeshHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	cmd := types.NewCommand(req.Type, req.Payload)
	results := h.executor.Broadcast(r.Context(), cmd)
	WriteSuccess(w, r, map[string]any{"results": results, "nodes": len(results)})
}

// Socket handles POST /mesh/socket: one-shot command dispatch over the
// best node's WebSocket endpoint.
func (h *MeshHandler) Socket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	cmd := types.NewCommand(req.Type, req.Payload)
	result, apiErr := h.dispatcher.DispatchBest(r.Context(), cmd)
	if apiErr != nil {
		WriteError(w, r, apiErr, h.logger)
		return
	}
	WriteSuccess(w, r, result)
}
