package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/neuroedge/neuromesh/types"
)

// SocketDispatcher is the WebSocket variant of the executor: one
// connection, one command, one response. Nodes that keep the socket
// open receive a normal close once the response settles.
type SocketDispatcher struct {
	directory *Directory
	timeout   time.Duration
	logger    *zap.Logger
}

// NewSocketDispatcher builds a dispatcher with a whole-exchange timeout.
func NewSocketDispatcher(directory *Directory, timeout time.Duration, logger *zap.Logger) *SocketDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SocketDispatcher{
		directory: directory,
		timeout:   timeout,
		logger:    logger.With(zap.String("component", "mesh-socket")),
	}
}

// Dispatch sends the command over the node's /ws endpoint and waits for
// exactly one response frame. The exchange settles exactly once: either
// the first frame or the timeout, never both.
func (s *SocketDispatcher) Dispatch(ctx context.Context, node *Node, cmd types.Command) types.ExecResult {
	wsURL, err := socketURL(node.BaseURL)
	if err != nil {
		return types.Failure(fmt.Sprintf("node %s has no usable socket URL: %v", node.ID, err))
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		s.logger.Warn("socket dial failed",
			zap.String("node_id", node.ID),
			zap.Error(err),
		)
		result := types.Failure(fmt.Sprintf("socket dial failed: %v", err))
		result.Node = node.ID
		return result
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(dialCtx, conn, cmd); err != nil {
		result := types.Failure(fmt.Sprintf("socket write failed: %v", err))
		result.Node = node.ID
		return result
	}

	var raw map[string]any
	if err := wsjson.Read(dialCtx, conn, &raw); err != nil {
		result := types.Failure(fmt.Sprintf("socket read failed: %v", err))
		result.Node = node.ID
		return result
	}

	s.directory.RecordObservation(node.ID, time.Since(start))
	if load, ok := raw["load"].(float64); ok {
		s.directory.ObserveLoad(node.ID, load)
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		result := types.Failure(fmt.Sprintf("malformed socket response: %v", err))
		result.Node = node.ID
		return result
	}
	result := normalizeResult(encoded)
	result.Node = node.ID
	result.Endpoint = "/ws"
	return result
}

// DispatchBest routes the command to the best-scored online node over
// its socket.
func (s *SocketDispatcher) DispatchBest(ctx context.Context, cmd types.Command) (types.ExecResult, *types.Error) {
	node, ok := s.directory.PickNode()
	if !ok {
		return types.ExecResult{}, types.NewError(types.ErrNoNodeOnline, "no mesh node online").
			WithHTTPStatus(http.StatusServiceUnavailable).WithRetryable(true)
	}

	result := s.Dispatch(ctx, node, cmd)
	if !result.Success && result.Stdout == "" {
		return result, types.NewError(types.ErrUpstreamError, result.Stderr).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
	}
	return result, nil
}

// socketURL derives the ws endpoint from a node's HTTP base URL.
func socketURL(baseURL string) (string, error) {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws", nil
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws", nil
	case strings.HasPrefix(baseURL, "ws://"), strings.HasPrefix(baseURL, "wss://"):
		return strings.TrimRight(baseURL, "/") + "/ws", nil
	default:
		return "", fmt.Errorf("unsupported scheme in %q", baseURL)
	}
}
