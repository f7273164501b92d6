package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/neuroedge/neuromesh/types"
)

// candidateEndpoints are tried in order against a node until one
// answers. 404/405 means "wrong path on this node", not failure, so the
// executor falls through to the next candidate.
var candidateEndpoints = []string{"/execute", "/api/execute", "/run", "/infer"}

// Executor dispatches commands to mesh nodes over HTTP. Every failure
// is folded into an ExecResult; Dispatch never returns a Go error for a
// node-side problem.
type Executor struct {
	directory *Directory
	client    *http.Client
	timeout   time.Duration
	logger    *zap.Logger
}

// NewExecutor builds an executor with a per-attempt timeout.
func NewExecutor(directory *Directory, timeout time.Duration, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Executor{
		directory: directory,
		client:    &http.Client{Timeout: timeout},
		timeout:   timeout,
		logger:    logger.With(zap.String("component", "mesh-executor")),
	}
}

// Dispatch sends the command to one node, walking the candidate
// endpoints until one answers.
func (e *Executor) Dispatch(ctx context.Context, node *Node, cmd types.Command) types.ExecResult {
	var lastErr string
	start := time.Now()

	for _, endpoint := range candidateEndpoints {
		result, retryNext, err := e.attempt(ctx, node, endpoint, cmd)
		if err == nil {
			e.directory.RecordObservation(node.ID, time.Since(start))
			result.Node = node.ID
			result.Endpoint = endpoint
			return result
		}
		lastErr = err.Error()
		if !retryNext {
			break
		}
		e.logger.Debug("endpoint not served, trying next",
			zap.String("node_id", node.ID),
			zap.String("endpoint", endpoint),
		)
	}

	e.logger.Warn("node dispatch failed",
		zap.String("node_id", node.ID),
		zap.String("error", lastErr),
	)
	failed := types.Failure(fmt.Sprintf("node %s unreachable: %s", node.ID, lastErr))
	failed.Node = node.ID
	return failed
}

// ExecuteBest routes the command through the execution-node ordering,
// falling to the next node when one fails entirely.
func (e *Executor) ExecuteBest(ctx context.Context, cmd types.Command) (types.ExecResult, *types.Error) {
	nodes := e.directory.PickExecutionNode()
	if len(nodes) == 0 {
		return types.ExecResult{}, types.NewError(types.ErrNoNodeOnline, "no mesh node online").
			WithHTTPStatus(http.StatusServiceUnavailable).WithRetryable(true)
	}

	var last types.ExecResult
	for _, node := range nodes {
		result := e.Dispatch(ctx, node, cmd)
		if result.Success {
			return result, nil
		}
		last = result
	}

	msg := "all mesh nodes failed"
	if last.Stderr != "" {
		msg = last.Stderr
	}
	return types.ExecResult{}, types.NewError(types.ErrUpstreamError, msg).
		WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
}

// Broadcast sends the command to every online node sequentially and
// collects per-node results. A failing node never aborts the sweep.
func (e *Executor) Broadcast(ctx context.Context, cmd types.Command) map[string]types.ExecResult {
	results := make(map[string]types.ExecResult)
	for _, node := range e.directory.List() {
		if !node.Online {
			continue
		}
		results[node.ID] = e.Dispatch(ctx, node, cmd)
	}
	return results
}

// Forward relays a raw body to one path on the node and returns the
// response bytes. Used by inference routing, which passes client
// payloads through untouched.
func (e *Executor) Forward(ctx context.Context, node *Node, path string, body []byte) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost,
		node.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("node %s unreachable: %w", node.ID, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read node response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("node returned %d: %s", resp.StatusCode, truncate(out, 200))
	}

	e.directory.RecordObservation(node.ID, time.Since(start))
	return out, nil
}

// attempt posts the command to one endpoint. retryNext reports whether
// the failure means "try the next candidate path" rather than "the node
// is down".
func (e *Executor) attempt(ctx context.Context, node *Node, endpoint string, cmd types.Command) (result types.ExecResult, retryNext bool, err error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return types.ExecResult{}, false, fmt.Errorf("failed to encode command: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost,
		node.BaseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return types.ExecResult{}, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		// Network-level failure. Another candidate path hits the same
		// listener, so fall through anyway; it settles the loop fast.
		return types.ExecResult{}, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed {
		io.Copy(io.Discard, resp.Body)
		return types.ExecResult{}, true, fmt.Errorf("endpoint %s not served (%d)", endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return types.ExecResult{}, false, fmt.Errorf("failed to read node response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return types.ExecResult{}, false, fmt.Errorf("node returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	return normalizeResult(body), false, nil
}

// normalizeResult maps the loose response shapes nodes produce
// (stdout/stderr, response, result) onto one ExecResult.
func normalizeResult(body []byte) types.ExecResult {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		// Non-JSON output is treated as plain stdout.
		return types.ExecResult{Success: true, Stdout: string(body), At: time.Now().UTC()}
	}

	result := types.ExecResult{Success: true, At: time.Now().UTC()}
	if v, ok := raw["success"].(bool); ok {
		result.Success = v
	}
	if v, ok := raw["stdout"].(string); ok {
		result.Stdout = v
	}
	if v, ok := raw["stderr"].(string); ok {
		result.Stderr = v
	}
	if result.Stdout == "" {
		for _, key := range []string{"response", "result", "output"} {
			switch v := raw[key].(type) {
			case string:
				result.Stdout = v
			case map[string]any, []any:
				if encoded, err := json.Marshal(v); err == nil {
					result.Stdout = string(encoded)
				}
			}
			if result.Stdout != "" {
				break
			}
		}
	}
	if v, ok := raw["data"].(map[string]any); ok {
		result.Data = v
	}
	return result
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
