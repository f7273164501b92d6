// Package kernel manages the fleet of backend kernels and routes
// structured commands to them.
package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/neuroedge/neuromesh/types"
)

// wireResponse is the raw shape kernels answer with. It never leaves
// this package; callers only see ExecResult.
type wireResponse struct {
	ID        string         `json:"id"`
	Success   bool           `json:"success"`
	Stdout    string         `json:"stdout"`
	Stderr    string         `json:"stderr"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Client is the HTTP adapter for one kernel backend.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a kernel client with a per-call timeout.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Send posts one command and folds the kernel's answer into an
// ExecResult. Chat commands go to /chat, everything else to /execute.
func (c *Client) Send(ctx context.Context, cmd types.Command) (types.ExecResult, error) {
	endpoint := "/execute"
	if cmd.Type == "chat" {
		endpoint = "/chat"
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return types.ExecResult{}, fmt.Errorf("failed to encode command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return types.ExecResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return types.ExecResult{}, fmt.Errorf("kernel call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return types.ExecResult{}, fmt.Errorf("failed to read kernel response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return types.ExecResult{}, fmt.Errorf("kernel returned %d: %s", resp.StatusCode, string(body))
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		// Plain-text answers still count as output.
		return types.ExecResult{Success: true, Stdout: string(body), At: time.Now().UTC()}, nil
	}

	result := types.ExecResult{
		Success:  wire.Success,
		Stdout:   wire.Stdout,
		Stderr:   wire.Stderr,
		Endpoint: endpoint,
		At:       time.Now().UTC(),
	}
	if wire.Data != nil {
		result.Data = wire.Data
	}
	return result, nil
}

// HealthInfo is the parsed kernel health report. Status is one of the
// fleet status values; Version and Capabilities are whatever the kernel
// advertises in its health body.
type HealthInfo struct {
	Status       string
	Version      string
	Capabilities []string
}

// Health probes the kernel's health endpoint. Unreachable kernels are
// offline, reachable-but-unhealthy ones degraded; the error explains
// anything that is not ready.
func (c *Client) Health(ctx context.Context) (HealthInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return HealthInfo{Status: StatusOffline}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return HealthInfo{Status: StatusOffline}, fmt.Errorf("kernel unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return HealthInfo{Status: StatusDegraded}, fmt.Errorf("kernel unhealthy: status %d", resp.StatusCode)
	}

	info := HealthInfo{Status: StatusReady}
	var wire struct {
		Status       string   `json:"status"`
		Version      string   `json:"version"`
		Capabilities []string `json:"capabilities"`
	}
	// A bare 200 with no JSON body still counts as ready.
	if err := json.Unmarshal(body, &wire); err == nil {
		info.Version = wire.Version
		info.Capabilities = wire.Capabilities
		switch wire.Status {
		case "", "ok", "ready", "healthy":
		default:
			info.Status = StatusDegraded
			return info, fmt.Errorf("kernel reports status %q", wire.Status)
		}
	}
	return info, nil
}
