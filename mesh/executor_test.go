package mesh

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neuroedge/neuromesh/types"
)

func setupExecutor(t *testing.T) (*Directory, *Executor) {
	d := NewDirectory(time.Minute, zap.NewNop())
	e := NewExecutor(d, 2*time.Second, zap.NewNop())
	return d, e
}

func registerNode(d *Directory, id, baseURL string) {
	d.Register(RegisterRequest{ID: id, BaseURL: baseURL, Kind: "execution"})
}

func TestExecutor_DispatchFirstEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/execute", r.URL.Path)
		var cmd types.Command
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cmd))
		json.NewEncoder(w).Encode(map[string]any{"success": true, "stdout": "ran " + cmd.Type})
	}))
	defer srv.Close()

	d, e := setupExecutor(t)
	registerNode(d, "edge-1", srv.URL)
	node, _ := d.Get("edge-1")

	result := e.Dispatch(context.Background(), node, types.NewCommand("execute", map[string]any{"code": "x"}))
	assert.True(t, result.Success)
	assert.Equal(t, "ran execute", result.Stdout)
	assert.Equal(t, "edge-1", result.Node)
	assert.Equal(t, "/execute", result.Endpoint)
}

func TestExecutor_DispatchFallsThroughOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/run" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "response": "hello"})
	}))
	defer srv.Close()

	d, e := setupExecutor(t)
	registerNode(d, "edge-1", srv.URL)
	node, _ := d.Get("edge-1")

	result := e.Dispatch(context.Background(), node, types.NewCommand("execute", nil))
	assert.True(t, result.Success)
	assert.Equal(t, "hello", result.Stdout)
	assert.Equal(t, "/run", result.Endpoint)
}

func TestExecutor_DispatchStopsOnHardError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, e := setupExecutor(t)
	registerNode(d, "edge-1", srv.URL)
	node, _ := d.Get("edge-1")

	result := e.Dispatch(context.Background(), node, types.NewCommand("execute", nil))
	assert.False(t, result.Success)
	assert.Contains(t, result.Stderr, "edge-1")
	assert.Equal(t, 1, calls, "a 500 is a node failure, not a wrong path")
}

func TestExecutor_DispatchUnreachableNode(t *testing.T) {
	d, e := setupExecutor(t)
	registerNode(d, "gone", "http://127.0.0.1:1")
	node, _ := d.Get("gone")

	result := e.Dispatch(context.Background(), node, types.NewCommand("execute", nil))
	assert.False(t, result.Success)
	assert.Equal(t, "gone", result.Node)
	assert.NotEmpty(t, result.Stderr)
}

func TestExecutor_ExecuteBestFallsToNextNode(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true, "stdout": "ok"})
	}))
	defer good.Close()

	d, e := setupExecutor(t)
	// Dead node sorts first (lower load), forcing a fallthrough.
	registerNode(d, "dead", "http://127.0.0.1:1")
	registerNode(d, "live", good.URL)
	d.UpdateMetrics(NewMetricsReport("dead", 1, 0.1, 0))
	d.UpdateMetrics(NewMetricsReport("live", 1, 0.5, 0))

	result, execErr := e.ExecuteBest(context.Background(), types.NewCommand("execute", nil))
	require.Nil(t, execErr)
	assert.True(t, result.Success)
	assert.Equal(t, "live", result.Node)
}

func TestExecutor_ExecuteBestNoNodes(t *testing.T) {
	_, e := setupExecutor(t)

	_, execErr := e.ExecuteBest(context.Background(), types.NewCommand("execute", nil))
	require.NotNil(t, execErr)
	assert.Equal(t, types.ErrNoNodeOnline, execErr.Code)
	assert.Equal(t, http.StatusServiceUnavailable, execErr.HTTPStatus)
	assert.True(t, execErr.Retryable)
}

func TestExecutor_ExecuteBestAllFail(t *testing.T) {
	d, e := setupExecutor(t)
	registerNode(d, "dead-1", "http://127.0.0.1:1")
	registerNode(d, "dead-2", "http://127.0.0.1:1")

	_, execErr := e.ExecuteBest(context.Background(), types.NewCommand("execute", nil))
	require.NotNil(t, execErr)
	assert.Equal(t, types.ErrUpstreamError, execErr.Code)
	assert.Equal(t, http.StatusBadGateway, execErr.HTTPStatus)
}

func TestExecutor_BroadcastCollectsAll(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true, "stdout": "pong"})
	}))
	defer good.Close()

	d, e := setupExecutor(t)
	registerNode(d, "live", good.URL)
	registerNode(d, "dead", "http://127.0.0.1:1")

	results := e.Broadcast(context.Background(), types.NewCommand("execute", nil))
	require.Len(t, results, 2)
	assert.True(t, results["live"].Success)
	assert.False(t, results["dead"].Success, "one dead node never aborts the sweep")
}

func TestExecutor_ForwardRelaysBodyVerbatim(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"prediction":1}`))
	}))
	defer srv.Close()

	d, e := setupExecutor(t)
	registerNode(d, "edge-1", srv.URL)
	node, _ := d.Get("edge-1")

	body := []byte(`{"features":[1,2,3]}`)
	out, err := e.Forward(context.Background(), node, "/infer", body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"prediction":1}`, string(out))
	assert.Equal(t, body, received)
}

func TestExecutor_ForwardUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad model", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, e := setupExecutor(t)
	registerNode(d, "edge-1", srv.URL)
	node, _ := d.Get("edge-1")

	_, err := e.Forward(context.Background(), node, "/infer", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestNormalizeResult(t *testing.T) {
	tests := []struct {
		name string
		body string
		want types.ExecResult
	}{
		{
			name: "stdout shape",
			body: `{"success":true,"stdout":"out","stderr":"err"}`,
			want: types.ExecResult{Success: true, Stdout: "out", Stderr: "err"},
		},
		{
			name: "response string",
			body: `{"response":"hello"}`,
			want: types.ExecResult{Success: true, Stdout: "hello"},
		},
		{
			name: "result object re-encoded",
			body: `{"result":{"answer":42}}`,
			want: types.ExecResult{Success: true, Stdout: `{"answer":42}`},
		},
		{
			name: "explicit failure",
			body: `{"success":false,"stderr":"exploded"}`,
			want: types.ExecResult{Success: false, Stderr: "exploded"},
		},
		{
			name: "non-JSON is plain stdout",
			body: `plain text output`,
			want: types.ExecResult{Success: true, Stdout: "plain text output"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeResult([]byte(tt.body))
			assert.Equal(t, tt.want.Success, got.Success)
			assert.Equal(t, tt.want.Stdout, got.Stdout)
			assert.Equal(t, tt.want.Stderr, got.Stderr)
		})
	}
}
