package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neuroedge/neuromesh/config"
	"github.com/neuroedge/neuromesh/types"
)

// TestServer_WorkspaceToggleOff covers the wiring, not the middleware:
// with auth.require_workspace disabled and no defaults to fall back on,
// a request without workspace context must pass admission and fail only
// downstream.
func TestServer_WorkspaceToggleOff(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Path = ":memory:"
	cfg.Redis.Enabled = false
	cfg.Kernels.Backends = nil
	cfg.Auth.APIKeys = []string{"test-key"}
	cfg.Auth.APIKeyScopes = []string{"ai:chat"}
	cfg.Auth.DefaultOrg = ""
	cfg.Auth.DefaultWorkspace = ""
	cfg.Auth.RequireWorkspace = false

	srv, err := NewServer(cfg, zap.NewNop())
	require.NoError(t, err)
	defer srv.Shutdown()

	r := httptest.NewRequest(http.MethodPost, "/chat",
		bytes.NewReader([]byte(`{"message":"hello"}`)))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-API-Key", "test-key")
	w := httptest.NewRecorder()
	srv.handler.ServeHTTP(w, r)

	var resp struct {
		Error *struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error, w.Body.String())
	assert.NotEqual(t, string(types.ErrMissingContext), resp.Error.Code,
		"workspace check must be skipped when the toggle is off")
	assert.Equal(t, string(types.ErrUpstreamUnavailable), resp.Error.Code,
		"the request reaches routing and fails on the empty fleet")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
