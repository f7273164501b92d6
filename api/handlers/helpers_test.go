package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neuroedge/neuromesh/internal/metrics"
)

var (
	collectorOnce   sync.Once
	sharedCollector *metrics.Collector
)

// testCollector returns a process-wide collector; Prometheus series
// register once per process, so tests share one instance.
func testCollector() *metrics.Collector {
	collectorOnce.Do(func() {
		sharedCollector = metrics.NewCollector("neuromesh_test", zap.NewNop())
	})
	return sharedCollector
}

func postJSON(handler http.HandlerFunc, path string, payload any) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler(w, r)
	return w
}

func getPath(handler http.HandlerFunc, path string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	handler(w, r)
	return w
}

// decodeEnvelope parses the unified response envelope.
func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) Response {
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func dataMap(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	resp := decodeEnvelope(t, w)
	require.True(t, resp.Success, "expected success envelope, got: %s", w.Body.String())
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is not an object: %s", w.Body.String())
	return data
}

func assertErrorCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	assert.Equal(t, status, w.Code, w.Body.String())
	resp := decodeEnvelope(t, w)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, code, resp.Error.Code)
}
