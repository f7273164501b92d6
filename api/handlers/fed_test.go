package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neuroedge/neuromesh/federation"
	"github.com/neuroedge/neuromesh/store"
	"github.com/neuroedge/neuromesh/types"
)

func setupFedHandler(t *testing.T, signingKey string, batchSize int) *FedHandler {
	aggregator, err := federation.NewAggregator(batchSize, store.NewMemoryStore(), zap.NewNop())
	require.NoError(t, err)
	signer := federation.NewSigner(signingKey, false)
	return NewFedHandler(aggregator, signer, testCollector(), zap.NewNop())
}

func fedUpdatePayload(id string, coef float64) map[string]any {
	return map[string]any{
		"id":         id,
		"ts":         float64(1756100000),
		"n_features": float64(2),
		"classes":    []any{"pos", "neg"},
		"coef":       []any{[]any{coef, coef}},
		"intercept":  []any{0.0},
		"samples":    float64(5),
	}
}

func signUpdate(t *testing.T, h *FedHandler, update map[string]any) string {
	w := postJSON(h.Sign, "/fed/sign", map[string]any{"payload": update})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := dataMap(t, w)
	sig, _ := data["sig"].(string)
	require.NotEmpty(t, sig)
	return sig
}

func TestFedHandler_ModelEmpty(t *testing.T) {
	h := setupFedHandler(t, "secret", 3)

	w := getPath(h.Model, "/fed/model")
	assert.Equal(t, http.StatusOK, w.Code)
	data := dataMap(t, w)
	assert.Nil(t, data["model"], "version 0 serves as no model")
	assert.Equal(t, float64(0), data["pending"])
}

func TestFedHandler_SignedUpdateFlow(t *testing.T) {
	h := setupFedHandler(t, "secret", 2)

	// First signed update buffers.
	u1 := fedUpdatePayload("trainer-1", 1.0)
	w := postJSON(h.Update, "/fed/update", map[string]any{"update": u1, "sig": signUpdate(t, h, u1)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := dataMap(t, w)
	assert.Equal(t, false, data["aggregated"])
	assert.Equal(t, float64(0), data["version"])

	// Second completes the batch and publishes version 1.
	u2 := fedUpdatePayload("trainer-2", 3.0)
	w = postJSON(h.Update, "/fed/update", map[string]any{"update": u2, "sig": signUpdate(t, h, u2)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data = dataMap(t, w)
	assert.Equal(t, true, data["aggregated"])
	assert.Equal(t, float64(1), data["version"])

	// The model endpoint now serves the aggregate.
	w = getPath(h.Model, "/fed/model")
	data = dataMap(t, w)
	model, ok := data["model"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), model["version"])
}

func TestFedHandler_BadSignatureRejected(t *testing.T) {
	h := setupFedHandler(t, "secret", 3)

	update := fedUpdatePayload("trainer-1", 1.0)
	w := postJSON(h.Update, "/fed/update", map[string]any{"update": update, "sig": "deadbeef"})
	assertErrorCode(t, w, http.StatusUnauthorized, string(types.ErrSignatureInvalid))
}

func TestFedHandler_TamperedUpdateRejected(t *testing.T) {
	h := setupFedHandler(t, "secret", 3)

	update := fedUpdatePayload("trainer-1", 1.0)
	sig := signUpdate(t, h, update)
	update["samples"] = float64(100000)

	w := postJSON(h.Update, "/fed/update", map[string]any{"update": update, "sig": sig})
	assertErrorCode(t, w, http.StatusUnauthorized, string(types.ErrSignatureInvalid))
}

func TestFedHandler_MalformedUpdateRejected(t *testing.T) {
	h := setupFedHandler(t, "secret", 3)

	// Correctly signed but structurally broken: coef rows too narrow.
	update := fedUpdatePayload("trainer-1", 1.0)
	update["coef"] = []any{[]any{1.0}}
	sig := signUpdate(t, h, update)

	w := postJSON(h.Update, "/fed/update", map[string]any{"update": update, "sig": sig})
	assertErrorCode(t, w, http.StatusBadRequest, string(types.ErrMalformedUpdate))
}

func TestFedHandler_MissingUpdate(t *testing.T) {
	h := setupFedHandler(t, "secret", 3)

	w := postJSON(h.Update, "/fed/update", map[string]any{"sig": "x"})
	assertErrorCode(t, w, http.StatusBadRequest, string(types.ErrMalformedUpdate))
}

func TestFedHandler_SignWithoutKey(t *testing.T) {
	h := setupFedHandler(t, "", 3)

	w := postJSON(h.Sign, "/fed/sign", map[string]any{"payload": map[string]any{"id": "x"}})
	assertErrorCode(t, w, http.StatusBadRequest, string(types.ErrSigningDisabled))
}

func TestFedHandler_NoKeyFailsClosed(t *testing.T) {
	h := setupFedHandler(t, "", 3)

	update := fedUpdatePayload("trainer-1", 1.0)
	w := postJSON(h.Update, "/fed/update", map[string]any{"update": update, "sig": ""})
	assertErrorCode(t, w, http.StatusUnauthorized, string(types.ErrSignatureInvalid))
}
