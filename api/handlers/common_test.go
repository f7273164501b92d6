package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neuroedge/neuromesh/types"
)

func TestWriteSuccessEnvelope(t *testing.T) {
	r := httptest.NewRequest("GET", "/health", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req-abc"))
	w := httptest.NewRecorder()

	WriteSuccess(w, r, map[string]string{"status": "ok"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	resp := decodeEnvelope(t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, "req-abc", resp.RequestID)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteErrorEnvelope(t *testing.T) {
	r := httptest.NewRequest("POST", "/chat", nil)
	w := httptest.NewRecorder()

	WriteError(w, r, types.NewError(types.ErrPolicyViolation, "blocked").
		WithRuleID("injection-override").WithHTTPStatus(http.StatusBadRequest), zap.NewNop())

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeEnvelope(t, w)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "POLICY_VIOLATION", resp.Error.Code)
	assert.Equal(t, "injection-override", resp.Error.RuleID)
}

func TestWriteErrorRetryAfterHeader(t *testing.T) {
	r := httptest.NewRequest("POST", "/ai", nil)
	w := httptest.NewRecorder()

	WriteError(w, r, types.NewError(types.ErrRateLimited, "slow down").
		WithRetryable(true).WithRetryAfter(7).WithHTTPStatus(http.StatusTooManyRequests), zap.NewNop())

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "7", w.Header().Get("Retry-After"))
}

func TestWriteErrorStatusFromCode(t *testing.T) {
	tests := []struct {
		code types.ErrorCode
		want int
	}{
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrAuthentication, http.StatusUnauthorized},
		{types.ErrSignatureInvalid, http.StatusUnauthorized},
		{types.ErrForbidden, http.StatusForbidden},
		{types.ErrKernelNotFound, http.StatusNotFound},
		{types.ErrRateLimited, http.StatusTooManyRequests},
		{types.ErrNoNodeOnline, http.StatusServiceUnavailable},
		{types.ErrUpstreamError, http.StatusBadGateway},
		{types.ErrInternalError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest("POST", "/x", nil)
			WriteError(w, r, types.NewError(tt.code, "m"), nil)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestDecodeJSONBodyInvalid(t *testing.T) {
	r := httptest.NewRequest("POST", "/chat", strings.NewReader("{not json"))
	w := httptest.NewRecorder()

	var dst map[string]any
	err := DecodeJSONBody(w, r, &dst, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResponseWriterCapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusTeapot)
	rw.WriteHeader(http.StatusOK) // second call is ignored
	rw.Write([]byte("x"))

	assert.Equal(t, http.StatusTeapot, rw.StatusCode)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
