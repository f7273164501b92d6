package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func freeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func okMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	return mux
}

func TestManager_StartAndServe(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = freeAddr(t)

	m := NewManager(okMux(), cfg, zap.NewNop())
	require.NoError(t, m.Start())
	defer m.Shutdown(context.Background())

	assert.True(t, m.IsRunning())

	var resp *http.Response
	var err error
	for i := 0; i < 20; i++ {
		resp, err = http.Get("http://" + cfg.Addr + "/health")
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestManager_DoubleStart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = freeAddr(t)

	m := NewManager(okMux(), cfg, zap.NewNop())
	require.NoError(t, m.Start())
	defer m.Shutdown(context.Background())

	assert.Error(t, m.Start())
}

func TestManager_Shutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = freeAddr(t)

	m := NewManager(okMux(), cfg, zap.NewNop())
	require.NoError(t, m.Start())
	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())

	_, err := http.Get("http://" + cfg.Addr + "/health")
	assert.Error(t, err, "listener must be closed after shutdown")
}

func TestManager_StartErrorSurfaces(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = freeAddr(t)

	first := NewManager(okMux(), cfg, zap.NewNop())
	require.NoError(t, first.Start())
	defer first.Shutdown(context.Background())

	// Listen happens synchronously, so the bind conflict surfaces here.
	second := NewManager(okMux(), cfg, zap.NewNop())
	assert.Error(t, second.Start())
}

func TestManager_AddrAndDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":7070", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)

	cfg.Addr = "127.0.0.1:9999"
	m := NewManager(okMux(), cfg, zap.NewNop())
	assert.Equal(t, "127.0.0.1:9999", m.Addr())
}
