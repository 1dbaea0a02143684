// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code, rec.Body.String()
}

func startServer(t *testing.T, s *Server) <-chan error {
	t.Helper()
	errCh, err := s.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return errCh
}

func TestServer_Probes(t *testing.T) {
	tests := []struct {
		name     string
		ready    ReadinessChecker
		path     string
		wantCode int
		wantBody string
	}{
		{"liveness", func() bool { return false }, "/healthz/liveness", http.StatusOK, "ok"},
		{"ready", func() bool { return true }, "/healthz/readiness", http.StatusOK, "ok"},
		{"not ready", func() bool { return false }, "/healthz/readiness", http.StatusServiceUnavailable, "not ready"},
		{"nil checker", nil, "/healthz/readiness", http.StatusOK, "ok"},
		{"no status func", nil, "/plugins", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := get(t, NewServer("127.0.0.1:0", tt.ready).Handler(), tt.path)
			assert.Equal(t, tt.wantCode, code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, strings.TrimSpace(body))
			}
		})
	}
}

func TestServer_ReadinessFollowsChecker(t *testing.T) {
	ready := false
	h := NewServer("127.0.0.1:0", func() bool { return ready }).Handler()

	code, _ := get(t, h, "/healthz/readiness")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	ready = true
	code, _ = get(t, h, "/healthz/readiness")
	assert.Equal(t, http.StatusOK, code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil)
	pm := s.Metrics().For("measure")
	pm.Message()
	pm.Message()
	pm.Error("runtime")

	code, body := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, code)

	assert.Contains(t, body, "# HELP")
	assert.Contains(t, body, "go_goroutines")
	assert.Contains(t, body, "process_")
	assert.Contains(t, body, `visor_plugin_messages_total{plugin="measure"} 2`)
	assert.Contains(t, body, `visor_plugin_errors_total{kind="runtime",plugin="measure"} 1`)
	assert.Contains(t, body, `visor_plugin_instances{state="ready"} 0`)
}

func TestServer_PluginStatus(t *testing.T) {
	type status struct {
		Name  string `json:"name"`
		State string `json:"state"`
	}
	s := NewServer("127.0.0.1:0", nil, WithStatus(func() any {
		return []status{{Name: "measure", State: "ready"}}
	}))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plugins", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got []status
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []status{{Name: "measure", State: "ready"}}, got)
}

func TestServer_PluginStatusEncodeError(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, WithStatus(func() any {
		return map[string]any{"bad": make(chan int)}
	}))
	code, _ := get(t, s.Handler(), "/plugins")
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestServer_ServesOverTCP(t *testing.T) {
	s := NewServer("127.0.0.1:0", func() bool { return true })
	assert.Empty(t, s.Addr())
	startServer(t, s)

	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz/liveness")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))
}

func TestServer_DoubleStartFails(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil)
	startServer(t, s)

	_, err := s.Start()
	require.Error(t, err)
}

func TestServer_StopWithoutStart(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil)
	require.NoError(t, s.Stop(context.Background()))
}

func TestServer_RestartAfterStop(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil)
	_, err := s.Start()
	require.NoError(t, err)
	require.NoError(t, s.Stop(context.Background()))
	assert.Empty(t, s.Addr())

	startServer(t, s)
	assert.NotEmpty(t, s.Addr())
}

func TestServer_ErrorChannelReportsServeErrors(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil)
	errCh := startServer(t, s)

	s.mu.Lock()
	require.NoError(t, s.listener.Close())
	s.mu.Unlock()

	select {
	case serveErr := <-errCh:
		require.Error(t, serveErr)
		assert.False(t, errors.Is(serveErr, http.ErrServerClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("serve error was not reported")
	}
}

func TestServer_ErrorChannelClosesOnShutdown(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil)
	errCh, err := s.Start()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	select {
	case serveErr, ok := <-errCh:
		assert.False(t, ok && serveErr != nil, "unexpected error: %v", serveErr)
	case <-time.After(2 * time.Second):
		t.Fatal("error channel was not closed")
	}
}
