package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func passing(context.Context) error { return nil }

func decodeHealth(t *testing.T, w *httptest.ResponseRecorder) HealthStatus {
	t.Helper()
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	return status
}

func TestHealthHandler_LivenessIgnoresChecks(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	// 存活探针不执行依赖检查
	h.RegisterCheck(NewFuncCheck("redis", func(context.Context) error { return errors.New("down") }))

	for path, handle := range map[string]http.HandlerFunc{
		"/health":  h.HandleHealth,
		"/healthz": h.HandleHealthz,
	} {
		w := httptest.NewRecorder()
		handle(w, httptest.NewRequest(http.MethodGet, path, nil))

		assert.Equal(t, http.StatusOK, w.Code, path)
		status := decodeHealth(t, w)
		assert.Equal(t, "healthy", status.Status, path)
		assert.Empty(t, status.Checks, path)
		assert.False(t, status.Timestamp.IsZero(), path)
	}
}

func TestHealthHandler_HandleReady(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]error
		wantCode   int
		wantStatus string
	}{
		{
			name:       "nothing registered",
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name:       "dependencies up",
			checks:     map[string]error{"task_store": nil, "database": nil, "media_storage": nil},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name:       "bucket unreachable",
			checks:     map[string]error{"task_store": nil, "media_storage": errors.New("bucket unreachable")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(zap.NewNop())
			for name, err := range tt.checks {
				err := err
				h.RegisterCheck(NewFuncCheck(name, func(context.Context) error { return err }))
			}

			w := httptest.NewRecorder()
			h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.wantCode, w.Code)
			status := decodeHealth(t, w)
			assert.Equal(t, tt.wantStatus, status.Status)
			require.Len(t, status.Checks, len(tt.checks))
			for name, err := range tt.checks {
				result := status.Checks[name]
				if err == nil {
					assert.Equal(t, "pass", result.Status, name)
					assert.NotEmpty(t, result.Latency, name)
					continue
				}
				assert.Equal(t, "fail", result.Status, name)
				assert.Equal(t, err.Error(), result.Message, name)
			}
		})
	}
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleVersion("1.4.0", "2026-10-01T08:00:00Z", "9f3c2d1")(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.True(t, resp.Success)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1.4.0", data["version"])
	assert.Equal(t, "2026-10-01T08:00:00Z", data["build_time"])
	assert.Equal(t, "9f3c2d1", data["git_commit"])
}

func TestHealthHandler_ChecksRunConcurrently(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())

	// 每个检查都等待其余检查开始，串行执行会超时
	const n = 4
	var started sync.WaitGroup
	started.Add(n)
	for _, name := range []string{"task_store", "database", "redis", "media_storage"} {
		h.RegisterCheck(NewFuncCheck(name, func(ctx context.Context) error {
			started.Done()
			done := make(chan struct{})
			go func() { started.Wait(); close(done) }()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))
	}

	status := h.Run(context.Background())
	assert.Equal(t, "healthy", status.Status)
}

func TestHealthHandler_ConcurrentReadyRequests(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck(NewFuncCheck("task_store", passing))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, http.StatusOK, w.Code)
		}()
	}
	// 与请求并发注册
	h.RegisterCheck(NewFuncCheck("redis", passing))
	wg.Wait()
}

func TestFuncCheck(t *testing.T) {
	check := NewFuncCheck("database", passing)
	assert.Equal(t, "database", check.Name())
	assert.NoError(t, check.Check(context.Background()))
}

func TestHealthHandler_CheckTimeout(t *testing.T) {
	h := NewHealthHandler(nil)
	h.timeout = 20 * time.Millisecond
	h.RegisterCheck(NewFuncCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	status := h.Run(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "fail", status.Checks["slow"].Status)
}
