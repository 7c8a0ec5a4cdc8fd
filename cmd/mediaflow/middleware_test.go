package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/config"
	"github.com/BaSui01/mediaflow/types"
)

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := SecurityHeaders()(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "1; mode=block", w.Header().Get("X-XSS-Protection"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
}

func TestSecurityHeaders_ChainedWithRequestID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = types.RequestID(r.Context())
		w.Write([]byte("ok"))
	})

	handler := Chain(inner, SecurityHeaders(), RequestID())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), seen)
}

func TestRequestID_PassesThroughClientValue(t *testing.T) {
	handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "req-client")
	handler.ServeHTTP(w, r)

	assert.Equal(t, "req-client", w.Header().Get("X-Request-ID"))
}

func TestRecovery(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), string(types.ErrInternalError))
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/health", "/health"},
		{"/api/v1/generations", "/api/v1/generations"},
		{"/api/v1/generations/0b6f1c2e-8a4d-4c3b-9f1e-2d7a5b6c8e90", "/api/v1/generations/:id"},
		{"/api/v1/generations/0b6f1c2e-8a4d-4c3b-9f1e-2d7a5b6c8e90/watch", "/api/v1/generations/:id/watch"},
		{"/api/v1/generations/12345", "/api/v1/generations/:id"},
		{"/api/v1/admin/credits/alice", "/api/v1/admin/credits/:user"},
		{"/api/v1/unknown/path", "/api/v1/unknown/path"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.in))
		})
	}
}

// userEcho 返回上下文中的用户 ID，未认证时返回空字符串
func userEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := types.UserID(r.Context())
		w.Write([]byte(userID))
	})
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestIdentity(t *testing.T) {
	cfg := config.AuthConfig{
		Enabled:   true,
		JWTSecret: "s3cret",
		JWTIssuer: "mediaflow",
		APIKeys:   []string{"key-1", " key-2 "},
	}
	handler := Identity(cfg, publicPaths, zap.NewNop())(userEcho())

	tests := []struct {
		name       string
		path       string
		header     map[string]string
		wantStatus int
		wantUser   string
	}{
		{
			name: "jwt subject",
			header: map[string]string{"Authorization": "Bearer " + signToken(t, "s3cret", jwt.MapClaims{
				"sub": "alice", "iss": "mediaflow", "exp": time.Now().Add(time.Hour).Unix(),
			})},
			wantStatus: http.StatusOK,
			wantUser:   "alice",
		},
		{
			name: "jwt user_id claim",
			header: map[string]string{"Authorization": "Bearer " + signToken(t, "s3cret", jwt.MapClaims{
				"user_id": "bob", "iss": "mediaflow",
			})},
			wantStatus: http.StatusOK,
			wantUser:   "bob",
		},
		{
			name: "jwt wrong secret",
			header: map[string]string{"Authorization": "Bearer " + signToken(t, "other", jwt.MapClaims{
				"sub": "alice", "iss": "mediaflow",
			})},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "jwt wrong issuer",
			header: map[string]string{"Authorization": "Bearer " + signToken(t, "s3cret", jwt.MapClaims{
				"sub": "alice", "iss": "someone-else",
			})},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "jwt expired",
			header: map[string]string{"Authorization": "Bearer " + signToken(t, "s3cret", jwt.MapClaims{
				"sub": "alice", "iss": "mediaflow", "exp": time.Now().Add(-time.Hour).Unix(),
			})},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "malformed authorization",
			header:     map[string]string{"Authorization": "Basic abc"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "api key with user",
			header:     map[string]string{"X-API-Key": "key-2", "X-User-ID": "carol"},
			wantStatus: http.StatusOK,
			wantUser:   "carol",
		},
		{
			name:       "api key without user",
			header:     map[string]string{"X-API-Key": "key-1"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unknown api key",
			header:     map[string]string{"X-API-Key": "nope", "X-User-ID": "carol"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "no credentials",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "public path",
			path:       "/health",
			wantStatus: http.StatusOK,
		},
		{
			name:       "admin prefix skipped",
			path:       "/api/v1/admin/credits/alice",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.path
			if path == "" {
				path = "/api/v1/credits"
			}
			r := httptest.NewRequest(http.MethodGet, path, nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantUser, w.Body.String())
			} else {
				assert.Contains(t, w.Body.String(), string(types.ErrUnauthorized))
			}
		})
	}
}

func TestIdentity_QueryAPIKey(t *testing.T) {
	cfg := config.AuthConfig{Enabled: true, APIKeys: []string{"key-1"}}

	t.Run("rejected by default", func(t *testing.T) {
		handler := Identity(cfg, nil, zap.NewNop())(userEcho())
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/generations/x/watch?api_key=key-1&user_id=dave", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("allowed when enabled", func(t *testing.T) {
		cfg := cfg
		cfg.AllowQueryAPIKey = true
		handler := Identity(cfg, nil, zap.NewNop())(userEcho())
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/generations/x/watch?api_key=key-1&user_id=dave", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "dave", w.Body.String())
	})
}

func TestIdentity_DisabledTrustsHeader(t *testing.T) {
	handler := Identity(config.AuthConfig{Enabled: false}, nil, zap.NewNop())(userEcho())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/credits", nil)
	r.Header.Set("X-User-ID", " erin ")
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "erin", w.Body.String())
}

func TestAdminAuth(t *testing.T) {
	handler := AdminAuth([]string{"admin-key", ""}, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, tc := range []struct {
		key  string
		want int
	}{
		{"admin-key", http.StatusNoContent},
		{"wrong", http.StatusForbidden},
		{"", http.StatusForbidden},
	} {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/api/v1/admin/credits/alice", nil)
		if tc.key != "" {
			r.Header.Set("X-Admin-Key", tc.key)
		}
		handler.ServeHTTP(w, r)
		assert.Equal(t, tc.want, w.Code, "key %q", tc.key)
	}
}

func TestCORS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	t.Run("allowed origin", func(t *testing.T) {
		handler := CORS([]string{"https://app.example.com"})(ok)
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
		r.Header.Set("Origin", "https://app.example.com")
		handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", w.Header().Get("Vary"))
	})

	t.Run("preflight", func(t *testing.T) {
		handler := CORS([]string{"https://app.example.com"})(ok)
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodOptions, "/api/v1/generations", nil)
		r.Header.Set("Origin", "https://app.example.com")
		handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-User-ID")
	})

	t.Run("unknown origin gets no headers", func(t *testing.T) {
		handler := CORS([]string{"https://app.example.com"})(ok)
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
		r.Header.Set("Origin", "https://evil.example.com")
		handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("no origins configured rejects preflight", func(t *testing.T) {
		handler := CORS(nil)(ok)
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodOptions, "/api/v1/models", nil)
		r.Header.Set("Origin", "https://app.example.com")
		handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := RateLimiter(ctx, 0.001, 2, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remote string) int {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
		r.RemoteAddr = remote
		handler.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1002"))
	// 其他 IP 拥有独立的令牌桶
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1000"))
}

type stubModerator struct {
	calls int
	err   error
}

func (m *stubModerator) Check(context.Context, string) error {
	m.calls++
	return m.err
}

func TestSwitchableModerator(t *testing.T) {
	inner := &stubModerator{err: errors.New("flagged")}
	m := newSwitchableModerator(inner, false)

	require.NoError(t, m.Check(context.Background(), "a prompt"))
	assert.Equal(t, 0, inner.calls)

	m.SetEnabled(true)
	assert.EqualError(t, m.Check(context.Background(), "a prompt"), "flagged")
	assert.Equal(t, 1, inner.calls)

	m.SetEnabled(false)
	require.NoError(t, m.Check(context.Background(), "a prompt"))
	assert.Equal(t, 1, inner.calls)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}
