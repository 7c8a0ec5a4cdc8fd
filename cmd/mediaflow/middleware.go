package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/mediaflow/api/handlers"
	"github.com/BaSui01/mediaflow/config"
	"github.com/BaSui01/mediaflow/internal/metrics"
	"github.com/BaSui01/mediaflow/types"
)

// Middleware 类型定义
type Middleware func(http.Handler) http.Handler

// Chain 将多个中间件串联，第一个在最外层
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery panic 恢复中间件
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", zap.Any("error", err), zap.String("path", r.URL.Path))
					handlers.WriteError(w, types.NewError(types.ErrInternalError, "internal server error"), logger)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger 请求日志中间件
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			}
			if id, ok := types.RequestID(r.Context()); ok {
				fields = append(fields, zap.String("request_id", id))
			}
			if userID, ok := types.UserID(r.Context()); ok {
				fields = append(fields, zap.String("user_id", userID))
			}
			logger.Info("request", fields...)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Hijack 让 websocket 升级穿透包装层
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}

// =============================================================================
// 📊 MetricsMiddleware
// =============================================================================

type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	wroteHeader  bool
	bytesWritten int64
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += int64(n)
	return n, err
}

func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *metricsResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

// MetricsMiddleware 记录 HTTP 请求耗时、状态码与大小。
// 路径中的任务 ID 等动态段会被归一化，避免 Prometheus 标签基数失控。
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			mrw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(mrw, r)

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}
			collector.RecordHTTPRequest(r.Method, normalizePath(r.URL.Path), mrw.statusCode,
				time.Since(start), requestSize, mrw.bytesWritten)
		})
	}
}

// pathSegmentPattern 匹配 UUID、长十六进制串和纯数字
var pathSegmentPattern = regexp.MustCompile(
	`^[0-9a-fA-F]{8,}(-[0-9a-fA-F]{4,}){0,4}$|^[0-9]+$`,
)

// normalizePath 将动态路径段替换为 :id，例如
//
//	/api/v1/generations/0b6f.../watch -> /api/v1/generations/:id/watch
//	/api/v1/admin/credits/alice       -> /api/v1/admin/credits/:user
func normalizePath(path string) string {
	switch path {
	case "/health", "/healthz", "/ready", "/version", "/metrics",
		"/api/v1/generations", "/api/v1/models", "/api/v1/uploads", "/api/v1/credits":
		return path
	}

	segments := strings.Split(path, "/")
	// 管理接口的用户 ID 为任意字符串
	if len(segments) == 6 && segments[3] == "admin" && segments[4] == "credits" && segments[5] != "" {
		segments[5] = ":user"
		return strings.Join(segments, "/")
	}

	normalized := false
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if pathSegmentPattern.MatchString(seg) {
			segments[i] = ":id"
			normalized = true
		}
	}
	if !normalized {
		return path
	}
	return strings.Join(segments, "/")
}

// =============================================================================
// 🔭 OTelTracing
// =============================================================================

// OTelTracing 为每个请求创建服务端 span，并从请求头提取上游追踪上下文
func OTelTracing() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			tracer := otel.Tracer("mediaflow/http")
			ctx, span := tracer.Start(ctx, r.Method+" "+normalizePath(r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLFull(r.URL.String()),
				),
			)
			defer span.End()

			if sc := span.SpanContext(); sc.HasTraceID() {
				ctx = types.WithTraceID(ctx, sc.TraceID().String())
			}

			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", rw.StatusCode))
			if rw.StatusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.StatusCode))
			}
		})
	}
}

// =============================================================================
// 🔐 身份认证
// =============================================================================

// Identity 解析调用方身份并写入 types.WithUserID。
//
// 支持两种凭据：
//   - Authorization: Bearer <JWT>，HS256，用户 ID 取 sub 或 user_id
//   - X-API-Key + X-User-ID，用于受信任的后端服务
//
// 认证关闭时直接信任 X-User-ID，仅用于本地开发。skipPaths 中的路径不做认证，
// 以 / 结尾的条目按前缀匹配。
func Identity(cfg config.AuthConfig, skipPaths []string, logger *zap.Logger) Middleware {
	skip := pathMatcher(skipPaths)
	keys := make([][]byte, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, []byte(k))
		}
	}

	secret := []byte(cfg.JWTSecret)
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.JWTIssuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.JWTIssuer))
	}
	keyFunc := func(token *jwt.Token) (any, error) {
		if len(secret) == 0 {
			return nil, fmt.Errorf("HMAC secret not configured")
		}
		return secret, nil
	}

	unauthorized := func(w http.ResponseWriter, message string) {
		handlers.WriteError(w, types.NewError(types.ErrUnauthorized, message), logger)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if !cfg.Enabled {
				if userID := strings.TrimSpace(r.Header.Get("X-User-ID")); userID != "" {
					r = r.WithContext(types.WithUserID(r.Context(), userID))
				}
				next.ServeHTTP(w, r)
				return
			}

			if auth := r.Header.Get("Authorization"); auth != "" {
				if !strings.HasPrefix(auth, "Bearer ") {
					unauthorized(w, "malformed Authorization header")
					return
				}
				userID, err := userFromToken(strings.TrimPrefix(auth, "Bearer "), keyFunc, parserOpts)
				if err != nil {
					logger.Debug("JWT validation failed", zap.Error(err))
					unauthorized(w, "invalid or expired token")
					return
				}
				next.ServeHTTP(w, r.WithContext(types.WithUserID(r.Context(), userID)))
				return
			}

			key := r.Header.Get("X-API-Key")
			if key == "" && cfg.AllowQueryAPIKey {
				key = r.URL.Query().Get("api_key")
			}
			if key == "" {
				unauthorized(w, "missing credentials")
				return
			}
			if !matchKey(keys, key) {
				unauthorized(w, "invalid API key")
				return
			}
			userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
			if userID == "" && cfg.AllowQueryAPIKey {
				userID = strings.TrimSpace(r.URL.Query().Get("user_id"))
			}
			if userID == "" {
				unauthorized(w, "X-User-ID header is required with API key authentication")
				return
			}
			next.ServeHTTP(w, r.WithContext(types.WithUserID(r.Context(), userID)))
		})
	}
}

func pathMatcher(paths []string) func(string) bool {
	exact := make(map[string]struct{}, len(paths))
	var prefixes []string
	for _, p := range paths {
		if strings.HasSuffix(p, "/") {
			prefixes = append(prefixes, p)
			continue
		}
		exact[p] = struct{}{}
	}
	return func(path string) bool {
		if _, ok := exact[path]; ok {
			return true
		}
		for _, p := range prefixes {
			if strings.HasPrefix(path, p) {
				return true
			}
		}
		return false
	}
}

func userFromToken(raw string, keyFunc jwt.Keyfunc, opts []jwt.ParserOption) (string, error) {
	token, err := jwt.Parse(raw, keyFunc, opts...)
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	if userID, ok := claims["user_id"].(string); ok && userID != "" {
		return userID, nil
	}
	return "", fmt.Errorf("token carries no subject")
}

// AdminAuth 保护管理接口，要求 X-Admin-Key 命中配置的管理 Key
func AdminAuth(adminKeys []string, logger *zap.Logger) Middleware {
	keys := make([][]byte, 0, len(adminKeys))
	for _, k := range adminKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, []byte(k))
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !matchKey(keys, r.Header.Get("X-Admin-Key")) {
				handlers.WriteError(w, types.NewError(types.ErrForbidden, "admin key required"), logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func matchKey(keys [][]byte, candidate string) bool {
	if candidate == "" {
		return false
	}
	c := []byte(candidate)
	matched := false
	for _, k := range keys {
		if subtle.ConstantTimeCompare(k, c) == 1 {
			matched = true
		}
	}
	return matched
}

// =============================================================================
// 🚦 限流与通用中间件
// =============================================================================

// RateLimiter 基于客户端 IP 的请求限流中间件，ctx 结束时停止后台清理
func RateLimiter(ctx context.Context, rps float64, burst int, logger *zap.Logger) Middleware {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for ip, v := range visitors {
					if time.Since(v.lastSeen) > 3*time.Minute {
						delete(visitors, ip)
					}
				}
				mu.Unlock()
			}
		}
	}()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			mu.Lock()
			v, exists := visitors[ip]
			if !exists {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				visitors[ip] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()
			if !v.limiter.Allow() {
				logger.Debug("rate limited", zap.String("ip", ip))
				handlers.WriteError(w, types.NewError(types.ErrRateLimited, "too many requests"), logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS 跨域中间件。allowedOrigins 为空时不设置任何 CORS 头。
func CORS(allowedOrigins []string) Middleware {
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if len(originSet) == 0 {
				if origin != "" && r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := originSet[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-User-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.Header().Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID 透传或生成 X-Request-ID，并写入请求上下文
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = generateRequestID()
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), id)))
		})
	}
}

// SecurityHeaders 添加常用安全响应头
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("X-XSS-Protection", "1; mode=block")
			w.Header().Set("Content-Security-Policy", "default-src 'self'")
			next.ServeHTTP(w, r)
		})
	}
}

func generateRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return "req-" + hex.EncodeToString(b)
}
