package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/mediaflow/generation/extract"
	"github.com/BaSui01/mediaflow/internal/tlsutil"
	"github.com/BaSui01/mediaflow/types"
)

const maxResponseBytes = 8 << 20

// Config configures one provider's HTTP client.
type Config struct {
	BaseURL      string        `yaml:"base_url" json:"base_url" env:"BASE_URL"`
	APIKey       string        `yaml:"api_key" json:"-" env:"API_KEY"`
	ShortTimeout time.Duration `yaml:"short_timeout" json:"short_timeout" env:"SHORT_TIMEOUT"`
	LongTimeout  time.Duration `yaml:"long_timeout" json:"long_timeout" env:"LONG_TIMEOUT"`
	// RateLimit 为每秒出站请求数，0 表示不限流
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit" env:"RATE_LIMIT"`
	Burst     int     `yaml:"burst" json:"burst" env:"BURST"`

	// HTTPClient 覆盖默认的加固客户端，测试时注入
	HTTPClient *http.Client `yaml:"-" json:"-"`
}

func (c Config) withDefaults(baseURL string) Config {
	if c.BaseURL == "" {
		c.BaseURL = baseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.ShortTimeout <= 0 {
		c.ShortTimeout = 45 * time.Second
	}
	if c.LongTimeout <= 0 {
		c.LongTimeout = 120 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	return c
}

// httpClient is the shared transport for provider adapters.
type httpClient struct {
	provider string
	cfg      Config
	client   *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
}

type response struct {
	Status int
	Body   []byte
}

func (r response) OK() bool { return r.Status >= 200 && r.Status < 300 }

func newHTTPClient(provider string, cfg Config, logger *zap.Logger) *httpClient {
	client := cfg.HTTPClient
	if client == nil {
		// 超时由每次调用的 context 控制
		client = &http.Client{Transport: tlsutil.SecureTransport()}
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &httpClient{
		provider: provider,
		cfg:      cfg,
		client:   client,
		limiter:  limiter,
		logger:   logger.With(zap.String("component", "provider"), zap.String("provider", provider)),
	}
}

func (c *httpClient) timeout(long bool) time.Duration {
	if long {
		return c.cfg.LongTimeout
	}
	return c.cfg.ShortTimeout
}

// do sends one JSON request. Transport failures are returned as is; the
// caller decides how a non-2xx status is classified.
func (c *httpClient) do(ctx context.Context, method, url string, body any, long bool) (response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return response{}, fmt.Errorf("rate limiter: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout(long))
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return response{}, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return response{}, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("provider call",
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))
	return response{Status: resp.StatusCode, Body: data}, nil
}

func (c *httpClient) rejected(message string, cause error) *types.Error {
	e := types.NewError(types.ErrProviderRejected, message).WithProvider(c.provider)
	if cause != nil {
		e = e.WithCause(cause)
	}
	return e
}

func (c *httpClient) transient(message string, status int, cause error) *types.Error {
	e := types.NewError(types.ErrPollTransient, message).WithProvider(c.provider)
	if cause != nil {
		e = e.WithCause(cause)
	}
	if status > 0 {
		e.Message = fmt.Sprintf("%s (HTTP %d)", message, status)
	}
	return e
}

// ErrorText picks the clearest message out of an error response.
func ErrorText(body []byte, status int) string {
	if v, err := extract.Parse(body); err == nil && v.Kind == extract.KindObject {
		for _, key := range []string{"message", "msg", "error"} {
			f, ok := v.Path(key)
			if !ok {
				continue
			}
			if s := f.Text(); s != "" {
				return s
			}
			if m, ok := f.Path("message"); ok && m.Text() != "" {
				return m.Text()
			}
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return fmt.Sprintf("HTTP %d", status)
}

// firstID returns the first scalar found at paths, as a string.
func firstID(v extract.Value, paths ...[]string) string {
	for _, p := range paths {
		f, ok := v.Path(p...)
		if !ok {
			continue
		}
		if f.Kind != extract.KindString && f.Kind != extract.KindNumber {
			continue
		}
		if s := strings.TrimSpace(f.Text()); s != "" {
			return s
		}
	}
	return ""
}
