package mediastore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/mediaflow/generation/extract"
	"github.com/BaSui01/mediaflow/internal/retry"
	"github.com/BaSui01/mediaflow/internal/tlsutil"
	"github.com/BaSui01/mediaflow/types"
)

// Config configures the S3-compatible media store.
type Config struct {
	Enabled       bool   `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Endpoint      string `yaml:"endpoint" json:"endpoint" env:"ENDPOINT"`
	AccessKey     string `yaml:"access_key" json:"-" env:"ACCESS_KEY"`
	SecretKey     string `yaml:"secret_key" json:"-" env:"SECRET_KEY"`
	Bucket        string `yaml:"bucket" json:"bucket" env:"BUCKET"`
	Region        string `yaml:"region" json:"region" env:"REGION"`
	UseSSL        bool   `yaml:"use_ssl" json:"use_ssl" env:"USE_SSL"`
	PublicBaseURL string `yaml:"public_base_url" json:"public_base_url" env:"PUBLIC_BASE_URL"`

	DownloadTimeout  time.Duration `yaml:"download_timeout" json:"download_timeout" env:"DOWNLOAD_TIMEOUT"`
	MaxDownloadBytes int64         `yaml:"max_download_bytes" json:"max_download_bytes" env:"MAX_DOWNLOAD_BYTES"`
	MaxUploadBytes   int64         `yaml:"max_upload_bytes" json:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	Concurrency      int           `yaml:"concurrency" json:"concurrency" env:"CONCURRENCY"`
	Retry            retry.Policy  `yaml:"retry" json:"retry"`

	// TemporaryHosts are provider storage hosts whose URLs expire. A host
	// matches itself and its subdomains.
	TemporaryHosts []string `yaml:"temporary_hosts" json:"temporary_hosts" env:"TEMPORARY_HOSTS"`
}

// DefaultTemporaryHosts lists the provider hosts known to serve expiring media.
var DefaultTemporaryHosts = []string{"wavespeed.ai"}

// DefaultConfig returns a disabled store with sane limits.
func DefaultConfig() Config {
	return Config{
		Bucket:           "mediaflow",
		UseSSL:           true,
		DownloadTimeout:  2 * time.Minute,
		MaxDownloadBytes: 512 << 20,
		MaxUploadBytes:   10 << 20,
		Concurrency:      4,
		Retry:            retry.DefaultPolicy(),
		TemporaryHosts:   append([]string(nil), DefaultTemporaryHosts...),
	}
}

// Validate checks an enabled configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return errors.New("media storage endpoint is required")
	}
	if c.Bucket == "" {
		return errors.New("media storage bucket is required")
	}
	return nil
}

// ObjectPutter writes one object.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket, region string) error
}

type minioPutter struct {
	client *minio.Client
}

func (m minioPutter) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ContentType:        contentType,
		ContentDisposition: "inline",
	})
	return err
}

func (m minioPutter) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return m.client.BucketExists(ctx, bucket)
}

func (m minioPutter) MakeBucket(ctx context.Context, bucket, region string) error {
	return m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

// Store persists provider media into object storage.
type Store struct {
	cfg        Config
	putter     ObjectPutter
	httpClient *http.Client
	retryer    *retry.Retryer
	logger     *zap.Logger
	now        func() time.Time
}

// New connects to the configured S3-compatible endpoint.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: tlsutil.SecureTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return NewWithPutter(cfg, minioPutter{client: client}, nil, logger), nil
}

// NewWithPutter creates a store over an existing object writer. A nil
// httpClient uses the hardened default.
func NewWithPutter(cfg Config, putter ObjectPutter, httpClient *http.Client, logger *zap.Logger) *Store {
	def := DefaultConfig()
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = def.DownloadTimeout
	}
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = def.MaxDownloadBytes
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = def.MaxUploadBytes
	}
	if cfg.TemporaryHosts == nil {
		cfg.TemporaryHosts = def.TemporaryHosts
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if httpClient == nil {
		httpClient = &http.Client{Transport: tlsutil.SecureTransport()}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "mediastore"))
	return &Store{
		cfg:        cfg,
		putter:     putter,
		httpClient: httpClient,
		retryer:    retry.New(cfg.Retry, logger),
		logger:     logger,
		now:        time.Now,
	}
}

// EnsureBucket creates the bucket when missing.
func (s *Store) EnsureBucket(ctx context.Context) error {
	ok, err := s.putter.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket %q: %w", s.cfg.Bucket, err)
	}
	if ok {
		return nil
	}
	s.logger.Info("creating bucket", zap.String("bucket", s.cfg.Bucket))
	if err := s.putter.MakeBucket(ctx, s.cfg.Bucket, s.cfg.Region); err != nil {
		return fmt.Errorf("create bucket %q: %w", s.cfg.Bucket, err)
	}
	return nil
}

// Ping checks that the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.putter.BucketExists(ctx, s.cfg.Bucket)
	return err
}

// IsTemporary reports provider URLs that expire and must be copied, using
// the default host list.
func IsTemporary(raw string) bool {
	return isTemporary(raw, DefaultTemporaryHosts)
}

// isTemporary matches u against hosts. Prediction outputs served from
// CloudFront also expire.
func isTemporary(raw string, hosts []string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" && (host == h || strings.HasSuffix(host, "."+h)) {
			return true
		}
	}
	return strings.HasSuffix(host, ".cloudfront.net") && strings.Contains(strings.ToLower(u.Path), "/predictions/")
}

// Result reports one Persist call.
type Result struct {
	// URLs are the deduplicated inputs with each copied entry replaced by its
	// stable URL. Entries that failed keep the provider URL.
	URLs      []string
	Persisted int
	Skipped   int
	Errors    []error
}

// Err joins the per-URL failures.
func (r Result) Err() error { return errors.Join(r.Errors...) }

// Persist copies temporary provider URLs into the bucket. Non-http entries
// are dropped and duplicates collapse to their first occurrence.
func (s *Store) Persist(ctx context.Context, taskID, provider string, urls []string, kind extract.MediaKind) Result {
	var in []string
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		in = append(in, u)
	}

	res := Result{URLs: append([]string(nil), in...)}
	errs := make([]error, len(in))
	copied := make([]bool, len(in))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, src := range in {
		if !isTemporary(src, s.cfg.TemporaryHosts) {
			res.Skipped++
			continue
		}
		g.Go(func() error {
			key := s.objectKey(kind, provider, taskID, i, src)
			stable, err := s.copyURL(gctx, src, key, kind)
			if err != nil {
				errs[i] = fmt.Errorf("persist %s: %w", src, err)
				return nil
			}
			res.URLs[i] = stable
			copied[i] = true
			return nil
		})
	}
	_ = g.Wait()

	for i := range in {
		if copied[i] {
			res.Persisted++
		}
		if errs[i] != nil {
			res.Errors = append(res.Errors, errs[i])
		}
	}
	if len(res.Errors) > 0 {
		s.logger.Warn("media persistence incomplete",
			zap.String("task_id", taskID),
			zap.Int("persisted", res.Persisted),
			zap.Int("failed", len(res.Errors)),
			zap.Error(res.Err()))
	}
	return res
}

func (s *Store) copyURL(ctx context.Context, src, key string, kind extract.MediaKind) (string, error) {
	data, err := retry.Do(ctx, s.retryer, func(ctx context.Context) ([]byte, error) {
		return s.download(ctx, src)
	})
	if err != nil {
		return "", err
	}
	ext := strings.TrimPrefix(path.Ext(key), ".")
	if err := s.putter.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), ContentType(ext, kind)); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return s.PublicURL(key), nil
}

func (s *Store) download(ctx context.Context, src string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("download status %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, retry.Permanent(fmt.Errorf("download status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxDownloadBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.cfg.MaxDownloadBytes {
		return nil, retry.Permanent(fmt.Errorf("media exceeds %d bytes", s.cfg.MaxDownloadBytes))
	}
	return data, nil
}

// Upload stores a user-supplied reference image and returns its URL.
func (s *Store) Upload(ctx context.Context, userID, filename, contentType string, r io.Reader, size int64) (string, error) {
	if size > s.cfg.MaxUploadBytes {
		return "", types.NewError(types.ErrInvalidRequest, fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxUploadBytes))
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if !strings.HasPrefix(contentType, "image/") {
		contentType = ContentType(ext, extract.MediaImage)
	}
	if !strings.HasPrefix(contentType, "image/") || (ext != "" && !imageExts[ext]) {
		return "", types.NewError(types.ErrInvalidRequest, "only image uploads are supported")
	}
	if ext == "" {
		ext = "jpg"
	}

	key := fmt.Sprintf("uploads/%s/%s/%s.%s",
		sanitize(userID, "anonymous"), s.now().UTC().Format("20060102"), uuid.NewString(), ext)
	if err := s.putter.PutObject(ctx, s.cfg.Bucket, key, r, size, contentType); err != nil {
		return "", types.NewError(types.ErrUnavailable, "upload failed").WithCause(err)
	}
	return s.PublicURL(key), nil
}

// PublicURL returns the public URL of key.
func (s *Store) PublicURL(key string) string {
	base := strings.TrimRight(s.cfg.PublicBaseURL, "/")
	if base == "" {
		scheme := "http"
		if s.cfg.UseSSL {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s/%s", scheme, s.cfg.Endpoint, s.cfg.Bucket)
	}
	return base + "/" + key
}

var (
	extPattern    = regexp.MustCompile(`^[a-z0-9]{2,6}$`)
	unsafeKeyChar = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
	imageExts     = map[string]bool{"png": true, "jpg": true, "jpeg": true, "webp": true, "gif": true, "bmp": true}
)

// objectKey: ai-{kind}-{provider}-{yyyymmdd}-{taskId}-{idx}-{rand8}.{ext}
func (s *Store) objectKey(kind extract.MediaKind, provider, taskID string, idx int, src string) string {
	rand8 := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("ai-%s-%s-%s-%s-%d-%s.%s",
		kindName(kind), sanitize(provider, "wavespeed"), s.now().UTC().Format("20060102"),
		taskID, idx, rand8, Extension(src, kind))
}

func sanitize(s, def string) string {
	if s == "" {
		return def
	}
	return unsafeKeyChar.ReplaceAllString(s, "-")
}

func kindName(kind extract.MediaKind) string {
	if kind == extract.MediaVideo {
		return "video"
	}
	return "image"
}

// Extension guesses a file extension from the URL path.
func Extension(raw string, kind extract.MediaKind) string {
	if u, err := url.Parse(raw); err == nil {
		last := path.Base(u.Path)
		if idx := strings.LastIndex(last, "."); idx > 0 && idx < len(last)-1 {
			if ext := strings.ToLower(last[idx+1:]); extPattern.MatchString(ext) {
				return ext
			}
		}
	}
	if kind == extract.MediaVideo {
		return "mp4"
	}
	return "jpg"
}

var contentTypes = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"webp": "image/webp",
	"gif":  "image/gif",
	"bmp":  "image/bmp",
	"svg":  "image/svg+xml",
	"mp4":  "video/mp4",
	"mov":  "video/quicktime",
	"webm": "video/webm",
	"avi":  "video/x-msvideo",
	"mkv":  "video/x-matroska",
}

// ContentType maps an extension to a MIME type.
func ContentType(ext string, kind extract.MediaKind) string {
	if ct, ok := contentTypes[strings.ToLower(ext)]; ok {
		return ct
	}
	if kind == extract.MediaVideo {
		return "video/mp4"
	}
	return "image/jpeg"
}
