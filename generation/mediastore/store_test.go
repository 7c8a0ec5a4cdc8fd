package mediastore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/mediaflow/generation/extract"
	"github.com/BaSui01/mediaflow/internal/retry"
	"github.com/BaSui01/mediaflow/types"
)

type object struct {
	data        []byte
	contentType string
}

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string]object
	exists  bool
	putErr  error
}

func newFakeBucket() *fakeBucket { return &fakeBucket{objects: map[string]object{}} }

func (f *fakeBucket) PutObject(_ context.Context, _ string, key string, r io.Reader, _ int64, contentType string) error {
	if f.putErr != nil {
		return f.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = object{data: data, contentType: contentType}
	return nil
}

func (f *fakeBucket) BucketExists(context.Context, string) (bool, error) { return f.exists, nil }

func (f *fakeBucket) MakeBucket(context.Context, string, string) error {
	f.exists = true
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = "s3.local"
	cfg.PublicBaseURL = "https://media.example.com/"
	cfg.Retry = retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	cfg.TemporaryHosts = append(cfg.TemporaryHosts, "127.0.0.1")
	return cfg
}

func newTestStore(t *testing.T, bucket *fakeBucket) *Store {
	t.Helper()
	s := NewWithPutter(testConfig(), bucket, nil, nil)
	s.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestIsTemporary(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://d1q70pf5vjeyhc.cloudfront.net/predictions/abc/0.png", true},
		{"https://static.wavespeed.ai/out/1.mp4", true},
		{"https://cdn.WaveSpeed.ai/x.jpg", true},
		{"https://tempfile.aiquickdraw.com/r/abc.png", false},
		{"https://attacker.example.com/predictions/x.png", false},
		{"https://wavespeed.example.com/x.png", false},
		{"https://media.example.com/ai-image-kie-1.png", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTemporary(tt.url), tt.url)
	}
}

func TestPersist_SkipsUnknownHosts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.TemporaryHosts = DefaultTemporaryHosts
	s := NewWithPutter(cfg, newFakeBucket(), nil, nil)

	src := srv.URL + "/predictions/abc/out.png"
	res := s.Persist(context.Background(), "t", "wavespeed", []string{src}, extract.MediaImage)
	assert.Equal(t, []string{src}, res.URLs)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, calls.Load())
}

func TestExtensionAndContentType(t *testing.T) {
	assert.Equal(t, "png", Extension("https://x/predictions/a/out.PNG?sig=1", extract.MediaImage))
	assert.Equal(t, "webm", Extension("https://x/v.webm", extract.MediaVideo))
	assert.Equal(t, "mp4", Extension("https://x/predictions/abc", extract.MediaVideo))
	assert.Equal(t, "jpg", Extension("https://x/file.toolongext", extract.MediaImage))

	assert.Equal(t, "image/jpeg", ContentType("jpeg", extract.MediaImage))
	assert.Equal(t, "video/quicktime", ContentType("mov", extract.MediaVideo))
	assert.Equal(t, "image/svg+xml", ContentType("svg", extract.MediaImage))
	assert.Equal(t, "video/mp4", ContentType("bin", extract.MediaVideo))
	assert.Equal(t, "image/jpeg", ContentType("", extract.MediaImage))
}

func TestPersist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/missing.png"):
			http.NotFound(w, r)
		default:
			_, _ = w.Write([]byte("bytes:" + r.URL.Path))
		}
	}))
	defer srv.Close()

	bucket := newFakeBucket()
	s := newTestStore(t, bucket)

	good := srv.URL + "/predictions/abc/out.png"
	stable := "https://media.example.com/already.png"
	missing := srv.URL + "/predictions/abc/missing.png"

	res := s.Persist(context.Background(), "task-1", "Wave Speed", []string{good, stable, good, "data:image/png;base64,xx", missing}, extract.MediaImage)

	require.Len(t, res.URLs, 3)
	assert.Equal(t, 1, res.Persisted)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Errors, 1)
	assert.Error(t, res.Err())

	keyPattern := regexp.MustCompile(`^https://media\.example\.com/ai-image-Wave-Speed-20250301-task-1-0-[0-9a-f]{8}\.png$`)
	assert.Regexp(t, keyPattern, res.URLs[0])
	assert.Equal(t, stable, res.URLs[1])
	assert.Equal(t, missing, res.URLs[2])

	require.Len(t, bucket.objects, 1)
	for key, obj := range bucket.objects {
		assert.True(t, strings.HasPrefix(key, "ai-image-"))
		assert.Equal(t, "image/png", obj.contentType)
		assert.Equal(t, "bytes:/predictions/abc/out.png", string(obj.data))
	}
}

func TestPersist_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("video"))
	}))
	defer srv.Close()

	bucket := newFakeBucket()
	res := newTestStore(t, bucket).Persist(context.Background(), "t", "wavespeed",
		[]string{srv.URL + "/predictions/v"}, extract.MediaVideo)

	assert.Equal(t, 1, res.Persisted)
	assert.Empty(t, res.Errors)
	assert.EqualValues(t, 2, calls.Load())
	assert.Contains(t, res.URLs[0], "/ai-video-wavespeed-")
	assert.True(t, strings.HasSuffix(res.URLs[0], ".mp4"))
}

func TestPersist_UploadFailureKeepsOriginal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("img"))
	}))
	defer srv.Close()

	bucket := newFakeBucket()
	bucket.putErr = errors.New("access denied")
	src := srv.URL + "/predictions/x.jpg"

	res := newTestStore(t, bucket).Persist(context.Background(), "t", "", []string{src}, extract.MediaImage)
	assert.Equal(t, []string{src}, res.URLs)
	assert.Zero(t, res.Persisted)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "access denied")
}

func TestPersist_SizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("a"), 64))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxDownloadBytes = 16
	s := NewWithPutter(cfg, newFakeBucket(), nil, nil)

	res := s.Persist(context.Background(), "t", "wavespeed", []string{srv.URL + "/predictions/big.png"}, extract.MediaImage)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "exceeds")
}

func TestUpload(t *testing.T) {
	bucket := newFakeBucket()
	s := newTestStore(t, bucket)

	u, err := s.Upload(context.Background(), "user/1", "ref.PNG", "", strings.NewReader("png"), 3)
	require.NoError(t, err)
	assert.Regexp(t, `^https://media\.example\.com/uploads/user-1/20250301/[0-9a-f-]{36}\.png$`, u)

	_, err = s.Upload(context.Background(), "u", "notes.txt", "text/plain", strings.NewReader("x"), 1)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))

	_, err = s.Upload(context.Background(), "u", "huge.png", "image/png", strings.NewReader("x"), 11<<20)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

func TestEnsureBucketAndPublicURL(t *testing.T) {
	bucket := newFakeBucket()
	s := newTestStore(t, bucket)
	require.NoError(t, s.EnsureBucket(context.Background()))
	assert.True(t, bucket.exists)
	require.NoError(t, s.Ping(context.Background()))

	cfg := testConfig()
	cfg.PublicBaseURL = ""
	cfg.UseSSL = false
	plain := NewWithPutter(cfg, bucket, nil, nil)
	assert.Equal(t, "http://s3.local/mediaflow/k.png", plain.PublicURL("k.png"))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{Enabled: true}.Validate())
	assert.Error(t, Config{Enabled: true, Endpoint: "x"}.Validate())
	assert.NoError(t, testConfig().Validate())
}
