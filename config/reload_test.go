package config

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/generation/admission"
)

const baseYAML = `
auth:
  jwt_secret: "s3cret"
log:
  level: info
`

func newTestReloader(t *testing.T, content string) (*Reloader, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, content)

	loader := NewLoader().WithConfigPath(path)
	initial, err := loader.Load()
	require.NoError(t, err)

	r, err := NewReloader(loader, initial, zap.NewNop(),
		WithPollInterval(5*time.Millisecond),
		WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)
	return r, path
}

func TestDiff(t *testing.T) {
	a := validConfig()
	b := validConfig()
	assert.Empty(t, Diff(a, b))

	b.Log.Level = "debug"
	b.Server.HTTPPort = 9000
	b.Pricing = admission.PriceTable{ImageDefault: admission.Price{Text: 1, Image: 1}}
	b.Store.Mongo.Database = "other"

	assert.ElementsMatch(t, []string{"Server.HTTPPort", "Log.Level", "Pricing", "Store.Mongo"}, Diff(a, b))
}

func TestIsHotReloadable(t *testing.T) {
	assert.True(t, IsHotReloadable("Log.Level"))
	assert.True(t, IsHotReloadable("Pricing"))
	assert.True(t, IsHotReloadable("Moderation.Enabled"))
	assert.False(t, IsHotReloadable("Server.HTTPPort"))
	assert.False(t, IsHotReloadable("Store.Backend"))
}

func TestNewReloader_RequiresFile(t *testing.T) {
	_, err := NewReloader(NewLoader(), DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestReloader_Reload(t *testing.T) {
	r, path := newTestReloader(t, baseYAML)
	initial := r.Current()

	var mu sync.Mutex
	var calls int
	var gotOld, gotNew *Config
	r.OnReload(func(oldConfig, newConfig *Config) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		gotOld, gotNew = oldConfig, newConfig
	})

	// 无变化不触发回调
	require.NoError(t, r.Reload())
	assert.Zero(t, calls)

	writeFile(t, path, baseYAML+`
pricing:
  image:
    custom-model:
      text: 4
      image: 8
`)
	require.NoError(t, r.Reload())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Same(t, initial, gotOld)
	assert.Same(t, r.Current(), gotNew)
	assert.Equal(t, admission.Price{Text: 4, Image: 8}, r.Current().Pricing.Image["custom-model"])
}

func TestReloader_InvalidConfigKeepsCurrent(t *testing.T) {
	r, path := newTestReloader(t, baseYAML)
	initial := r.Current()

	writeFile(t, path, baseYAML+"\nstore:\n  backend: etcd\n")
	assert.Error(t, r.Reload())
	assert.Same(t, initial, r.Current())

	writeFile(t, path, "log: [broken")
	assert.Error(t, r.Reload())
	assert.Same(t, initial, r.Current())
}

func TestReloader_CallbackPanicIsRecovered(t *testing.T) {
	r, path := newTestReloader(t, baseYAML)

	called := false
	r.OnReload(func(_, _ *Config) { panic("boom") })
	r.OnReload(func(_, _ *Config) { called = true })

	writeFile(t, path, "auth:\n  jwt_secret: \"s3cret\"\nlog:\n  level: debug\n")
	assert.NotPanics(t, func() { require.NoError(t, r.Reload()) })
	assert.True(t, called)
	assert.Equal(t, "debug", r.Current().Log.Level)
}

func TestReloader_WatchesFile(t *testing.T) {
	r, path := newTestReloader(t, baseYAML)

	levels := make(chan string, 1)
	r.OnReload(func(_, newConfig *Config) { levels <- newConfig.Log.Level })

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	writeFile(t, path, "auth:\n  jwt_secret: \"s3cret\"\nlog:\n  level: warn\n")
	bumpModTime(t, path)

	select {
	case lvl := <-levels:
		assert.Equal(t, "warn", lvl)
	case <-time.After(2 * time.Second):
		t.Fatal("reload was not triggered by file change")
	}
}
