// 默认配置测试。
package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/mediaflow/generation/catalog"
	"github.com/BaSui01/mediaflow/generation/persistence"
	"github.com/BaSui01/mediaflow/generation/poll"
	"github.com/BaSui01/mediaflow/generation/provider"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	// 写超时要大于视频提交的长超时
	assert.Greater(t, cfg.Server.WriteTimeout, cfg.Providers.KIE.LongTimeout)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []string{"stdout"}, cfg.Log.OutputPaths)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "mediaflow", cfg.Telemetry.ServiceName)
}

func TestDefaultProvidersConfig(t *testing.T) {
	cfg := DefaultProvidersConfig()
	assert.Equal(t, provider.DefaultWaveSpeedBaseURL, cfg.WaveSpeed.BaseURL)
	assert.Equal(t, provider.DefaultKIEBaseURL, cfg.KIE.BaseURL)
	assert.Equal(t, 45*time.Second, cfg.KIE.ShortTimeout)
	assert.Equal(t, 120*time.Second, cfg.KIE.LongTimeout)
	assert.Empty(t, cfg.KIE.APIKey)
}

func TestDefaultConfig_GenerationSections(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, catalog.DefaultTTL, cfg.Catalog.TTL)
	assert.Equal(t, poll.DefaultPolicy(), cfg.Polling)
	assert.True(t, cfg.Lifecycle.ForceSuccessOnMedia)
	assert.True(t, cfg.Lifecycle.HoldSuccessWithoutMedia)

	assert.Equal(t, persistence.StoreTypeMemory, cfg.Store.Backend)
	assert.Equal(t, "memory", cfg.Store.Ledger)
	assert.Equal(t, "generation_tasks", cfg.Store.Mongo.Collection)

	assert.False(t, cfg.MediaStorage.Enabled)
	assert.True(t, cfg.Moderation.Enabled)
	assert.Equal(t, provider.DefaultModerationModel, cfg.Moderation.Model)
	assert.Empty(t, cfg.Pricing.Image)

	assert.True(t, cfg.Reconciler.Enabled)
	assert.Equal(t, "@every 30s", cfg.Reconciler.Schedule)

	assert.True(t, cfg.Auth.Enabled)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 20.0, cfg.RateLimit.RPS)
}
