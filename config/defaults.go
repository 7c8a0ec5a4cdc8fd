// =============================================================================
// 📦 MediaFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/mediaflow/generation/catalog"
	"github.com/BaSui01/mediaflow/generation/mediastore"
	"github.com/BaSui01/mediaflow/generation/persistence"
	"github.com/BaSui01/mediaflow/generation/poll"
	"github.com/BaSui01/mediaflow/generation/provider"
	"github.com/BaSui01/mediaflow/generation/reconcile"
	"github.com/BaSui01/mediaflow/generation/task"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Log:          DefaultLogConfig(),
		Database:     DefaultDatabaseConfig(),
		Redis:        DefaultRedisConfig(),
		Telemetry:    DefaultTelemetryConfig(),
		Providers:    DefaultProvidersConfig(),
		Catalog:      DefaultCatalogConfig(),
		Polling:      poll.DefaultPolicy(),
		Lifecycle:    task.DefaultPolicy(),
		Store:        DefaultStoreConfig(),
		MediaStorage: mediastore.DefaultConfig(),
		Moderation:   provider.DefaultModerationConfig(),
		Reconciler:   reconcile.DefaultConfig(),
		Auth:         DefaultAuthConfig(),
		RateLimit:    DefaultRateLimitConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    150 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "mediaflow",
		Password:        "",
		Name:            "mediaflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:   false,
		Addr:      "localhost:6379",
		DB:        0,
		PoolSize:  10,
		KeyPrefix: "mediaflow:",
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "mediaflow",
		SampleRate:   0.1,
	}
}

// DefaultProvidersConfig 返回默认上游配置，API Key 需通过环境变量提供
func DefaultProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		WaveSpeed: provider.Config{
			BaseURL:      provider.DefaultWaveSpeedBaseURL,
			ShortTimeout: 45 * time.Second,
			LongTimeout:  120 * time.Second,
			RateLimit:    10,
			Burst:        20,
		},
		KIE: provider.Config{
			BaseURL:      provider.DefaultKIEBaseURL,
			ShortTimeout: 45 * time.Second,
			LongTimeout:  120 * time.Second,
			RateLimit:    10,
			Burst:        20,
		},
	}
}

// DefaultCatalogConfig 返回默认目录缓存配置
func DefaultCatalogConfig() CatalogConfig {
	return CatalogConfig{
		TTL:            catalog.DefaultTTL,
		RefreshTimeout: 30 * time.Second,
	}
}

// DefaultStoreConfig 返回默认存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Backend:        persistence.StoreTypeMemory,
		RedisKeyPrefix: "mediaflow:task:",
		Mongo:          persistence.DefaultMongoConfig(),
		Ledger:         "memory",
	}
}

// DefaultAuthConfig 返回默认认证配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled: true,
	}
}

// DefaultRateLimitConfig 返回默认限流配置
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled: true,
		RPS:     20,
		Burst:   40,
	}
}
