// =============================================================================
// 📦 MediaFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("MEDIAFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/mediaflow/generation/admission"
	"github.com/BaSui01/mediaflow/generation/mediastore"
	"github.com/BaSui01/mediaflow/generation/persistence"
	"github.com/BaSui01/mediaflow/generation/poll"
	"github.com/BaSui01/mediaflow/generation/provider"
	"github.com/BaSui01/mediaflow/generation/reconcile"
	"github.com/BaSui01/mediaflow/generation/task"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 MediaFlow 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Database 数据库配置（任务表与积分账本）
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis 配置（任务存储、目录二级缓存、对账锁）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Providers 上游生成服务配置
	Providers ProvidersConfig `yaml:"providers" env:"PROVIDERS"`

	// Catalog 模型目录缓存配置
	Catalog CatalogConfig `yaml:"catalog" env:"CATALOG"`

	// Polling 轮询策略
	Polling poll.Policy `yaml:"polling" env:"POLLING"`

	// Lifecycle 任务状态机策略
	Lifecycle task.Policy `yaml:"lifecycle" env:"LIFECYCLE"`

	// Store 任务存储与账本后端
	Store StoreConfig `yaml:"store" env:"STORE"`

	// MediaStorage 结果媒体持久化（S3/R2 兼容存储）
	MediaStorage mediastore.Config `yaml:"media_storage" env:"MEDIA_STORAGE"`

	// Moderation 提示词审核
	Moderation provider.ModerationConfig `yaml:"moderation" env:"MODERATION"`

	// Pricing 积分价格覆盖，合并到内置价格表之上
	Pricing admission.PriceTable `yaml:"pricing"`

	// Reconciler 服务端对账
	Reconciler reconcile.Config `yaml:"reconciler" env:"RECONCILER"`

	// Auth 身份认证
	Auth AuthConfig `yaml:"auth" env:"AUTH"`

	// RateLimit 入站限流
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时，需覆盖视频提交的长超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// CORS 允许的来源，同时用于 websocket 来源校验
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 启动时自动执行迁移
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用；未启用时目录只有进程内缓存，对账不加分布式锁
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// ProvidersConfig 上游生成服务配置
type ProvidersConfig struct {
	WaveSpeed provider.Config `yaml:"wavespeed" env:"WAVESPEED"`
	KIE       provider.Config `yaml:"kie" env:"KIE"`
}

// CatalogConfig 模型目录缓存配置
type CatalogConfig struct {
	// 目录新鲜期
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// 单次刷新超时
	RefreshTimeout time.Duration `yaml:"refresh_timeout" env:"REFRESH_TIMEOUT"`
	// 是否使用 Redis 作为跨实例二级缓存
	SharedCache bool `yaml:"shared_cache" env:"SHARED_CACHE"`
}

// StoreConfig 任务存储与账本后端
type StoreConfig struct {
	// 任务存储: memory, redis, database, mongodb
	Backend persistence.StoreType `yaml:"backend" env:"BACKEND"`
	// Redis 任务键前缀
	RedisKeyPrefix string `yaml:"redis_key_prefix" env:"REDIS_KEY_PREFIX"`
	// MongoDB 配置
	Mongo persistence.MongoConfig `yaml:"mongo" env:"MONGO"`
	// 积分账本: memory, database
	Ledger string `yaml:"ledger" env:"LEDGER"`
	// 内存账本为新用户预置的积分，仅用于开发
	InitialCredits int64 `yaml:"initial_credits" env:"INITIAL_CREDITS"`
}

// AuthConfig 身份认证配置
type AuthConfig struct {
	// 是否启用；关闭时信任 X-User-ID 请求头，仅用于本地开发
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// JWT HS256 密钥
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// JWT 签发者，为空时不校验
	JWTIssuer string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	// 服务间调用的 API Key，配合 X-User-ID
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// 管理接口 Key
	AdminKeys []string `yaml:"admin_keys" env:"ADMIN_KEYS"`
	// 允许通过 ?api_key= 查询参数传递（websocket 客户端无法设置请求头时）
	AllowQueryAPIKey bool `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
}

// RateLimitConfig 入站限流配置（按客户端 IP）
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" env:"ENABLED"`
	RPS     float64 `yaml:"rps" env:"RPS"`
	Burst   int     `yaml:"burst" env:"BURST"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "MEDIAFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unsupported log level %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Sprintf("unsupported log format %q", c.Log.Format))
	}

	switch c.Store.Backend {
	case persistence.StoreTypeMemory, persistence.StoreTypeDatabase, persistence.StoreTypeMongoDB:
	case persistence.StoreTypeRedis:
		if !c.Redis.Enabled {
			errs = append(errs, "store backend redis requires redis.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported store backend %q", c.Store.Backend))
	}
	if c.Store.Ledger != "memory" && c.Store.Ledger != "database" {
		errs = append(errs, fmt.Sprintf("unsupported ledger %q", c.Store.Ledger))
	}
	if c.UsesDatabase() {
		switch c.Database.Driver {
		case "postgres", "mysql", "sqlite":
		default:
			errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
		}
	}
	if c.Catalog.SharedCache && !c.Redis.Enabled {
		errs = append(errs, "catalog.shared_cache requires redis.enabled")
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 {
		errs = append(errs, "auth requires jwt_secret or api_keys")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, "rate_limit rps and burst must be positive")
	}

	if err := c.MediaStorage.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.Reconciler.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// UsesDatabase 任务存储或账本需要 SQL 数据库
func (c *Config) UsesDatabase() bool {
	return c.Store.Backend == persistence.StoreTypeDatabase || c.Store.Ledger == "database"
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
