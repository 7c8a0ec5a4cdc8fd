package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/BaSui01/mediaflow/api/handlers"
	"github.com/BaSui01/mediaflow/config"
	"github.com/BaSui01/mediaflow/generation"
	"github.com/BaSui01/mediaflow/generation/admission"
	"github.com/BaSui01/mediaflow/generation/catalog"
	"github.com/BaSui01/mediaflow/generation/mediastore"
	"github.com/BaSui01/mediaflow/generation/persistence"
	"github.com/BaSui01/mediaflow/generation/poll"
	"github.com/BaSui01/mediaflow/generation/provider"
	"github.com/BaSui01/mediaflow/generation/reconcile"
	"github.com/BaSui01/mediaflow/generation/task"
	"github.com/BaSui01/mediaflow/internal/cache"
	"github.com/BaSui01/mediaflow/internal/database"
	"github.com/BaSui01/mediaflow/internal/metrics"
	"github.com/BaSui01/mediaflow/internal/migration"
	"github.com/BaSui01/mediaflow/internal/server"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// creditLedger 同时满足准入扣费与积分接口
type creditLedger interface {
	admission.Ledger
	handlers.CreditLedger
}

// Server 是 MediaFlow 的主服务器，持有全部组件的生命周期
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel

	collector *metrics.Collector
	cache     *cache.Manager
	pool      *database.PoolManager
	store     persistence.Store
	manager   *task.Manager
	ledger    creditLedger
	media     *mediastore.Store
	moderator *switchableModerator

	service    *generation.Service
	reconciler *reconcile.Reconciler
	reloader   *config.Reloader
	health     *handlers.HealthHandler

	handler        http.Handler
	httpManager    *server.Manager
	metricsManager *server.Manager
}

// NewServer 创建服务器实例，level 用于日志级别热更新
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		level:      level,
	}
}

// =============================================================================
// 🚀 组件装配
// =============================================================================

// Init 按依赖顺序创建所有组件。失败时已创建的资源会被释放。
func (s *Server) Init(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	if s.collector == nil {
		s.collector = metrics.NewCollector("mediaflow", s.logger)
	}

	if err := s.initRedis(); err != nil {
		return err
	}
	db, err := s.initDatabase(ctx)
	if err != nil {
		return err
	}
	if err := s.initStores(ctx, db); err != nil {
		return err
	}
	if err := s.initMedia(ctx); err != nil {
		return err
	}
	if err := s.initService(); err != nil {
		return err
	}
	if err := s.initReconciler(); err != nil {
		return err
	}
	if err := s.initReloader(); err != nil {
		return err
	}
	s.initHealth()
	s.initHTTP(ctx)

	s.logger.Info("components initialized",
		zap.String("task_store", string(s.cfg.Store.Backend)),
		zap.String("ledger", s.cfg.Store.Ledger),
		zap.Bool("redis", s.cache != nil),
		zap.Bool("media_storage", s.media != nil),
		zap.Bool("reconciler", s.reconciler != nil),
		zap.Bool("hot_reload", s.reloader != nil),
	)
	return nil
}

func (s *Server) initRedis() error {
	if !s.cfg.Redis.Enabled {
		return nil
	}
	cacheCfg := cache.DefaultConfig()
	cacheCfg.Addr = s.cfg.Redis.Addr
	cacheCfg.Password = s.cfg.Redis.Password
	cacheCfg.DB = s.cfg.Redis.DB
	if s.cfg.Redis.PoolSize > 0 {
		cacheCfg.PoolSize = s.cfg.Redis.PoolSize
	}
	if s.cfg.Redis.KeyPrefix != "" {
		cacheCfg.KeyPrefix = s.cfg.Redis.KeyPrefix
	}
	m, err := cache.NewManager(cacheCfg, s.logger)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	s.cache = m
	return nil
}

func (s *Server) initDatabase(ctx context.Context) (*gorm.DB, error) {
	if !s.cfg.UsesDatabase() {
		return nil, nil
	}
	dbCfg := s.cfg.Database

	// sqlite 不走 golang-migrate，由 gorm AutoMigrate 建表
	if dbCfg.AutoMigrate && dbCfg.Driver != "sqlite" {
		if err := runMigrations(ctx, dbCfg, s.logger); err != nil {
			return nil, err
		}
	}

	db, err := openDatabase(dbCfg, s.logger)
	if err != nil {
		return nil, err
	}

	poolCfg := database.DefaultPoolConfig()
	if dbCfg.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = dbCfg.MaxOpenConns
	}
	if dbCfg.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = dbCfg.MaxIdleConns
	}
	if poolCfg.MaxIdleConns > poolCfg.MaxOpenConns {
		poolCfg.MaxIdleConns = poolCfg.MaxOpenConns
	}
	if dbCfg.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = dbCfg.ConnMaxLifetime
	}
	pm, err := database.NewPoolManager(db, poolCfg, s.logger,
		database.WithStatsRecorder(dbCfg.Driver, s.collector))
	if err != nil {
		return nil, fmt.Errorf("init database pool: %w", err)
	}
	s.pool = pm
	return pm.DB(), nil
}

func runMigrations(ctx context.Context, dbCfg config.DatabaseConfig, logger *zap.Logger) error {
	m, err := migration.NewMigratorFromDatabaseConfig(dbCfg)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	version, dirty, err := m.Version(ctx)
	if err == nil {
		logger.Info("database migrated", zap.Uint("version", version), zap.Bool("dirty", dirty))
	}
	return nil
}

type autoMigrator interface {
	AutoMigrate(ctx context.Context) error
}

func (s *Server) initStores(ctx context.Context, db *gorm.DB) error {
	var rdb redis.UniversalClient
	if s.cache != nil {
		rdb = s.cache.Client()
	}
	store, err := persistence.NewStore(ctx, persistence.Config{
		Type:           s.cfg.Store.Backend,
		RedisKeyPrefix: s.cfg.Store.RedisKeyPrefix,
		Mongo:          s.cfg.Store.Mongo,
	}, persistence.Deps{Redis: rdb, DB: db, Logger: s.logger})
	if err != nil {
		return fmt.Errorf("init task store: %w", err)
	}
	s.store = store

	switch s.cfg.Store.Ledger {
	case "database":
		s.ledger = admission.NewGormLedger(db)
	default:
		l := admission.NewMemoryLedger(nil)
		l.SetOpeningBalance(s.cfg.Store.InitialCredits)
		s.ledger = l
	}

	if db != nil && (s.cfg.Database.AutoMigrate || s.cfg.Database.Driver == "sqlite") {
		for _, m := range []any{s.store, s.ledger} {
			if am, ok := m.(autoMigrator); ok {
				if err := am.AutoMigrate(ctx); err != nil {
					return fmt.Errorf("auto migrate: %w", err)
				}
			}
		}
	}
	return nil
}

func (s *Server) initMedia(ctx context.Context) error {
	if !s.cfg.MediaStorage.Enabled {
		s.logger.Info("media storage disabled, provider URLs are returned as is")
		return nil
	}
	ms, err := mediastore.New(s.cfg.MediaStorage, s.logger)
	if err != nil {
		return fmt.Errorf("init media storage: %w", err)
	}
	ensureCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := ms.EnsureBucket(ensureCtx); err != nil {
		// 存储暂不可用不阻止启动，就绪检查会反映出来
		s.logger.Warn("media bucket check failed", zap.Error(err))
	}
	s.media = ms
	return nil
}

func (s *Server) initService() error {
	wavespeed := provider.NewWaveSpeed(s.cfg.Providers.WaveSpeed, s.logger)
	kie := provider.NewKIE(s.cfg.Providers.KIE, s.logger)
	registry := provider.NewRegistry(wavespeed, kie)
	if s.cfg.Providers.WaveSpeed.APIKey == "" {
		s.logger.Warn("wavespeed api key not configured")
	}
	if s.cfg.Providers.KIE.APIKey == "" {
		s.logger.Warn("kie api key not configured")
	}

	catalogOpts := catalog.Options{
		TTL:            s.cfg.Catalog.TTL,
		RefreshTimeout: s.cfg.Catalog.RefreshTimeout,
		Observer:       s.collector,
		Logger:         s.logger,
	}
	if s.cfg.Catalog.SharedCache && s.cache != nil {
		catalogOpts.Second = catalog.NewRedisSnapshotCache(s.cache)
	}
	resolver := catalog.NewResolver(s.logger)
	resolver.Register(catalog.New(provider.NameWaveSpeed, wavespeed, catalogOpts))
	resolver.Register(catalog.New(provider.NameKIE, catalog.StaticFetcher(provider.KIEModels()), catalogOpts))
	resolver.AddAliases(provider.NameKIE, provider.KIEAliases)

	s.manager = task.NewManager(s.store,
		task.WithPolicy(s.cfg.Lifecycle),
		task.WithLogger(s.logger))
	gate := admission.NewGate(s.ledger,
		admission.WithRecorder(s.collector),
		admission.WithLogger(s.logger))
	engine := poll.NewEngine(s.cfg.Polling,
		poll.WithRecorder(s.collector),
		poll.WithLogger(s.logger))

	deps := generation.Deps{
		Registry: registry,
		Resolver: resolver,
		Manager:  s.manager,
		Store:    s.store,
		Gate:     gate,
		Prices:   admission.DefaultPriceTable().Merge(s.cfg.Pricing),
		Engine:   engine,
		Recorder: s.collector,
		Logger:   s.logger,
	}
	if s.cfg.Providers.WaveSpeed.APIKey != "" {
		// 开关由 switchableModerator 控制，内层始终启用
		modCfg := s.cfg.Moderation
		modCfg.Enabled = true
		s.moderator = newSwitchableModerator(
			provider.NewModerator(wavespeed, modCfg, s.logger), s.cfg.Moderation.Enabled)
		deps.Moderator = s.moderator
	}
	if s.media != nil {
		deps.Media = s.media
		deps.Uploader = s.media
	}

	svc, err := generation.NewService(deps)
	if err != nil {
		return fmt.Errorf("init generation service: %w", err)
	}
	s.service = svc
	return nil
}

func (s *Server) initReconciler() error {
	if !s.cfg.Reconciler.Enabled {
		return nil
	}
	opts := []reconcile.Option{
		reconcile.WithAbandoner(s.manager),
		reconcile.WithRecorder(s.collector),
		reconcile.WithLogger(s.logger),
	}
	if s.cache != nil {
		opts = append(opts, reconcile.WithLocker(s.cache))
	}
	s.reconciler = reconcile.New(s.cfg.Reconciler, s.store, s.service, opts...)
	return nil
}

func (s *Server) initReloader() error {
	if s.configPath == "" {
		return nil
	}
	loader := config.NewLoader().WithConfigPath(s.configPath)
	r, err := config.NewReloader(loader, s.cfg, s.logger, config.WithWatcherLogger(s.logger))
	if err != nil {
		return fmt.Errorf("init config reloader: %w", err)
	}
	r.OnReload(s.applyConfig)
	s.reloader = r
	return nil
}

// applyConfig 应用可热更新的配置项，其余变更需重启
func (s *Server) applyConfig(oldCfg, newCfg *config.Config) {
	for _, path := range config.Diff(oldCfg, newCfg) {
		if !config.IsHotReloadable(path) {
			s.logger.Warn("config change requires restart", zap.String("path", path))
		}
	}
	if oldCfg.Log.Level != newCfg.Log.Level {
		if err := s.level.UnmarshalText([]byte(newCfg.Log.Level)); err != nil {
			s.logger.Warn("invalid log level", zap.String("level", newCfg.Log.Level), zap.Error(err))
		}
	}
	s.service.SetPrices(admission.DefaultPriceTable().Merge(newCfg.Pricing))
	if s.moderator != nil {
		s.moderator.SetEnabled(newCfg.Moderation.Enabled)
	}
}

func (s *Server) initHealth() {
	s.health = handlers.NewHealthHandler(s.logger)
	s.health.RegisterCheck(handlers.NewFuncCheck("task_store", s.store.Ping))
	if s.pool != nil {
		s.health.RegisterCheck(handlers.NewFuncCheck("database", s.pool.Ping))
	}
	if s.cache != nil {
		s.health.RegisterCheck(handlers.NewFuncCheck("redis", s.cache.Ping))
	}
	if s.media != nil {
		s.health.RegisterCheck(handlers.NewFuncCheck("media_storage", s.media.Ping))
	}
}

// =============================================================================
// 🌐 HTTP 路由
// =============================================================================

var publicPaths = []string{"/health", "/healthz", "/ready", "/version", "/metrics", "/api/v1/admin/"}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.health.HandleHealth)
	mux.HandleFunc("GET /healthz", s.health.HandleHealthz)
	mux.HandleFunc("GET /ready", s.health.HandleReady)
	mux.HandleFunc("GET /version", s.health.HandleVersion(Version, BuildTime, GitCommit))

	gen := handlers.NewGenerationHandler(s.service, s.logger,
		handlers.WithOriginPatterns(s.cfg.Server.CORSAllowedOrigins...))
	mux.HandleFunc("POST /api/v1/generations", gen.HandleSubmit)
	mux.HandleFunc("GET /api/v1/generations", gen.HandleList)
	mux.HandleFunc("GET /api/v1/generations/{id}", gen.HandleGet)
	mux.HandleFunc("GET /api/v1/generations/{id}/watch", gen.HandleWatch)

	mux.HandleFunc("GET /api/v1/models", handlers.NewModelHandler(s.service, s.logger).HandleList)
	mux.HandleFunc("POST /api/v1/uploads",
		handlers.NewUploadHandler(s.service, s.cfg.MediaStorage.MaxUploadBytes, s.logger).HandleUpload)

	credits := handlers.NewCreditsHandler(s.ledger, s.logger)
	mux.HandleFunc("GET /api/v1/credits", credits.HandleBalance)
	mux.Handle("POST /api/v1/admin/credits/{userId}",
		AdminAuth(s.cfg.Auth.AdminKeys, s.logger)(http.HandlerFunc(credits.HandleGrant)))

	return mux
}

func (s *Server) initHTTP(ctx context.Context) {
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		SecurityHeaders(),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
	}
	if s.cfg.RateLimit.Enabled {
		middlewares = append(middlewares, RateLimiter(ctx, s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst, s.logger))
	}
	middlewares = append(middlewares, Identity(s.cfg.Auth, publicPaths, s.logger))

	s.handler = Chain(s.routes(), middlewares...)
	s.httpManager = server.NewManager(s.handler, server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if s.cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metricsManager = server.NewManager(mux, server.Config{
			Name:            "metrics",
			Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
			ReadTimeout:     s.cfg.Server.ReadTimeout,
			WriteTimeout:    s.cfg.Server.ReadTimeout,
			ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		}, s.logger)
	}
}

// =============================================================================
// ▶️ 运行与关闭
// =============================================================================

// Run 启动服务器与后台任务，阻塞直到 ctx 取消或任一服务器异常退出
func (s *Server) Run(ctx context.Context) error {
	defer s.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.httpManager.Run(gctx) })
	if s.metricsManager != nil {
		g.Go(func() error { return s.metricsManager.Run(gctx) })
	}

	if s.reconciler != nil {
		if err := s.reconciler.Start(gctx); err != nil {
			s.logger.Error("reconciler start failed", zap.Error(err))
		}
	}
	if s.reloader != nil {
		if err := s.reloader.Start(gctx); err != nil {
			s.logger.Warn("config hot reload disabled", zap.Error(err))
		}
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)

	err := g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

// close 按依赖的逆序释放资源
func (s *Server) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.reloader != nil {
		s.reloader.Stop()
	}
	if s.reconciler != nil {
		if err := s.reconciler.Stop(shutdownCtx); err != nil {
			s.logger.Warn("reconciler stop", zap.Error(err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("task store close", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Warn("database close", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("redis close", zap.Error(err))
		}
	}
	s.logger.Info("graceful shutdown completed")
}

// =============================================================================
// 🛡️ 审核开关
// =============================================================================

// switchableModerator 让 moderation.enabled 可以热更新
type switchableModerator struct {
	inner   generation.Moderator
	enabled atomic.Bool
}

func newSwitchableModerator(inner generation.Moderator, enabled bool) *switchableModerator {
	m := &switchableModerator{inner: inner}
	m.enabled.Store(enabled)
	return m
}

func (m *switchableModerator) SetEnabled(enabled bool) { m.enabled.Store(enabled) }

func (m *switchableModerator) Check(ctx context.Context, text string) error {
	if !m.enabled.Load() {
		return nil
	}
	return m.inner.Check(ctx, text)
}
