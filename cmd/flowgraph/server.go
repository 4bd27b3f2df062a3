package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"

	"github.com/BaSui01/flowgraph/api/handlers"
	"github.com/BaSui01/flowgraph/config"
	"github.com/BaSui01/flowgraph/internal/database"
	"github.com/BaSui01/flowgraph/internal/metrics"
	"github.com/BaSui01/flowgraph/internal/server"
	"github.com/BaSui01/flowgraph/internal/telemetry"
	"github.com/BaSui01/flowgraph/workflow"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 FlowGraph 的主服务器：装配工作流引擎与 HTTP 面。
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 工作流栈
	registry *workflow.Registry
	builder  *workflow.Builder
	engine   *workflow.Engine
	history  *workflow.ExecutionHistoryStore

	// Handlers
	healthHandler     *handlers.HealthHandler
	validateHandler   *handlers.ValidateHandler
	executeHandler    *handlers.ExecuteHandler
	executionsHandler *handlers.ExecutionsHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 检查点后端持有的连接，关停时逆序关闭
	closers []func(context.Context) error

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例。
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otelProviders,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("flowgraph", s.logger)

	// 2. 装配工作流引擎（注册表 → 检查点后端 → 引擎）
	if err := s.initEngine(); err != nil {
		return fmt.Errorf("failed to init workflow engine: %w", err)
	}

	// 3. 初始化 Handlers
	s.initHandlers()

	// 4. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("checkpoint_backend", s.cfg.Checkpoint.Backend),
		zap.Strings("node_types", s.registry.Types()),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initEngine 装配引擎：标准节点目录 + 配置选定的检查点后端 +
// 执行历史 + 可选的节点级熔断。
func (s *Server) initEngine() error {
	s.registry = workflow.DefaultRegistry()
	s.builder = workflow.NewBuilder(s.registry, s.logger)
	s.history = workflow.NewExecutionHistoryStore(s.cfg.Engine.HistoryCapacity)

	store, err := s.openCheckpointStore()
	if err != nil {
		return err
	}

	opts := []workflow.EngineOption{
		workflow.WithCheckpointStore(store),
		workflow.WithHistory(s.history),
		workflow.WithMetrics(s.metricsCollector),
		workflow.WithEngineLogger(s.logger),
	}
	if s.cfg.Breaker.Enabled {
		breakers := workflow.NewBreakerRegistry(workflow.BreakerConfig{
			FailureThreshold:  s.cfg.Breaker.FailureThreshold,
			RecoveryTimeout:   s.cfg.Breaker.RecoveryTimeout,
			HalfOpenMaxProbes: s.cfg.Breaker.HalfOpenMaxProbes,
			SuccessThreshold:  s.cfg.Breaker.SuccessThreshold,
		}, s.logger)
		opts = append(opts, workflow.WithBreakers(breakers))
		s.logger.Info("node circuit breakers enabled",
			zap.Int("failure_threshold", s.cfg.Breaker.FailureThreshold))
	}

	s.engine = workflow.NewEngine(opts...)
	return nil
}

// openCheckpointStore 按配置打开检查点后端。
// 外部后端（redis / database / mongo）同时注册健康检查与关停回调。
func (s *Server) openCheckpointStore() (workflow.CheckpointStore, error) {
	s.healthHandler = handlers.NewHealthHandler(s.logger)

	switch s.cfg.Checkpoint.Backend {
	case "memory":
		return workflow.NewMemoryCheckpointStore(), nil

	case "redis":
		store, err := workflow.NewRedisCheckpointStore(workflow.RedisCheckpointOptions{
			Addr:      s.cfg.Redis.Addr,
			Password:  s.cfg.Redis.Password,
			DB:        s.cfg.Redis.DB,
			PoolSize:  s.cfg.Redis.PoolSize,
			KeyPrefix: s.cfg.Checkpoint.Prefix,
			TTL:       s.cfg.Checkpoint.TTL,
			Logger:    s.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis checkpoint store: %w", err)
		}
		ping := redis.NewClient(&redis.Options{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
		})
		s.healthHandler.RegisterCheck(handlers.NewRedisHealthCheck("redis", func(ctx context.Context) error {
			return ping.Ping(ctx).Err()
		}))
		s.closers = append(s.closers,
			func(context.Context) error { return ping.Close() },
			func(context.Context) error { return store.Close() },
		)
		return store, nil

	case "database":
		db, err := database.Open(s.cfg.Database, s.logger)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint database: %w", err)
		}
		poolCfg := database.DefaultPoolConfig()
		poolCfg.MaxOpenConns = s.cfg.Database.MaxOpenConns
		poolCfg.MaxIdleConns = s.cfg.Database.MaxIdleConns
		poolCfg.ConnMaxLifetime = s.cfg.Database.ConnMaxLifetime
		pool, err := database.NewPoolManager(db, poolCfg, s.logger)
		if err != nil {
			return nil, fmt.Errorf("init database pool: %w", err)
		}
		pool.SetStatsRecorder(s.metricsCollector, s.cfg.Database.Name)
		s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("database", pool.Ping))
		s.closers = append(s.closers, func(context.Context) error { return pool.Close() })
		return workflow.NewDatabaseCheckpointStore(pool.DB(), s.logger), nil

	case "mongo":
		client, err := mongo.Connect(options.Client().ApplyURI(s.cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("mongo ping failed: %w", err)
		}
		s.healthHandler.RegisterCheck(handlers.NewMongoHealthCheck("mongo", func(ctx context.Context) error {
			return client.Ping(ctx, readpref.Primary())
		}))
		s.closers = append(s.closers, client.Disconnect)
		return workflow.NewMongoCheckpointStore(client, s.cfg.Mongo.Database, s.cfg.Mongo.Collection, s.logger), nil

	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", s.cfg.Checkpoint.Backend)
	}
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	// 所有请求共用的编译环境：引擎限额来自配置；模型调用器与工具表
	// 由部署方注入（纯引擎部署下为空，llm / tool 节点退化为确定性输出）。
	bctx := &workflow.BuildContext{
		Limits: workflow.Limits{
			MaxSteps:             s.cfg.Engine.MaxSteps,
			NodeTimeout:          s.cfg.Engine.NodeTimeout,
			MaxBranchConcurrency: s.cfg.Engine.MaxBranchConcurrency,
			MapConcurrency:       s.cfg.Engine.MapConcurrency,
		},
		Logger: s.logger,
	}

	s.validateHandler = handlers.NewValidateHandler(s.registry, s.logger)
	s.executeHandler = handlers.NewExecuteHandler(s.builder, s.engine, bctx, s.logger)
	s.executeHandler.SetWSOrigins(s.cfg.Server.AllowedOrigins)
	s.executionsHandler = handlers.NewExecutionsHandler(s.history, s.logger)

	s.logger.Info("Handlers initialized")
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// API 路由（裸路径保持编辑器的线契约，/api/v1 为带版本别名）
	// ========================================
	mux.HandleFunc("POST /validate", s.validateHandler.HandleValidate)
	mux.HandleFunc("POST /api/v1/validate", s.validateHandler.HandleValidate)
	mux.HandleFunc("POST /execute", s.executeHandler.HandleExecute)
	mux.HandleFunc("POST /api/v1/execute", s.executeHandler.HandleExecute)
	mux.HandleFunc("GET /api/v1/execute/ws", s.executeHandler.HandleExecuteWS)
	mux.HandleFunc("GET /api/v1/executions", s.executionsHandler.HandleList)
	mux.HandleFunc("GET /api/v1/executions/{id}", s.executionsHandler.HandleGet)

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		CORS(s.cfg.Server.AllowedOrigins),
	}
	// 认证在限流之前：限流按 JWT 注入的租户分桶，匿名请求退化到 IP 分桶
	if s.cfg.Auth.Enabled {
		middlewares = append(middlewares, Auth(s.cfg.Auth, skipAuthPaths, s.logger))
		s.logger.Info("API authentication enabled",
			zap.Bool("api_key", s.cfg.Auth.APIKey != ""),
			zap.Bool("jwt", s.cfg.Auth.JWTSecret != "" || s.cfg.Auth.JWTPublicKey != ""))
	}
	middlewares = append(middlewares,
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	handler := Chain(mux, middlewares...)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		MaxConnections:  s.cfg.Server.MaxConnections,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）；配置了证书则走 TLS
	if s.cfg.Server.TLSCertFile != "" {
		if err := s.httpManager.StartTLS(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile); err != nil {
			return err
		}
	} else if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 0. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 1. 关闭 HTTP 服务器（先停止接收新执行）
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭检查点后端连接（逆序：后开的先关）
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.logger.Error("checkpoint backend shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭遥测
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
