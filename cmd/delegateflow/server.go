package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/delegateflow/admission"
	"github.com/BaSui01/delegateflow/api/handlers"
	"github.com/BaSui01/delegateflow/config"
	"github.com/BaSui01/delegateflow/delegate"
	"github.com/BaSui01/delegateflow/identity"
	"github.com/BaSui01/delegateflow/internal/cache"
	"github.com/BaSui01/delegateflow/internal/database"
	"github.com/BaSui01/delegateflow/internal/lock"
	"github.com/BaSui01/delegateflow/internal/metrics"
	"github.com/BaSui01/delegateflow/internal/migration"
	"github.com/BaSui01/delegateflow/internal/pool"
	"github.com/BaSui01/delegateflow/internal/server"
	"github.com/BaSui01/delegateflow/internal/telemetry"
	"github.com/BaSui01/delegateflow/matching"
	"github.com/BaSui01/delegateflow/stream"
	"github.com/BaSui01/delegateflow/taskqueue"
	"github.com/BaSui01/delegateflow/validation"
)

// skipAuthPaths are served without credentials.
var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version"}

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server owns every component of a delegateflow node and their lifecycle.
type Server struct {
	cfg        *config.Config
	configPath string
	level      zap.AtomicLevel
	logger     *zap.Logger

	telemetry *telemetry.Providers
	db        *database.PoolManager
	redis     *cache.Manager
	relay     *stream.RedisRelay
	collector *metrics.Collector

	bus        *delegate.EventBus
	registry   *delegate.Registry
	engine     *matching.Engine
	admission  *admission.Controller
	queue      *taskqueue.Service
	protocol   *validation.Protocol
	monitor    *validation.Monitor
	hub        *stream.Hub
	stopSubs   []func()
	healthChk  *handlers.HealthHandler
	hotReload  *config.HotReloadManager
	httpServer *server.Manager
	metricsSrv *server.Manager

	cancel context.CancelFunc
	errs   chan error
	wg     sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer creates a stopped server. level is the logger level changed by
// config reloads.
func NewServer(cfg *config.Config, configPath string, level zap.AtomicLevel, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		level:      level,
		logger:     logger,
		errs:       make(chan error, 2),
	}
}

// =============================================================================
// 🚀 Startup
// =============================================================================

// Start builds every component and starts listening. On error the caller
// must still call Shutdown to release what was started.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	providers, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("telemetry disabled", zap.Error(err))
	}
	s.telemetry = providers
	s.collector = metrics.NewCollector("delegateflow", s.logger)

	if err := s.initStorage(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	if err := s.initServices(ctx); err != nil {
		return fmt.Errorf("init services: %w", err)
	}
	if err := s.initHotReload(ctx); err != nil {
		return fmt.Errorf("init hot reload: %w", err)
	}
	if err := s.startHTTPServer(ctx); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("http_addr", s.httpServer.Addr()),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("redis", s.cfg.Redis.Enabled),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)
	return nil
}

// Errors delivers the first listener failure.
func (s *Server) Errors() <-chan error { return s.errs }

// Addr is the bound API address.
func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr()
}

// =============================================================================
// 🗄️ Storage
// =============================================================================

func (s *Server) initStorage(ctx context.Context) error {
	dbCfg := s.cfg.Database

	if dbCfg.AutoMigrate && !inMemorySQLite(dbCfg) {
		if err := s.migrate(ctx); err != nil {
			return err
		}
	}

	db, err := database.Open(dbCfg.Driver, dbCfg.DSN(), s.logger)
	if err != nil {
		return err
	}
	pm, err := database.NewPoolManager(db, dbCfg.Pool(), s.logger)
	if err != nil {
		return err
	}
	s.db = pm

	// A private in-memory database only exists on the pool's connections,
	// so the schema is created through gorm instead.
	if dbCfg.AutoMigrate && inMemorySQLite(dbCfg) {
		if err := autoMigrate(pm.DB()); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	if s.cfg.Redis.Enabled {
		mgr, err := cache.NewManager(s.cfg.Redis.CacheOptions(s.cfg.Cache.TTL), s.logger)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		s.redis = mgr
	}
	return nil
}

func (s *Server) migrate(ctx context.Context) error {
	m, err := migration.NewMigratorFromDatabaseConfig(s.cfg.Database, s.logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func inMemorySQLite(c config.DatabaseConfig) bool {
	if c.Driver != database.DriverSQLite && c.Driver != database.DriverSQLite3 {
		return false
	}
	return c.Name == ":memory:" || strings.Contains(c.Name, "mode=memory")
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&delegate.Delegate{}, &delegate.Connection{},
		&identity.SequenceConfig{},
		&taskqueue.Task{},
		&matching.Requirement{}, &matching.Permission{}, &matching.SelectionDetails{},
	)
}

// redisClient is nil when Redis is disabled.
func (s *Server) redisClient() *redis.Client {
	if s.redis == nil {
		return nil
	}
	return s.redis.Client()
}

// =============================================================================
// 🔧 Services
// =============================================================================

func (s *Server) initServices(ctx context.Context) error {
	cfg := s.cfg
	db := s.db.DB()
	client := s.redisClient()
	prefix := cfg.Redis.KeyPrefix

	// Redis backed variants are shared across nodes; without Redis each
	// component keeps its state in process.
	var (
		locker   lock.Locker
		verdicts cache.Store
		counts   cache.Store
		notifier taskqueue.Notifier
	)
	if client != nil {
		locker = lock.NewRedisLocker(client, prefix, s.logger)
		verdicts = s.redis
		counts = s.redis
		notifier = taskqueue.NewRedisNotifier(client, prefix, s.logger)
	} else {
		locker = lock.NewLocalLocker()
		verdicts = cache.NewMemoryStore(cfg.Cache.Size, cfg.Cache.TTL)
		counts = cache.NewMemoryStore(cfg.Cache.Size, cfg.Cache.TTL)
		notifier = taskqueue.NewLocalNotifier()
	}

	s.bus = delegate.NewEventBus(pool.DefaultGoroutinePoolConfig(), s.logger)

	s.registry = delegate.NewRegistry(delegate.NewStore(db), s.bus, locker, &cfg.Registry, s.logger)
	s.registry.SetMetrics(s.collector)
	s.registry.SetIdentityResolver(identity.NewStabilizer(db, s.registry, &cfg.Identity, s.logger))

	s.engine = matching.NewEngine(matching.NewStore(db), s.registry, s.bus, verdicts, &cfg.Matching, s.logger)
	s.engine.SetMetrics(s.collector)

	s.queue = taskqueue.NewService(taskqueue.NewStore(db), s.registry, s.engine, &cfg.Queue, s.logger)
	s.engine.SetLoadReporter(s.queue.Store())

	s.admission = admission.NewController(s.queue.Store(), counts, &cfg.Admission, s.logger)
	s.admission.SetMetrics(s.collector)

	s.hub = stream.NewHub(&cfg.Stream.Hub, s.logger)
	if client != nil {
		s.relay = stream.NewRedisRelay(client, prefix, s.hub, s.logger)
		s.hub.SetRelay(s.relay)
	}

	s.protocol = validation.NewProtocol(s.queue.Store(), s.queue, s.engine, s.registry, s.logger)
	s.protocol.SetMetrics(s.collector)

	s.queue.SetAdmitter(s.admission)
	s.queue.SetBroadcaster(s.hub)
	s.queue.SetValidator(s.protocol)
	s.queue.SetNotifier(notifier)
	s.queue.SetEventBus(s.bus)
	s.queue.SetMetrics(s.collector)

	s.monitor = validation.NewMonitor(s.queue.Store(), s.queue, s.engine, s.registry, &cfg.Validation, s.logger)
	s.monitor.SetEventBus(s.bus)
	s.monitor.SetMetrics(s.collector)

	s.stopSubs = append(s.stopSubs,
		s.engine.Subscribe(s.bus),
		s.queue.Subscribe(s.bus),
		s.hub.Forward(s.bus, s.engine.Store()),
	)

	if s.relay != nil {
		if err := s.relay.Start(ctx); err != nil {
			return fmt.Errorf("start stream relay: %w", err)
		}
	}
	if err := s.registry.Start(ctx); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}
	if err := s.admission.Start(ctx); err != nil {
		return fmt.Errorf("start admission: %w", err)
	}
	if err := s.queue.Start(ctx); err != nil {
		return fmt.Errorf("start task queue: %w", err)
	}
	if err := s.monitor.Start(ctx); err != nil {
		return fmt.Errorf("start validation monitor: %w", err)
	}

	s.wg.Add(1)
	go s.reportPoolStats(ctx, 30*time.Second)

	s.logger.Info("Services initialized")
	return nil
}

// reportPoolStats samples database pool sizes into the collector.
func (s *Server) reportPoolStats(ctx context.Context, every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		stats := s.db.GetStats()
		s.collector.RecordDBConnections(s.cfg.Database.Driver, stats.OpenConnections, stats.Idle)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// =============================================================================
// 🔄 Hot reload
// =============================================================================

func (s *Server) initHotReload(ctx context.Context) error {
	s.hotReload = config.NewHotReloadManager(s.cfg, s.configPath, config.WithHotReloadLogger(s.logger))
	s.hotReload.OnReload(s.applyReload)
	return s.hotReload.Start(ctx)
}

// applyReload pushes reloadable settings into the running components.
func (s *Server) applyReload(_, next *config.Config) error {
	a := next.Admission
	s.admission.UpdateLimits(a.Enabled, a.Limits, a.Overrides)
	s.level.SetLevel(parseLevel(next.Log.Level))
	s.logger.Info("Configuration reloaded",
		zap.Bool("admission_enabled", a.Enabled),
		zap.String("log_level", next.Log.Level))
	return nil
}

// =============================================================================
// 🌐 HTTP servers
// =============================================================================

// handler builds the API mux and its middleware chain.
func (s *Server) handler(ctx context.Context) http.Handler {
	s.healthChk = handlers.NewHealthHandler(s.logger)
	s.healthChk.RegisterCheck(s.db)
	if s.redis != nil {
		s.healthChk.RegisterCheck(s.redis)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthChk.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthChk.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthChk.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthChk.HandleReady)
	mux.HandleFunc("GET /version", s.healthChk.HandleVersion(Version, BuildTime, GitCommit))

	handlers.Routes{
		Tasks:     handlers.NewTaskHandler(s.queue, s.protocol, s.registry, s.logger),
		Delegates: handlers.NewDelegateHandler(s.registry, s.engine, s.queue, s.logger),
		Stream:    stream.NewHandler(s.hub, nil, &s.cfg.Stream.WebSocket, s.logger),
	}.Register(mux)

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.collector, mux),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		Authenticate(s.cfg.Auth, skipAuthPaths, s.logger),
		RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)
}

func (s *Server) startHTTPServer(ctx context.Context) error {
	sc := s.cfg.Server
	s.httpServer = server.NewManager("api", s.handler(ctx), server.Config{
		Addr:            fmt.Sprintf(":%d", sc.HTTPPort),
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		IdleTimeout:     2 * sc.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: sc.ShutdownTimeout,
	}, s.logger)
	if err := s.httpServer.Start(); err != nil {
		return err
	}
	s.forwardErrors(s.httpServer)
	return nil
}

// startMetricsServer exposes /metrics on its own port; port 0 disables it.
func (s *Server) startMetricsServer() error {
	sc := s.cfg.Server
	if sc.MetricsPort == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsSrv = server.NewManager("metrics", mux, server.Config{
		Addr:            fmt.Sprintf(":%d", sc.MetricsPort),
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		ShutdownTimeout: sc.ShutdownTimeout,
	}, s.logger)
	if err := s.metricsSrv.Start(); err != nil {
		return err
	}
	s.forwardErrors(s.metricsSrv)
	return nil
}

func (s *Server) forwardErrors(m *server.Manager) {
	go func() {
		if err := <-m.Errors(); err != nil {
			select {
			case s.errs <- err:
			default:
			}
		}
	}()
}

// =============================================================================
// 🛑 Shutdown
// =============================================================================

// Shutdown stops intake first, then the background loops, then storage.
// It is safe to call more than once and after a failed Start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Server) shutdown(ctx context.Context) error {
	s.logger.Info("Starting graceful shutdown")
	var result *multierror.Error
	record := func(component string, err error) {
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("shutdown error", zap.String("component", component), zap.Error(err))
			result = multierror.Append(result, fmt.Errorf("%s: %w", component, err))
		}
	}

	if s.hotReload != nil {
		record("hot_reload", s.hotReload.Stop())
	}
	if s.httpServer != nil {
		record("http", s.httpServer.Shutdown(ctx))
	}
	if s.metricsSrv != nil {
		record("metrics", s.metricsSrv.Shutdown(ctx))
	}

	if s.monitor != nil {
		record("validation_monitor", s.monitor.Stop(ctx))
	}
	if s.queue != nil {
		record("task_queue", s.queue.Stop(ctx))
	}
	if s.admission != nil {
		s.admission.Stop()
	}
	if s.registry != nil {
		record("registry", s.registry.Close())
	}
	for _, stop := range s.stopSubs {
		stop()
	}
	if s.relay != nil {
		s.relay.Stop()
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.bus != nil {
		s.bus.Close()
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.redis != nil {
		record("redis", s.redis.Close())
	}
	if s.db != nil {
		record("database", s.db.Close())
	}
	if s.telemetry != nil {
		record("telemetry", s.telemetry.Shutdown(ctx))
	}

	s.logger.Info("Graceful shutdown completed")
	return result.ErrorOrNil()
}
