package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/sevans717/aphila-sub008/internal/api"
	"github.com/sevans717/aphila-sub008/internal/auth"
	"github.com/sevans717/aphila-sub008/internal/config"
	"github.com/sevans717/aphila-sub008/internal/database"
	"github.com/sevans717/aphila-sub008/internal/delivery"
	"github.com/sevans717/aphila-sub008/internal/hub"
	"github.com/sevans717/aphila-sub008/internal/maintenance"
	"github.com/sevans717/aphila-sub008/internal/metrics"
	"github.com/sevans717/aphila-sub008/internal/notify"
	"github.com/sevans717/aphila-sub008/internal/presence"
	"github.com/sevans717/aphila-sub008/internal/queue"
	"github.com/sevans717/aphila-sub008/internal/queue/redisstore"
	"github.com/sevans717/aphila-sub008/internal/rooms"
	"github.com/sevans717/aphila-sub008/internal/websocket"
	pkgdatabase "github.com/sevans717/aphila-sub008/pkg/database"
	"github.com/sevans717/aphila-sub008/pkg/interfaces"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config *config.Config
	logger *zap.Logger

	dbManager  *database.Manager
	redisStore *redisstore.Store
	natsNotify *notify.NATSNotifier

	presence  *presence.Registry
	rooms     *rooms.Membership
	queue     *queue.Queue
	registry  *websocket.Registry
	router    *delivery.Router
	hub       *hub.Hub
	scheduler *maintenance.Scheduler
	verifier  *auth.Verifier

	httpServer *http.Server
	listener   net.Listener
	mu         sync.Mutex
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → Queue → Presence/Rooms → Registry → Router → Hub → API → HTTP
func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Application, err error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	app := &Application{config: cfg, logger: logger}
	// Partially built applications release what they opened
	defer func() {
		if err != nil {
			app.closeBackends()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// STEP 1: Database manager (message archive and, by default, the offline queue)
	app.dbManager, err = database.Open(DatabaseConfig(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	health := map[string]interfaces.HealthChecker{"database": app.dbManager}

	// STEP 2: Offline queue on the configured backend
	store, err := app.queueStore(ctx, health)
	if err != nil {
		return nil, err
	}
	app.queue, err = queue.New(store, queue.Config{Capacity: cfg.Queue.Capacity, MaxAge: cfg.Queue.MaxAge}, m, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize offline queue: %w", err)
	}

	// STEP 3: Push hand-off
	var notifier interfaces.PushNotifier = notify.Noop{}
	if cfg.NATS.URL != "" {
		app.natsNotify, err = notify.Dial(notify.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Name:          cfg.NATS.Name,
		}, logger)
		if err != nil {
			return nil, err
		}
		notifier = app.natsNotify
	}

	app.verifier, err = auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token verifier: %w", err)
	}

	// STEP 4: Live state and routing
	app.presence = presence.NewRegistry(m, logger)
	app.rooms = rooms.NewMembership()
	app.registry = websocket.NewRegistry(logger)
	limiter := delivery.NewRateLimiter(cfg.RateLimit.MessagesPerWindow, cfg.RateLimit.Window)

	app.router, err = delivery.NewRouter(delivery.Dependencies{
		Presence:  app.presence,
		Rooms:     app.rooms,
		Directory: app.registry,
		Queue:     app.queue,
		Archive:   app.dbManager,
		Relations: app.dbManager,
		Notifier:  notifier,
		Limiter:   limiter,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize delivery router: %w", err)
	}
	app.presence.SetListener(func(change presence.Change) {
		app.router.PublishPresence(context.Background(), change)
	})

	// STEP 5: Event hub and socket endpoint
	app.hub = hub.NewHub(hub.Config{Workers: cfg.Hub.Workers, BufferSize: cfg.Hub.BufferSize},
		app.router, app.presence, app.rooms, m, logger)
	wsHandler := websocket.NewHandler(cfg.WebSocket, app.registry, app.verifier, app.hub, m, logger)

	// STEP 6: Housekeeping
	app.scheduler = maintenance.NewScheduler(logger)
	if err := app.scheduler.Every("queue-expiry", cfg.Queue.PruneInterval, maintenance.QueueExpiry(app.queue)); err != nil {
		return nil, err
	}
	if err := app.scheduler.Every("rate-limiter-cleanup", cfg.RateLimit.CleanupInterval,
		maintenance.LimiterCleanup(limiter, cfg.RateLimit.IdleTTL)); err != nil {
		return nil, err
	}

	// STEP 7: HTTP surface
	apiServer, err := api.NewServer(api.Dependencies{
		Router:      app.router,
		Presence:    app.presence,
		Queue:       app.queue,
		Verifier:    app.verifier,
		History:     app.dbManager,
		Connections: app.registry,
		Health:      health,
		Socket:      wsHandler,
		Metrics:     m,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize API server: %w", err)
	}

	app.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		ErrorLog:     zap.NewStdLog(logger.Named("http")),
	}
	return app, nil
}

func (app *Application) queueStore(ctx context.Context, health map[string]interfaces.HealthChecker) (queue.Store, error) {
	switch app.config.Queue.Backend {
	case config.QueueBackendMemory:
		return queue.NewMemoryStore(), nil
	case config.QueueBackendRedis:
		store, err := redisstore.Dial(ctx, redisstore.Config{
			Addr:      app.config.Redis.Addr,
			Password:  app.config.Redis.Password,
			DB:        app.config.Redis.DB,
			KeyPrefix: app.config.Redis.KeyPrefix,
			Logger:    app.logger.Named("redisstore"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect offline queue to redis: %w", err)
		}
		app.redisStore = store
		health["redis"] = store
		return store, nil
	default:
		return app.dbManager.QueueStore(), nil
	}
}

// DatabaseConfig maps the application config onto the sqlite manager config
func DatabaseConfig(cfg *config.Config) *pkgdatabase.Config {
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	if cfg.Database.MaxConnections > 0 {
		dbConfig.MaxConnections = cfg.Database.MaxConnections
	}
	if cfg.Database.Timeout > 0 {
		dbConfig.WriteTimeout = cfg.Database.Timeout
	}
	dbConfig.RetryDelay = cfg.Database.RetryDelay
	return dbConfig
}

// Start begins application execution
// Hub starts first to handle events, then the listener accepts connections
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}
	if err := app.scheduler.Start(); err != nil {
		_ = app.hub.Stop()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// Binding synchronously surfaces "address in use" to the caller
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.scheduler.Stop(ctx)
		_ = app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	app.logger.Info("aphila realtime started",
		zap.String("addr", ln.Addr().String()), zap.String("queue_backend", app.config.Queue.Backend))
	return nil
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → sockets → Hub → Scheduler → backends
func (app *Application) Stop(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.logger.Info("shutting down aphila realtime")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	// Hijacked sockets are not tracked by http.Server
	app.registry.CloseAll()

	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}
	if err := app.scheduler.Stop(ctx); err != nil && !errors.Is(err, maintenance.ErrSchedulerNotRunning) {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	errs = append(errs, app.closeBackends())

	err := errors.Join(errs...)
	if err != nil {
		app.logger.Warn("shutdown finished with errors", zap.Error(err))
	} else {
		app.logger.Info("shutdown complete")
	}
	return err
}

func (app *Application) closeBackends() error {
	var errs []error
	if app.natsNotify != nil {
		if err := app.natsNotify.Close(); err != nil {
			errs = append(errs, fmt.Errorf("nats: %w", err))
		}
	}
	if app.redisStore != nil {
		if err := app.redisStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if app.dbManager != nil {
		if err := app.dbManager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Addr returns the bound address once started, the configured one before
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Verifier exposes token issuing for the CLI and tests
func (app *Application) Verifier() *auth.Verifier {
	return app.verifier
}
