package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"gatekeeper.evalgo.org/api"
	"gatekeeper.evalgo.org/auth"
	"gatekeeper.evalgo.org/cache"
	"gatekeeper.evalgo.org/common"
	"gatekeeper.evalgo.org/config"
	gkhttp "gatekeeper.evalgo.org/http"
	"gatekeeper.evalgo.org/metrics"
	gkotel "gatekeeper.evalgo.org/otel"
	"gatekeeper.evalgo.org/queue"
	"gatekeeper.evalgo.org/ratelimit"
	"gatekeeper.evalgo.org/security"
	"gatekeeper.evalgo.org/version"
	"gatekeeper.evalgo.org/worker"
)

// App holds the wired gatekeeper components.
type App struct {
	Config   *config.Config
	Logger   *logrus.Logger
	Store    cache.Store
	Users    auth.UserStore
	Limiter  ratelimit.Limiter
	Signer   security.TokenSigner
	Sessions *auth.Manager
	Auth     *auth.Service
	Alerts   *queue.AlertPublisher
	Metrics  *metrics.Metrics
	Tracing  *gkotel.Provider

	boltCache *cache.BoltStore
	closers   []func() error
	log       *common.ContextLogger
}

// NewApp builds every component from cfg. On error, whatever was already
// opened is closed again.
func NewApp(cfg *config.Config, logger *logrus.Logger) (_ *App, err error) {
	if logger == nil {
		logger = common.Logger
	}
	a := &App{
		Config: cfg,
		Logger: logger,
		log: common.ServiceLogger(logger, common.LoggerConfig{
			Service: cfg.Service.Name,
			Version: version.Get(),
		}),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if cfg.Cache.Backend == "bolt" && cfg.Database.Driver == "bolt" && cfg.Cache.BoltPath == cfg.Database.BoltPath {
		return nil, errors.New("cache.bolt_path and database.bolt_path must differ")
	}

	if err = a.openCache(); err != nil {
		return nil, err
	}
	if err = a.openUsers(); err != nil {
		return nil, err
	}
	if err = a.openLimiter(); err != nil {
		return nil, err
	}

	a.Signer, err = security.NewSigner(cfg.Security.Signer, cfg.Security.JWTSecret, cfg.Security.Issuer)
	if err != nil {
		return nil, err
	}

	if cfg.Tracing.Enabled {
		a.Tracing, err = gkotel.NewProvider(context.Background(), gkotel.Config{
			ServiceName:   cfg.Service.Name,
			Version:       version.Get(),
			Environment:   cfg.Service.Environment,
			OTLPEndpoint:  cfg.Tracing.Endpoint,
			SamplingRatio: cfg.Tracing.SamplingRatio,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { return a.Tracing.Shutdown(context.Background()) })
	}

	var sinks []auth.AlertSink
	var serviceOpts []auth.ServiceOption
	if cfg.Metrics.Enabled {
		a.Metrics = metrics.NewMetrics(metrics.DefaultNamespace)
		sinks = append(sinks, a.Metrics)
		serviceOpts = append(serviceOpts, auth.WithObserver(a.Metrics))
	}
	if cfg.Alerts.AMQPURL != "" {
		a.Alerts, err = queue.NewAlertPublisher(queue.AlertConfig{URL: cfg.Alerts.AMQPURL, QueueName: cfg.Alerts.Queue})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.Alerts.Close)

		pool := worker.NewPool(worker.Config{
			Name:       "security-alerts",
			Workers:    cfg.Alerts.Workers,
			BufferSize: cfg.Alerts.Buffer,
			JobTimeout: 5 * time.Second,
		}, a.Alerts.Alert, logger)
		a.closers = append(a.closers, pool.Close)
		sinks = append(sinks, asyncAlertSink(pool))
	}

	opts := []auth.ManagerOption{auth.WithLogger(logger)}
	if len(sinks) > 0 {
		opts = append(opts, auth.WithAlertSink(auth.AlertSinks(sinks...)))
	}

	verifier := auth.NewVerifier(a.Users, logger)
	a.Sessions = auth.NewManager(authConfig(cfg), a.Store, a.Signer, verifier, opts...)
	a.Auth = auth.NewService(a.Limiter, verifier, a.Sessions, logger, serviceOpts...)

	a.log.WithFields(map[string]interface{}{
		"cache":      cfg.Cache.Backend,
		"database":   cfg.Database.Driver,
		"rate_limit": cfg.RateLimit.Backend,
		"signer":     cfg.Security.Signer,
		"alerts":     a.Alerts != nil,
		"metrics":    a.Metrics != nil,
		"tracing":    a.Tracing != nil,
	}).Info("gatekeeper initialised")
	return a, nil
}

// asyncAlertSink hands alerts to pool so publishing never delays a login.
func asyncAlertSink(pool *worker.Pool[auth.SecurityAlert]) auth.AlertSink {
	return auth.AlertSinkFunc(func(_ context.Context, alert auth.SecurityAlert) error {
		return pool.Submit(alert)
	})
}

func (a *App) openCache() error {
	switch a.Config.Cache.Backend {
	case "redis":
		store, err := cache.NewRedisStore(a.Config.Cache.RedisURL)
		if err != nil {
			return err
		}
		a.Store = store
		a.closers = append(a.closers, store.Close)
	case "bolt":
		store, err := cache.NewBoltStore(a.Config.Cache.BoltPath)
		if err != nil {
			return err
		}
		a.Store = store
		a.boltCache = store
		a.closers = append(a.closers, store.Close)
	default:
		return fmt.Errorf("unknown cache backend %q", a.Config.Cache.Backend)
	}
	return nil
}

func (a *App) openUsers() error {
	switch a.Config.Database.Driver {
	case "postgres":
		db := a.Config.Database
		users, err := auth.NewPostgresUserStore(auth.PostgresConfig{
			DSN:             db.URL,
			MaxOpenConns:    db.MaxConnections,
			MaxIdleConns:    db.MaxIdle,
			ConnMaxLifetime: db.ConnMaxLifetime,
		})
		if err != nil {
			return err
		}
		a.Users = users
		a.closers = append(a.closers, users.Close)
	case "couchdb":
		users, err := auth.NewCouchDBUserStore(context.Background(), a.Config.Database.URL, a.Config.Database.CouchDBName)
		if err != nil {
			return err
		}
		a.Users = users
		a.closers = append(a.closers, users.Close)
	case "bolt":
		users, err := auth.NewBoltUserStore(a.Config.Database.BoltPath)
		if err != nil {
			return err
		}
		a.Users = users
		a.closers = append(a.closers, users.Close)
	default:
		return fmt.Errorf("unknown database driver %q", a.Config.Database.Driver)
	}
	return nil
}

func (a *App) openLimiter() error {
	rl := a.Config.RateLimit
	cfg := ratelimit.Config{
		Capacity:       rl.Capacity,
		RefillInterval: rl.RefillInterval,
		Timeout:        rl.Timeout,
	}
	switch rl.Backend {
	case "memory":
		limiter := ratelimit.NewMemoryLimiter(cfg)
		a.Limiter = limiter
		a.closers = append(a.closers, limiter.Close)
	case "redis":
		rs, ok := a.Store.(*cache.RedisStore)
		if !ok {
			return errors.New("the redis rate limiter requires the redis cache backend")
		}
		a.Limiter = ratelimit.NewRedisLimiter(rs.Client(), cfg, a.Logger)
	default:
		return fmt.Errorf("unknown rate limit backend %q", rl.Backend)
	}
	return nil
}

func authConfig(cfg *config.Config) *auth.Config {
	return &auth.Config{
		AccessTokenTTL:          cfg.Security.AccessTokenTTL(),
		RefreshTokenTTL:         cfg.Security.RefreshTokenTTL(),
		MaxLoginAttempts:        cfg.Security.MaxLoginAttempts,
		MaxRefreshTokensPerUser: cfg.Security.MaxRefreshTokensPerUser,
		LoginMetricsTTL:         cfg.Security.LoginMetricsTTL,
		AtomicRegistry:          cfg.Security.AtomicRegistry,
	}
}

func serverConfig(cfg *config.Config) gkhttp.ServerConfig {
	s := cfg.Server
	return gkhttp.ServerConfig{
		Host:            s.Host,
		Port:            s.Port,
		Debug:           s.Debug,
		BodyLimit:       s.BodyLimit,
		ReadTimeout:     s.ReadTimeout,
		WriteTimeout:    s.WriteTimeout,
		ShutdownTimeout: s.ShutdownTimeout,
		AllowedOrigins:  s.AllowedOrigins,
		RateLimit:       s.RequestRate,
	}
}

// Echo returns the HTTP server with /health, the metrics endpoint when
// enabled and the /auth routes.
func (a *App) Echo() *echo.Echo {
	srvCfg := serverConfig(a.Config)
	if a.Tracing != nil {
		srvCfg.Middleware = append(srvCfg.Middleware, gkotel.Middleware(a.Config.Service.Name))
	}
	if a.Metrics != nil {
		srvCfg.Middleware = append(srvCfg.Middleware, a.Metrics.Middleware())
	}

	e := gkhttp.NewEchoServer(srvCfg, a.Logger)
	if a.Metrics != nil {
		a.Metrics.RegisterEndpoint(e, a.Config.Metrics.Path)
	}
	e.GET("/health", gkhttp.HealthCheckHandler(a.Config.Service.Name, version.Get(), map[string]gkhttp.HealthCheck{
		"cache": a.cacheHealth,
	}))
	api.SetupRoutes(e, &api.Handlers{Auth: a.Auth})
	return e
}

func (a *App) cacheHealth(ctx context.Context) error {
	var probe struct{}
	err := a.Store.Get(ctx, "health:probe", &probe)
	if cache.IsMiss(err) {
		return nil
	}
	return err
}

// RunSweeper purges expired bolt cache entries every interval until ctx is
// done. It returns immediately for the redis backend.
func (a *App) RunSweeper(ctx context.Context, interval time.Duration) {
	if a.boltCache == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = common.LogOperation(a.log.WithField("component", "sweeper"), "cache sweep", a.sweep)
		}
	}
}

func (a *App) sweep() error {
	removed, err := a.boltCache.Sweep()
	if err != nil {
		return err
	}
	remaining, err := a.boltCache.Len()
	if err != nil {
		return err
	}
	a.log.WithFields(map[string]interface{}{
		"component": "sweeper",
		"removed":   removed,
		"remaining": remaining,
	}).Debug("cache swept")
	return nil
}

// Close releases everything NewApp opened, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
