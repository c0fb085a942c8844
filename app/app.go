// Package app wires configuration, storage, the iyzico gateway and the HTTP surface into a runnable service.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mstgnz/paygate/handler"
	"github.com/mstgnz/paygate/infra/config"
	"github.com/mstgnz/paygate/infra/dedup"
	"github.com/mstgnz/paygate/infra/lock"
	"github.com/mstgnz/paygate/infra/logger"
	"github.com/mstgnz/paygate/infra/middle"
	"github.com/mstgnz/paygate/infra/opensearch"
	"github.com/mstgnz/paygate/infra/shutdown"
	"github.com/mstgnz/paygate/installment"
	"github.com/mstgnz/paygate/notify"
	"github.com/mstgnz/paygate/provider"
	_ "github.com/mstgnz/paygate/provider/iyzico" // registers the iyzico factory
	"github.com/mstgnz/paygate/reconcile"
	"github.com/mstgnz/paygate/refund"
	"github.com/mstgnz/paygate/router"
	"github.com/mstgnz/paygate/storage"
	"github.com/mstgnz/paygate/storage/postgres"
	"github.com/mstgnz/paygate/storage/sqlite"
	"github.com/redis/go-redis/v9"
)

const (
	gatewayName     = "iyzico"
	dedupTTL        = 24 * time.Hour
	lockTTL         = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

// App holds every long lived component of the service
type App struct {
	Config     *config.Config
	Store      storage.Store
	Gateway    provider.Gateway
	Reconciler *reconcile.Reconciler
	Refunds    *refund.Coordinator
	Resolver   *installment.Resolver
	Sweeper    *reconcile.Sweeper
	// Audit is nil when the OpenSearch trail is disabled or unreachable
	Audit *opensearch.Logger

	webhooks   *handler.WebhookHandler
	httpServer *http.Server
	shutdown   *shutdown.Manager
}

// Build creates and connects every dependency. Call Close (or Run) to release them.
func Build(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	a := &App{Config: cfg, shutdown: shutdown.New(shutdownTimeout)}

	audit, sink, err := a.setupOpenSearch(ctx)
	if err != nil {
		return nil, err
	}
	var logSink logger.Sink
	if sink != nil {
		logSink = sink
		a.Audit = sink.Logger
	}
	sysLogger := logger.InitGlobalLogger(logSink, logger.SystemLoggerConfig{
		EnableConsole: true,
		EnableSink:    logSink != nil,
		MinLevel:      logger.ParseLevel(cfg.LogLevel),
		Format:        logFormat(cfg),
		Version:       version,
		Environment:   cfg.Env,
	})
	a.shutdown.Add("logger", func(context.Context) error {
		sysLogger.Sync()
		return nil
	})

	logger.Info("building paygate", logger.LogContext{Fields: map[string]any{
		"mode":    cfg.Gateway.Mode,
		"storage": cfg.Storage.Driver,
		"redis":   cfg.Redis.Addr != "",
		"kafka":   len(cfg.Kafka.Brokers) > 0,
	}})

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = store
	a.shutdown.Add("storage", shutdown.Closer(store))

	locker, deduper, redisClient, err := a.setupCoordination(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	gw, err := provider.NewGateway(gatewayName, provider.Credential{
		APIKey:    cfg.Gateway.APIKey,
		SecretKey: cfg.Gateway.SecretKey,
		Mode:      provider.Mode(cfg.Gateway.Mode),
		BaseURL:   cfg.Gateway.BaseURL,
	}, provider.Settings{
		Locale:              cfg.Gateway.Locale,
		Force3DS:            cfg.Gateway.Force3DS,
		InstallmentsEnabled: cfg.Gateway.InstallmentsEnabled,
		MaxInstallments:     cfg.Gateway.MaxInstallments,
		CallbackURL:         cfg.Gateway.CallbackURL,
		Timeout:             cfg.Gateway.Timeout,
		Audit:               audit,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("gateway: %w", err)
	}
	a.Gateway = gw
	logger.WithProvider(gatewayName).AddField("mode", cfg.Gateway.Mode).Info("gateway client ready")

	notifiers := notify.Fanout{notify.LogNotifier{}}
	if len(cfg.Kafka.Brokers) > 0 {
		kn := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.SettledTopic)
		notifiers = append(notifiers, kn)
		a.shutdown.Add("kafka", shutdown.Closer(kn))
	}

	var reconcileOpts []reconcile.Option
	if audit != nil {
		reconcileOpts = append(reconcileOpts, reconcile.WithAuditSink(audit))
	}
	a.Reconciler, err = reconcile.New(gw, store, locker, notifiers, reconcile.Config{
		ResultTimeout: cfg.Reconcile.ResultTimeout,
		MaxTriggers:   cfg.Reconcile.MaxTriggers,
	}, reconcileOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Refunds = refund.New(gw, store, locker)
	a.Resolver = installment.NewResolver(gw, installment.Options{
		Enabled:         cfg.Gateway.InstallmentsEnabled,
		MaxInstallments: cfg.Gateway.MaxInstallments,
		CacheSize:       1000,
		CacheTTL:        24 * time.Hour,
	})

	a.Sweeper, err = reconcile.NewSweeper(a.Reconciler, cfg.Reconcile.SweepSchedule)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.webhooks = handler.NewWebhookHandler(a.Reconciler, deduper, handler.WebhookOptions{
		Workers:   cfg.Server.WebhookWorkers,
		QueueSize: cfg.Server.WebhookQueue,
	})

	deps := []handler.Dependency{{Name: "storage", Critical: true, Check: store.Ping}}
	if redisClient != nil {
		deps = append(deps, handler.Dependency{Name: "redis", Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}
	if sink != nil {
		deps = append(deps, handler.Dependency{Name: "opensearch", Check: sink.Ping})
	}

	var limiter *middle.RateLimiter
	if cfg.Server.RateLimit > 0 {
		limiter = middle.NewRateLimiter(cfg.Server.RateLimit, time.Minute)
		a.shutdown.Add("rate_limiter", func(context.Context) error {
			limiter.Stop()
			return nil
		})
	}

	a.httpServer = &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: router.New(router.Options{
			Payments:       handler.NewPaymentHandler(a.Reconciler, a.Refunds, a.Resolver, cfg.Gateway.Locale),
			Callbacks:      handler.NewCallbackHandler(a.Reconciler, cfg.Reconcile.ReturnURL),
			Webhooks:       a.webhooks,
			Health:         handler.NewHealthHandler(gw, version, cfg.Env, deps...),
			APIKey:         cfg.Server.APIKey,
			RateLimiter:    limiter,
			AllowedOrigins: cfg.Server.CORSOrigins,
		}),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return a, nil
}

// Run serves HTTP, runs the webhook workers and the expiry sweeper until ctx is done, then shuts down
func (a *App) Run(ctx context.Context) error {
	a.webhooks.Start()
	a.shutdown.Add("webhook_workers", a.webhooks.Shutdown)

	if err := a.Sweeper.Start(); err != nil {
		return err
	}
	a.shutdown.Add("sweeper", func(ctx context.Context) error {
		select {
		case <-a.Sweeper.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	a.shutdown.Add("http_server", shutdown.HTTPServer(a.httpServer))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("paygate listening", logger.LogContext{Fields: map[string]any{"addr": a.httpServer.Addr}})
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("http server failed", err)
		_ = a.shutdown.Shutdown()
		return err
	case <-ctx.Done():
	}
	return a.shutdown.Wait(ctx)
}

// Close releases every resource Build acquired
func (a *App) Close() error {
	return a.shutdown.Shutdown()
}

// Handler exposes the router, mainly for tests
func (a *App) Handler() http.Handler {
	return a.httpServer.Handler
}

func (a *App) setupOpenSearch(ctx context.Context) (provider.AuditSink, *opensearchSink, error) {
	cfg := a.Config.OpenSearch
	if !cfg.Enabled {
		return nil, nil, nil
	}

	client, err := opensearch.NewClient(opensearch.ClientConfig{
		URL:      cfg.URL,
		Username: cfg.User,
		Password: cfg.Password,
		Enabled:  true,
	})
	if err != nil {
		return nil, nil, err
	}

	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.SetupIndices(setupCtx); err != nil {
		// the audit trail is best effort, payments keep flowing without it
		logger.Warn("opensearch unavailable, continuing without audit trail", logger.LogContext{
			Fields: map[string]any{"error": err.Error()},
		})
		return nil, nil, nil
	}

	l := opensearch.NewLogger(client)
	return l, &opensearchSink{Logger: l, client: client}, nil
}

// opensearchSink is the log sink that can also be health checked
type opensearchSink struct {
	*opensearch.Logger
	client *opensearch.Client
}

func (s *opensearchSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (a *App) setupCoordination(ctx context.Context) (lock.Locker, dedup.Deduper, *redis.Client, error) {
	cfg := a.Config.Redis
	if cfg.Addr == "" {
		return lock.NewKeyedMutex(), dedup.NewMemory(dedupTTL), nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("redis: %w", err)
	}
	a.shutdown.Add("redis", shutdown.Closer(client))

	return lock.NewRedisLocker(client, lockTTL), dedup.NewRedis(client, dedupTTL), client, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return store, nil
	default:
		return storage.NewMemoryStore(), nil
	}
}

func logFormat(cfg *config.Config) string {
	if cfg.Env == "development" {
		return "console"
	}
	return "json"
}
