package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davidleathers/control-assurance-backend/internal/api/rest"
	"github.com/davidleathers/control-assurance-backend/internal/domain/control"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/auth"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/cache"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/config"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/database"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/events"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/filestore"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/repository"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/control-assurance-backend/internal/metrics"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Settings{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Version,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Enabled:     cfg.Telemetry.Enabled,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	reg := metrics.NewRegistry()
	checks := map[string]rest.HealthCheck{}

	store, closeStore, err := openStore(ctx, cfg, reg, checks, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var (
		progress workflow.ProgressCache
		shared   cache.RateLimiter
	)
	if cfg.Redis.Enabled {
		client, err := cache.NewRedisClient(ctx, cfg.Redis, logger)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer func() { _ = client.Close() }()
		progress = cache.NewProgressCache(client, cfg.Redis.ProgressTTL, logger)
		shared = cache.NewRedisRateLimiter(client, logger)
		checks["redis"] = redisCheck(client)
	}

	transports := []events.Transport{events.NewLogTransport(logger)}
	if cfg.Notifications.WebhookURL != "" {
		webhook, err := events.NewWebhookTransport(events.WebhookConfig{
			URL:     cfg.Notifications.WebhookURL,
			Secret:  cfg.Notifications.WebhookSecret,
			Timeout: cfg.Notifications.Timeout,
		})
		if err != nil {
			return err
		}
		transports = append(transports, webhook)
	}
	dispatcher, err := events.NewDispatcher(events.DispatcherConfig{
		QueueSize:         cfg.Notifications.QueueSize,
		Workers:           cfg.Notifications.Workers,
		PerRecipientRate:  cfg.Notifications.PerRecipientRate,
		PerRecipientBurst: cfg.Notifications.PerRecipientBurst,
		DeliveryTimeout:   cfg.Notifications.Timeout,
	}, logger, reg, transports...)
	if err != nil {
		return err
	}
	dispatcher.Start(ctx)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := dispatcher.Close(closeCtx); err != nil {
			logger.Warn("notification queue not drained", zap.Error(err))
		}
	}()

	stream := events.NewAuditStream(logger)
	defer stream.Close()

	deps := workflow.Dependencies{
		Store:      store,
		Authorizer: auth.DefaultRolePolicy(logger),
		Notifier:   dispatcher,
		Providers:  providerDirectory(cfg.Providers),
		Cache:      progress,
		Publisher:  stream,
		Logger:     logger,
		Recorder:   reg,
	}

	var uploads rest.FileUploader
	if cfg.FileStore.Root != "" {
		files, err := filestore.NewLocalStore(cfg.FileStore.Root, logger)
		if err != nil {
			return err
		}
		deps.Files = files
		uploads = files
	}

	wfCfg, err := cfg.Workflow.Build()
	if err != nil {
		return err
	}
	wf, err := workflow.New(deps, wfCfg)
	if err != nil {
		return fmt.Errorf("wiring workflow: %w", err)
	}

	tokens, err := auth.NewTokenService(cfg.Security.JWTSecret, cfg.Security.Issuer, cfg.Security.TokenExpiry)
	if err != nil {
		return fmt.Errorf("configuring tokens: %w", err)
	}

	handler := rest.NewRouter(rest.Dependencies{
		Workflow:      wf,
		Tokens:        tokens,
		Stream:        stream,
		Files:         uploads,
		Metrics:       reg,
		SharedLimiter: shared,
		Checks:        checks,
		Logger:        logger,
	}, rest.Config{
		RequestsPerSecond: cfg.Security.RateLimit.RequestsPerSecond,
		Burst:             cfg.Security.RateLimit.BurstSize,
		RequestTimeout:    cfg.Server.WriteTimeout,
	})
	server := rest.NewServer(rest.ServerConfig{
		Addr:            fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:     cfg.Server.ReadTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, handler, logger)

	logger.Info("control assurance API configured",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.String("store", cfg.Database.Driver),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("uploads", uploads != nil))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wf.Sweeper.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func providerDirectory(cfg config.ProvidersConfig) *auth.ProviderDirectory {
	dir := auth.NewProviderDirectory(cfg.Default)
	for evidenceType, provider := range cfg.ByType {
		dir.RegisterDefault(control.EvidenceType(evidenceType), provider)
	}
	for ref, types := range cfg.ByControl {
		for evidenceType, provider := range types {
			dir.Register(ref, control.EvidenceType(evidenceType), provider)
		}
	}
	return dir
}

// openStore selects the workflow store. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config, reg *metrics.Registry, checks map[string]rest.HealthCheck, logger *zap.Logger) (workflow.Store, func(), error) {
	if cfg.Database.Driver != "postgres" {
		logger.Warn("using in-memory store; data is lost on restart")
		return repository.NewMemoryStore(), func() {}, nil
	}

	if cfg.Database.MigrateOnStart {
		if err := database.Migrate(cfg.Database.URL, logger); err != nil {
			return nil, nil, fmt.Errorf("migrating database: %w", err)
		}
	}
	pool, err := database.NewPool(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	reg.RegisterPool(pool)
	checks["database"] = pool.Ping
	return database.NewStore(pool, logger), pool.Close, nil
}

func redisCheck(client *redis.Client) rest.HealthCheck {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
