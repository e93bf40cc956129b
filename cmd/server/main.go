package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/rl1809/stock-sync/internal/adapter/alert"
	"github.com/rl1809/stock-sync/internal/adapter/handler"
	"github.com/rl1809/stock-sync/internal/adapter/ratelimit"
	"github.com/rl1809/stock-sync/internal/adapter/remote"
	"github.com/rl1809/stock-sync/internal/adapter/storage"
	"github.com/rl1809/stock-sync/internal/config"
	"github.com/rl1809/stock-sync/internal/core/service"
	"github.com/rl1809/stock-sync/internal/logger"
	"github.com/rl1809/stock-sync/internal/port"
	"github.com/rl1809/stock-sync/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logger.New(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel, Service: cfg.App.Name})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	var (
		repo  port.DatabaseRepository
		guard port.IdempotencyGuard
		rdb   *redis.Client
	)

	switch cfg.Store {
	case "mysql":
		db, err := sql.Open("mysql", cfg.MySQL.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open mysql")
		}
		db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.MySQL.ConnLifetime)
		if err := db.PingContext(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping mysql")
		}
		closers = append(closers, func() { db.Close() })

		mysqlAdapter := storage.NewMySQLAdapter(db)
		if err := mysqlAdapter.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate schema")
		}
		repo = mysqlAdapter
		log.Info().Msg("connected to mysql")
	default:
		memory := storage.NewMemoryAdapter()
		repo, guard = memory, memory
		log.Warn().Msg("using in-memory store, state is lost on restart")
	}

	if cfg.Store == "mysql" || cfg.Limiter.Driver == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		closers = append(closers, func() { rdb.Close() })
		log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")
	}
	if guard == nil {
		guard = storage.NewRedisAdapter(rdb)
	}

	var limiter port.RateLimiter
	if cfg.Limiter.Driver == "redis" {
		limiter = storage.NewRedisTokenBucket(rdb, "order-service", cfg.Limiter.PerMinute)
	} else {
		limiter = ratelimit.PerMinute(cfg.Limiter.PerMinute)
	}

	var gateway port.AlertGateway = alert.NewLogGateway(log)
	if cfg.Alert.WebhookURL != "" {
		gateway = alert.NewWebhookGateway(cfg.Alert.WebhookURL, cfg.Alert.Timeout)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	client := service.NewSyncClient(
		remote.NewHTTPOrderService(cfg.Remote.BaseURL, cfg.Remote.APIKey, cfg.Remote.Timeout),
		limiter,
		service.SyncClientConfig{CallTimeout: cfg.Remote.Timeout, MaxWait: cfg.Limiter.MaxWait},
		log, metrics,
	)
	proc := service.NewProcessor(service.ProcessorDeps{
		Repo:    repo,
		Client:  client,
		Alerts:  service.NewAlerter(gateway, log, metrics),
		Policy:  retryPolicy(cfg.Retry),
		Metrics: metrics,
		Log:     log,
	})
	scheduler := service.NewScheduler(repo, proc, service.SchedulerConfig{
		PollInterval: cfg.Scheduler.PollInterval,
		BatchSize:    cfg.Scheduler.BatchSize,
		Workers:      cfg.Scheduler.Workers,
		ClaimTimeout: cfg.Scheduler.ClaimTimeout,
	}, log)
	reconciler := service.NewReconciler(repo, client, proc, service.ReconcilerConfig{
		Interval: cfg.Reconcile.Interval,
		PageSize: cfg.Reconcile.PageSize,
		MaxPages: cfg.Reconcile.MaxPages,
		Lookback: cfg.Reconcile.Lookback,
	}, log)
	canceller := service.NewCanceller(repo, proc, client, log)
	svc := service.NewSyncService(repo, guard, proc, canceller, reconciler, log)

	// Background loops
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		reconciler.Run(ctx)
	}()
	log.Info().
		Int("workers", cfg.Scheduler.Workers).
		Dur("poll_interval", cfg.Scheduler.PollInterval).
		Dur("reconcile_interval", cfg.Reconcile.Interval).
		Msg("scheduler and reconciler started")

	// gRPC admin server
	grpcServer := grpc.NewServer()
	handler.RegisterStockSyncAdminServer(grpcServer, handler.NewGRPCHandler(svc, log))

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}
	go func() {
		log.Info().Str("addr", cfg.GRPC.Addr).Msg("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil {
			log.Error().Err(err).Msg("gRPC server error")
		}
	}()

	// HTTP server
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.NewHTTPHandler(svc, log).Router(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown")
	}
	log.Info().Msg("HTTP server stopped")

	grpcServer.GracefulStop()
	log.Info().Msg("gRPC server stopped")

	// in-flight attempts finish before the store goes away
	cancel()
	wg.Wait()
	log.Info().Msg("scheduler and reconciler stopped")
}

func retryPolicy(c config.RetryConfig) service.RetryPolicy {
	return service.RetryPolicy{
		InitialDelay: c.InitialDelay,
		Base:         c.Base,
		MaxDelay:     c.MaxDelay,
		MaxRetries:   c.MaxRetries,
		Jitter:       c.Jitter,
	}
}
