package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"InboxScheduler/internal/api"
	"InboxScheduler/internal/config"
	"InboxScheduler/internal/db"
	"InboxScheduler/internal/email"
	"InboxScheduler/internal/lifecycle"
	"InboxScheduler/internal/metrics"
	"InboxScheduler/internal/queue"
	"InboxScheduler/internal/ratelimit"
	"InboxScheduler/internal/scheduler"
	"InboxScheduler/internal/worker"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	level := zap.NewAtomicLevel()
	zcfg := zap.NewProductionConfig()
	zcfg.Level = level

	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logger.Fatal("invalid log level", zap.String("level", cfg.LogLevel), zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.New(ctx, cfg.DatabaseURL, cfg.StoreTimeout)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("database migration failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Delay Queue
	// ------------------------------------------------
	var delayQueue queue.DelayQueue

	switch cfg.QueueBackend {
	case "memory":
		logger.Warn("using in-memory queue; pending jobs are rebuilt from the database on start")
		delayQueue = queue.NewMemoryQueue()
	default:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		delayQueue = queue.NewRedisQueue(rdb, cfg.QueuePrefix)
	}

	if err := delayQueue.Ping(ctx); err != nil {
		logger.Fatal("queue connection failed", zap.String("backend", cfg.QueueBackend), zap.Error(err))
	}

	// ------------------------------------------------
	// Email Transport
	// ------------------------------------------------
	var transport email.Transport

	switch cfg.EmailProvider {
	case "resend":
		transport = email.NewResendSender(cfg.ResendAPIKey, cfg.EmailFrom, logger)
	default:
		transport = &email.SMTPSender{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUser,
			Password:    cfg.SMTPPassword,
			From:        cfg.EmailFrom,
			MaxInFlight: cfg.SMTPMaxInFlight,
		}
	}

	transport = email.NewBreaker(transport, email.BreakerSettings{
		Name:                cfg.EmailProvider,
		ConsecutiveFailures: cfg.BreakerFailures,
		OpenTimeout:         cfg.BreakerOpenTimeout,
	}, logger)

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// ------------------------------------------------
	// Scheduler (rate limiter + worker pool)
	// ------------------------------------------------
	limiter := ratelimit.NewWindow(cfg.RateLimitMax, cfg.RateLimitWindow)

	sched := scheduler.New(store, delayQueue, limiter, transport, scheduler.Config{
		Pool: worker.Config{
			Workers:      cfg.WorkerCount,
			PollInterval: cfg.PollInterval,
			MinSpacing:   cfg.MinSendSpacing,
		},
		Lifecycle: lifecycle.Config{
			MaxRetries:     cfg.RetryAttempts,
			InitialBackoff: cfg.RetryInitialInterval,
			MaxBackoff:     cfg.RetryMaxInterval,
			SendTimeout:    cfg.SendTimeout,
		},
		ReconcileInterval: cfg.ReconcileInterval,
	}, logger)

	if err := sched.Start(ctx); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           api.NewRouter(api.NewHandler(sched, logger), cfg.CORSOrigins),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		return serve(metricsServer)
	})

	g.Go(func() error {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		return serve(apiServer)
	})

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	g.Go(func() error {
		<-gctx.Done()

		logger.Info("shutting down services...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()

		// Stop accepting submissions before draining workers.
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", zap.Error(err))
		}

		if err := sched.Shutdown(shutdownCtx); err != nil {
			logger.Error("scheduler shutdown failed", zap.Error(err))
		}

		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
