// Command orchestratord runs an Orchestrator behind the admin HTTP API,
// with optional Redis-backed cache and rate limits and a Postgres analytics
// sink.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	orchestrator "github.com/jeremybuehler/kasama-orchestrator"
	"github.com/jeremybuehler/kasama-orchestrator/internal/admin"
	"github.com/jeremybuehler/kasama-orchestrator/internal/config"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Error("Failed to load configuration", zap.Error(err))
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []orchestrator.Option{
		orchestrator.WithZapLogger(logger),
		orchestrator.WithMetrics(),
		orchestrator.WithBaseURL(cfg.BaseURL),
		orchestrator.WithBatchConcurrency(cfg.BatchConcurrency),
		orchestrator.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		}),
	}
	if cfg.Debug {
		opts = append(opts, orchestrator.WithDebug())
	}
	if cfg.Deduplication {
		opts = append(opts, orchestrator.WithDeduplication())
	}

	if cfg.RedisURL != "" {
		redisClient, err := config.NewRedisClient(ctx, cfg.RedisURL, cfg.RedisToken)
		if err != nil {
			logger.Error("Failed to connect to Redis", zap.Error(err))
			return err
		}
		defer redisClient.Close()

		opts = append(opts,
			orchestrator.WithCache(orchestrator.NewRedisCache(redisClient, "")),
			orchestrator.WithLimiter(orchestrator.NewRedisLimiter(redisClient, nil, "")),
		)
		logger.Info("Using Redis for cache and rate limits")
	}

	sinkCtx, cancelSink := context.WithCancel(context.Background())
	sinkDone := make(chan struct{})
	close(sinkDone)
	if cfg.DatabaseURL != "" {
		db, err := config.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			cancelSink()
			logger.Error("Failed to connect to database", zap.Error(err))
			return err
		}
		defer db.Close()

		sink := orchestrator.NewPostgresSink(db, cfg.AnalyticsTable, orchestrator.NewZapLogger(logger))
		opts = append(opts, orchestrator.WithAnalyticsSink(sink))

		sinkDone = make(chan struct{})
		go func() {
			defer close(sinkDone)
			sink.Start(sinkCtx)
		}()
		logger.Info("Writing analytics events to Postgres", zap.String("table", cfg.AnalyticsTable))
	}
	defer func() {
		cancelSink()
		<-sinkDone
	}()

	orch := orchestrator.New(opts...)
	if err := orch.ValidationError(); err != nil {
		logger.Error("Invalid orchestrator configuration", zap.Error(err))
		return err
	}
	defer orch.Close()

	if err := orch.RegisterRoutesFromFile(cfg.RoutesFile); err != nil {
		logger.Error("Failed to register routes", zap.String("file", cfg.RoutesFile), zap.Error(err))
		return err
	}

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: admin.NewRouter(orch, admin.Options{
			AllowOrigins: cfg.AllowOrigins,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting", zap.String("addr", server.Addr), zap.String("version", orchestrator.GetVersion()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", zap.Error(err))
			return err
		}
	}

	logger.Info("Server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
