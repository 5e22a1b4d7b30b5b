// Package main is the entry point for the authsentry service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"authsentry/internal/alerting"
	"authsentry/internal/analytics"
	"authsentry/internal/api"
	"authsentry/internal/archive"
	"authsentry/internal/config"
	"authsentry/internal/correlation"
	"authsentry/internal/pipeline"
	"authsentry/internal/risk"
	"authsentry/internal/schema"
	"authsentry/internal/store"
	"authsentry/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"auth_enabled", cfg.Auth.Enabled,
		"redis_enabled", cfg.Redis.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
		"analytics_enabled", cfg.Analytics.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Primary store
	st, err := store.Open(store.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		DialTimeout:     cfg.Database.DialTimeout,
	})
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	logger.Info("running database migrations")
	if err := st.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Risk scoring
	var assessor risk.Assessor = risk.NoopAssessor{}
	if cfg.Risk.Assessor.Enabled {
		assessor = risk.NewHTTPAssessor(risk.HTTPAssessorConfig{
			BaseURL:       cfg.Risk.Assessor.BaseURL,
			APIKey:        cfg.Risk.Assessor.APIKey,
			Timeout:       cfg.Risk.Assessor.Timeout,
			ProbeInterval: cfg.Risk.Assessor.ProbeInterval,
		}, logger)
	}

	scorer := risk.NewScorer(
		correlation.NewEngine(st),
		assessor,
		risk.ScorerConfig{
			Threshold:       cfg.Risk.Threshold,
			Window:          cfg.Risk.CorrelationWindow,
			AssessorEnabled: cfg.Risk.Assessor.Enabled,
			AssessorTimeout: cfg.Risk.Assessor.Timeout,
		},
		logger,
	)

	// Alert consolidation lock. An empty backend picks redis when Redis is
	// configured, process local otherwise.
	backend := cfg.Alerting.LockBackend
	if backend == "" {
		backend = "local"
		if cfg.Redis.Enabled {
			backend = "redis"
		}
	}

	var locker alerting.Locker
	switch backend {
	case "redis":
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()

		locker = alerting.NewRedisLocker(redisClient, alerting.RedisLockerConfig{
			TTL:            cfg.Redis.LockTTL,
			AcquireTimeout: cfg.Redis.AcquireTimeout,
		})
	case "postgres":
		locker = st.NewAdvisoryLocker()
	default:
		locker = alerting.NewLocalLocker()
	}
	logger.Info("consolidation lock selected", "backend", backend)

	consolidator := alerting.NewConsolidator(st, locker, alerting.ConsolidatorConfig{
		Window:            cfg.Alerting.Window,
		MaxEventsPerAlert: cfg.Alerting.MaxEventsPerAlert,
	}, logger)

	// Ingestion pipeline
	validator := schema.NewValidator()
	pipe := pipeline.New(st, scorer, consolidator, validator, logger)

	var mirror *analytics.Mirror
	if cfg.Analytics.Enabled {
		chClient, err := analytics.NewClient(cfg.Analytics.ClickHouse)
		if err != nil {
			logger.Error("failed to connect to clickhouse", "error", err)
			os.Exit(1)
		}
		defer chClient.Close()

		if err := chClient.Migrate(ctx); err != nil {
			logger.Error("failed to migrate clickhouse", "error", err)
			os.Exit(1)
		}

		mirror = analytics.NewMirror(chClient, cfg.Analytics.BatchWriter, logger)
		pipe.WithMirror(mirror)
		logger.Info("analytics mirror enabled", "hosts", cfg.Analytics.ClickHouse.Hosts)
	}

	var publisher *stream.AlertPublisher
	var consumer *stream.EventConsumer
	if cfg.Kafka.Enabled {
		publisher = stream.NewAlertPublisher(cfg.Kafka, logger)
		pipe.WithPublisher(publisher)

		consumer = stream.NewEventConsumer(cfg.Kafka, pipe, logger)
		if err := consumer.Start(ctx); err != nil {
			logger.Error("failed to start event consumer", "error", err)
			os.Exit(1)
		}
	}

	var exporter *archive.Exporter
	if cfg.Archive.Enabled {
		s3Client, err := archive.NewClient(ctx, cfg.Archive, logger)
		if err != nil {
			logger.Error("failed to create s3 client", "error", err)
			os.Exit(1)
		}

		exporter = archive.NewExporter(st, s3Client, cfg.Archive, logger)
		exporter.Start(ctx)
		logger.Info("archive exporter enabled", "bucket", cfg.Archive.Bucket)
	}

	// HTTP server
	handler := api.NewHandler(pipe, st, logger)
	wrapped := api.WithMiddleware(handler.Routes(), cfg, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      wrapped,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting http server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Error("consumer stop error", "error", err)
		}
	}

	if exporter != nil {
		exporter.Stop()
	}

	cancel()

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("publisher close error", "error", err)
		}
	}

	if mirror != nil {
		if err := mirror.Close(); err != nil {
			logger.Error("mirror close error", "error", err)
		}
		m := mirror.Metrics()
		logger.Info("analytics metrics",
			"events_written", m.Written,
			"events_failed", m.Failed,
			"batches", m.Batches,
		)
	}

	logger.Info("shutdown complete")
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
