// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"textdetect-service/internal/config"
	"textdetect-service/internal/events"
	"textdetect-service/internal/inference"
	"textdetect-service/internal/logger"
	"textdetect-service/internal/metrics"
	"textdetect-service/internal/repository/postgresql"
	"textdetect-service/internal/service"
	"textdetect-service/internal/storage"
	"textdetect-service/internal/worker"
)

func main() {
	logger.Init("worker")
	log := logger.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	// Postgres
	pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("pg")
	}
	defer pool.Close()

	// Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("redis")
	}
	defer rdb.Close()

	// load the model before taking work so the first job does not pay for it
	model := inference.NewModelHandle(cfg.ModelPath, nil)
	if _, err := model.Get(); err != nil {
		log.Error().Err(err).Str("path", cfg.ModelPath).Msg("model artifact unusable, jobs will fail")
	}
	log.Info().Str("mode", model.Mode()).Str("path", cfg.ModelPath).Msg("inference ready")

	var reader storage.TextReader = storage.StubReader{}
	if cfg.StorageDir != "" {
		reader = storage.NewDirReader(cfg.StorageDir)
	} else {
		log.Warn().Msg("STORAGE_DIR not set, documents read as stub content")
	}

	var pub events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		np, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("nats")
		}
		defer np.Close()
		pub = np
	}

	// DI
	repo := postgresql.NewJobRepository(pool)
	broker := service.NewRedisBroker(rdb, cfg.RedisKeyPrefix)
	processor := worker.NewProcessor(repo, reader, inference.NewEngine(model), pub)
	workers := worker.NewPool(broker, processor, cfg.Workers)

	go workers.RunReaper(ctx, cfg.ReapInterval)

	metricsSrv := metrics.NewServer(cfg.MetricsAddr)
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics listener")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Int("workers", cfg.Workers).
		Str("redis_addr", cfg.RedisAddr).
		Str("key_prefix", cfg.RedisKeyPrefix).
		Str("metrics_addr", cfg.MetricsAddr).
		Str("postgres_dsn", config.RedactDSN(cfg.PostgresDSN)).
		Msg("worker started")

	workers.Run(ctx)

	log.Info().Msg("worker stopped")
}
