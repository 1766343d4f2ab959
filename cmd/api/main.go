// cmd/api/main.go
//
// @title textdetect API
// @version 1.0
// @description Submit documents for AI-text detection and read back results.
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
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

	_ "textdetect-service/docs"
	"textdetect-service/internal/config"
	"textdetect-service/internal/logger"
	"textdetect-service/internal/repository/postgresql"
	"textdetect-service/internal/service"
	httptransport "textdetect-service/internal/transport/http"
)

func main() {
	logger.Init("api")
	log := logger.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("pg")
	}
	defer pool.Close()

	if err := postgresql.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("redis")
	}
	defer rdb.Close()

	if len(cfg.APITokens) == 0 {
		log.Warn().Msg("API_TOKENS is empty, every /api request will be rejected")
	}
	tokens := httptransport.StaticTokens{}
	for token, id := range cfg.APITokens {
		tokens[token] = service.Identity{UID: id.UID, Email: id.Email, Admin: id.Admin}
	}

	repo := postgresql.NewJobRepository(pool)
	broker := service.NewRedisBroker(rdb, cfg.RedisKeyPrefix)
	jobSvc := service.NewJobService(repo, broker)
	h := httptransport.NewHandler(jobSvc, broker)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httptransport.Routes(h, tokens),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
	}()

	log.Info().
		Str("addr", cfg.HTTPAddr).
		Str("postgres_dsn", config.RedactDSN(cfg.PostgresDSN)).
		Msg("api started")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("http")
	}

	log.Info().Msg("api stopped")
}
