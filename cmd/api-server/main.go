package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/carebook/clinic-scheduling/internal/api"
	"github.com/carebook/clinic-scheduling/internal/audit"
	"github.com/carebook/clinic-scheduling/internal/config"
	"github.com/carebook/clinic-scheduling/internal/db"
	"github.com/carebook/clinic-scheduling/internal/locks"
	"github.com/carebook/clinic-scheduling/internal/schedule"
)

const version = "0.3.0"

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "api-server").Logger()
	log.Info().Msg("api-server starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("configuration loaded")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	// Connect Redis
	rdb, err := locks.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("error closing redis")
		}
	}()
	log.Info().Msg("connected to Redis")

	store := schedule.NewPgStore(pgPool)
	sink := audit.NewPgSink(pgPool)
	locker := locks.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait)
	index := schedule.NewConflictIndex(cfg.LockWait)

	svc := schedule.NewService(store, index, sink, locker, schedule.SystemClock(), log, schedule.ServiceConfig{
		DefaultSlotMinutes: cfg.DefaultSlotMinutes,
		AllowEarlyComplete: cfg.AllowEarlyComplete,
	})

	// The index mirrors the persisted active set; rebuild before taking
	// traffic so it is never the sole source of truth.
	rebuildCtx, cancelRebuild := context.WithTimeout(rootCtx, 30*time.Second)
	err = svc.RebuildIndex(rebuildCtx)
	cancelRebuild()
	if err != nil {
		log.Fatal().Err(err).Msg("conflict index rebuild error")
	}

	router := api.NewRouter(api.RouterConfig{
		Service: svc,
		PgPool:  pgPool,
		Redis:   rdb,
		Logger:  log,
		Env:     cfg.Env,
		Version: version,
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-rootCtx.Done()

	log.Info().Msg("shutting down api-server")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
