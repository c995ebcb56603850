package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/carebook/clinic-scheduling/internal/audit"
	"github.com/carebook/clinic-scheduling/internal/config"
	"github.com/carebook/clinic-scheduling/internal/db"
	"github.com/carebook/clinic-scheduling/internal/locks"
	"github.com/carebook/clinic-scheduling/internal/schedule"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "completion-worker").Logger()
	log.Info().Msg("completion-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	log.Info().Str("env", cfg.Env).Dur("interval", cfg.WorkerInterval).Msg("running completion worker")

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

	// Run once at startup
	runOnce(rootCtx, svc, log)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping completion worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, log)
		}
	}
}

func runOnce(ctx context.Context, svc *schedule.Service, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	completed, err := svc.CompleteOverdue(runCtx)
	if err != nil {
		log.Error().Err(err).Msg("completion run error")
		return
	}
	log.Info().Int("completed", completed).Dur("took", time.Since(start)).Msg("completion run complete")
}
