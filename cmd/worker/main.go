package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"qrattend/internal/attendance"
	"qrattend/internal/clock"
	"qrattend/internal/config"
	"qrattend/internal/logging"
	"qrattend/internal/queue"
	"qrattend/internal/store"
)

const reconcileLockKey = "attendance:reconcile:lock"

// Worker runs the daily reconcile schedule and consumes queued jobs.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(cfg, log); err != nil {
		log.Fatal("worker failed", zap.Error(err))
	}
}

func run(cfg config.App, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN())
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	repo := attendance.NewRepository(db)
	reconciler := attendance.NewReconciler(repo, clock.NewSystem(loc), log, nil, cfg.ReconcileConcurrency)
	sched, err := attendance.NewScheduler(reconciler, cfg.ReconcileCron, loc, cfg.ReconcileOnStartup, log)
	if err != nil {
		return err
	}
	if redisClient.Healthy(ctx) {
		sched.WithLocker(store.NewRedisLock(redisClient.Client, reconcileLockKey, 10*time.Minute))
	} else {
		log.Warn("redis unreachable, reconcile runs without a cross-replica lock", zap.String("addr", cfg.RedisAddr))
	}
	sched.Start(ctx)
	defer sched.Stop()

	if cfg.QueueBackend == "memory" {
		log.Warn("memory queue is per process, worker only runs the schedule")
		<-ctx.Done()
		return nil
	}

	q := queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	log.Info("worker started, waiting for jobs")
	err = attendance.ProcessJobs(ctx, q, sched, log)
	log.Info("worker stopped")
	return err
}
