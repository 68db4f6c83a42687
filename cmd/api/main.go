package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/clock"
	"qrattend/internal/config"
	"qrattend/internal/handler"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/logging"
	"qrattend/internal/media"
	"qrattend/internal/metrics"
	"qrattend/internal/queue"
	"qrattend/internal/store"
)

const reconcileLockKey = "attendance:reconcile:lock"

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

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log); err != nil {
		log.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	clk := clock.NewSystem(loc)

	db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN())
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	met := metrics.New(prometheus.DefaultRegisterer)
	repo := attendance.NewRepository(db)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	}

	var (
		images media.Store
		disk   *media.DiskStore
	)
	if cfg.MediaBackend == "cloudinary" {
		images = media.NewCloudinaryStore(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Info("cloudinary configured", zap.String("cloud", cfg.CloudinaryCloudName))
	} else {
		disk, err = media.NewDiskStore(cfg.UploadDir, cfg.PublicBaseURL)
		if err != nil {
			return err
		}
		images = disk
	}

	issuer := auth.NewIssuer(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
	svc := attendance.NewService(repo, clk, log).
		WithMedia(images).
		WithQueue(q).
		WithMetrics(met).
		WithTokens(issuer)

	if _, err := svc.EnsureCompany(ctx, cfg.CompanyName, cfg.CompanyQRCode); err != nil {
		return err
	}

	reconciler := attendance.NewReconciler(repo, clk, log, met, cfg.ReconcileConcurrency)
	sched, err := attendance.NewScheduler(reconciler, cfg.ReconcileCron, loc, cfg.ReconcileOnStartup, log)
	if err != nil {
		return err
	}
	if redisClient.Healthy(ctx) {
		sched.WithLocker(store.NewRedisLock(redisClient.Client, reconcileLockKey, 10*time.Minute))
	} else {
		log.Warn("redis unreachable, reconcile runs without a cross-replica lock", zap.String("addr", cfg.RedisAddr))
	}
	if cfg.ReconcileInProcess {
		sched.Start(ctx)
		defer sched.Stop()
	}
	// A memory queue is only visible to this process, so drain it here.
	if cfg.QueueBackend == "memory" {
		go func() {
			if err := attendance.ProcessJobs(ctx, q, sched, log); err != nil {
				log.Error("job consumer failed", zap.Error(err))
			}
		}()
	}

	var limiter httpmiddleware.Limiter
	if cfg.RateLimitBackend == "redis" {
		limiter = httpmiddleware.NewRedisLimiter(redisClient.Client, cfg.RateLimitPerMin)
	} else {
		buckets := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					buckets.Cleanup(10 * time.Minute)
				}
			}
		}()
		limiter = buckets
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(log, "/healthz", "/metrics"))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}))
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(httpmiddleware.Metrics(met))
	r.Use(httpmiddleware.RateLimit(limiter, log))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if disk != nil {
		r.Static("/uploads", disk.Dir)
	}

	handler.New(svc, issuer, log).
		WithHealthCheck("db", db.Healthy).
		WithHealthCheck("redis", redisClient.Healthy).
		Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced shutdown", zap.Error(err))
	}
	log.Info("server exited")
	return nil
}
