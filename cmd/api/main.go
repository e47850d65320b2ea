package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"callsig/internal/auth"
	"callsig/internal/config"
	"callsig/internal/httpapi"
	"callsig/internal/profile"
	"callsig/internal/ratelimit"
	"callsig/internal/signal"
	"callsig/pkg/logger"
	"callsig/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/robfig/cron/v3"
)

const (
	purgeSchedule = "@every 10m"
	purgeTimeout  = time.Minute
	// streamSlotTTL bounds how long a crashed instance can hold stream slots.
	streamSlotTTL = 2 * time.Hour
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	repo := signal.NewPostgresRepo(db)
	if err := repo.EnsureSchema(rootCtx); err != nil {
		log.Error("signal schema init failed", "err", err)
		os.Exit(1)
	}

	metrics := httpapi.NewMetrics()
	signals := signal.NewService(repo, signal.NewRedisBus(rdb, log), signal.Options{
		Limiter:  ratelimit.NewRedisLimiter(rdb, "signal-rate:", cfg.Signal.RateLimit, cfg.Signal.RateWindow),
		Recorder: metrics,
		Logger:   log,
	})

	purger := cron.New()
	if _, err := purger.AddFunc(purgeSchedule, func() { purgeSignals(rootCtx, signals, cfg.Signal.Retention, log) }); err != nil {
		log.Error("purge schedule invalid", "err", err)
		os.Exit(1)
	}
	purger.Start()

	// Token issuance without credentials is for local testing only.
	h := httpapi.Handlers{
		Auth:       authManager,
		Signals:    signals,
		Profiles:   profile.NewCachedDirectory(profile.NewPostgresDirectory(db), cfg.Profile.CacheSize, cfg.Profile.CacheTTL),
		Streams:    ratelimit.NewRedisSlots(rdb, "signal-streams:", cfg.Signal.MaxStreams, streamSlotTTL),
		Metrics:    metrics,
		Call:       cfg.Call,
		AllowLogin: !cfg.IsProduction(),
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, h, authManager, func(ctx context.Context) error {
		if err := utils.HealthCheck(ctx, db, 2*time.Second); err != nil {
			return err
		}
		return rdb.Ping(ctx).Err()
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: signal streams are long-lived and manage their own
		// write deadlines.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	select {
	case <-purger.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn("purge job still running at shutdown")
	}
}

func purgeSignals(ctx context.Context, svc *signal.Service, retention time.Duration, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, purgeTimeout)
	defer cancel()
	n, err := svc.PurgeOlderThan(ctx, retention)
	if err != nil {
		log.Error("signal purge failed", "err", err)
		return
	}
	if n > 0 {
		log.Info("signals purged", "count", n, "retention", retention.String())
	}
}
