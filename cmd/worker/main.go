package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"formaos-export/internal/artifact"
	"formaos-export/internal/backoff"
	"formaos-export/internal/config"
	"formaos-export/internal/export"
	"formaos-export/internal/logging"
	"formaos-export/internal/queue"
	"formaos-export/internal/store"
	"formaos-export/internal/telemetry"
	"formaos-export/internal/throttle"
	"formaos-export/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.Env, "export-worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN, cfg.StaleThreshold)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	signals := queue.New(redisClient)
	limiter := throttle.New(redisClient, cfg.ThrottleMaxActive, cfg.ThrottleHourlyCap, cfg.StaleThreshold)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	var artifacts artifact.Store
	if cfg.S3Bucket != "" {
		artifacts, err = artifact.NewS3Store(ctx, cfg)
		if err != nil {
			logger.Error("init s3 artifact store", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		artifacts = artifact.NewLocalStore(cfg.ArtifactDir, cfg.PublicBaseURL)
	}

	source := export.NewHTTPSource(cfg.ContentBaseURL, cfg.ContentTimeout)
	gen := export.NewBundleGenerator(source, export.NewThumbnailer(cfg.ContentTimeout), logger)

	proc := worker.New(st, gen, artifacts, signals, limiter, worker.Options{
		WorkerID:        workerID,
		PollInterval:    cfg.WorkerPollInterval,
		GenerateTimeout: cfg.GenerateTimeout,
		ArtifactTTL:     cfg.ArtifactTTL,
		Backoff: backoff.Policy{
			Base:   cfg.BackoffBase,
			Cap:    cfg.BackoffCap,
			Jitter: cfg.BackoffJitter,
		},
	}, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()

	logger.Info("worker started",
		slog.String("worker_id", workerID),
		slog.Duration("poll_interval", cfg.WorkerPollInterval),
		slog.Duration("stale_threshold", cfg.StaleThreshold),
	)
	if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
