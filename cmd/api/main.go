package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"formaos-export/internal/api"
	"formaos-export/internal/artifact"
	"formaos-export/internal/config"
	"formaos-export/internal/logging"
	"formaos-export/internal/queue"
	"formaos-export/internal/store"
	"formaos-export/internal/throttle"
	"formaos-export/internal/token"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.Env, "export-api")

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

	tokens, err := token.NewIssuer(cfg.TokenSecret, cfg.TokenTTL)
	if err != nil {
		logger.Error("init token issuer", slog.Any("error", err))
		os.Exit(1)
	}

	var artifacts artifact.Store
	artifactDir := ""
	if cfg.S3Bucket != "" {
		s3Store, err := artifact.NewS3Store(ctx, cfg)
		if err != nil {
			logger.Error("init s3 artifact store", slog.Any("error", err))
			os.Exit(1)
		}
		artifacts = s3Store
	} else {
		local := artifact.NewLocalStore(cfg.ArtifactDir, cfg.PublicBaseURL)
		artifacts = local
		artifactDir = local.BaseDir()
	}

	server := api.New(st, signals, limiter, artifacts, tokens, api.Options{
		MaxAttempts:   cfg.MaxAttempts,
		TokenTTL:      cfg.TokenTTL,
		PublicBaseURL: cfg.PublicBaseURL,
		ArtifactDir:   artifactDir,
	}, logger)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", slog.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", slog.Any("error", err))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
