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
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"mbtiQuiz/internal/api"
	"mbtiQuiz/internal/auth"
	"mbtiQuiz/internal/config"
	"mbtiQuiz/internal/database"
	"mbtiQuiz/internal/notify"
	"mbtiQuiz/internal/predict"
	"mbtiQuiz/internal/storage"
)

func main() {
	cfg := config.MustLoad()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	logger.Info("database connection ready",
		slog.String("driver", cfg.Database.Driver),
		slog.String("host", cfg.Database.Host),
		slog.String("db", cfg.Database.Name),
	)

	if err := database.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := database.SeedReferenceData(ctx, db); err != nil {
		return fmt.Errorf("seed reference data: %w", err)
	}
	logger.Info("database migrated and seeded")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password})
	defer asynqClient.Close()

	storageClient, err := storage.NewClient(cfg.MinIO)
	if err != nil {
		return fmt.Errorf("init storage client: %w", err)
	}
	logger.Info("storage client ready", slog.String("bucket", cfg.MinIO.Bucket))

	classifier, err := predict.NewONNXClassifier(cfg.Inference)
	if err != nil {
		return fmt.Errorf("load classifier: %w", err)
	}
	defer classifier.Close()
	logger.Info("classifier loaded", slog.String("model", cfg.Inference.ModelPath))

	authService, err := auth.NewAuthService([]byte(cfg.Auth.Secret), cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("init auth service: %w", err)
	}

	deps := api.Dependencies{
		Config:      cfg,
		DB:          db,
		AuthService: authService,
		Revocations: auth.NewRedisRevocationStore(redisClient),
		Redis:       redisClient,
		Storage:     storageClient,
		Queue:       asynqClient,
		Predictor:   predict.NewPredictor(classifier),
		Publisher:   notify.NewRedisPublisher(redisClient),
		Logger:      logger,
	}
	if cfg.Clamd.Addr != "" {
		deps.Scanner = api.NewClamdScanner(cfg.Clamd.Addr)
		logger.Info("virus scanning enabled", slog.String("clamd_addr", cfg.Clamd.Addr))
	}

	router := api.NewRouter(cfg, db, logger)
	api.RegisterRoutes(router, deps)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
