// Package main runs the background analysis worker: it consumes polling jobs
// from Redis, waits for remote analysis results and persists the reports.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wingman-interview/pipeline/config"
	"github.com/wingman-interview/pipeline/internal/analysis"
	"github.com/wingman-interview/pipeline/internal/auth"
	"github.com/wingman-interview/pipeline/internal/events"
	"github.com/wingman-interview/pipeline/internal/poller"
	"github.com/wingman-interview/pipeline/internal/realtime"
	"github.com/wingman-interview/pipeline/internal/results"
	"github.com/wingman-interview/pipeline/internal/worker"
	"github.com/wingman-interview/pipeline/pkg/database"
	"github.com/wingman-interview/pipeline/pkg/queue"
	"github.com/wingman-interview/pipeline/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jwtService := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.ExpireMinutes)
	var refresher auth.Refresher
	if cfg.Auth.RefreshEndpoint != "" {
		refresher = auth.NewRefreshClient(cfg.Auth.RefreshEndpoint, nil)
	}
	provider := auth.NewProvider(jwtService, refresher, cfg.Auth.APIKey, logger)

	analysisClient := analysis.NewClient(analysis.Config{
		BaseURL:        cfg.Analysis.BaseURL,
		TriggerRetries: cfg.Analysis.TriggerRetries,
		TriggerDelay:   cfg.Analysis.TriggerDelay,
	}, provider, logger)

	pollWaiter := poller.New(analysisClient, analysis.NewAggregator(logger), poller.Config{
		BaseInterval: cfg.Analysis.PollBase,
		Multiplier:   cfg.Analysis.PollMultiplier,
		MaxInterval:  cfg.Analysis.PollCap,
		Ceiling:      cfg.Analysis.PollCeiling,
		StallTimeout: cfg.Analysis.StallTimeout,
	}, logger)

	publisher := events.New(events.Config{
		Brokers:         cfg.Kafka.Brokers,
		TopicTranscript: cfg.Kafka.TopicTranscript,
		TopicAnalysis:   cfg.Kafka.TopicAnalysis,
		Enabled:         cfg.Kafka.Enabled,
	}, logger)
	defer publisher.Close()

	// Reports reach websocket observers on other instances via Redis pub/sub.
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)
	notifier := realtime.NewNotifier(hub)

	repo := results.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewAnalysisProcessor(repo, pollWaiter, jobQueue, publisher, notifier, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go processor.Run(workerCtx)
	logger.Info("analysis worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
