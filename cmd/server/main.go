// Package main runs the interview pipeline HTTP server: session streaming,
// segment uploads, report retrieval, websocket push and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wingman-interview/pipeline/config"
	"github.com/wingman-interview/pipeline/internal/analysis"
	"github.com/wingman-interview/pipeline/internal/api"
	"github.com/wingman-interview/pipeline/internal/auth"
	"github.com/wingman-interview/pipeline/internal/events"
	"github.com/wingman-interview/pipeline/internal/middleware"
	"github.com/wingman-interview/pipeline/internal/realtime"
	"github.com/wingman-interview/pipeline/internal/results"
	"github.com/wingman-interview/pipeline/internal/stream"
	"github.com/wingman-interview/pipeline/internal/transcript"
	"github.com/wingman-interview/pipeline/internal/uploader"
	"github.com/wingman-interview/pipeline/pkg/database"
	"github.com/wingman-interview/pipeline/pkg/queue"
	"github.com/wingman-interview/pipeline/pkg/redis"
	"github.com/wingman-interview/pipeline/pkg/storage"
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

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		SegmentsBucket:       cfg.AWS.SegmentsBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	jwtService := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.ExpireMinutes)
	authHandler := auth.NewHandler(jwtService, logger)

	// Outbound credential chain: cached token, refresh, API key.
	var refresher auth.Refresher
	if cfg.Auth.RefreshEndpoint != "" {
		refresher = auth.NewRefreshClient(cfg.Auth.RefreshEndpoint, nil)
	}
	provider := auth.NewProvider(jwtService, refresher, cfg.Auth.APIKey, logger)

	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)
	notifier := realtime.NewNotifier(hub)

	backup := transcript.NewRedisStore(rdb.Client, logger)

	analysisClient := analysis.NewClient(analysis.Config{
		BaseURL:        cfg.Analysis.BaseURL,
		TriggerRetries: cfg.Analysis.TriggerRetries,
		TriggerDelay:   cfg.Analysis.TriggerDelay,
	}, provider, logger)

	uploads := uploader.New(s3Client, analysisClient, provider, uploader.Config{
		SizeThreshold: cfg.Analysis.UploadThreshold,
	}, logger)

	publisher := events.New(events.Config{
		Brokers:         cfg.Kafka.Brokers,
		TopicTranscript: cfg.Kafka.TopicTranscript,
		TopicAnalysis:   cfg.Kafka.TopicAnalysis,
		Enabled:         cfg.Kafka.Enabled,
	}, logger)
	defer publisher.Close()

	repo := results.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	manager := stream.NewManager()

	handler := api.NewHandler(cfg, manager, repo, uploads, analysisClient, s3Client,
		jobQueue, backup, notifier, publisher, logger)

	jwtValidate := func(token string) (string, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", err
		}
		return claims.UserID.String(), nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", handler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Token refresh is public: it accepts expired tokens by design, so the
	// auth middleware cannot gate it.
	router.POST("/auth/refresh", authHandler.Refresh)

	protected := router.Group("")
	protected.Use(middleware.Auth(jwtService, cfg.Auth.APIKeyHash))
	{
		protected.POST("/sessions", handler.CreateSession)
		protected.GET("/sessions/:id", handler.GetSession)
		protected.DELETE("/sessions/:id", handler.DeleteSession)
		protected.POST("/sessions/:id/start", handler.StartSession)
		protected.POST("/sessions/:id/chunks", handler.PushChunk)
		protected.POST("/sessions/:id/stop", handler.StopSession)

		protected.POST("/sessions/:id/webrtc/offer", handler.WebRTCOffer)
		protected.POST("/sessions/:id/webrtc/candidates", handler.WebRTCCandidate)

		protected.POST("/sessions/:id/segments", handler.UploadSegment)
		protected.POST("/sessions/:id/segments/presign", handler.PresignSegment)
		protected.POST("/sessions/:id/segments/confirm", handler.ConfirmSegment)
		protected.GET("/sessions/:id/segments", handler.ListSegments)
		protected.POST("/sessions/:id/analyze", handler.RequestAnalysis)
		protected.GET("/sessions/:id/report", handler.GetReport)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, logger, jwtValidate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
