package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/framesync/api/internal/client"
	"github.com/framesync/api/internal/config"
	"github.com/framesync/api/internal/fingerprint"
	"github.com/framesync/api/internal/handler"
	"github.com/framesync/api/internal/ingest"
	"github.com/framesync/api/internal/middleware"
	"github.com/framesync/api/internal/progress"
	"github.com/framesync/api/internal/scheduler"
	"github.com/framesync/api/internal/store"
	"github.com/framesync/api/internal/syncer"
	"github.com/framesync/api/internal/transcribe"
	"github.com/framesync/api/internal/worker"
	ws "github.com/framesync/api/internal/websocket"
	"github.com/framesync/api/pkg/logger"
)

// @title          FrameSync API
// @version        1.0
// @description    Batch ingestion and synchronization service for multi-camera video evidence.
// @host           localhost:8000
// @BasePath       /
// @schemes        http https
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger, err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Server.Env,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slogger.Warn("redis not available", "addr", cfg.Redis.Addr, "error", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// Durable state, event bus, WebSocket hub
	st := store.New(redisClient, time.Duration(cfg.Pipeline.EventRetention)*time.Hour)
	bus := progress.NewBus(st)
	hub := ws.NewHub(bus)

	// Initialize object storage (optional - continues if not configured)
	var storage client.StorageClient
	if cfg.Storage.AccessKeyID != "" && cfg.Storage.SecretAccessKey != "" {
		s3Client, err := client.NewS3Client(&cfg.Storage)
		if err != nil {
			slogger.Warn("object storage not initialized", "error", err)
		} else {
			storage = s3Client
		}
	} else {
		slogger.Info("object storage not configured, keeping audio local only")
	}

	// Initialize STT client (optional - service falls back to mock)
	sttClient := client.NewSTTClient(&cfg.Transcribe)
	if !sttClient.IsConfigured() {
		slogger.Info("stt service not configured, using mock transcription")
	}

	// Pipeline components
	ingestor := ingest.New(cfg.Ingest, storage)
	engine := fingerprint.NewEngine(cfg.Fingerprint)
	coordinator := syncer.NewCoordinator(engine, cfg.Fingerprint)
	transcriber := transcribe.NewService(sttClient, cfg.Transcribe)
	enqueuer := scheduler.NewEnqueuer(asynqClient, cfg.Pipeline)
	sched := scheduler.New(st, ingestor, enqueuer, bus)

	// Initialize handlers
	batchHandler := handler.NewBatchHandler(sched, validate)
	fileHandler := handler.NewFileHandler(sched)

	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app. The body limit covers a full batch of maximum
	// sized files.
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    int(cfg.Ingest.MaxFileSizeMB) * 1024 * 1024 * cfg.Ingest.MaxBatchFiles,
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams}\n"
	}
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":   redisClient.Ping(c.Context()).Err() == nil,
				"stt":     sttClient.IsConfigured(),
				"storage": storage != nil,
			},
		})
	})

	// Prometheus metrics
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// API routes
	api := app.Group("/api")

	batches := api.Group("/batches")
	batches.Post("/", rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour), batchHandler.Submit)
	batches.Get("/", batchHandler.List)
	batches.Get("/:batchId", batchHandler.Status)
	batches.Post("/:batchId/cancel", batchHandler.Cancel)
	batches.Get("/:batchId/sync", batchHandler.Sync)

	files := api.Group("/files")
	files.Post("/:fileId/retry", rateLimiter.RetryLimit(cfg.RateLimit.RetryPerHour), fileHandler.Retry)
	files.Get("/:fileId/transcript", fileHandler.Transcript)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/batches/:batchId", websocket.New(func(c *websocket.Conn) {
		batchID := c.Params("batchId")
		fromSeq, _ := strconv.ParseInt(c.Query("from", "0"), 10, 64)
		hub.HandleConnection(c, batchID, fromSeq)
	}))

	// Start Asynq worker server
	go startWorkerServer(cfg, st, ingestor, engine, coordinator, transcriber, enqueuer, bus)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		slogger.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			slogger.Error("server shutdown error", "error", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	slogger.Info("server starting", "addr", addr, "env", cfg.Server.Env)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(
	cfg *config.Config,
	st *store.Store,
	ingestor *ingest.Ingestor,
	engine *fingerprint.Engine,
	coordinator *syncer.Coordinator,
	transcriber *transcribe.Service,
	enqueuer *scheduler.Enqueuer,
	bus *progress.Bus,
) {
	asynqLogLevel := asynq.InfoLevel
	switch {
	case strings.EqualFold(cfg.Log.Level, "debug"):
		asynqLogLevel = asynq.DebugLevel
	case strings.EqualFold(cfg.Log.Level, "warn"):
		asynqLogLevel = asynq.WarnLevel
	case strings.EqualFold(cfg.Log.Level, "error"):
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: cfg.Pipeline.Concurrency,
			Queues: map[string]int{
				scheduler.QueuePipeline: 10,
			},
			LogLevel: asynqLogLevel,
		},
	)

	pipelineWorker := worker.NewPipelineWorker(st, ingestor, engine, transcriber, enqueuer, bus)
	batchWorker := worker.NewBatchWorker(st, coordinator, bus)

	mux := asynq.NewServeMux()
	mux.HandleFunc(scheduler.TaskTypeExtract, pipelineWorker.HandleExtract)
	mux.HandleFunc(scheduler.TaskTypeFingerprint, pipelineWorker.HandleFingerprint)
	mux.HandleFunc(scheduler.TaskTypeTranscribe, pipelineWorker.HandleTranscribe)
	mux.HandleFunc(scheduler.TaskTypeResolve, batchWorker.HandleResolve)
	mux.HandleFunc(scheduler.TaskTypeFinalize, batchWorker.HandleFinalize)

	if err := srv.Run(mux); err != nil {
		logger.L().Error("asynq worker error", "error", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
