package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/attempt"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/database"
	"github.com/stemsi/exstem-attempt/internal/handler"
	"github.com/stemsi/exstem-attempt/internal/logger"
	"github.com/stemsi/exstem-attempt/internal/middleware"
	"github.com/stemsi/exstem-attempt/internal/repository"
	"github.com/stemsi/exstem-attempt/internal/router"
	"github.com/stemsi/exstem-attempt/internal/service"
	"github.com/stemsi/exstem-attempt/internal/validator"
	"github.com/stemsi/exstem-attempt/internal/worker"
)

// storeBackend is the attempt store plus the exam repository and expiry
// listing of whichever driver is configured.
type storeBackend interface {
	attempt.Store
	service.ExamDefinitionRepository
	worker.ExpiredAttemptLister
}

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("store", cfg.StoreDriver).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Attempt Service")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := map[string]handler.Pinger{}

	// ─── Open Attempt Store ────────────────────────────────────────────
	var store storeBackend
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		defer pool.Close()
		store = repository.NewPostgresStore(pool)
		deps["store"] = pool.Ping
	case config.DriverSQLite:
		db, err := database.NewSQLiteDB(ctx, cfg.SQLitePath, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open SQLite")
		}
		defer db.Close()
		sqliteStore, err := repository.NewSQLiteStore(ctx, db)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to prepare SQLite schema")
		}
		store = sqliteStore
		deps["store"] = db.PingContext
	default:
		log.Fatal().Str("driver", cfg.StoreDriver).Msg("Unknown STORE_DRIVER")
	}

	// ─── Connect to Redis (optional) ───────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	var publisher attempt.ResultPublisher
	if rdb != nil {
		defer rdb.Close()
		publisher = service.NewResultPublisher(rdb, log)
		deps["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	examService := service.NewExamService(store, rdb, log)

	attempts := attempt.NewService(store, examService, publisher, nil, attempt.Options{
		CheckpointInterval:  cfg.CheckpointInterval,
		CheckpointTimeout:   cfg.CheckpointTimeout,
		SubmitTimeout:       cfg.SubmitTimeout,
		SubmitRetryInterval: cfg.SubmitRetryInterval,
		DisconnectGrace:     cfg.DisconnectGrace,
		RetainFinished:      attempt.DefaultOptions().RetainFinished,
	}, log)

	// ─── Prewarm Exam Cache ───────────────────────────────────────────
	// Load all published exams BEFORE accepting traffic so the first wave of
	// starts does not stampede the store.
	if err := examService.Prewarm(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	if cfg.SweepInterval > 0 {
		sweeper := worker.NewExpirySweeper(store, attempts, cfg.SweepInterval, log)
		if err := sweeper.Start(workerCtx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start expiry sweeper")
		}
	}

	var limiter *middleware.RateLimiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = middleware.NewRateLimiter(workerCtx, cfg.RateLimitPerMinute, time.Minute)
	}

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Participant: handler.NewParticipantHandler(attempts, log),
		WS:          handler.NewWSHandler(attempts, log, cfg.AllowedOrigins),
		Health:      handler.NewHealthHandler(attempts, deps, log),
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, limiter, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop the sweeper, then checkpoint every live session once more.
	// Sessions left unsubmitted resume from that checkpoint on the next start.
	workerCancel()

	checkpointCtx, checkpointCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer checkpointCancel()
	attempts.Shutdown(checkpointCtx)

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
