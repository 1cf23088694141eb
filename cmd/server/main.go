package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/recrutea/proctor-backend/internal/backend"
	"github.com/recrutea/proctor-backend/internal/config"
	"github.com/recrutea/proctor-backend/internal/database"
	"github.com/recrutea/proctor-backend/internal/handler"
	"github.com/recrutea/proctor-backend/internal/logger"
	"github.com/recrutea/proctor-backend/internal/middleware"
	"github.com/recrutea/proctor-backend/internal/model"
	"github.com/recrutea/proctor-backend/internal/proctor"
	"github.com/recrutea/proctor-backend/internal/repository"
	"github.com/recrutea/proctor-backend/internal/router"
	"github.com/recrutea/proctor-backend/internal/service"
	"github.com/recrutea/proctor-backend/internal/validator"
	"github.com/recrutea/proctor-backend/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Dur("allowance", cfg.TestAllowance).
		Int("max_violations", cfg.MaxViolations).
		Msg("Starting proctor backend")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	store := repository.NewSessionStore(rdb, cfg.TerminalRetention, cfg.SessionMaxAge)
	queue := repository.NewPersistQueue(rdb, cfg.DeliveryRetryDelay)
	events := repository.NewSessionEvents(rdb)
	archive := repository.NewSessionArchiveRepository(pool)

	backendClient := backend.NewClient(cfg.BackendURL, cfg.BackendTimeout, cfg.BeaconTimeout, log)

	// ─── Initialize Session Engine ─────────────────────────────────────
	clock := proctor.NewClock(cfg.TestAllowance, cfg.TickInterval)
	monitor := proctor.NewMonitor(cfg.MaxViolations)
	monitor.OnViolation(func(key string, v model.Violation) {
		log.Info().
			Str("session_key", key).
			Str("type", string(v.Type)).
			Int("count", v.Count).
			Bool("threshold", v.Threshold).
			Msg("Integrity violation")
	})
	machine := proctor.NewMachine(store, backendClient, queue, cfg.DeliveryMaxAttempts, time.Now, log)
	navigator := proctor.NewNavigator(store, machine, cfg.RequireFullscreen, time.Now)

	hub := proctor.NewHub(proctor.HubDeps{
		Store:            store,
		Clock:            clock,
		Monitor:          monitor,
		Machine:          machine,
		Navigator:        navigator,
		Audit:            queue,
		Events:           events,
		AutosaveInterval: cfg.AutosaveInterval,
		AbandonGrace:     cfg.AbandonGrace,
		Log:              log,
	})

	// ─── Initialize Services ──────────────────────────────────────────
	tokenService := service.NewTokenService(cfg.JWTSecret, cfg.SessionTokenTTL)
	sessionService := service.NewTestSessionService(
		hub, store, archive, backendClient, queue, tokenService, cfg.SessionTimezone, log,
	)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessionService, log),
		WS:      handler.NewWSHandler(sessionService, events, log, cfg.AllowedOrigins),
		Health:  handler.NewHealthHandler(rdb, pool, store, hub, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	startWorker := func(name string, run func(context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			run(workerCtx)
			log.Debug().Str("worker", name).Msg("Worker exited")
		}()
	}

	startWorker("violations", worker.NewViolationWorker(rdb, archive, log).Start)
	startWorker("snapshots", worker.NewSnapshotWorker(rdb, archive, log).Start)
	startWorker("deliveries", worker.NewDeliveryWorker(rdb, sessionService, queue, log).Start)
	startWorker("eviction", worker.NewEvictionWorker(sessionService, cfg.EvictionInterval, log).Start)

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	startWorker("rate_limiter", func(ctx context.Context) { limiter.Run(ctx.Done()) })

	// Expire sessions whose deadline passed while the service was down
	// before accepting traffic.
	if n, err := sessionService.SweepOverdue(ctx); err != nil {
		log.Warn().Err(err).Msg("Startup sweep failed")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("Expired sessions overdue since last run")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(tokenService, limiter, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	// 2. Stop deadline watchers. Sessions stay in the store and are
	// resumed or swept by the next instance.
	hubCtx, hubCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer hubCancel()
	hub.Shutdown(hubCtx)

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Workers did not drain in time")
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
