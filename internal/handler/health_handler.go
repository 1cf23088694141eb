package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/recrutea/proctor-backend/internal/config"
	"github.com/recrutea/proctor-backend/internal/proctor"
	"github.com/recrutea/proctor-backend/internal/repository"
	"github.com/recrutea/proctor-backend/internal/response"
)

const healthTimeout = 2 * time.Second

// HealthHandler reports dependency and session store health.
type HealthHandler struct {
	rdb       *redis.Client
	pool      *pgxpool.Pool
	store     *repository.SessionStore
	hub       *proctor.Hub
	startTime time.Time
	log       zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(rdb *redis.Client, pool *pgxpool.Pool, store *repository.SessionStore, hub *proctor.Hub, log zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		rdb:       rdb,
		pool:      pool,
		store:     store,
		hub:       hub,
		startTime: time.Now(),
		log:       log.With().Str("component", "health_handler").Logger(),
	}
}

type healthStatus struct {
	Status           string           `json:"status"`
	Uptime           string           `json:"uptime"`
	Redis            string           `json:"redis"`
	Postgres         string           `json:"postgres"`
	LiveSessions     int              `json:"live_sessions"`
	InProgress       int64            `json:"in_progress_sessions"`
	RetainedTerminal int64            `json:"retained_terminal_sessions"`
	QueueDepths      map[string]int64 `json:"queue_depths,omitempty"`
}

// Health godoc
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	st := healthStatus{
		Status:       "ok",
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		Redis:        "ok",
		Postgres:     "ok",
		LiveSessions: h.hub.Len(),
	}

	if err := h.rdb.Ping(ctx).Err(); err != nil {
		h.log.Warn().Err(err).Msg("Redis health check failed")
		st.Redis, st.Status = "down", "degraded"
	}
	if err := h.pool.Ping(ctx); err != nil {
		h.log.Warn().Err(err).Msg("PostgreSQL health check failed")
		st.Postgres, st.Status = "down", "degraded"
	}

	if st.Redis == "ok" {
		if inProgress, terminal, err := h.store.Stats(ctx); err == nil {
			st.InProgress, st.RetainedTerminal = inProgress, terminal
		}

		queues := []string{
			config.WorkerKey.PersistViolationsQueue,
			config.WorkerKey.PersistSnapshotsQueue,
			config.WorkerKey.PendingDeliveriesQueue,
		}
		pipe := h.rdb.Pipeline()
		cmds := make([]*redis.IntCmd, len(queues))
		for i, q := range queues {
			cmds[i] = pipe.LLen(ctx, q)
		}
		if _, err := pipe.Exec(ctx); err == nil {
			st.QueueDepths = make(map[string]int64, len(queues))
			for i, q := range queues {
				st.QueueDepths[q] = cmds[i].Val()
			}
		}
	}

	status := http.StatusOK
	if st.Redis != "ok" {
		status = http.StatusServiceUnavailable
	}
	response.Success(c, status, st)
}
