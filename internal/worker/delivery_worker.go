package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/recrutea/proctor-backend/internal/config"
	"github.com/recrutea/proctor-backend/internal/model"
)

// Redeliverer retries the pending submission of one session. It schedules
// the next attempt itself while delivery stays pending.
type Redeliverer interface {
	Redeliver(ctx context.Context, key string) error
}

// RedeliveryScheduler queues a retry after the configured delay.
type RedeliveryScheduler interface {
	ScheduleRedelivery(ctx context.Context, key string) error
}

// DeliveryWorker retries backend submissions that failed at termination.
type DeliveryWorker struct {
	rdb       *redis.Client
	sessions  Redeliverer
	scheduler RedeliveryScheduler
	now       func() time.Time
	log       zerolog.Logger
}

func NewDeliveryWorker(rdb *redis.Client, sessions Redeliverer, scheduler RedeliveryScheduler, log zerolog.Logger) *DeliveryWorker {
	return &DeliveryWorker{
		rdb:       rdb,
		sessions:  sessions,
		scheduler: scheduler,
		now:       time.Now,
		log:       log.With().Str("component", "delivery_worker").Logger(),
	}
}

func (w *DeliveryWorker) Start(ctx context.Context) {
	w.log.Info().Msg("DeliveryWorker started")

	for {
		if ctx.Err() != nil {
			w.log.Info().Msg("DeliveryWorker stopped")
			return
		}

		item, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PendingDeliveriesQueue).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
				time.Sleep(3 * time.Second)
			}
			continue
		}
		if len(item) < 2 {
			continue
		}

		var rec model.RedeliveryRecord
		if err := json.Unmarshal([]byte(item[1]), &rec); err != nil || rec.SessionKey == "" {
			w.log.Error().Err(err).Str("data", item[1]).Msg("Discarding malformed redelivery record")
			continue
		}

		if wait := w.process(ctx, rec, item[1]); wait > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
		}
	}
}

// process handles one record and returns how long to back off before the
// next pop.
func (w *DeliveryWorker) process(ctx context.Context, rec model.RedeliveryRecord, raw string) time.Duration {
	now := w.now()
	if !rec.Due(now) {
		// Not yet due: put it back at the head and wait for it.
		if err := w.rdb.LPush(context.WithoutCancel(ctx), config.WorkerKey.PendingDeliveriesQueue, raw).Err(); err != nil {
			w.log.Error().Err(err).Str("session_key", rec.SessionKey).Msg("CRITICAL: Failed to requeue redelivery")
		}
		wait := time.UnixMilli(rec.NotBefore).Sub(now)
		if wait > PollTimeout {
			wait = PollTimeout
		}
		return wait
	}

	log := w.log.With().Str("session_key", rec.SessionKey).Logger()
	err := w.sessions.Redeliver(ctx, rec.SessionKey)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, model.ErrSessionNotFound):
		log.Warn().Msg("Session evicted before redelivery, dropping")
		return 0
	default:
		log.Error().Err(err).Msg("Redelivery failed, rescheduling")
		if err := w.scheduler.ScheduleRedelivery(context.WithoutCancel(ctx), rec.SessionKey); err != nil {
			log.Error().Err(err).Msg("CRITICAL: Failed to reschedule redelivery")
		}
		return 0
	}
}
