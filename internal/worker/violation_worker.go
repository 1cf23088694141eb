package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/recrutea/proctor-backend/internal/config"
	"github.com/recrutea/proctor-backend/internal/metrics"
	"github.com/recrutea/proctor-backend/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// ViolationWriter persists integrity audit rows.
type ViolationWriter interface {
	CopyViolations(ctx context.Context, batch []model.ViolationRecord) error
	InsertViolation(ctx context.Context, v model.ViolationRecord) error
}

// ViolationWorker drains the violation queue into the integrity audit table.
type ViolationWorker struct {
	rdb    *redis.Client
	writer ViolationWriter
	log    zerolog.Logger
}

func NewViolationWorker(rdb *redis.Client, writer ViolationWriter, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{
		rdb:    rdb,
		writer: writer,
		log:    log.With().Str("component", "violation_worker").Logger(),
	}
}

func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ViolationWorker started")

	buffer := make([]model.ViolationRecord, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Check Flush Conditions (Time or Size)
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		// 2. Check Context (Graceful Shutdown)
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistViolationsQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var rec model.ViolationRecord
		if err := json.Unmarshal([]byte(result[1]), &rec); err != nil {
			// Malformed records cannot be retried.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed violation record")
			continue
		}
		buffer = append(buffer, rec)
	}
}

// flushSafe attempts a bulk copy, then row-by-row inserts, then requeue.
func (w *ViolationWorker) flushSafe(ctx context.Context, batch []model.ViolationRecord) {
	if len(batch) == 0 {
		return
	}
	queue := config.WorkerKey.PersistViolationsQueue

	err := w.writer.CopyViolations(ctx, batch)
	if err == nil {
		metrics.QueueFlushes.WithLabelValues(queue, "ok").Inc()
		return
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk copy failed, attempting row-by-row recovery")

	failed := make([]model.ViolationRecord, 0)
	for _, rec := range batch {
		if err := w.writer.InsertViolation(ctx, rec); err != nil {
			w.log.Error().Err(err).Str("session_key", rec.SessionKey).Msg("Insert failed, requeueing")
			failed = append(failed, rec)
		}
	}

	if len(failed) == 0 {
		metrics.QueueFlushes.WithLabelValues(queue, "fallback").Inc()
		return
	}
	metrics.QueueFlushes.WithLabelValues(queue, "requeued").Inc()
	requeue(ctx, w.rdb, queue, failed, w.log)
}

func (w *ViolationWorker) shutdown(buffer []model.ViolationRecord) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.flushSafe(shutdownCtx, buffer)
}

// requeue pushes failed items back to the tail of their queue.
func requeue[T any](ctx context.Context, rdb *redis.Client, queue string, items []T, log zerolog.Logger) {
	pipe := rdb.Pipeline()
	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			log.Error().Err(err).Msg("Dropping unencodable item")
			continue
		}
		pipe.RPush(ctx, queue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("queue", queue).Int("count", len(items)).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	log.Info().Str("queue", queue).Int("count", len(items)).Msg("Requeued failed items back to Redis")
}
