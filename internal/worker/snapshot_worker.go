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
	SnapshotBatchSize    = 50
	SnapshotBatchTimeout = 2 * time.Second
	SnapshotPollTimeout  = 1 * time.Second
)

// SnapshotWriter upserts session snapshots into the archive.
type SnapshotWriter interface {
	UpsertSnapshots(ctx context.Context, batch []model.SnapshotRecord) error
	UpsertSnapshot(ctx context.Context, rec model.SnapshotRecord) error
}

type SnapshotWorker struct {
	rdb    *redis.Client
	writer SnapshotWriter
	log    zerolog.Logger
}

func NewSnapshotWorker(rdb *redis.Client, writer SnapshotWriter, log zerolog.Logger) *SnapshotWorker {
	return &SnapshotWorker{
		rdb:    rdb,
		writer: writer,
		log:    log.With().Str("component", "snapshot_worker").Logger(),
	}
}

// ----------------------------------------------------------------
// Worker loop with batching
// ----------------------------------------------------------------

func (w *SnapshotWorker) Start(ctx context.Context) {
	w.log.Info().Msg("SnapshotWorker started")

	batch := make([]model.SnapshotRecord, 0, SnapshotBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= SnapshotBatchSize || time.Since(lastFlush) >= SnapshotBatchTimeout) {

			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flushSafe(flushCtx, batch)
			cancel()
			return

		default:
			item, err := w.rdb.BLPop(ctx, SnapshotPollTimeout, config.WorkerKey.PersistSnapshotsQueue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
					time.Sleep(time.Second)
				}
				continue
			}
			if len(item) < 2 {
				continue
			}

			var rec model.SnapshotRecord
			if err := json.Unmarshal([]byte(item[1]), &rec); err != nil || rec.Session == nil {
				w.log.Error().Err(err).Msg("Invalid snapshot payload")
				continue
			}
			batch = append(batch, rec)
		}
	}
}

// ----------------------------------------------------------------
// Batch upsert with per-row fallback
// ----------------------------------------------------------------

func (w *SnapshotWorker) flushSafe(ctx context.Context, batch []model.SnapshotRecord) {
	if len(batch) == 0 {
		return
	}
	queue := config.WorkerKey.PersistSnapshotsQueue
	latest := latestPerSession(batch)

	err := w.writer.UpsertSnapshots(ctx, latest)
	if err == nil {
		metrics.QueueFlushes.WithLabelValues(queue, "ok").Inc()
		return
	}
	w.log.Warn().Err(err).Int("count", len(latest)).Msg("Bulk snapshot upsert failed, using fallback")

	failed := make([]model.SnapshotRecord, 0)
	for _, rec := range latest {
		if err := w.writer.UpsertSnapshot(ctx, rec); err != nil {
			w.log.Error().Err(err).Str("session_key", rec.Session.Key).Msg("UpsertSnapshot failed, requeueing")
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

// latestPerSession keeps the newest snapshot of each session, in first-seen
// order. A single upsert statement cannot touch the same row twice.
func latestPerSession(batch []model.SnapshotRecord) []model.SnapshotRecord {
	idx := make(map[string]int, len(batch))
	out := make([]model.SnapshotRecord, 0, len(batch))
	for _, rec := range batch {
		key := rec.Session.Key
		i, seen := idx[key]
		if !seen {
			idx[key] = len(out)
			out = append(out, rec)
			continue
		}
		if rec.ArchivedAt >= out[i].ArchivedAt {
			out[i] = rec
		}
	}
	return out
}
