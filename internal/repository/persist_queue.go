package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/recrutea/proctor-backend/internal/config"
	"github.com/recrutea/proctor-backend/internal/model"
)

// PersistQueue hands audit records to the background workers through Redis
// lists. Pushing is cheap and keeps Postgres off the hot path of a live
// session.
type PersistQueue struct {
	rdb        *redis.Client
	retryDelay time.Duration
	now        func() time.Time
}

// NewPersistQueue creates a PersistQueue. Redeliveries become due
// retryDelay after they are scheduled.
func NewPersistQueue(rdb *redis.Client, retryDelay time.Duration) *PersistQueue {
	return &PersistQueue{rdb: rdb, retryDelay: retryDelay, now: time.Now}
}

// RecordViolation queues one violation for the integrity audit table.
func (q *PersistQueue) RecordViolation(ctx context.Context, key string, v model.Violation, at time.Time) error {
	return q.push(ctx, config.WorkerKey.PersistViolationsQueue, model.ViolationRecord{
		SessionKey: key,
		Type:       v.Type,
		Count:      v.Count,
		Threshold:  v.Threshold,
		Detail:     v.Detail,
		RecordedAt: at.UnixMilli(),
	})
}

// ArchiveSnapshot queues an upsert of the session into the archive.
func (q *PersistQueue) ArchiveSnapshot(ctx context.Context, s *model.TestSession) error {
	return q.push(ctx, config.WorkerKey.PersistSnapshotsQueue, model.SnapshotRecord{
		Session:    s,
		ArchivedAt: q.now().UnixMilli(),
	})
}

// ScheduleRedelivery queues a retry of the session's pending submission.
func (q *PersistQueue) ScheduleRedelivery(ctx context.Context, key string) error {
	return q.requeueDelivery(ctx, model.RedeliveryRecord{
		SessionKey: key,
		NotBefore:  q.now().Add(q.retryDelay).UnixMilli(),
	})
}

func (q *PersistQueue) requeueDelivery(ctx context.Context, rec model.RedeliveryRecord) error {
	return q.push(ctx, config.WorkerKey.PendingDeliveriesQueue, rec)
}

func (q *PersistQueue) push(ctx context.Context, queue string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s item: %w", queue, err)
	}
	if err := q.rdb.RPush(ctx, queue, data).Err(); err != nil {
		return fmt.Errorf("push %s: %w", queue, err)
	}
	return nil
}
