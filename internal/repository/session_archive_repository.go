package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recrutea/proctor-backend/internal/model"
)

// SessionArchiveRepository is the durable Postgres copy of every session and
// its integrity audit trail. The hot store falls back to it when a session
// is missing from Redis.
type SessionArchiveRepository struct {
	pool *pgxpool.Pool
}

// NewSessionArchiveRepository creates a new SessionArchiveRepository.
func NewSessionArchiveRepository(pool *pgxpool.Pool) *SessionArchiveRepository {
	return &SessionArchiveRepository{pool: pool}
}

// GetByKey returns the archived snapshot of a session.
func (r *SessionArchiveRepository) GetByKey(ctx context.Context, key string) (*model.TestSession, error) {
	var (
		raw          []byte
		status       string
		terminatedAt *time.Time
	)
	err := r.pool.QueryRow(ctx,
		`SELECT snapshot, status, terminated_at
		 FROM test_sessions
		 WHERE session_key = $1`, key,
	).Scan(&raw, &status, &terminatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrSessionNotFound
		}
		return nil, err
	}

	var s model.TestSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode archived session %s: %w", key, err)
	}
	s.Status = model.SessionStatus(status)
	if s.TerminatedAt == nil {
		s.TerminatedAt = terminatedAt
	}
	if s.ViolationCounts == nil {
		s.ViolationCounts = make(map[model.ViolationType]int)
	}
	return &s, nil
}

// upsertGuard keeps the archive monotonic: an older snapshot never replaces
// a newer one and an in-progress snapshot never replaces a terminal one.
const upsertGuard = `
	WHERE EXCLUDED.archived_at >= test_sessions.archived_at
	  AND (test_sessions.status = 'in_progress' OR EXCLUDED.status <> 'in_progress')`

// UpsertSnapshots archives a batch of snapshots with a single statement.
// Keys must be unique within the batch.
func (r *SessionArchiveRepository) UpsertSnapshots(ctx context.Context, batch []model.SnapshotRecord) error {
	n := len(batch)
	keys := make([]string, 0, n)
	candidates := make([]string, 0, n)
	offers := make([]string, 0, n)
	statuses := make([]string, 0, n)
	startedAts := make([]time.Time, 0, n)
	terminatedAts := make([]*time.Time, 0, n)
	scores := make([]int32, 0, n)
	answered := make([]int32, 0, n)
	totals := make([]int32, 0, n)
	snapshots := make([]string, 0, n)
	attempts := make([]int32, 0, n)
	pendings := make([]bool, 0, n)
	faileds := make([]bool, 0, n)
	lastErrors := make([]*string, 0, n)
	archivedAts := make([]time.Time, 0, n)

	for _, rec := range batch {
		s := rec.Session
		raw, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode snapshot %s: %w", s.Key, err)
		}
		keys = append(keys, s.Key)
		candidates = append(candidates, s.CandidateID)
		offers = append(offers, s.OfferID)
		statuses = append(statuses, string(s.Status))
		startedAts = append(startedAts, s.StartedAt)
		terminatedAts = append(terminatedAts, s.TerminatedAt)
		scores = append(scores, int32(s.ScoreTotal()))
		answered = append(answered, int32(s.AnsweredCount()))
		totals = append(totals, int32(len(s.Questions)))
		snapshots = append(snapshots, string(raw))
		attempts = append(attempts, int32(s.Delivery.Attempts))
		pendings = append(pendings, s.Delivery.Pending)
		faileds = append(faileds, s.Delivery.Failed)
		lastErrors = append(lastErrors, nullableString(s.Delivery.LastError))
		archivedAts = append(archivedAts, time.UnixMilli(rec.ArchivedAt))
	}

	query := `
		INSERT INTO test_sessions (
			session_key, candidate_id, offer_id, status, started_at, terminated_at,
			score_total, answered_count, question_count, snapshot,
			delivery_attempts, delivery_pending, delivery_failed, delivery_last_error, archived_at
		)
		SELECT u.session_key, u.candidate_id, u.offer_id, u.status, u.started_at, u.terminated_at,
		       u.score_total, u.answered_count, u.question_count, u.snapshot::jsonb,
		       u.delivery_attempts, u.delivery_pending, u.delivery_failed, u.delivery_last_error, u.archived_at
		FROM UNNEST(
			$1::text[], $2::text[], $3::text[], $4::text[], $5::timestamptz[], $6::timestamptz[],
			$7::int[], $8::int[], $9::int[], $10::text[],
			$11::int[], $12::bool[], $13::bool[], $14::text[], $15::timestamptz[]
		) AS u (
			session_key, candidate_id, offer_id, status, started_at, terminated_at,
			score_total, answered_count, question_count, snapshot,
			delivery_attempts, delivery_pending, delivery_failed, delivery_last_error, archived_at
		)
		ON CONFLICT (session_key) DO UPDATE SET
			status = EXCLUDED.status,
			terminated_at = EXCLUDED.terminated_at,
			score_total = EXCLUDED.score_total,
			answered_count = EXCLUDED.answered_count,
			question_count = EXCLUDED.question_count,
			snapshot = EXCLUDED.snapshot,
			delivery_attempts = EXCLUDED.delivery_attempts,
			delivery_pending = EXCLUDED.delivery_pending,
			delivery_failed = EXCLUDED.delivery_failed,
			delivery_last_error = EXCLUDED.delivery_last_error,
			archived_at = EXCLUDED.archived_at` + upsertGuard

	_, err := r.pool.Exec(ctx, query,
		keys, candidates, offers, statuses, startedAts, terminatedAts,
		scores, answered, totals, snapshots,
		attempts, pendings, faileds, lastErrors, archivedAts,
	)
	return err
}

// UpsertSnapshot archives one snapshot. Used as the row-by-row fallback.
func (r *SessionArchiveRepository) UpsertSnapshot(ctx context.Context, rec model.SnapshotRecord) error {
	s := rec.Session
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", s.Key, err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO test_sessions (
			session_key, candidate_id, offer_id, status, started_at, terminated_at,
			score_total, answered_count, question_count, snapshot,
			delivery_attempts, delivery_pending, delivery_failed, delivery_last_error, archived_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12, $13, $14, $15)
		 ON CONFLICT (session_key) DO UPDATE SET
			status = EXCLUDED.status,
			terminated_at = EXCLUDED.terminated_at,
			score_total = EXCLUDED.score_total,
			answered_count = EXCLUDED.answered_count,
			question_count = EXCLUDED.question_count,
			snapshot = EXCLUDED.snapshot,
			delivery_attempts = EXCLUDED.delivery_attempts,
			delivery_pending = EXCLUDED.delivery_pending,
			delivery_failed = EXCLUDED.delivery_failed,
			delivery_last_error = EXCLUDED.delivery_last_error,
			archived_at = EXCLUDED.archived_at`+upsertGuard,
		s.Key, s.CandidateID, s.OfferID, string(s.Status), s.StartedAt, s.TerminatedAt,
		s.ScoreTotal(), s.AnsweredCount(), len(s.Questions), string(raw),
		s.Delivery.Attempts, s.Delivery.Pending, s.Delivery.Failed, nullableString(s.Delivery.LastError),
		time.UnixMilli(rec.ArchivedAt),
	)
	return err
}

// CopyViolations bulk-inserts integrity violation records.
func (r *SessionArchiveRepository) CopyViolations(ctx context.Context, batch []model.ViolationRecord) error {
	rows := make([][]any, 0, len(batch))
	for _, v := range batch {
		rows = append(rows, []any{
			v.SessionKey, string(v.Type), v.Count, v.Threshold, nullableString(v.Detail), time.UnixMilli(v.RecordedAt),
		})
	}

	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"integrity_violations"},
		[]string{"session_key", "violation_type", "running_count", "threshold_exceeded", "detail", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// InsertViolation inserts a single integrity violation record.
func (r *SessionArchiveRepository) InsertViolation(ctx context.Context, v model.ViolationRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO integrity_violations
		 (session_key, violation_type, running_count, threshold_exceeded, detail, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		v.SessionKey, string(v.Type), v.Count, v.Threshold, nullableString(v.Detail), time.UnixMilli(v.RecordedAt),
	)
	return err
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
