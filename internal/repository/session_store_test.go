package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recrutea/proctor-backend/internal/model"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func newSession(key string, started time.Time) *model.TestSession {
	return model.NewTestSession(key, "cand", "offer", []model.Question{
		{Trait: "openness", Prompt: "Q1", Options: []model.Option{{Text: "a", Score: 1}, {Text: "b", Score: 2}}},
		{Trait: "rigor", Prompt: "Q2", Options: []model.Option{{Text: "a", Score: 1}, {Text: "b", Score: 2}}},
	}, started)
}

func TestSessionStoreCreateLoad(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewSessionStore(rdb, time.Hour, 24*time.Hour)
	ctx := context.Background()

	_, err := store.Load(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)

	s := newSession("k1", t0)
	require.NoError(t, store.Create(ctx, s))
	assert.ErrorIs(t, store.Create(ctx, s), model.ErrSessionExists)

	got, err := store.Load(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusInProgress, got.Status)
	assert.True(t, got.StartedAt.Equal(t0))
	assert.Len(t, got.Questions, 2)
	assert.Equal(t, []int{0, 1}, got.UnansweredIndices())
}

func TestSessionStoreSave(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewSessionStore(rdb, time.Hour, 24*time.Hour)
	ctx := context.Background()

	assert.ErrorIs(t, store.Save(ctx, newSession("ghost", t0)), model.ErrSessionNotFound)

	s := newSession("k1", t0)
	require.NoError(t, store.Create(ctx, s))

	s.Answers[0] = model.NewAnswer(1, 2)
	s.CurrentIndex = 1
	require.NoError(t, store.Save(ctx, s))

	got, err := store.Load(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentIndex)
	assert.Equal(t, 2, got.ScoreTotal())

	// A snapshot cannot move the status on its own.
	s.Status = model.SessionStatusCompleted
	assert.ErrorIs(t, store.Save(ctx, s), model.ErrSessionTerminal)
	got, err = store.Load(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusInProgress, got.Status)
}

func TestSessionStoreSaveRejectsStaleSnapshot(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewSessionStore(rdb, time.Hour, 24*time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newSession("k1", t0)))
	first, err := store.Load(ctx, "k1")
	require.NoError(t, err)
	second, err := store.Load(ctx, "k1")
	require.NoError(t, err)

	first.Answers[0] = model.NewAnswer(0, 1)
	require.NoError(t, store.Save(ctx, first))
	assert.Equal(t, int64(1), first.Version)

	// A copy loaded before that write cannot overwrite it.
	second.Answers[1] = model.NewAnswer(1, 2)
	assert.ErrorIs(t, store.Save(ctx, second), model.ErrSessionStale)
	assert.Equal(t, int64(0), second.Version)

	got, err := store.Load(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, []int{1}, got.UnansweredIndices())

	// Reapplied on the fresh copy, the write goes through.
	got.Answers[1] = model.NewAnswer(1, 2)
	require.NoError(t, store.Save(ctx, got))
	got, err = store.Load(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Empty(t, got.UnansweredIndices())

	// Terminal snapshots belong to the transition winner and skip the check.
	_, _, err = store.Transition(ctx, "k1", model.SessionStatusCompleted, t0.Add(time.Minute))
	require.NoError(t, err)
	first.Status = model.SessionStatusCompleted
	first.Delivery.Delivered = true
	require.NoError(t, store.Save(ctx, first))
}

func TestSessionStoreTransitionExactlyOnce(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewSessionStore(rdb, time.Hour, 24*time.Hour)
	ctx := context.Background()

	_, _, err := store.Transition(ctx, "missing", model.SessionStatusCompleted, t0)
	assert.ErrorIs(t, err, model.ErrSessionNotFound)

	require.NoError(t, store.Create(ctx, newSession("k1", t0)))

	targets := []model.SessionStatus{
		model.SessionStatusCompleted,
		model.SessionStatusTimedOut,
		model.SessionStatusDisqualified,
		model.SessionStatusAbandoned,
	}

	var (
		mu      sync.Mutex
		wins    int
		winners []model.SessionStatus
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(to model.SessionStatus) {
			defer wg.Done()
			won, cur, err := store.Transition(ctx, "k1", to, t0.Add(time.Minute))
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if won {
				wins++
			}
			winners = append(winners, cur)
		}(targets[i%len(targets)])
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	for _, w := range winners {
		assert.Equal(t, winners[0], w, "every caller sees the same final status")
	}

	got, err := store.Load(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, winners[0], got.Status)
	require.NotNil(t, got.TerminatedAt)
	assert.Equal(t, t0.Add(time.Minute).UnixMilli(), got.TerminatedAt.UnixMilli())

	// The terminal snapshot can still be saved with the terminal status.
	got.Delivery.Delivered = true
	require.NoError(t, store.Save(ctx, got))
}

func TestSessionStoreCreateReplacesTerminal(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewSessionStore(rdb, time.Hour, 24*time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newSession("k1", t0)))
	_, _, err := store.Transition(ctx, "k1", model.SessionStatusTimedOut, t0.Add(7*time.Minute))
	require.NoError(t, err)

	require.NoError(t, store.Create(ctx, newSession("k1", t0.Add(time.Hour))))
	got, err := store.Load(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusInProgress, got.Status)
	assert.Nil(t, got.TerminatedAt)
}

func TestSessionStoreIndexes(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewSessionStore(rdb, time.Hour, 24*time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newSession("old", t0)))
	require.NoError(t, store.Create(ctx, newSession("mid", t0.Add(5*time.Minute))))
	require.NoError(t, store.Create(ctx, newSession("new", t0.Add(10*time.Minute))))

	keys, err := store.ListStartedBefore(ctx, t0.Add(6*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "mid"}, keys)

	keys, err = store.ListStartedBefore(ctx, t0.Add(6*time.Minute), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, keys)

	// Terminal sessions leave the started index.
	_, _, err = store.Transition(ctx, "old", model.SessionStatusCompleted, t0.Add(3*time.Minute))
	require.NoError(t, err)
	keys, err = store.ListStartedBefore(ctx, t0.Add(6*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"mid"}, keys)

	inProgress, terminal, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), inProgress)
	assert.Equal(t, int64(1), terminal)
}

func TestSessionStoreEvictStale(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewSessionStore(rdb, time.Hour, 24*time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newSession("done", t0)))
	_, _, err := store.Transition(ctx, "done", model.SessionStatusCompleted, t0.Add(5*time.Minute))
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, newSession("stuck", t0.Add(-25*time.Hour))))
	require.NoError(t, store.Create(ctx, newSession("live", t0.Add(time.Hour))))

	evicted, err := store.EvictStale(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stuck"}, evicted, "terminal session still within retention")

	evicted, err = store.EvictStale(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"done"}, evicted)

	_, err = store.Load(ctx, "done")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
	_, err = store.Load(ctx, "live")
	assert.NoError(t, err)

	inProgress, terminal, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inProgress)
	assert.Equal(t, int64(0), terminal)
}
