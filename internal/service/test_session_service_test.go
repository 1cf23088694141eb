package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recrutea/proctor-backend/internal/backend"
	"github.com/recrutea/proctor-backend/internal/model"
	"github.com/recrutea/proctor-backend/internal/proctor"
	"github.com/recrutea/proctor-backend/internal/repository"
)

type fakeEligibility struct {
	mu        sync.Mutex
	calls     int
	questions []model.Question
	err       error
}

func (f *fakeEligibility) GenerateTest(context.Context, string, string) ([]model.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.questions, nil
}

type fakeArchive struct {
	sessions map[string]*model.TestSession
}

func (a *fakeArchive) GetByKey(_ context.Context, key string) (*model.TestSession, error) {
	if s, ok := a.sessions[key]; ok {
		return s.Clone(), nil
	}
	return nil, model.ErrSessionNotFound
}

type fakeSubmitter struct {
	mu     sync.Mutex
	stored []model.ScoreSubmission
}

func (f *fakeSubmitter) StoreScore(_ context.Context, sub model.ScoreSubmission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, sub)
	return nil
}

func (f *fakeSubmitter) Beacon(model.ScoreSubmission) {}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

func testQuestions() []model.Question {
	return []model.Question{
		{Trait: "openness", Prompt: "Q1", Options: []model.Option{{Text: "a", Score: 1}, {Text: "b", Score: 3}}},
		{Trait: "rigor", Prompt: "Q2", Options: []model.Option{{Text: "a", Score: 1}, {Text: "b", Score: 3}}},
	}
}

type serviceFixture struct {
	svc     *TestSessionService
	store   *repository.SessionStore
	elig    *fakeEligibility
	archive *fakeArchive
	sub     *fakeSubmitter
	hub     *proctor.Hub
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := zerolog.Nop()
	store := repository.NewSessionStore(rdb, time.Hour, 24*time.Hour)
	sub := &fakeSubmitter{}
	machine := proctor.NewMachine(store, sub, nil, 3, time.Now, log)
	hub := proctor.NewHub(proctor.HubDeps{
		Store:     store,
		Clock:     proctor.NewClock(420*time.Second, 50*time.Millisecond),
		Monitor:   proctor.NewMonitor(2),
		Machine:   machine,
		Navigator: proctor.NewNavigator(store, machine, false, time.Now),
		Log:       log,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hub.Shutdown(ctx)
	})

	f := &serviceFixture{
		store:   store,
		elig:    &fakeEligibility{questions: testQuestions()},
		archive: &fakeArchive{sessions: map[string]*model.TestSession{}},
		sub:     sub,
		hub:     hub,
	}
	f.svc = NewTestSessionService(hub, store, f.archive, f.elig, nil, NewTokenService("secret", time.Hour), time.UTC, log)
	return f
}

func TestOpenCreatesThenResumes(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, "cand", "offer")
	require.NoError(t, err)
	assert.Equal(t, model.ScreenTest, view.Screen)
	assert.Equal(t, model.SessionStatusInProgress, view.Status)
	assert.NotEmpty(t, view.Token)
	assert.Equal(t, proctor.SessionKey("cand", "offer", time.Now().UTC()), view.SessionKey)
	require.Len(t, view.Questions, 2)
	assert.Equal(t, []string{"a", "b"}, view.Questions[0].Options)
	assert.InDelta(t, 420, view.RemainingSeconds, 2)
	require.NotNil(t, view.DeadlineAt)
	assert.Equal(t, 1, f.hub.Len())

	claims, err := f.svc.tokens.Validate(view.Token, view.SessionKey)
	require.NoError(t, err)
	assert.Equal(t, "cand", claims.CandidateID)

	l, err := f.svc.Live(ctx, view.SessionKey)
	require.NoError(t, err)
	require.NoError(t, l.SelectAnswer(ctx, 0, 1))

	again, err := f.svc.Open(ctx, "cand", "offer")
	require.NoError(t, err)
	assert.Equal(t, view.SessionKey, again.SessionKey)
	require.Len(t, again.SelectedOptions, 2)
	require.NotNil(t, again.SelectedOptions[0])
	assert.Equal(t, 1, *again.SelectedOptions[0])
	assert.Equal(t, 1, f.elig.calls, "a resumed session is not generated again")
}

func TestOpenConcurrentCollapses(t *testing.T) {
	f := newServiceFixture(t)

	var wg sync.WaitGroup
	keys := make([]string, 8)
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := f.svc.Open(context.Background(), "cand", "offer")
			if assert.NoError(t, err) {
				keys[i] = v.SessionKey
			}
		}(i)
	}
	wg.Wait()

	for _, k := range keys {
		assert.Equal(t, keys[0], k)
	}
	assert.Equal(t, 1, f.hub.Len())
}

func TestOpenRejectedByBackend(t *testing.T) {
	f := newServiceFixture(t)
	score := 42.0
	f.elig.err = &backend.RejectionError{Message: "déjà passé", Status: model.BackendStatusCompleted, Score: &score}

	view, err := f.svc.Open(context.Background(), "cand", "offer")
	require.NoError(t, err)
	assert.Equal(t, model.ScreenAlreadyCompleted, view.Screen)
	assert.Empty(t, view.Token)
	require.NotNil(t, view.Score)
	assert.Equal(t, 42.0, *view.Score)
	assert.Equal(t, 0, f.hub.Len())
}

func TestOpenBackendFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.elig.err = errors.New("connection refused")

	_, err := f.svc.Open(context.Background(), "cand", "offer")
	require.Error(t, err)
	assert.Equal(t, 0, f.hub.Len())
}

func TestOpenRecoversFromArchive(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	key := proctor.SessionKey("cand", "offer", time.Now().UTC())

	archived := model.NewTestSession(key, "cand", "offer", testQuestions(), time.Now().Add(-time.Minute))
	archived.Answers[1] = model.NewAnswer(0, 1)
	f.archive.sessions[key] = archived

	view, err := f.svc.Open(ctx, "cand", "offer")
	require.NoError(t, err)
	assert.Equal(t, model.ScreenTest, view.Screen)
	require.NotNil(t, view.SelectedOptions[1])
	assert.Equal(t, 0, f.elig.calls)

	// Written back to the hot store.
	got, err := f.store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AnsweredCount())
}

func TestOpenTerminalFromArchive(t *testing.T) {
	f := newServiceFixture(t)
	key := proctor.SessionKey("cand", "offer", time.Now().UTC())

	done := model.NewTestSession(key, "cand", "offer", testQuestions(), time.Now().Add(-time.Hour))
	done.Status = model.SessionStatusCompleted
	done.Delivery.Delivered = true
	f.archive.sessions[key] = done

	view, err := f.svc.Open(context.Background(), "cand", "offer")
	require.NoError(t, err)
	assert.Equal(t, model.ScreenSuccess, view.Screen)
	require.NotNil(t, view.Outcome)
	assert.True(t, view.Outcome.Delivered)
	assert.Nil(t, view.Questions, "questions are hidden once the test ended")
	assert.Equal(t, 0, f.hub.Len())
	assert.Equal(t, 0, f.sub.count())
}

func TestLiveUnknownSession(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.Live(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)

	assert.ErrorIs(t, f.svc.Redeliver(context.Background(), "nope"), model.ErrSessionNotFound)
}

func TestSweepOverdue(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	overdue := model.NewTestSession("overdue", "cand", "offer", testQuestions(), time.Now().Add(-10*time.Minute))
	overdue.Answers[0] = model.NewAnswer(1, 3)
	require.NoError(t, f.store.Create(ctx, overdue))
	require.NoError(t, f.store.Create(ctx, model.NewTestSession("fresh", "cand2", "offer", testQuestions(), time.Now())))

	n, err := f.svc.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.Load(ctx, "overdue")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusTimedOut, got.Status)
	assert.True(t, got.Delivery.Delivered)
	require.Equal(t, 1, f.sub.count())
	assert.Equal(t, 3, f.sub.stored[0].ScoreTotal)

	got, err = f.store.Load(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusInProgress, got.Status)
}

func TestEvictStale(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Create(ctx, model.NewTestSession("ancient", "cand", "offer", testQuestions(), time.Now().Add(-48*time.Hour))))

	n, err := f.svc.EvictStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.Load(ctx, "ancient")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
}

func TestOpenRetriesPendingDelivery(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	key := proctor.SessionKey("cand", "offer", time.Now().UTC())

	s := model.NewTestSession(key, "cand", "offer", testQuestions(), time.Now().Add(-time.Minute))
	require.NoError(t, f.store.Create(ctx, s))
	_, _, err := f.store.Transition(ctx, key, model.SessionStatusCompleted, time.Now())
	require.NoError(t, err)
	s.Status = model.SessionStatusCompleted
	s.Delivery = model.DeliveryState{Pending: true, Attempts: 1, LastError: "timeout"}
	require.NoError(t, f.store.Save(ctx, s))

	view, err := f.svc.Open(ctx, "cand", "offer")
	require.NoError(t, err)
	require.NotNil(t, view.Outcome)
	assert.True(t, view.Outcome.Delivered)
	assert.False(t, view.Outcome.Pending)
	assert.Equal(t, 1, f.sub.count())
	assert.Equal(t, 0, f.elig.calls)
}

// newInstance builds a second service over the fixture's store with its own
// hub, as another gateway instance or a restarted process would run it.
func (f *serviceFixture) newInstance(t *testing.T, now func() time.Time) *TestSessionService {
	t.Helper()
	log := zerolog.Nop()
	machine := proctor.NewMachine(f.store, f.sub, nil, 3, now, log)
	hub := proctor.NewHub(proctor.HubDeps{
		Store:     f.store,
		Clock:     proctor.NewClock(420*time.Second, 50*time.Millisecond),
		Monitor:   proctor.NewMonitor(2),
		Machine:   machine,
		Navigator: proctor.NewNavigator(f.store, machine, false, now),
		Now:       now,
		Log:       log,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hub.Shutdown(ctx)
	})
	svc := NewTestSessionService(hub, f.store, f.archive, f.elig, nil, NewTokenService("secret", time.Hour), time.UTC, log)
	svc.now = now
	return svc
}

func TestOpenResumesOnAnotherInstance(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.elig.questions = append(testQuestions(), append(testQuestions(), testQuestions()[0])...)

	view, err := f.svc.Open(ctx, "cand", "offer")
	require.NoError(t, err)
	l, err := f.svc.Live(ctx, view.SessionKey)
	require.NoError(t, err)
	for _, q := range []int{0, 2, 4} {
		require.NoError(t, l.SelectAnswer(ctx, q, 1))
	}
	require.NoError(t, l.GoTo(ctx, 3, nil))

	// The first process goes away and the reload lands elsewhere 100s later.
	f.hub.Shutdown(ctx)
	later := time.Now().Add(100 * time.Second)
	other := f.newInstance(t, func() time.Time { return later })

	resumed, err := other.Open(ctx, "cand", "offer")
	require.NoError(t, err)
	assert.Equal(t, view.SessionKey, resumed.SessionKey)
	assert.Equal(t, model.ScreenTest, resumed.Screen)
	assert.Equal(t, 3, resumed.CurrentIndex)
	assert.InDelta(t, 320, resumed.RemainingSeconds, 2, "the deadline is not reset by the reload")
	assert.Equal(t, 1, f.elig.calls)

	require.Len(t, resumed.SelectedOptions, 5)
	for i, opt := range resumed.SelectedOptions {
		if i%2 == 0 {
			require.NotNil(t, opt, "question %d", i)
			assert.Equal(t, 1, *opt)
		} else {
			assert.Nil(t, opt, "question %d", i)
		}
	}

	// The new instance keeps writing on top of the restored answers.
	l2, err := other.Live(ctx, view.SessionKey)
	require.NoError(t, err)
	require.NoError(t, l2.SelectAnswer(ctx, 1, 0))
	stored, err := f.store.Load(ctx, view.SessionKey)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.AnsweredCount())
	assert.Equal(t, 3, stored.CurrentIndex)
}
