package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recrutea/proctor-backend/internal/model"
)

func newMachineFixture(t *testing.T, maxAttempts int) (*Machine, *memStore, *fakeSubmitter, *recordingAudit, *model.TestSession) {
	t.Helper()
	store := newMemStore()
	sub := &fakeSubmitter{}
	audit := &recordingAudit{}
	now := newFakeNow(epoch)
	m := NewMachine(store, sub, audit, maxAttempts, now.Now, zerolog.Nop())

	s := model.NewTestSession("key-1", "cand-1", "offer-1", sampleQuestions(4), epoch)
	require.NoError(t, store.Create(context.Background(), s))
	return m, store, sub, audit, s
}

func answerAll(s *model.TestSession, option int) {
	for i, q := range s.Questions {
		s.Answers[i] = model.NewAnswer(option, q.Options[option].Score)
	}
}

func TestMachineCompleteRequiresAllAnswers(t *testing.T) {
	m, store, sub, _, s := newMachineFixture(t, 0)
	s.Answers[0] = model.NewAnswer(1, 2)

	_, err := m.Complete(context.Background(), s)
	assert.ErrorIs(t, err, model.ErrIncomplete)
	assert.Equal(t, 0, sub.storedCount())
	assert.Equal(t, model.SessionStatusInProgress, store.status(s.Key))
}

func TestMachineCompleteDeliversOnce(t *testing.T) {
	m, store, sub, audit, s := newMachineFixture(t, 0)
	answerAll(s, 2)

	out, err := m.Complete(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, out.Won)
	assert.True(t, out.Delivered)
	assert.Equal(t, model.ScreenSuccess, out.Screen)
	assert.Equal(t, 12, out.Score)
	assert.Equal(t, model.SessionStatusCompleted, store.status(s.Key))

	require.Equal(t, 1, sub.storedCount())
	got := sub.last()
	assert.Equal(t, model.BackendStatusCompleted, got.Status)
	assert.Equal(t, 12, got.ScoreTotal)
	assert.Nil(t, got.SecurityViolations)
	assert.Equal(t, 1, audit.snapshots)

	// A second trigger is a no-op.
	out, err = m.Expire(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, out.Won)
	assert.Equal(t, model.SessionStatusCompleted, out.Status)
	assert.Equal(t, 1, sub.storedCount())
}

func TestMachineConcurrentTriggersProduceOneTerminalStatus(t *testing.T) {
	m, store, sub, _, s := newMachineFixture(t, 0)
	answerAll(s, 0)
	require.NoError(t, store.Save(context.Background(), s))

	statuses := []model.SessionStatus{
		model.SessionStatusCompleted,
		model.SessionStatusTimedOut,
		model.SessionStatusDisqualified,
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		seen = map[model.SessionStatus]int{}
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			own, err := store.Load(context.Background(), s.Key)
			if err != nil {
				t.Error(err)
				return
			}
			out, err := m.Terminate(context.Background(), own, statuses[i%len(statuses)])
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if out.Won {
				wins++
			}
			seen[out.Status]++
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Len(t, seen, 1, "every trigger reports the winning status")
	assert.Equal(t, 1, sub.storedCount())
	assert.True(t, store.status(s.Key).IsTerminal())
}

func TestMachineDisqualifyAttachesViolations(t *testing.T) {
	m, _, sub, _, s := newMachineFixture(t, 0)
	s.ViolationCounts[model.ViolationFocusLoss] = 2
	s.ViolationCounts[model.ViolationClipboard] = 1

	out, err := m.Disqualify(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, model.ScreenDisqualified, out.Screen)

	got := sub.last()
	assert.Equal(t, model.BackendStatusDisqualified, got.Status)
	assert.Equal(t, 2, got.SecurityViolations[model.ViolationFocusLoss])
	assert.Equal(t, 1, got.SecurityViolations[model.ViolationClipboard])
}

func TestMachineExpireSubmitsPartialAnswers(t *testing.T) {
	m, _, sub, _, s := newMachineFixture(t, 0)
	s.Answers[1] = model.NewAnswer(2, 3)

	out, err := m.Expire(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, model.ScreenTimeout, out.Screen)

	got := sub.last()
	assert.Equal(t, model.BackendStatusTimedOut, got.Status)
	assert.Equal(t, 3, got.ScoreTotal)
	require.Len(t, got.Answers, 4)
	assert.Nil(t, got.Answers[0].SelectedOptionIndex)
	require.NotNil(t, got.Answers[1].SelectedOptionIndex)
	assert.Equal(t, 2, *got.Answers[1].SelectedOptionIndex)
}

func TestMachineAbandonSendsBeacon(t *testing.T) {
	m, store, sub, audit, s := newMachineFixture(t, 0)

	out, err := m.Abandon(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, model.ScreenAbandoned, out.Screen)
	assert.Equal(t, model.SessionStatusAbandoned, store.status(s.Key))
	assert.Equal(t, 0, sub.storedCount())
	assert.Equal(t, 1, sub.beaconCount())
	assert.Empty(t, audit.redelivered)
}

func TestMachineRejectsNonTerminalTarget(t *testing.T) {
	m, _, _, _, s := newMachineFixture(t, 0)

	_, err := m.Terminate(context.Background(), s, model.SessionStatusInProgress)
	assert.Error(t, err)
}

func TestMachineAlreadyTaken(t *testing.T) {
	m, _, sub, audit, s := newMachineFixture(t, 0)
	sub.errs = []error{fmt.Errorf("%w: duplicate", model.ErrAlreadyTaken)}

	out, err := m.Expire(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, out.AlreadyTaken)
	assert.Equal(t, model.ScreenAlreadyCompleted, out.Screen)
	assert.Equal(t, model.SessionStatusTimedOut, out.Status)
	assert.False(t, out.Pending)
	assert.Empty(t, audit.redelivered)
}

func TestMachineFailedDeliveryIsRetried(t *testing.T) {
	m, store, sub, audit, s := newMachineFixture(t, 3)
	answerAll(s, 1)
	sub.errs = []error{errors.New("connection refused"), errors.New("connection refused")}

	out, err := m.Complete(context.Background(), s)
	require.NoError(t, err, "a delivery failure never blocks the terminal transition")
	assert.Equal(t, model.SessionStatusCompleted, out.Status)
	assert.True(t, out.Pending)
	assert.Equal(t, []string{s.Key}, audit.redelivered)
	assert.True(t, m.CanRetry(s))

	stored, err := store.Load(context.Background(), s.Key)
	require.NoError(t, err)
	assert.True(t, stored.Delivery.Pending)
	assert.Equal(t, 1, stored.Delivery.Attempts)

	out, err = m.Redeliver(context.Background(), stored)
	require.NoError(t, err)
	assert.True(t, out.Pending)
	assert.Len(t, audit.redelivered, 2)

	out, err = m.Redeliver(context.Background(), stored)
	require.NoError(t, err)
	assert.False(t, out.Pending)
	assert.True(t, out.Delivered)
	assert.Len(t, audit.redelivered, 2, "no retry once delivered")
	assert.Equal(t, 3, sub.storedCount())

	// Redelivering a delivered session is a no-op.
	_, err = m.Redeliver(context.Background(), stored)
	require.NoError(t, err)
	assert.Equal(t, 3, sub.storedCount())
}

func TestMachineDeliveryAttemptsExhausted(t *testing.T) {
	m, _, sub, audit, s := newMachineFixture(t, 2)
	boom := errors.New("503")
	sub.errs = []error{boom, boom, boom}

	out, err := m.Expire(context.Background(), s)
	require.NoError(t, err)
	require.True(t, out.Pending)

	out, err = m.Redeliver(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, out.Pending)
	assert.True(t, s.Delivery.Failed)
	assert.Equal(t, model.SessionStatusTimedOut, s.Status, "the session stays terminal")
	assert.False(t, m.CanRetry(s))
	assert.Len(t, audit.redelivered, 1)
}
