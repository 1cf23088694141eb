package proctor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/recrutea/proctor-backend/internal/model"
)

// memStore is an in-memory Store with the same check-and-set semantics as
// the Redis store.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*model.TestSession
	saveErr  error
	saves    int

	// interleave, when set, runs once inside the next Save before any
	// check, standing in for a write by another instance.
	interleave func(cur *model.TestSession)
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*model.TestSession)}
}

func (m *memStore) Load(_ context.Context, key string) (*model.TestSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *memStore) Create(_ context.Context, s *model.TestSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.Key]; ok {
		return model.ErrSessionExists
	}
	m.sessions[s.Key] = s.Clone()
	return nil
}

func (m *memStore) Save(_ context.Context, s *model.TestSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	cur, ok := m.sessions[s.Key]
	if !ok {
		return model.ErrSessionNotFound
	}
	if fn := m.interleave; fn != nil {
		m.interleave = nil
		fn(cur)
	}
	if cur.Status != s.Status {
		return model.ErrSessionTerminal
	}
	if cur.Status == model.SessionStatusInProgress && cur.Version != s.Version {
		return model.ErrSessionStale
	}
	m.saves++
	s.Version = cur.Version + 1
	m.sessions[s.Key] = s.Clone()
	return nil
}

func (m *memStore) Transition(_ context.Context, key string, to model.SessionStatus, at time.Time) (bool, model.SessionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[key]
	if !ok {
		return false, "", model.ErrSessionNotFound
	}
	if cur.Status.IsTerminal() {
		return false, cur.Status, nil
	}
	cur.Status = to
	cur.TerminatedAt = &at
	return true, to, nil
}

func (m *memStore) status(key string) model.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s.Status
	}
	return ""
}

// fakeSubmitter records submissions. errs is consumed one per StoreScore
// call; a nil entry or an exhausted list means success.
type fakeSubmitter struct {
	mu      sync.Mutex
	stored  []model.ScoreSubmission
	beacons []model.ScoreSubmission
	errs    []error
}

func (f *fakeSubmitter) StoreScore(_ context.Context, sub model.ScoreSubmission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, sub)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeSubmitter) Beacon(sub model.ScoreSubmission) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beacons = append(f.beacons, sub)
}

func (f *fakeSubmitter) storedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

func (f *fakeSubmitter) beaconCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.beacons)
}

func (f *fakeSubmitter) last() model.ScoreSubmission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored[len(f.stored)-1]
}

type recordingAudit struct {
	mu          sync.Mutex
	violations  []model.Violation
	snapshots   int
	redelivered []string
}

func (a *recordingAudit) RecordViolation(_ context.Context, _ string, v model.Violation, _ time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.violations = append(a.violations, v)
	return nil
}

func (a *recordingAudit) ArchiveSnapshot(context.Context, *model.TestSession) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshots++
	return nil
}

func (a *recordingAudit) ScheduleRedelivery(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.redelivered = append(a.redelivered, key)
	return nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []Event
}

func (e *recordingEvents) Publish(_ context.Context, _ string, ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *recordingEvents) count(t EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// fakeNow is a settable wall clock.
type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeNow(t time.Time) *fakeNow { return &fakeNow{t: t} }

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// sampleQuestions returns n questions of three options scored 1..3.
func sampleQuestions(n int) []model.Question {
	qs := make([]model.Question, n)
	for i := range qs {
		qs[i] = model.Question{
			Trait:  []string{"openness", "rigor"}[i%2],
			Prompt: fmt.Sprintf("Q%d", i+1),
			Options: []model.Option{
				{Text: "low", Score: 1},
				{Text: "mid", Score: 2},
				{Text: "high", Score: 3},
			},
		}
	}
	return qs
}

// fixture wires a full engine around in-memory fakes.
type fixture struct {
	store  *memStore
	sub    *fakeSubmitter
	audit  *recordingAudit
	events *recordingEvents
	now    *fakeNow
	hub    *Hub
}

type fixtureOpts struct {
	requireFullscreen bool
	abandonGrace      time.Duration
	maxAttempts       int
}

func newFixture(opts fixtureOpts) *fixture {
	f := &fixture{
		store:  newMemStore(),
		sub:    &fakeSubmitter{},
		audit:  &recordingAudit{},
		events: &recordingEvents{},
		now:    newFakeNow(epoch),
	}
	f.hub = f.newHub(opts)
	return f
}

// newHub builds another engine over the fixture's shared store and fakes,
// as a second gateway instance would.
func (f *fixture) newHub(opts fixtureOpts) *Hub {
	log := zerolog.Nop()
	machine := NewMachine(f.store, f.sub, f.audit, opts.maxAttempts, f.now.Now, log)
	return NewHub(HubDeps{
		Store:            f.store,
		Clock:            NewClock(420*time.Second, 5*time.Millisecond),
		Monitor:          NewMonitor(2),
		Machine:          machine,
		Navigator:        NewNavigator(f.store, machine, opts.requireFullscreen, f.now.Now),
		Audit:            f.audit,
		Events:           f.events,
		AutosaveInterval: time.Hour,
		AbandonGrace:     opts.abandonGrace,
		Now:              f.now.Now,
		Log:              log,
	})
}

// open creates and attaches a fresh session of n questions.
func (f *fixture) open(key string, n int) *Live {
	s := model.NewTestSession(key, "cand-1", "offer-1", sampleQuestions(n), f.now.Now())
	if err := f.store.Create(context.Background(), s); err != nil {
		panic(err)
	}
	return f.hub.Attach(context.Background(), s)
}
