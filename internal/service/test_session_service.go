package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/recrutea/proctor-backend/internal/backend"
	"github.com/recrutea/proctor-backend/internal/metrics"
	"github.com/recrutea/proctor-backend/internal/model"
	"github.com/recrutea/proctor-backend/internal/proctor"
)

// sweepBatch bounds how many overdue sessions one sweep expires.
const sweepBatch = 200

// SessionStore is the hot store as the service needs it.
type SessionStore interface {
	proctor.Store
	ListStartedBefore(ctx context.Context, before time.Time, limit int64) ([]string, error)
	EvictStale(ctx context.Context, now time.Time) ([]string, error)
}

// Eligibility asks the backend for a candidate's test. A refusal is
// reported as *backend.RejectionError.
type Eligibility interface {
	GenerateTest(ctx context.Context, candidateID, offerID string) ([]model.Question, error)
}

// Archive is the durable fallback read when the hot store misses.
type Archive interface {
	GetByKey(ctx context.Context, key string) (*model.TestSession, error)
}

// QuestionView is a question as shown to the candidate. Option scores and
// traits never leave the gateway.
type QuestionView struct {
	Prompt  string   `json:"question"`
	Options []string `json:"options"`
}

// SessionView is what the browser renders.
type SessionView struct {
	SessionKey        string                      `json:"session_key,omitempty"`
	Token             string                      `json:"token,omitempty"`
	Screen            model.Screen                `json:"screen"`
	Status            model.SessionStatus         `json:"status,omitempty"`
	RemainingSeconds  float64                     `json:"remaining_seconds"`
	DeadlineAt        *time.Time                  `json:"deadline_at,omitempty"`
	CurrentIndex      int                         `json:"current_index"`
	Questions         []QuestionView              `json:"questions,omitempty"`
	SelectedOptions   []*int                      `json:"selected_options,omitempty"`
	ViolationCounts   map[model.ViolationType]int `json:"violation_counts,omitempty"`
	FullscreenEngaged bool                        `json:"fullscreen_engaged"`
	Outcome           *proctor.Outcome            `json:"outcome,omitempty"`
	Score             *float64                    `json:"score,omitempty"`
	Message           string                      `json:"message,omitempty"`
}

// TestSessionService opens sessions and resolves their live runtimes.
type TestSessionService struct {
	hub         *proctor.Hub
	store       SessionStore
	archive     Archive
	eligibility Eligibility
	audit       proctor.AuditSink
	tokens      *TokenService
	location    *time.Location
	now         func() time.Time
	log         zerolog.Logger

	opens singleflight.Group
}

// NewTestSessionService creates a new TestSessionService. archive and audit
// may be nil.
func NewTestSessionService(
	hub *proctor.Hub,
	store SessionStore,
	archive Archive,
	eligibility Eligibility,
	audit proctor.AuditSink,
	tokens *TokenService,
	location *time.Location,
	log zerolog.Logger,
) *TestSessionService {
	if location == nil {
		location = time.UTC
	}
	return &TestSessionService{
		hub:         hub,
		store:       store,
		archive:     archive,
		eligibility: eligibility,
		audit:       audit,
		tokens:      tokens,
		location:    location,
		now:         time.Now,
		log:         log.With().Str("component", "test_session_service").Logger(),
	}
}

// Open starts or resumes the candidate's test for the current day.
// Concurrent opens of the same session collapse into one.
func (s *TestSessionService) Open(ctx context.Context, candidateID, offerID string) (*SessionView, error) {
	key := proctor.SessionKey(candidateID, offerID, s.now().In(s.location))

	v, err, _ := s.opens.Do(key, func() (any, error) {
		return s.open(context.WithoutCancel(ctx), key, candidateID, offerID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*SessionView), nil
}

func (s *TestSessionService) open(ctx context.Context, key, candidateID, offerID string) (*SessionView, error) {
	log := s.log.With().Str("session_key", key).Logger()

	if l, ok := s.hub.Get(key); ok {
		l.Touch(ctx)
		metrics.SessionsOpened.WithLabelValues("resumed").Inc()
		return s.viewWithToken(l.Snapshot())
	}

	sess, err := s.recover(ctx, key)
	switch {
	case err == nil:
		l := s.hub.Attach(ctx, sess)
		l.Touch(ctx)
		snap := l.Snapshot()
		if snap.Status.IsTerminal() {
			metrics.SessionsOpened.WithLabelValues("terminal").Inc()
			if s.hub.Machine().CanRetry(snap) {
				// Pending deliveries are retried whenever the candidate comes back.
				if err := s.Redeliver(ctx, key); err != nil {
					log.Warn().Err(err).Msg("Redelivery on load failed")
				} else if fresh, err := s.store.Load(ctx, key); err == nil {
					snap = fresh
				}
			}
		} else {
			metrics.SessionsOpened.WithLabelValues("resumed").Inc()
			log.Info().Msg("Session resumed")
		}
		return s.viewWithToken(snap)
	case !errors.Is(err, model.ErrSessionNotFound):
		return nil, err
	}

	questions, err := s.eligibility.GenerateTest(ctx, candidateID, offerID)
	if err != nil {
		var rej *backend.RejectionError
		if errors.As(err, &rej) {
			metrics.SessionsOpened.WithLabelValues("rejected").Inc()
			log.Info().Str("backend_status", rej.Status).Msg("Backend refused a new attempt")
			return &SessionView{Screen: rej.Screen(), Score: rej.Score, Message: rej.Message}, nil
		}
		return nil, fmt.Errorf("generate test: %w", err)
	}

	sess = model.NewTestSession(key, candidateID, offerID, questions, s.now())
	if err := s.store.Create(ctx, sess); err != nil {
		if !errors.Is(err, model.ErrSessionExists) {
			return nil, fmt.Errorf("create session: %w", err)
		}
		// Another instance won the race to create it.
		if sess, err = s.store.Load(ctx, key); err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
	} else if s.audit != nil {
		if err := s.audit.ArchiveSnapshot(ctx, sess.Clone()); err != nil {
			log.Warn().Err(err).Msg("Failed to queue initial snapshot")
		}
	}

	l := s.hub.Attach(ctx, sess)
	metrics.SessionsOpened.WithLabelValues("created").Inc()
	log.Info().
		Str("candidate_id", candidateID).
		Str("offer_id", offerID).
		Int("questions", len(questions)).
		Msg("Session started")
	return s.viewWithToken(l.Snapshot())
}

// Live returns the runtime of an existing session. A terminal session
// yields a closed runtime that only reports its outcome.
func (s *TestSessionService) Live(ctx context.Context, key string) (*proctor.Live, error) {
	if l, ok := s.hub.Get(key); ok {
		return l, nil
	}
	sess, err := s.recover(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.hub.Attach(ctx, sess), nil
}

// View renders a session for the browser.
func (s *TestSessionService) View(sess *model.TestSession) *SessionView {
	clock := s.hub.Clock()
	out := proctor.OutcomeOf(sess)

	v := &SessionView{
		SessionKey:        sess.Key,
		Screen:            out.Screen,
		Status:            sess.Status,
		RemainingSeconds:  clock.Remaining(sess, s.now()).Seconds(),
		CurrentIndex:      sess.CurrentIndex,
		ViolationCounts:   sess.ViolationCounts,
		FullscreenEngaged: sess.FullscreenEngaged,
	}
	if sess.Status.IsTerminal() {
		v.Outcome = &out
		return v
	}

	deadline := clock.Deadline(sess)
	v.DeadlineAt = &deadline
	v.Questions = make([]QuestionView, len(sess.Questions))
	for i, q := range sess.Questions {
		opts := make([]string, len(q.Options))
		for j, o := range q.Options {
			opts[j] = o.Text
		}
		v.Questions[i] = QuestionView{Prompt: q.Prompt, Options: opts}
	}
	v.SelectedOptions = make([]*int, len(sess.Answers))
	for i, a := range sess.Answers {
		v.SelectedOptions[i] = a.SelectedOptionIndex
	}
	return v
}

func (s *TestSessionService) viewWithToken(sess *model.TestSession) (*SessionView, error) {
	v := s.View(sess)
	token, err := s.tokens.Issue(sess.Key, sess.CandidateID, sess.OfferID)
	if err != nil {
		return nil, err
	}
	v.Token = token
	return v, nil
}

// recover loads a session from the hot store, falling back to the archive.
// An in-progress session found only in the archive is written back so the
// candidate can continue.
func (s *TestSessionService) recover(ctx context.Context, key string) (*model.TestSession, error) {
	sess, err := s.store.Load(ctx, key)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, model.ErrSessionNotFound) {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s.archive == nil {
		return nil, model.ErrSessionNotFound
	}

	archived, err := s.archive.GetByKey(ctx, key)
	if err != nil {
		if !errors.Is(err, model.ErrSessionNotFound) {
			s.log.Error().Err(err).Str("session_key", key).Msg("Archive lookup failed")
		}
		return nil, model.ErrSessionNotFound
	}
	if archived.Status.IsTerminal() {
		return archived, nil
	}

	if err := s.store.Create(ctx, archived); err != nil {
		if errors.Is(err, model.ErrSessionExists) {
			return s.store.Load(ctx, key)
		}
		return nil, fmt.Errorf("restore session: %w", err)
	}
	s.log.Warn().Str("session_key", key).Msg("Session restored from archive")
	return archived, nil
}

// SweepOverdue terminates in-progress sessions whose deadline passed while
// nobody watched them. It returns how many were expired.
func (s *TestSessionService) SweepOverdue(ctx context.Context) (int, error) {
	now := s.now()
	keys, err := s.store.ListStartedBefore(ctx, now.Add(-s.hub.Clock().Allowance), sweepBatch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, key := range keys {
		l, err := s.Live(ctx, key)
		if err != nil {
			s.log.Warn().Err(err).Str("session_key", key).Msg("Sweep could not load session")
			continue
		}
		l.Tick(ctx, s.now())
		if l.Outcome().Status.IsTerminal() {
			expired++
		}
	}
	return expired, nil
}

// EvictStale drops old sessions from the hot store.
func (s *TestSessionService) EvictStale(ctx context.Context) (int, error) {
	keys, err := s.store.EvictStale(ctx, s.now())
	if err != nil {
		return 0, err
	}
	metrics.Evictions.Add(float64(len(keys)))
	return len(keys), nil
}

// Redeliver retries the pending submission of a terminal session. The
// machine schedules the next attempt itself while one is due.
func (s *TestSessionService) Redeliver(ctx context.Context, key string) error {
	sess, err := s.store.Load(ctx, key)
	if err != nil {
		return err
	}
	metrics.DeliveryRetries.Inc()
	_, err = s.hub.Machine().Redeliver(ctx, sess)
	return err
}
