package proctor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/recrutea/proctor-backend/internal/metrics"
	"github.com/recrutea/proctor-backend/internal/model"
)

// DefaultDeliveryAttempts bounds how many times a terminal submission is
// sent before it is recorded as a delivery failure.
const DefaultDeliveryAttempts = 5

// Outcome describes the result of a terminal transition attempt.
type Outcome struct {
	Status       model.SessionStatus `json:"status"`
	Screen       model.Screen        `json:"screen"`
	Won          bool                `json:"-"`
	Delivered    bool                `json:"delivered"`
	Pending      bool                `json:"delivery_pending"`
	AlreadyTaken bool                `json:"already_taken"`
	Score        int                 `json:"score"`
}

// OutcomeOf reports a session's current status as an outcome.
func OutcomeOf(s *model.TestSession) Outcome {
	screen := s.Status.Screen()
	if s.Delivery.Rejected {
		screen = model.ScreenAlreadyCompleted
	}
	return Outcome{
		Status:       s.Status,
		Screen:       screen,
		Delivered:    s.Delivery.Delivered,
		Pending:      s.Delivery.Pending,
		AlreadyTaken: s.Delivery.Rejected,
		Score:        s.ScoreTotal(),
	}
}

// Machine is the only component allowed to mark a session terminal and the
// only one allowed to call the submission backend. Every transition goes
// through the store's atomic check-and-set, so concurrent triggers (the
// clock expiring while the candidate clicks submit) produce exactly one
// terminal status and exactly one submission.
type Machine struct {
	store       Store
	submitter   Submitter
	audit       AuditSink
	maxAttempts int
	now         func() time.Time
	log         zerolog.Logger
}

// NewMachine creates a Machine. audit may be nil.
func NewMachine(store Store, submitter Submitter, audit AuditSink, maxAttempts int, now func() time.Time, log zerolog.Logger) *Machine {
	if maxAttempts <= 0 {
		maxAttempts = DefaultDeliveryAttempts
	}
	if audit == nil {
		audit = nopAudit{}
	}
	if now == nil {
		now = time.Now
	}
	return &Machine{
		store:       store,
		submitter:   submitter,
		audit:       audit,
		maxAttempts: maxAttempts,
		now:         now,
		log:         log.With().Str("component", "state_machine").Logger(),
	}
}

// Complete submits a fully answered session as completed.
func (m *Machine) Complete(ctx context.Context, s *model.TestSession) (Outcome, error) {
	if missing := s.UnansweredIndices(); len(missing) > 0 {
		return OutcomeOf(s), model.ErrIncomplete
	}
	return m.Terminate(ctx, s, model.SessionStatusCompleted)
}

// Expire submits whatever answers exist as timed_out.
func (m *Machine) Expire(ctx context.Context, s *model.TestSession) (Outcome, error) {
	return m.Terminate(ctx, s, model.SessionStatusTimedOut)
}

// Disqualify submits the session as disqualified, attaching the violation
// counts for audit.
func (m *Machine) Disqualify(ctx context.Context, s *model.TestSession) (Outcome, error) {
	return m.Terminate(ctx, s, model.SessionStatusDisqualified)
}

// Abandon records the abandoned status and fires a best-effort beacon.
func (m *Machine) Abandon(ctx context.Context, s *model.TestSession) (Outcome, error) {
	return m.Terminate(ctx, s, model.SessionStatusAbandoned)
}

// Terminate moves an in-progress session to a terminal status. A call made
// after the session is already terminal, or that loses the check-and-set to
// a concurrent trigger, is a no-op reporting the winning status.
func (m *Machine) Terminate(ctx context.Context, s *model.TestSession, to model.SessionStatus) (Outcome, error) {
	if !to.IsTerminal() {
		return OutcomeOf(s), fmt.Errorf("terminate: %q is not a terminal status", to)
	}
	if s.Status.IsTerminal() {
		return OutcomeOf(s), nil
	}

	at := m.now()
	won, current, err := m.store.Transition(ctx, s.Key, to, at)
	if err != nil {
		return OutcomeOf(s), fmt.Errorf("transition to %s: %w", to, err)
	}

	if !won {
		// Another trigger won. Pick up its persisted state.
		if fresh, loadErr := m.store.Load(ctx, s.Key); loadErr == nil {
			*s = *fresh
		} else {
			s.Status = current
		}
		m.log.Debug().
			Str("session_key", s.Key).
			Str("requested", string(to)).
			Str("winner", string(current)).
			Msg("Transition lost to concurrent trigger")
		return OutcomeOf(s), nil
	}

	// Answers saved by another instance after s was loaded are frozen too.
	if fresh, err := m.store.Load(ctx, s.Key); err == nil && fresh.Version > s.Version {
		*s = *fresh
	}
	s.Status = to
	s.TerminatedAt = &at
	s.LastUpdated = at
	metrics.TerminalOutcomes.WithLabelValues(string(to)).Inc()

	log := m.log.With().
		Str("session_key", s.Key).
		Str("status", string(to)).
		Int("score", s.ScoreTotal()).
		Int("answered", s.AnsweredCount()).
		Int("total", len(s.Questions)).
		Logger()

	sub := model.NewScoreSubmission(s)

	if to == model.SessionStatusAbandoned {
		s.Delivery.Attempts = 1
		s.Delivery.LastTryAt = &at
		m.submitter.Beacon(sub)
		metrics.Submissions.WithLabelValues("beacon").Inc()
		log.Info().Msg("Session abandoned, beacon sent")
	} else {
		m.deliver(ctx, s, sub, log)
	}

	if err := m.store.Save(ctx, s); err != nil {
		// The status itself is already committed by Transition.
		log.Error().Err(err).Msg("Failed to save terminal snapshot")
	}
	m.archive(ctx, s, log)

	out := OutcomeOf(s)
	out.Won = true
	return out, nil
}

// Redeliver retries the submission of a terminal session whose previous
// delivery failed. It is a no-op for sessions that are not pending.
func (m *Machine) Redeliver(ctx context.Context, s *model.TestSession) (Outcome, error) {
	if !s.Status.IsTerminal() || !s.Delivery.Pending {
		return OutcomeOf(s), nil
	}

	log := m.log.With().
		Str("session_key", s.Key).
		Str("status", string(s.Status)).
		Int("attempt", s.Delivery.Attempts+1).
		Logger()

	m.deliver(ctx, s, model.NewScoreSubmission(s), log)

	if err := m.store.Save(ctx, s); err != nil {
		return OutcomeOf(s), fmt.Errorf("save after redelivery: %w", err)
	}
	m.archive(ctx, s, log)
	return OutcomeOf(s), nil
}

// archive pushes the terminal snapshot to the audit trail and queues a
// redelivery while the submission is still pending.
func (m *Machine) archive(ctx context.Context, s *model.TestSession, log zerolog.Logger) {
	if err := m.audit.ArchiveSnapshot(ctx, s); err != nil {
		log.Error().Err(err).Msg("Failed to archive terminal snapshot")
	}
	if s.Delivery.Pending {
		if err := m.audit.ScheduleRedelivery(ctx, s.Key); err != nil {
			log.Error().Err(err).Msg("Failed to schedule redelivery")
		}
	}
}

// CanRetry reports whether a pending session still has attempts left.
func (m *Machine) CanRetry(s *model.TestSession) bool {
	return s.Delivery.Pending && s.Delivery.Attempts < m.maxAttempts
}

func (m *Machine) deliver(ctx context.Context, s *model.TestSession, sub model.ScoreSubmission, log zerolog.Logger) {
	at := m.now()
	s.Delivery.Attempts++
	s.Delivery.LastTryAt = &at

	err := m.submitter.StoreScore(ctx, sub)
	switch {
	case err == nil:
		s.Delivery.Pending = false
		s.Delivery.Delivered = true
		s.Delivery.LastError = ""
		metrics.Submissions.WithLabelValues("delivered").Inc()
		log.Info().Msg("Submission delivered")

	case errors.Is(err, model.ErrAlreadyTaken):
		s.Delivery.Pending = false
		s.Delivery.Rejected = true
		s.Delivery.LastError = err.Error()
		metrics.Submissions.WithLabelValues("rejected").Inc()
		log.Warn().Msg("Backend reports the test was already taken")

	case s.Delivery.Attempts >= m.maxAttempts:
		s.Delivery.Pending = false
		s.Delivery.Failed = true
		s.Delivery.LastError = err.Error()
		metrics.Submissions.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("Delivery attempts exhausted, session stays terminal")

	default:
		s.Delivery.Pending = true
		s.Delivery.LastError = err.Error()
		metrics.Submissions.WithLabelValues("pending").Inc()
		log.Warn().Err(err).Msg("Submission failed, will retry")
	}
}
