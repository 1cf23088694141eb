// Package proctor implements the proctored test session engine: the
// deadline clock, the integrity monitor, the session state machine, the
// navigation controller and the hub that serialises every event source of a
// live session.
package proctor

import (
	"context"
	"time"

	"github.com/recrutea/proctor-backend/internal/model"
)

// Store is the durable session store the engine reads and writes.
//
// Save must reject a snapshot whose status differs from the persisted one
// with model.ErrSessionTerminal. Transition is the only way to move a
// session out of in_progress and must be an atomic check-and-set.
type Store interface {
	Load(ctx context.Context, key string) (*model.TestSession, error)
	Create(ctx context.Context, s *model.TestSession) error
	Save(ctx context.Context, s *model.TestSession) error
	Transition(ctx context.Context, key string, to model.SessionStatus, at time.Time) (bool, model.SessionStatus, error)
}

// Submitter delivers terminal submissions to the scoring backend.
// StoreScore returns an error wrapping model.ErrAlreadyTaken when the
// backend refuses because it already holds a result. Beacon must return
// immediately; its delivery is advisory.
type Submitter interface {
	StoreScore(ctx context.Context, sub model.ScoreSubmission) error
	Beacon(sub model.ScoreSubmission)
}

// AuditSink receives side records that are persisted asynchronously.
type AuditSink interface {
	RecordViolation(ctx context.Context, key string, v model.Violation, at time.Time) error
	ArchiveSnapshot(ctx context.Context, s *model.TestSession) error
	ScheduleRedelivery(ctx context.Context, key string) error
}

// EventType discriminates live session events.
type EventType string

const (
	EventState     EventType = "state"
	EventViolation EventType = "violation"
	EventTerminal  EventType = "terminal"
)

// Event is pushed to every client watching a session.
type Event struct {
	Type       EventType        `json:"event"`
	SessionKey string           `json:"session_key"`
	Remaining  float64          `json:"remaining_seconds"`
	Violation  *model.Violation `json:"violation,omitempty"`
	Outcome    *Outcome         `json:"outcome,omitempty"`
}

// EventSink fans session events out to connected clients.
type EventSink interface {
	Publish(ctx context.Context, key string, ev Event) error
}

type nopAudit struct{}

func (nopAudit) RecordViolation(context.Context, string, model.Violation, time.Time) error {
	return nil
}
func (nopAudit) ArchiveSnapshot(context.Context, *model.TestSession) error { return nil }
func (nopAudit) ScheduleRedelivery(context.Context, string) error         { return nil }

type nopEvents struct{}

func (nopEvents) Publish(context.Context, string, Event) error { return nil }
