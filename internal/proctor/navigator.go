package proctor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/recrutea/proctor-backend/internal/model"
)

// Completeness is the result of checking a session before final submission.
type Completeness struct {
	Unanswered []int `json:"unanswered"`
	Ready      bool  `json:"ready"`
}

// Step is the result of GoNext.
type Step struct {
	CurrentIndex int           `json:"current_index"`
	Completeness *Completeness `json:"completeness,omitempty"`
}

// Navigator is the only writer of a session's answers and cursor. Every
// mutation is persisted before it returns; a failed save rolls the
// in-memory session back to the persisted state.
type Navigator struct {
	store             Store
	machine           *Machine
	requireFullscreen bool
	now               func() time.Time
}

// NewNavigator creates a Navigator.
func NewNavigator(store Store, machine *Machine, requireFullscreen bool, now func() time.Time) *Navigator {
	if now == nil {
		now = time.Now
	}
	return &Navigator{store: store, machine: machine, requireFullscreen: requireFullscreen, now: now}
}

func (n *Navigator) writable(s *model.TestSession) error {
	if s.Status.IsTerminal() {
		return model.ErrSessionClosed
	}
	if n.requireFullscreen && !s.FullscreenEngaged {
		return model.ErrFullscreenRequired
	}
	return nil
}

// SelectAnswer records the option chosen for a question. The cursor does
// not move.
func (n *Navigator) SelectAnswer(ctx context.Context, s *model.TestSession, questionIndex, option int) error {
	if err := n.writable(s); err != nil {
		return err
	}
	if err := n.setAnswer(s, questionIndex, option); err != nil {
		return err
	}
	return n.persist(ctx, s)
}

// GoNext advances the cursor. It fails with model.ErrNoAnswerSelected when
// the current question is unanswered. On the final question it stays put and
// reports the completeness of the whole session instead.
func (n *Navigator) GoNext(ctx context.Context, s *model.TestSession) (Step, error) {
	if err := n.writable(s); err != nil {
		return Step{CurrentIndex: s.CurrentIndex}, err
	}
	if len(s.Questions) == 0 {
		return Step{}, model.ErrQuestionOutOfRange
	}
	if !s.Answers[s.CurrentIndex].Answered() {
		return Step{CurrentIndex: s.CurrentIndex}, model.ErrNoAnswerSelected
	}

	if s.CurrentIndex == len(s.Questions)-1 {
		c := n.CheckCompleteness(s)
		return Step{CurrentIndex: s.CurrentIndex, Completeness: &c}, nil
	}

	s.CurrentIndex++
	if err := n.persist(ctx, s); err != nil {
		return Step{CurrentIndex: s.CurrentIndex}, err
	}
	return Step{CurrentIndex: s.CurrentIndex}, nil
}

// GoTo moves the cursor to any question. A pending option for the current
// question, if given, is recorded in the same save.
func (n *Navigator) GoTo(ctx context.Context, s *model.TestSession, index int, pending *int) error {
	if err := n.writable(s); err != nil {
		return err
	}
	if index < 0 || index >= len(s.Questions) {
		return model.ErrQuestionOutOfRange
	}
	if pending != nil {
		if err := n.setAnswer(s, s.CurrentIndex, *pending); err != nil {
			return err
		}
	}
	s.CurrentIndex = index
	return n.persist(ctx, s)
}

// CheckCompleteness lists unanswered question indices.
func (n *Navigator) CheckCompleteness(s *model.TestSession) Completeness {
	missing := s.UnansweredIndices()
	return Completeness{Unanswered: missing, Ready: len(missing) == 0}
}

// Submit hands a complete session to the state machine. When questions are
// still unanswered it returns their indices and model.ErrIncomplete without
// contacting the backend.
func (n *Navigator) Submit(ctx context.Context, s *model.TestSession) (Outcome, Completeness, error) {
	if s.Status.IsTerminal() {
		return OutcomeOf(s), Completeness{Unanswered: []int{}, Ready: true}, nil
	}
	c := n.CheckCompleteness(s)
	if !c.Ready {
		return OutcomeOf(s), c, model.ErrIncomplete
	}
	out, err := n.machine.Complete(ctx, s)
	return out, c, err
}

func (n *Navigator) setAnswer(s *model.TestSession, questionIndex, option int) error {
	if questionIndex < 0 || questionIndex >= len(s.Questions) {
		return model.ErrQuestionOutOfRange
	}
	q := s.Questions[questionIndex]
	if option < 0 || option >= len(q.Options) {
		return model.ErrOptionOutOfRange
	}
	s.Answers[questionIndex] = model.NewAnswer(option, q.Options[option].Score)
	return nil
}

func (n *Navigator) persist(ctx context.Context, s *model.TestSession) error {
	s.LastUpdated = n.now()
	err := n.store.Save(ctx, s)
	if err == nil {
		return nil
	}

	// Realign memory with what is durable.
	if fresh, loadErr := n.store.Load(ctx, s.Key); loadErr == nil {
		*s = *fresh
	}
	if errors.Is(err, model.ErrSessionTerminal) {
		return model.ErrSessionClosed
	}
	return fmt.Errorf("save session: %w", err)
}
