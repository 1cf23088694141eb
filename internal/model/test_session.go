package model

import (
	"time"
)

// SessionStatus enumerates test session states. InProgress is the only
// non-terminal value; every other value is absorbing.
type SessionStatus string

const (
	SessionStatusInProgress   SessionStatus = "in_progress"
	SessionStatusCompleted    SessionStatus = "completed"
	SessionStatusTimedOut     SessionStatus = "timed_out"
	SessionStatusDisqualified SessionStatus = "disqualified"
	SessionStatusAbandoned    SessionStatus = "abandoned"
)

// IsTerminal reports whether the status is one of the four final outcomes.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusTimedOut, SessionStatusDisqualified, SessionStatusAbandoned:
		return true
	}
	return false
}

// Screen names the user-facing page shown for a session outcome.
type Screen string

const (
	ScreenTest             Screen = "test"
	ScreenSuccess          Screen = "success"
	ScreenTimeout          Screen = "timeout"
	ScreenDisqualified     Screen = "disqualified"
	ScreenAlreadyCompleted Screen = "already-completed"
	ScreenAbandoned        Screen = "abandoned"
)

// Screen maps a status to its single outcome screen.
func (s SessionStatus) Screen() Screen {
	switch s {
	case SessionStatusCompleted:
		return ScreenSuccess
	case SessionStatusTimedOut:
		return ScreenTimeout
	case SessionStatusDisqualified:
		return ScreenDisqualified
	case SessionStatusAbandoned:
		return ScreenAbandoned
	}
	return ScreenTest
}

// DeliveryState tracks the backend submission of a terminal session.
type DeliveryState struct {
	Pending   bool       `json:"pending"`
	Attempts  int        `json:"attempts"`
	Delivered bool       `json:"delivered"`
	Rejected  bool       `json:"rejected"`
	Failed    bool       `json:"failed"`
	LastError string     `json:"last_error,omitempty"`
	LastTryAt *time.Time `json:"last_try_at,omitempty"`
}

// TestSession is one attempt by one candidate at one job offer's test.
type TestSession struct {
	Key               string                `json:"session_key"`
	CandidateID       string                `json:"candidate_id"`
	OfferID           string                `json:"offer_id"`
	Questions         []Question            `json:"questions"`
	Answers           []Answer              `json:"answers"`
	CurrentIndex      int                   `json:"current_index"`
	StartedAt         time.Time             `json:"started_at"`
	Status            SessionStatus         `json:"status"`
	ViolationCounts   map[ViolationType]int `json:"violation_counts"`
	FullscreenEngaged bool                  `json:"fullscreen_engaged"`
	TerminatedAt      *time.Time            `json:"terminated_at,omitempty"`
	Delivery          DeliveryState         `json:"delivery"`
	LastUpdated       time.Time             `json:"last_updated"`
	// LastSeenAt is the last time the candidate acted on or reopened the
	// session, on any instance.
	LastSeenAt time.Time `json:"last_seen_at"`

	// Version counts persisted writes. A save based on an older version
	// than the stored one is refused while the session is in progress.
	Version int64 `json:"version"`
}

// NewTestSession builds a fresh in-progress session with every answer slot
// explicitly unanswered.
func NewTestSession(key, candidateID, offerID string, questions []Question, now time.Time) *TestSession {
	qs := make([]Question, len(questions))
	copy(qs, questions)
	return &TestSession{
		Key:             key,
		CandidateID:     candidateID,
		OfferID:         offerID,
		Questions:       qs,
		Answers:         UnansweredSlots(len(qs)),
		StartedAt:       now,
		Status:          SessionStatusInProgress,
		ViolationCounts: make(map[ViolationType]int),
		LastUpdated:     now,
	}
}

// UnansweredIndices returns the 0-based indices of unanswered questions.
func (s *TestSession) UnansweredIndices() []int {
	missing := []int{}
	for i, a := range s.Answers {
		if !a.Answered() {
			missing = append(missing, i)
		}
	}
	return missing
}

// AnsweredCount returns the number of answered slots.
func (s *TestSession) AnsweredCount() int {
	n := 0
	for _, a := range s.Answers {
		if a.Answered() {
			n++
		}
	}
	return n
}

// ScoreTotal sums the answer scores. Unanswered slots contribute zero.
func (s *TestSession) ScoreTotal() int {
	total := 0
	for _, a := range s.Answers {
		total += a.Score
	}
	return total
}

// TraitScores sums answer scores per question trait.
func (s *TestSession) TraitScores() map[string]int {
	scores := make(map[string]int)
	for i, q := range s.Questions {
		if i >= len(s.Answers) {
			break
		}
		scores[q.Trait] += s.Answers[i].Score
	}
	return scores
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *TestSession) Clone() *TestSession {
	c := *s
	c.Questions = make([]Question, len(s.Questions))
	for i, q := range s.Questions {
		q.Options = append([]Option(nil), q.Options...)
		c.Questions[i] = q
	}
	c.Answers = make([]Answer, len(s.Answers))
	for i, a := range s.Answers {
		if a.SelectedOptionIndex != nil {
			c.Answers[i] = NewAnswer(*a.SelectedOptionIndex, a.Score)
		}
	}
	c.ViolationCounts = make(map[ViolationType]int, len(s.ViolationCounts))
	for k, v := range s.ViolationCounts {
		c.ViolationCounts[k] = v
	}
	if s.TerminatedAt != nil {
		t := *s.TerminatedAt
		c.TerminatedAt = &t
	}
	if s.Delivery.LastTryAt != nil {
		t := *s.Delivery.LastTryAt
		c.Delivery.LastTryAt = &t
	}
	return &c
}

// OpenSessionRequest is the payload for opening (or resuming) a test.
type OpenSessionRequest struct {
	CandidateID string `json:"candidate_id" binding:"required,min=1,max=64"`
	OfferID     string `json:"offer_id" binding:"required,min=1,max=64"`
}

// SelectAnswerRequest records the option chosen for a question.
type SelectAnswerRequest struct {
	Option *int `json:"option" binding:"required,min=0"`
}

// SignalRequest reports one raw browser signal.
type SignalRequest struct {
	Kind  SignalKind `json:"kind" binding:"required,signal_kind"`
	Key   string     `json:"key" binding:"omitempty,max=32"`
	Ctrl  bool       `json:"ctrl"`
	Shift bool       `json:"shift"`
	Alt   bool       `json:"alt"`
	Meta  bool       `json:"meta"`
}

// Signal converts the request into a domain signal.
func (r SignalRequest) Signal() Signal {
	return Signal{Kind: r.Kind, Key: r.Key, Ctrl: r.Ctrl, Shift: r.Shift, Alt: r.Alt, Meta: r.Meta}
}

// GoToRequest optionally records the option still selected on the current
// question before jumping.
type GoToRequest struct {
	Option *int `json:"option" binding:"omitempty,min=0"`
}
