package websocket

import (
	"github.com/recrutea/proctor-backend/internal/model"
	"github.com/recrutea/proctor-backend/internal/proctor"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionSignal Action = "signal"
	ActionAnswer Action = "answer"
	ActionGoTo   Action = "goto"
	ActionNext   Action = "next"
	ActionSubmit Action = "submit"
	ActionPing   Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// SignalRequest reports one raw browser signal.
type SignalRequest struct {
	Action Action `json:"action"`
	model.SignalRequest
}

// AnswerRequest selects an option for a question.
type AnswerRequest struct {
	Action        Action `json:"action"`
	QuestionIndex *int   `json:"question_index" binding:"required,min=0"`
	Option        *int   `json:"option" binding:"required,min=0"`
}

// GoToRequest jumps to a question, optionally recording the option still
// selected on the current one.
type GoToRequest struct {
	Action Action `json:"action"`
	Index  *int   `json:"index" binding:"required,min=0"`
	Option *int   `json:"option" binding:"omitempty,min=0"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState     Event = "state"
	EventTick      Event = "tick"
	EventViolation Event = Event(proctor.EventViolation)
	EventTerminal  Event = Event(proctor.EventTerminal)
	EventError     Event = "error"
	EventPong      Event = "pong"
)

// StateResponse acknowledges a navigation or answer action.
type StateResponse struct {
	Event            Event                 `json:"event"`
	CurrentIndex     int                   `json:"current_index"`
	SelectedOptions  []*int                `json:"selected_options"`
	RemainingSeconds float64               `json:"remaining_seconds"`
	Completeness     *proctor.Completeness `json:"completeness,omitempty"`
}

// TickResponse carries the remaining time once per clock tick.
type TickResponse struct {
	Event            Event   `json:"event"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

// TerminalResponse reports the final outcome of the session.
type TerminalResponse struct {
	Event   Event           `json:"event"`
	Outcome proctor.Outcome `json:"outcome"`
}

type ErrorResponse struct {
	Event   Event             `json:"event"`
	Code    string            `json:"code"`
	Error   string            `json:"error"`
	Fields  map[string]string `json:"fields,omitempty"`
	Details interface{}       `json:"details,omitempty"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
