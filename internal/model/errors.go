package model

import "errors"

// Session errors shared by the store, the engine and the handlers.
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExists      = errors.New("an in-progress session already exists for this key")
	ErrSessionTerminal    = errors.New("session is already terminal")
	ErrSessionStale       = errors.New("session was modified concurrently")
	ErrSessionClosed      = errors.New("session is closed for answers")
	ErrNoAnswerSelected   = errors.New("no answer selected for the current question")
	ErrQuestionOutOfRange = errors.New("question index out of range")
	ErrOptionOutOfRange   = errors.New("option index out of range")
	ErrFullscreenRequired = errors.New("fullscreen must be activated before answering")
	ErrIncomplete         = errors.New("some questions are still unanswered")
)

// ErrAlreadyTaken is returned by the backend client when /store-score
// rejects a submission because the test was already recorded.
var ErrAlreadyTaken = errors.New("backend reports the test was already taken")
