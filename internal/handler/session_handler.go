package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/recrutea/proctor-backend/internal/model"
	"github.com/recrutea/proctor-backend/internal/proctor"
	"github.com/recrutea/proctor-backend/internal/response"
	"github.com/recrutea/proctor-backend/internal/service"
	"github.com/recrutea/proctor-backend/internal/validator"
)

// SessionHandler serves the candidate-facing test session endpoints.
type SessionHandler struct {
	sessions *service.TestSessionService
	log      zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions *service.TestSessionService, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		log:      log.With().Str("component", "session_handler").Logger(),
	}
}

// sessionState is returned by answer and navigation actions.
type sessionState struct {
	CurrentIndex     int                   `json:"current_index"`
	SelectedOptions  []*int                `json:"selected_options"`
	RemainingSeconds float64               `json:"remaining_seconds"`
	Completeness     *proctor.Completeness `json:"completeness,omitempty"`
}

func stateOf(l *proctor.Live, c *proctor.Completeness) sessionState {
	snap := l.Snapshot()
	selected := make([]*int, len(snap.Answers))
	for i, a := range snap.Answers {
		selected[i] = a.SelectedOptionIndex
	}
	return sessionState{
		CurrentIndex:     snap.CurrentIndex,
		SelectedOptions:  selected,
		RemainingSeconds: l.Remaining().Seconds(),
		Completeness:     c,
	}
}

// Open godoc
// POST /api/v1/sessions
// Starts the candidate's test for today, or resumes it.
func (h *SessionHandler) Open(c *gin.Context) {
	var req model.OpenSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	view, err := h.sessions.Open(c.Request.Context(), req.CandidateID, req.OfferID)
	if err != nil {
		h.log.Error().Err(err).Str("candidate_id", req.CandidateID).Msg("Open session failed")
		response.Fail(c, http.StatusBadGateway, response.ErrBackendUnavailable)
		return
	}

	response.Success(c, http.StatusOK, view)
}

// Get godoc
// GET /api/v1/sessions/:key
func (h *SessionHandler) Get(c *gin.Context) {
	l, ok := h.live(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, h.sessions.View(l.Current(c.Request.Context())))
}

// SelectAnswer godoc
// PUT /api/v1/sessions/:key/answers/:index
func (h *SessionHandler) SelectAnswer(c *gin.Context) {
	index, ok := indexParam(c)
	if !ok {
		return
	}

	var req model.SelectAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	l, ok := h.live(c)
	if !ok {
		return
	}
	if err := l.SelectAnswer(c.Request.Context(), index, *req.Option); err != nil {
		h.fail(c, l, err)
		return
	}
	response.Success(c, http.StatusOK, stateOf(l, nil))
}

// Next godoc
// POST /api/v1/sessions/:key/next
func (h *SessionHandler) Next(c *gin.Context) {
	l, ok := h.live(c)
	if !ok {
		return
	}
	step, err := l.GoNext(c.Request.Context())
	if err != nil {
		h.fail(c, l, err)
		return
	}
	response.Success(c, http.StatusOK, stateOf(l, step.Completeness))
}

// GoTo godoc
// POST /api/v1/sessions/:key/goto/:index
func (h *SessionHandler) GoTo(c *gin.Context) {
	index, ok := indexParam(c)
	if !ok {
		return
	}

	var req model.GoToRequest
	if c.Request.ContentLength > 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	l, ok := h.live(c)
	if !ok {
		return
	}
	if err := l.GoTo(c.Request.Context(), index, req.Option); err != nil {
		h.fail(c, l, err)
		return
	}
	response.Success(c, http.StatusOK, stateOf(l, nil))
}

// Completeness godoc
// GET /api/v1/sessions/:key/completeness
func (h *SessionHandler) Completeness(c *gin.Context) {
	l, ok := h.live(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, l.Completeness(c.Request.Context()))
}

// Submit godoc
// POST /api/v1/sessions/:key/submit
// Completes the test once every question is answered. A session that
// already ended reports its outcome.
func (h *SessionHandler) Submit(c *gin.Context) {
	l, ok := h.live(c)
	if !ok {
		return
	}

	out, completeness, err := l.Submit(c.Request.Context())
	if err != nil {
		if errors.Is(err, model.ErrIncomplete) {
			response.FailWithData(c, http.StatusUnprocessableEntity, response.ErrIncomplete, completeness)
			return
		}
		h.fail(c, l, err)
		return
	}
	response.Success(c, http.StatusOK, out)
}

// Signal godoc
// POST /api/v1/sessions/:key/signals
// Reports one raw browser signal to the integrity monitor.
func (h *SessionHandler) Signal(c *gin.Context) {
	var req model.SignalRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	l, ok := h.live(c)
	if !ok {
		return
	}

	v, out, err := l.Signal(c.Request.Context(), req.Signal())
	if err != nil {
		h.log.Error().Err(err).Str("session_key", l.Key()).Msg("Signal handling failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	body := gin.H{}
	if v.Type != "" {
		body["violation"] = v
	}
	if out != nil {
		body["outcome"] = out
	}
	response.Success(c, http.StatusOK, body)
}

// Unload godoc
// POST /api/v1/sessions/:key/unload
// Target of navigator.sendBeacon on page unload. Always 204.
func (h *SessionHandler) Unload(c *gin.Context) {
	if l, err := h.sessions.Live(c.Request.Context(), c.Param("key")); err == nil {
		l.Unload(c.Request.Context())
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) live(c *gin.Context) (*proctor.Live, bool) {
	l, err := h.sessions.Live(c.Request.Context(), c.Param("key"))
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrSessionNotFound)
			return nil, false
		}
		h.log.Error().Err(err).Str("session_key", c.Param("key")).Msg("Session lookup failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return nil, false
	}
	return l, true
}

func (h *SessionHandler) fail(c *gin.Context, l *proctor.Live, err error) {
	status, code := response.FromError(err)
	switch code {
	case response.ErrSessionClosed:
		response.FailWithData(c, status, code, l.Outcome())
	case response.ErrInternal:
		h.log.Error().Err(err).Str("session_key", l.Key()).Msg("Session action failed")
		response.Fail(c, status, code)
	default:
		response.Fail(c, status, code)
	}
}

func indexParam(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidIndex)
		return 0, false
	}
	return index, true
}
