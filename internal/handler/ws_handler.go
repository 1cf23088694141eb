package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/recrutea/proctor-backend/internal/model"
	"github.com/recrutea/proctor-backend/internal/proctor"
	"github.com/recrutea/proctor-backend/internal/repository"
	"github.com/recrutea/proctor-backend/internal/response"
	"github.com/recrutea/proctor-backend/internal/service"
	"github.com/recrutea/proctor-backend/internal/validator"
	ws "github.com/recrutea/proctor-backend/internal/websocket"
)

const tickInterval = time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams a live session to the browser: it receives signals and
// candidate actions, and pushes ticks, violations and the terminal outcome.
type WSHandler struct {
	sessions *service.TestSessionService
	events   *repository.SessionEvents
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessions *service.TestSessionService, events *repository.SessionEvents, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		events:   events,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/sessions/:key/stream?token=
func (h *WSHandler) SessionStream(c *gin.Context) {
	key := c.Param("key")
	l, err := h.sessions.Live(c.Request.Context(), key)
	if err != nil {
		status, code := response.FromError(err)
		response.Fail(c, status, code)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	wsLog := h.log.With().Str("session_key", key).Logger()

	if out := l.Outcome(); out.Status.IsTerminal() {
		_ = conn.WriteTyped(ws.TerminalResponse{Event: ws.EventTerminal, Outcome: out})
		return
	}
	l.Resume()
	wsLog.Info().Msg("Candidate connected")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Violation and terminal events come back through the bus, whichever
	// instance produced them.
	pubsub := h.events.Subscribe(ctx, key)
	defer pubsub.Close()
	go h.forwardEvents(ctx, conn, pubsub.Channel(), cancel)

	src := proctor.NewChannelSource(32)
	defer src.Close()
	go l.Observe(context.WithoutCancel(ctx), src)

	go h.tick(ctx, conn, l)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			_ = conn.WriteError(string(response.ErrInvalidPayload), "malformed message")
			continue
		}

		switch env.Action {
		case ws.ActionSignal:
			h.handleSignal(conn, src, msg)
		case ws.ActionAnswer:
			h.handleAnswer(ctx, conn, l, msg)
		case ws.ActionGoTo:
			h.handleGoTo(ctx, conn, l, msg)
		case ws.ActionNext:
			step, err := l.GoNext(ctx)
			h.reply(conn, l, step.Completeness, err)
		case ws.ActionSubmit:
			h.handleSubmit(ctx, conn, l)
		case ws.ActionPing:
			_ = conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(env.Action)).Msg("Unknown action")
			_ = conn.WriteError(string(response.ErrInvalidPayload), "unknown action: "+string(env.Action))
		}
	}
}

func (h *WSHandler) handleSignal(conn *ws.Conn, src *proctor.ChannelSource, msg []byte) {
	var req ws.SignalRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		_ = conn.WriteError(string(response.ErrInvalidPayload), "malformed signal")
		return
	}
	if fields := validator.Struct(&req); fields != nil {
		_ = conn.WriteTyped(ws.ErrorResponse{
			Event:  ws.EventError,
			Code:   string(response.ErrValidation),
			Error:  response.GetMessage(response.ErrValidation),
			Fields: fields,
		})
		return
	}
	src.Emit(req.SignalRequest.Signal())
}

func (h *WSHandler) handleAnswer(ctx context.Context, conn *ws.Conn, l *proctor.Live, msg []byte) {
	var req ws.AnswerRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		_ = conn.WriteError(string(response.ErrInvalidPayload), "malformed answer")
		return
	}
	if fields := validator.Struct(&req); fields != nil {
		_ = conn.WriteTyped(ws.ErrorResponse{
			Event:  ws.EventError,
			Code:   string(response.ErrValidation),
			Error:  response.GetMessage(response.ErrValidation),
			Fields: fields,
		})
		return
	}
	err := l.SelectAnswer(ctx, *req.QuestionIndex, *req.Option)
	h.reply(conn, l, nil, err)
}

func (h *WSHandler) handleGoTo(ctx context.Context, conn *ws.Conn, l *proctor.Live, msg []byte) {
	var req ws.GoToRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		_ = conn.WriteError(string(response.ErrInvalidPayload), "malformed goto")
		return
	}
	if fields := validator.Struct(&req); fields != nil {
		_ = conn.WriteTyped(ws.ErrorResponse{
			Event:  ws.EventError,
			Code:   string(response.ErrValidation),
			Error:  response.GetMessage(response.ErrValidation),
			Fields: fields,
		})
		return
	}
	err := l.GoTo(ctx, *req.Index, req.Option)
	h.reply(conn, l, nil, err)
}

func (h *WSHandler) handleSubmit(ctx context.Context, conn *ws.Conn, l *proctor.Live) {
	out, completeness, err := l.Submit(ctx)
	if errors.Is(err, model.ErrIncomplete) {
		_ = conn.WriteTyped(ws.ErrorResponse{
			Event:   ws.EventError,
			Code:    string(response.ErrIncomplete),
			Error:   response.GetMessage(response.ErrIncomplete),
			Details: completeness,
		})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("session_key", l.Key()).Msg("Submit failed")
		_ = conn.WriteError(string(response.ErrInternal), response.GetMessage(response.ErrInternal))
		return
	}
	// The terminal event also arrives through the bus; this reply covers a
	// submit that lost to an earlier transition and published nothing new.
	_ = conn.WriteTyped(ws.TerminalResponse{Event: ws.EventTerminal, Outcome: out})
}

// reply answers a navigation action with the new state or a typed error.
func (h *WSHandler) reply(conn *ws.Conn, l *proctor.Live, completeness *proctor.Completeness, err error) {
	if err != nil {
		_, code := response.FromError(err)
		if code == response.ErrSessionClosed {
			_ = conn.WriteTyped(ws.TerminalResponse{Event: ws.EventTerminal, Outcome: l.Outcome()})
			return
		}
		if code == response.ErrInternal {
			h.log.Error().Err(err).Str("session_key", l.Key()).Msg("Session action failed")
		}
		_ = conn.WriteError(string(code), response.GetMessage(code))
		return
	}

	st := stateOf(l, completeness)
	_ = conn.WriteTyped(ws.StateResponse{
		Event:            ws.EventState,
		CurrentIndex:     st.CurrentIndex,
		SelectedOptions:  st.SelectedOptions,
		RemainingSeconds: st.RemainingSeconds,
		Completeness:     completeness,
	})
}

// forwardEvents relays bus messages verbatim and ends the stream after the
// terminal event.
func (h *WSHandler) forwardEvents(ctx context.Context, conn *ws.Conn, ch <-chan *redis.Message, done context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteRaw([]byte(msg.Payload)); err != nil {
				done()
				return
			}

			var ev struct {
				Type proctor.EventType `json:"event"`
			}
			if json.Unmarshal([]byte(msg.Payload), &ev) == nil && ev.Type == proctor.EventTerminal {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					time.Now().Add(time.Second))
				done()
				return
			}
		}
	}
}

func (h *WSHandler) tick(ctx context.Context, conn *ws.Conn, l *proctor.Live) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.Outcome().Status.IsTerminal() {
				return
			}
			if err := conn.WriteTyped(ws.TickResponse{
				Event:            ws.EventTick,
				RemainingSeconds: l.Remaining().Seconds(),
			}); err != nil {
				return
			}
		}
	}
}
