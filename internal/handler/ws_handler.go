package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/attempt"
	"github.com/stemsi/exstem-attempt/internal/middleware"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
	ws "github.com/stemsi/exstem-attempt/internal/websocket"
)

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

// WSHandler streams a live attempt session over a WebSocket.
type WSHandler struct {
	attempts *attempt.Service
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[uuid.UUID]int
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(attempts *attempt.Service, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		attempts: attempts,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
		conns:    make(map[uuid.UUID]int),
	}
}

// SessionStream godoc
// WS /ws/v1/participant/sessions/:session_id/stream
// Carries answers, flags and submits, and pushes the graded outcome when the
// session is finalized by any trigger. Closing the socket starts the disconnect
// grace period; reconnecting cancels it.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	// Ownership is checked before the upgrade so foreign ids get a plain 404.
	sess, err := h.attempts.Lookup(sessionID, claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrSessionNotFound)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	wsLog := h.log.With().
		Str("session_id", sessionID.String()).
		Int("participant_id", claims.UserID).
		Logger()

	st := &stream{sess: sess, conn: conn, log: wsLog}
	h.attach(sessionID)
	sess.Triggers().ClientVisible()
	wsLog.Info().Msg("Participant connected")

	closed := make(chan struct{})
	go func() {
		select {
		case <-sess.Done():
			st.sendTerminal()
		case <-closed:
		}
	}()

	h.readLoop(c.Request.Context(), st, claims.UserID)
	close(closed)

	// Grace only starts once the last open tab for the session is gone.
	if h.detach(sessionID) == 0 && !st.finished() {
		sess.Triggers().ClientHidden()
	}
}

func (h *WSHandler) attach(sessionID uuid.UUID) {
	h.mu.Lock()
	h.conns[sessionID]++
	h.mu.Unlock()
}

// detach returns how many connections remain open for the session.
func (h *WSHandler) detach(sessionID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.conns[sessionID] - 1
	if n <= 0 {
		delete(h.conns, sessionID)
		return 0
	}
	h.conns[sessionID] = n
	return n
}

func (h *WSHandler) readLoop(ctx context.Context, st *stream, participantID int) {
	for {
		var msg ws.RequestPayload
		if err := st.conn.ReadRequest(&msg); err != nil {
			var (
				syntaxErr *json.SyntaxError
				typeErr   *json.UnmarshalTypeError
			)
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				st.conn.WriteError(string(response.ErrInvalidPayload), "malformed message")
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				st.log.Warn().Err(err).Msg("Unexpected close")
			} else {
				st.log.Debug().Msg("Connection closed")
			}
			return
		}

		switch msg.Action {
		case ws.ActionPing:
			st.conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
		case ws.ActionConfirm:
			st.conn.WriteTyped(ws.ConfirmationResponse{Event: ws.EventConfirmation, Data: st.sess.Triggers().Confirm()})
		case ws.ActionAnswer:
			if st.rejectFinished() {
				continue
			}
			if err := st.sess.SetAnswer(msg.QuestionID, msg.Option); err != nil {
				st.conn.WriteError(string(response.ErrInvalidAnswer), err.Error())
				continue
			}
			st.conn.WriteTyped(ws.SavedResponse{Event: ws.EventSaved, QuestionID: msg.QuestionID})
		case ws.ActionFlag:
			if st.rejectFinished() {
				continue
			}
			if err := st.sess.SetFlag(msg.QuestionID, msg.Flagged); err != nil {
				st.conn.WriteError(string(response.ErrInvalidAnswer), err.Error())
				continue
			}
			st.conn.WriteTyped(ws.SavedResponse{Event: ws.EventSaved, QuestionID: msg.QuestionID})
		case ws.ActionSubmit:
			if st.rejectFinished() {
				continue
			}
			_, err := st.sess.Triggers().Submit(ctx, model.TriggerExplicit)
			switch {
			case err == nil, errors.Is(err, attempt.ErrAlreadySubmitted):
				st.sendTerminal()
			case errors.Is(err, attempt.ErrStoreUnavailable):
				st.log.Warn().Err(err).Msg("Explicit submit not persisted")
				st.conn.WriteError(string(response.ErrSubmitPending), response.GetMessage(response.ErrSubmitPending))
			default:
				st.log.Error().Err(err).Msg("Submit failed")
				st.conn.WriteError(string(response.ErrInternal), response.GetMessage(response.ErrInternal))
			}
		case ws.ActionVisibility:
			if err := h.attempts.Visibility(st.sess.ID(), participantID, msg.State); err != nil {
				st.conn.WriteError(string(response.ErrValidation), err.Error())
			}
		default:
			st.log.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			st.conn.WriteError(string(response.ErrInvalidPayload), "unknown action: "+string(msg.Action))
		}
	}
}

// stream is the per-connection state shared by the read loop and the
// finalize watcher.
type stream struct {
	sess *attempt.Session
	conn *ws.Conn
	log  zerolog.Logger
	sent atomic.Bool
}

func (st *stream) finished() bool {
	select {
	case <-st.sess.Done():
		return true
	default:
		return false
	}
}

// sendTerminal pushes the single graded or already_submitted event of this connection.
func (st *stream) sendTerminal() {
	if !st.sent.CompareAndSwap(false, true) {
		return
	}
	if out, ok := st.sess.Outcome(); ok {
		st.conn.WriteTyped(ws.GradedResponse{Event: ws.EventGraded, Data: out})
		return
	}
	st.conn.WriteTyped(ws.AlreadySubmittedResponse{Event: ws.EventAlreadySubmitted})
}

// rejectFinished answers a write against a finalized session and reports
// whether it did.
func (st *stream) rejectFinished() bool {
	if !st.finished() {
		return false
	}
	if st.sent.Load() {
		st.conn.WriteTyped(ws.AlreadySubmittedResponse{Event: ws.EventAlreadySubmitted})
	} else {
		st.sendTerminal()
	}
	return true
}
