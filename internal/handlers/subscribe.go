package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/duplex-chat/duplex/internal/api/middleware"
	"github.com/duplex-chat/duplex/internal/bus"
)

const pongWait = 60 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Bearer tokens authenticate sessions, not cookies, so cross-origin
	// upgrades carry no ambient credentials.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type subscribeRequest struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversation_id"`
}

// Subscribe upgrades the request to a websocket session and streams events.
// The session starts on the caller's conversation index; conversation feeds
// are joined with {"action":"subscribe","conversation_id":"..."} and left
// with "unsubscribe". All writes go through the bus connection.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromContext(r.Context())

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := bus.NewConnection(userID, ws)
	h.bus.Attach(conn)
	defer func() {
		h.bus.Detach(conn)
		conn.Close(websocket.CloseNormalClosure, "")
	}()

	h.logger.Info().
		Str("session_id", conn.ID).
		Str("user_id", userID).
		Msg("session attached")

	ws.SetReadLimit(1024)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req subscribeRequest
		if err := ws.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug().
					Str("session_id", conn.ID).
					Err(err).
					Msg("session read failed")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))
		h.handleSubscribeAction(r, conn, req)
	}
}

func (h *Handler) handleSubscribeAction(r *http.Request, conn *bus.Connection, req subscribeRequest) {
	convID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		h.sessionError(conn, "invalid conversation_id")
		return
	}

	switch req.Action {
	case "subscribe":
		p, err := h.ds.GetParticipant(r.Context(), convID, conn.UserID)
		if err != nil {
			h.sessionError(conn, "service unavailable")
			return
		}
		if p == nil {
			h.sessionError(conn, "not a participant of this conversation")
			return
		}
		h.bus.SubscribeConversation(conn, convID)
	case "unsubscribe":
		h.bus.UnsubscribeConversation(conn, convID)
	default:
		h.sessionError(conn, "unknown action")
	}
}

// sessionError pushes an error event over the session. Best-effort, like all
// bus traffic.
func (h *Handler) sessionError(conn *bus.Connection, message string) {
	payload, err := json.Marshal(bus.Event{
		Type:    bus.EventTypeError,
		Payload: map[string]string{"error": message},
	})
	if err != nil {
		return
	}
	_ = conn.Send(payload)
}
