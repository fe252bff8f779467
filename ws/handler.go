package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hibiken/asynq"
	"golang.org/x/time/rate"

	"github.com/mohans/legalpipe/hub"
	"github.com/mohans/legalpipe/tasks"
)

// Inbound message types on the real-time wire protocol.
const (
	MsgTyping             = "typing"
	MsgChatMessage        = "chat_message"
	MsgJurisdictionUpdate = "jurisdiction_update"
	MsgRequestContext     = "request_context"
)

// inbound rate limit: sustained 10 msg/s with a burst of 20 per connection.
const (
	inboundRate  = 10
	inboundBurst = 20
)

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type typingPayload struct {
	IsTyping bool `json:"is_typing"`
}

type chatPayload struct {
	Message    string `json:"message"`
	DocumentID string `json:"document_id,omitempty"`
}

// Handler upgrades HTTP requests and speaks the wire protocol between
// connections and the hub.
type Handler struct {
	hub      *hub.Hub
	enqueuer tasks.Enqueuer
	log      *slog.Logger
	idlePing time.Duration
	upgrader websocket.Upgrader
}

func NewHandler(h *hub.Hub, enqueuer tasks.Enqueuer, log *slog.Logger, idlePing time.Duration) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if idlePing <= 0 {
		idlePing = 30 * time.Second
	}
	return &Handler{
		hub:      h,
		enqueuer: enqueuer,
		log:      log,
		idlePing: idlePing,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth happens upstream; the session layer is origin-agnostic.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve is the gin handler for GET /ws/:session?user_id=...
func (h *Handler) Serve(c *gin.Context) {
	sessionID := c.Param("session")
	userID := c.Query("user_id")
	if sessionID == "" || userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session and user_id required"})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "err", err)
		return
	}
	cl := newClient(conn)
	h.hub.Join(cl, sessionID, userID)
	go cl.writePump(h.idlePing, h.log)
	go h.readPump(cl, sessionID, userID)
}

func (h *Handler) readPump(cl *client, sessionID, userID string) {
	defer h.hub.Leave(cl, sessionID)
	lim := rate.NewLimiter(rate.Limit(inboundRate), inboundBurst)
	for {
		_, raw, err := cl.ws.ReadMessage()
		if err != nil {
			return
		}
		cl.touch()
		if !lim.Allow() {
			h.protocolError(cl, "rate limit exceeded")
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.protocolError(cl, "malformed payload")
			continue
		}
		h.dispatch(cl, sessionID, userID, msg)
	}
}

// dispatch handles one inbound message. Protocol errors go back only to the
// offending connection; it stays open.
func (h *Handler) dispatch(cl *client, sessionID, userID string, msg inboundMessage) {
	switch msg.Type {
	case MsgTyping:
		var p typingPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			h.protocolError(cl, "malformed typing payload")
			return
		}
		h.hub.Typing(sessionID, userID, p.IsTyping)

	case MsgChatMessage:
		var p chatPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Message == "" {
			h.protocolError(cl, "malformed chat payload")
			return
		}
		h.hub.Broadcast(sessionID, hub.Event{Type: hub.EventUserMessage, Payload: map[string]any{
			"session_id": sessionID, "user_id": userID, "message": p.Message,
		}}, nil)
		if h.enqueuer == nil {
			return
		}
		taskID, err := h.enqueuer.Submit(context.Background(), tasks.TypeChatResponse, tasks.ChatPayload{
			SessionID:  sessionID,
			UserID:     userID,
			DocumentID: p.DocumentID,
			Message:    p.Message,
		}, asynq.MaxRetry(0))
		if err != nil {
			h.log.Warn("chat task submit failed", "session_id", sessionID, "err", err)
			h.protocolError(cl, "chat unavailable")
			return
		}
		h.hub.WatchTask(taskID, sessionID, userID)

	case MsgJurisdictionUpdate:
		// Relay as-is to the rest of the session.
		h.hub.Broadcast(sessionID, hub.Event{Type: MsgJurisdictionUpdate, Payload: msg.Payload}, cl)

	case MsgRequestContext:
		ctx := h.hub.Context(sessionID)
		cl.Send(hub.Event{Type: hub.EventSessionContext, Payload: ctx}.Encode())

	default:
		h.protocolError(cl, "unknown message type: "+msg.Type)
	}
}

func (h *Handler) protocolError(cl *client, message string) {
	cl.Send(hub.Event{Type: hub.EventError, Payload: hub.ErrorEvent{Message: message}}.Encode())
}
