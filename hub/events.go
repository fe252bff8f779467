// Package hub implements in-process real-time fan-out of events to
// connections grouped by session. Hub state is process-local: replicas of
// the API server hold disjoint hubs, so producers and consumers of a
// session's events must be colocated. Multi-replica delivery would need an
// external pub/sub layer.
package hub

import "encoding/json"

// Outbound event types on the real-time wire protocol.
const (
	EventSessionJoined  = "session_joined"
	EventUserJoined     = "user_joined"
	EventUserLeft       = "user_left"
	EventTypingUpdate   = "typing_update"
	EventUserMessage    = "user_message"
	EventAITyping       = "ai_typing"
	EventAIMessage      = "ai_message"
	EventAIError        = "ai_error"
	EventSessionContext = "session_context"
	EventTaskProgress   = "task_progress"
	EventError          = "error"
	EventPing           = "ping"
)

// Event is the JSON envelope every outbound message uses.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Encode marshals the envelope for the wire.
func (e Event) Encode() []byte {
	raw, err := json.Marshal(e)
	if err != nil {
		// Payloads are our own structs/maps; a marshal failure is a bug.
		return []byte(`{"type":"error","payload":{"message":"encode failure"}}`)
	}
	return raw
}

// UserEvent is the payload for user_joined / user_left.
type UserEvent struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// TypingEvent is the payload for typing_update.
type TypingEvent struct {
	SessionID   string   `json:"session_id"`
	UserID      string   `json:"user_id"`
	IsTyping    bool     `json:"is_typing"`
	TypingUsers []string `json:"typing_users"`
}

// SessionContext is the payload for session_joined and session_context.
type SessionContext struct {
	SessionID   string   `json:"session_id"`
	Users       []string `json:"users"`
	TypingUsers []string `json:"typing_users"`
}

// ErrorEvent is sent only to the offending connection on protocol errors.
type ErrorEvent struct {
	Message string `json:"message"`
}
