// Package notifications implements the live channel: per-user and per-room
// websocket fan-out, mirrored across processes over Redis pub/sub.
package notifications

import (
	"encoding/json"
	"fmt"
)

// Client to server events.
const (
	EventJoinChat         = "join-chat"
	EventLeaveChat        = "leave-chat"
	EventSendMessage      = "send-message"
	EventTyping           = "typing"
	EventStopTyping       = "stop-typing"
	EventUserOnline       = "user_online"
	EventNotificationRead = "notification_read"
)

// Server to client events.
const (
	EventConnected         = "connected"
	EventJoinedChat        = "joined-chat"
	EventReceiveMessage    = "receive-message"
	EventMessageEdited     = "message-edited"
	EventMessagesRead      = "messages-read"
	EventUserTyping        = "user-typing"
	EventUserStopTyping    = "user-stop-typing"
	EventNewNotification   = "new_notification"
	EventUnreadCountUpdate = "unread_count_update"
	EventUserStatus        = "user_status"
	EventMessagesDropped   = "messages_dropped"
	EventError             = "error"
)

// Envelope is the wire frame for every live event in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals payload into an envelope of the given type.
func Encode(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Type: event, Payload: raw})
}

// Decode parses an inbound frame.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("missing event type")
	}
	return env, nil
}
