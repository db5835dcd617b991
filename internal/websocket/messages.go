package websocket

import (
	"encoding/json"
	"time"
)

// MessageType identifies the type of WebSocket message.
type MessageType string

const (
	// Server -> Client event types
	TypeNotification     MessageType = "notification"
	TypeSyncCompleted    MessageType = "sync.completed"
	TypeSyncFailed       MessageType = "sync.failed"
	TypeConflictDetected MessageType = "sync.conflict_detected"
	TypeSyncStarted      MessageType = "sync.started"

	// Client -> Server command types
	TypePing MessageType = "ping"

	// Server -> Client response types
	TypePong  MessageType = "pong"
	TypeError MessageType = "error"
)

// Message represents a WebSocket message envelope.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload"`
}

// NewMessage creates a new message with the current timestamp.
func NewMessage(msgType MessageType, payload any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// JSON serializes the message to JSON bytes.
func (m Message) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// NotificationPayload is the payload for notification events.
type NotificationPayload struct {
	ID            string  `json:"id"`
	IntegrationID string  `json:"integration_id"`
	Type          string  `json:"notification_type"`
	Severity      string  `json:"severity"`
	Title         string  `json:"title"`
	Message       string  `json:"message"`
	Data          *string `json:"data,omitempty"`
}

// SyncStartedPayload is the payload for sync.started events.
type SyncStartedPayload struct {
	IntegrationID string `json:"integration_id"`
	Provider      string `json:"provider"`
	Operation     string `json:"operation"`
}

// ErrorPayload is the payload for error messages.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
