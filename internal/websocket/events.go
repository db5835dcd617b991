package websocket

import (
	"log"

	"github.com/calendar-bridge/backend/internal/storage/models"
)

// Broadcaster pushes sync engine events to connected clients. It satisfies
// the sync package's notification channel, so the emitter delivers every
// persisted notification here as well.
type Broadcaster struct {
	hub *Hub
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub}
}

// Notify delivers a persisted notification to the user's connections.
func (b *Broadcaster) Notify(userID string, n *models.Notification) {
	payload := NotificationPayload{
		ID:            n.ID,
		IntegrationID: n.IntegrationID,
		Type:          n.Type,
		Severity:      n.Severity,
		Title:         n.Title,
		Message:       n.Message,
		Data:          n.Data,
	}

	b.send(userID, NewMessage(messageTypeFor(n.Type), payload))
}

// NotifySyncStarted tells the user's connections that a pass was admitted.
func (b *Broadcaster) NotifySyncStarted(userID string, in *models.Integration, operation string) {
	b.send(userID, NewMessage(TypeSyncStarted, SyncStartedPayload{
		IntegrationID: in.ID,
		Provider:      in.Provider,
		Operation:     operation,
	}))
}

func (b *Broadcaster) send(userID string, msg Message) {
	data, err := msg.JSON()
	if err != nil {
		log.Printf("Error encoding WebSocket message: %v", err)
		return
	}

	b.hub.Send(userID, data)
}

// messageTypeFor maps a notification type to its realtime message type.
func messageTypeFor(notificationType string) MessageType {
	switch notificationType {
	case models.NotificationSyncCompleted, models.NotificationSyncPartial:
		return TypeSyncCompleted
	case models.NotificationSyncFailed, models.NotificationReconnectRequired:
		return TypeSyncFailed
	case models.NotificationConflictDetected:
		return TypeConflictDetected
	default:
		return TypeNotification
	}
}
