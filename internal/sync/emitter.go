package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/calendar-bridge/backend/internal/storage"
	"github.com/calendar-bridge/backend/internal/storage/models"
)

// Channel delivers a notification to the user out-of-band (websocket, push).
// Delivery is fire-and-forget: a channel failure never fails a sync pass.
type Channel interface {
	Notify(userID string, n *models.Notification)
}

// Emitter converts sync outcomes into user-facing notification records. It
// is the only component that creates notifications; the orchestrator reports
// outcomes to it and never writes notification rows itself.
type Emitter struct {
	notifications *storage.NotificationRepository
	channel       Channel
}

// NewEmitter creates a notification emitter. channel may be nil.
func NewEmitter(notifications *storage.NotificationRepository, channel Channel) *Emitter {
	return &Emitter{notifications: notifications, channel: channel}
}

// PassCompleted emits one notification summarizing a finished pass.
// Per-event failures are aggregated into a single warning rather than one
// notification each; conflicts point the user at the conflict list.
func (e *Emitter) PassCompleted(ctx context.Context, in *models.Integration, result *models.SyncResult) {
	n := &models.Notification{
		IntegrationID: in.ID,
		UserID:        in.UserID,
		Type:          models.NotificationSyncCompleted,
		Severity:      models.SeveritySuccess,
		Title:         "Calendar sync completed",
		Message:       fmt.Sprintf("Synced %d events with %s", result.EventsProcessed, in.Provider),
	}

	if len(result.Errors) > 0 {
		n.Type = models.NotificationSyncPartial
		n.Severity = models.SeverityWarning
		n.Title = "Calendar sync completed with errors"
		n.Message = fmt.Sprintf("Synced %d events with %s; %d failed",
			result.EventsProcessed-len(result.Errors), in.Provider, len(result.Errors))
	}

	if result.ConflictsCreated > 0 {
		n.Type = models.NotificationConflictDetected
		n.Severity = models.SeverityWarning
		n.Title = "Calendar sync needs attention"
		n.Message = fmt.Sprintf("%d conflicts need resolution for your %s calendar",
			result.ConflictsCreated, in.Provider)
	}

	e.emit(ctx, n, models.NotificationData{
		SyncID:          result.SyncEventID,
		EventsProcessed: result.EventsProcessed,
		ErrorCount:      len(result.Errors),
	})
}

// PassFailed emits an error notification for a fatally failed pass.
func (e *Emitter) PassFailed(ctx context.Context, in *models.Integration, syncEventID, errCode, message string) {
	e.emit(ctx, &models.Notification{
		IntegrationID: in.ID,
		UserID:        in.UserID,
		Type:          models.NotificationSyncFailed,
		Severity:      models.SeverityError,
		Title:         "Calendar sync failed",
		Message:       message,
	}, models.NotificationData{SyncID: syncEventID, ErrorCode: errCode})
}

// ReconnectRequired emits the dedicated notification for a revoked or
// expired grant: the user must re-authorize the integration.
func (e *Emitter) ReconnectRequired(ctx context.Context, in *models.Integration) {
	e.emit(ctx, &models.Notification{
		IntegrationID: in.ID,
		UserID:        in.UserID,
		Type:          models.NotificationReconnectRequired,
		Severity:      models.SeverityError,
		Title:         "Calendar reconnection required",
		Message:       fmt.Sprintf("Access to your %s calendar was revoked. Reconnect to resume syncing.", in.Provider),
	}, models.NotificationData{ErrorCode: ErrCodeTokenExpired})
}

func (e *Emitter) emit(ctx context.Context, n *models.Notification, data models.NotificationData) {
	if encoded, err := json.Marshal(data); err == nil {
		s := string(encoded)
		n.Data = &s
	}

	if err := e.notifications.Create(ctx, n); err != nil {
		log.Printf("Failed to persist notification for integration %s: %v", n.IntegrationID, err)
		return
	}

	if e.channel != nil {
		e.channel.Notify(n.UserID, n)
	}
}
