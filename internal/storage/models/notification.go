package models

import (
	"time"
)

// Notification is a user-facing record of a sync outcome. Only the
// notification emitter creates these; the orchestrator never writes them
// directly.
type Notification struct {
	ID            string    `json:"id"`
	IntegrationID string    `json:"integration_id"`
	UserID        string    `json:"user_id"`
	Type          string    `json:"type"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	Severity      string    `json:"severity"`
	IsRead        bool      `json:"is_read"`
	CreatedAt     time.Time `json:"created_at"`
	Data          *string   `json:"data,omitempty"`
}

// Notification type constants
const (
	NotificationSyncCompleted     = "sync_completed"
	NotificationSyncFailed        = "sync_failed"
	NotificationSyncPartial       = "sync_partial"
	NotificationConflictDetected  = "conflict_detected"
	NotificationReconnectRequired = "reconnect_required"
)

// Notification severity constants
const (
	SeverityInfo    = "info"
	SeveritySuccess = "success"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// NotificationData is the structured payload serialized into the Data column.
type NotificationData struct {
	SyncID          string `json:"sync_id,omitempty"`
	ConflictID      string `json:"conflict_id,omitempty"`
	EventsProcessed int    `json:"events_processed,omitempty"`
	ErrorCount      int    `json:"error_count,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
}
