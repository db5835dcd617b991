package models

import (
	"time"
)

// EventSync maps a local event to its remote counterpart for one provider.
// Its existence is what makes repeated passes idempotent: a local event with
// a mapping is "already mirrored", one without is "new". Unique on
// (event_id, provider).
type EventSync struct {
	ID            string     `json:"id"`
	EventID       string     `json:"event_id"`
	IntegrationID string     `json:"integration_id"`
	Provider      string     `json:"provider"`
	ExternalID    string     `json:"external_id"`
	SyncStatus    string     `json:"sync_status"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
}

// EventSync status constants
const (
	EventSyncPending = "pending"
	EventSyncSynced  = "synced"
	EventSyncFailed  = "failed"
)
