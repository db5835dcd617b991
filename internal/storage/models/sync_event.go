package models

import (
	"time"
)

// SyncEvent records one execution attempt of the sync algorithm for one
// integration (a "pass"). It is created PENDING when the pass is admitted by
// the concurrency guard and transitions terminally to synced or failed; a
// retry creates a new SyncEvent with an incremented RetryCount rather than
// reopening a terminal one.
type SyncEvent struct {
	ID               string     `json:"id"`
	IntegrationID    string     `json:"integration_id"`
	Operation        string     `json:"operation"`
	Direction        string     `json:"direction"`
	Status           string     `json:"status"`
	ScheduledAt      time.Time  `json:"scheduled_at"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
	Error            *string    `json:"error,omitempty"`
	RetryCount       int        `json:"retry_count"`
	EventsProcessed  int        `json:"events_processed"`
	ConflictsCreated int        `json:"conflicts_created"`
	ErrorCount       int        `json:"error_count"`
}

// Sync operation constants
const (
	OperationSync = "sync"
	OperationPush = "push"
	OperationPull = "pull"
)

// SyncEvent status constants
const (
	SyncEventPending = "pending"
	SyncEventSynced  = "synced"
	SyncEventFailed  = "failed"
)

// Duration returns the wall-clock duration of the pass, or zero if it has
// not reached a terminal state yet.
func (s *SyncEvent) Duration() time.Duration {
	if s.ProcessedAt == nil {
		return 0
	}
	return s.ProcessedAt.Sub(s.ScheduledAt)
}

// SyncResult summarizes one completed pass for callers of the orchestrator.
type SyncResult struct {
	IntegrationID    string      `json:"integration_id"`
	SyncEventID      string      `json:"sync_event_id"`
	Success          bool        `json:"success"`
	EventsProcessed  int         `json:"events_processed"`
	ConflictsCreated int         `json:"conflicts_created"`
	Errors           []SyncError `json:"errors,omitempty"`
	SyncedAt         time.Time   `json:"synced_at"`
}

// SyncError describes a per-event failure that did not abort the pass.
type SyncError struct {
	EventID    string `json:"event_id,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	Op         string `json:"op"`
	Message    string `json:"message"`
}
