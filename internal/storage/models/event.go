package models

import (
	"time"
)

// Event is the canonical calendar event model, independent of any provider's
// wire representation. Provider adapters translate to and from this type.
type Event struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     time.Time  `json:"end_time"`
	AllDay      bool       `json:"all_day"`
	Category    string     `json:"category,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Event status constants
const (
	EventStatusConfirmed = "confirmed"
	EventStatusTentative = "tentative"
	EventStatusCancelled = "cancelled"
)

// IsDeleted returns true if the event has been soft-deleted locally.
// Deleted events are retained so a sync pass can distinguish a local
// deletion from an event that never existed.
func (e *Event) IsDeleted() bool {
	return e.DeletedAt != nil
}

// RemoteEvent is an event as seen at the provider, paired with the provider's
// identifier for it. UpdatedAt carries the provider's last-modified time and
// drives double-edit detection.
type RemoteEvent struct {
	ExternalID  string    `json:"external_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	AllDay      bool      `json:"all_day"`
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
}
