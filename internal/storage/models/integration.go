// Package models contains the domain models for the application.
package models

import (
	"time"
)

// Integration represents one user's authorized connection to one external
// calendar provider account.
type Integration struct {
	ID                string       `json:"id"`
	UserID            string       `json:"user_id"`
	Provider          string       `json:"provider"`
	ProviderAccountID string       `json:"provider_account_id"`
	AccessToken       string       `json:"-"`
	RefreshToken      string       `json:"-"`
	TokenExpiresAt    time.Time    `json:"token_expires_at"`
	IsActive          bool         `json:"is_active"`
	SyncEnabled       bool         `json:"sync_enabled"`
	LastSyncAt        *time.Time   `json:"last_sync_at,omitempty"`
	SyncError         *string      `json:"sync_error,omitempty"`
	Settings          SyncSettings `json:"settings"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Provider constants
const (
	ProviderGoogle = "google"
	ProviderCalDAV = "caldav"
)

// Sync direction constants
const (
	DirectionImport        = "import"
	DirectionExport        = "export"
	DirectionBidirectional = "bidirectional"
)

// Resolution policy constants
const (
	PolicyAutoLocal  = "auto_local"
	PolicyAutoRemote = "auto_remote"
	PolicyManual     = "manual"
)

// SyncSettings holds per-integration sync behavior. Stored as a JSON column
// on the integration row; a pass reads one snapshot at its start and uses it
// for the whole pass.
type SyncSettings struct {
	Direction         string   `json:"direction"`
	Policy            string   `json:"policy"`
	CalendarID        string   `json:"calendar_id"`
	SyncIntervalMin   int      `json:"sync_interval_min"`
	ShareTitle        bool     `json:"share_title"`
	ShareDescription  bool     `json:"share_description"`
	ShareLocation     bool     `json:"share_location"`
	BusyOnly          bool     `json:"busy_only"`
	ExcludeCategories []string `json:"exclude_categories,omitempty"`
}

// DefaultSyncSettings returns the settings applied to a newly connected
// integration.
func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		Direction:        DirectionBidirectional,
		Policy:           PolicyManual,
		CalendarID:       "primary",
		SyncIntervalMin:  15,
		ShareTitle:       true,
		ShareDescription: true,
		ShareLocation:    true,
	}
}

// ImportsRemote returns true if the sync direction pulls remote events in.
func (s SyncSettings) ImportsRemote() bool {
	return s.Direction == DirectionImport || s.Direction == DirectionBidirectional
}

// ExportsLocal returns true if the sync direction pushes local events out.
func (s SyncSettings) ExportsLocal() bool {
	return s.Direction == DirectionExport || s.Direction == DirectionBidirectional
}

// Syncable returns true if the integration is eligible for a sync pass.
func (i *Integration) Syncable() bool {
	return i.IsActive && i.SyncEnabled
}

// TokenExpiresWithin returns true if the access token expires inside the
// given margin (or already has).
func (i *Integration) TokenExpiresWithin(now time.Time, margin time.Duration) bool {
	return i.TokenExpiresAt.Before(now.Add(margin))
}
