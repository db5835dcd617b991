package models

import (
	"time"
)

// Conflict records a detected divergence between one local event and its
// remote counterpart. It stays unresolved (queryable, surfaced to the user)
// until explicitly resolved; resolution is terminal. A later divergence on
// the same event produces a new Conflict row.
type Conflict struct {
	ID            string     `json:"id"`
	IntegrationID string     `json:"integration_id"`
	EventID       string     `json:"event_id"`
	ExternalID    string     `json:"external_id,omitempty"`
	ConflictType  string     `json:"conflict_type"`
	Description   string     `json:"description"`
	LocalData     *string    `json:"local_data,omitempty"`
	ExternalData  *string    `json:"external_data,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	Resolution    *string    `json:"resolution,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy    *string    `json:"resolved_by,omitempty"`
}

// Conflict type constants, in detection priority order: deletions take
// precedence over field diffs, and a double edit outranks a one-sided diff.
const (
	ConflictDeletedRemotely = "deleted_remotely"
	ConflictDeletedLocally  = "deleted_locally"
	ConflictDoubleEdit      = "double_edit"
	ConflictFieldMismatch   = "field_mismatch"
)

// Resolution constants
const (
	ResolutionKeepLocal    = "keep_local"
	ResolutionKeepExternal = "keep_external"
	ResolutionIgnore       = "ignore"
	ResolutionMerge        = "merge"
)

// IsResolved returns true once the conflict has a terminal resolution.
func (c *Conflict) IsResolved() bool {
	return c.Resolution != nil && c.ResolvedAt != nil
}
