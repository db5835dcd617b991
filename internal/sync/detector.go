package sync

import (
	"fmt"
	"strings"
	"time"

	"github.com/calendar-bridge/backend/internal/storage/models"
)

// Detect classifies the divergence between a mapped local/remote event pair.
// Returns one of the models.Conflict* type constants, or "" when the pair is
// converged.
//
// The local event is expected to already be privacy-transformed, so the
// field comparison matches what actually crossed the boundary; visible
// limits the comparison to fields the settings allow across it.
//
// Rule order matters: a deletion always outranks a field diff, and a true
// double edit (both sides changed since the mapping's last sync) must be
// distinguished from a one-sided edit.
func Detect(local *models.Event, remote *models.RemoteEvent, mapping *models.EventSync, visible map[string]bool) string {
	localDeleted := local == nil || local.IsDeleted()
	remoteDeleted := remote == nil || remote.Status == models.EventStatusCancelled

	switch {
	case remoteDeleted && localDeleted:
		// Both sides gone: converged, the caller just unlinks the mapping.
		return ""
	case remoteDeleted:
		if mapping.SyncStatus == models.EventSyncSynced {
			return models.ConflictDeletedRemotely
		}
		return ""
	case localDeleted:
		return models.ConflictDeletedLocally
	}

	if mapping.LastSyncAt != nil &&
		local.UpdatedAt.After(*mapping.LastSyncAt) &&
		remote.UpdatedAt.After(*mapping.LastSyncAt) {
		return models.ConflictDoubleEdit
	}

	if len(FieldDiffs(local, remote, visible)) > 0 {
		return models.ConflictFieldMismatch
	}

	return ""
}

// FieldDiffs lists the visible fields on which the pair diverges, for
// conflict descriptions and mismatch detection.
func FieldDiffs(local *models.Event, remote *models.RemoteEvent, visible map[string]bool) []string {
	var diffs []string

	if visible["title"] && local.Title != remote.Title {
		diffs = append(diffs, "title")
	}
	if visible["start_time"] && !sameInstant(local.StartTime, remote.StartTime) {
		diffs = append(diffs, "start_time")
	}
	if visible["end_time"] && !sameInstant(local.EndTime, remote.EndTime) {
		diffs = append(diffs, "end_time")
	}
	if visible["location"] && local.Location != remote.Location {
		diffs = append(diffs, "location")
	}
	if visible["description"] && local.Description != remote.Description {
		diffs = append(diffs, "description")
	}

	return diffs
}

// DescribeConflict produces the human-readable description stored on a
// conflict row.
func DescribeConflict(conflictType string, local *models.Event, remote *models.RemoteEvent, visible map[string]bool) string {
	switch conflictType {
	case models.ConflictDeletedRemotely:
		return "Event was deleted at the provider but still exists locally"
	case models.ConflictDeletedLocally:
		return "Event was deleted locally but still exists at the provider"
	case models.ConflictDoubleEdit:
		return "Event was edited on both sides since the last sync"
	case models.ConflictFieldMismatch:
		diffs := FieldDiffs(local, remote, visible)
		return fmt.Sprintf("Fields differ between local and remote: %s", strings.Join(diffs, ", "))
	default:
		return ""
	}
}

// sameInstant compares timestamps as instants, tolerating sub-second
// precision loss at providers that round to whole seconds.
func sameInstant(a, b time.Time) bool {
	return a.Truncate(time.Second).Equal(b.Truncate(time.Second))
}
