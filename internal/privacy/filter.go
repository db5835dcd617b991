// Package privacy decides which events may cross the sync boundary and
// redacts event fields before they do. Both functions are pure: the sync
// orchestrator calls them per event and never sees the rules behind them.
package privacy

import (
	"github.com/calendar-bridge/backend/internal/storage/models"
)

// BusyPlaceholder replaces the title of events synced in busy-only mode.
const BusyPlaceholder = "Busy"

// Eligible reports whether a local event may be exported under the given
// settings. Ineligible events never acquire an event sync mapping.
func Eligible(e *models.Event, settings models.SyncSettings) bool {
	if e.Status == models.EventStatusCancelled {
		return false
	}

	for _, category := range settings.ExcludeCategories {
		if e.Category == category {
			return false
		}
	}

	return true
}

// Transform returns a copy of the event with fields redacted per the
// settings' visibility flags. The original event is never modified.
func Transform(e *models.Event, settings models.SyncSettings) *models.Event {
	out := *e

	if settings.BusyOnly {
		out.Title = BusyPlaceholder
		out.Description = ""
		out.Location = ""
		return &out
	}

	if !settings.ShareTitle {
		out.Title = BusyPlaceholder
	}
	if !settings.ShareDescription {
		out.Description = ""
	}
	if !settings.ShareLocation {
		out.Location = ""
	}

	return &out
}

// VisibleFields lists the canonical field names the settings allow across the
// boundary. The conflict detector compares only these fields, so a diff in a
// redacted field never raises a mismatch.
func VisibleFields(settings models.SyncSettings) map[string]bool {
	if settings.BusyOnly {
		return map[string]bool{"start_time": true, "end_time": true}
	}

	fields := map[string]bool{"start_time": true, "end_time": true}
	if settings.ShareTitle {
		fields["title"] = true
	}
	if settings.ShareDescription {
		fields["description"] = true
	}
	if settings.ShareLocation {
		fields["location"] = true
	}
	return fields
}
