package sync

import (
	"github.com/calendar-bridge/backend/internal/storage/models"
)

// Convergence actions a resolution requires. The orchestrator (or the manual
// resolve handler) performs the action's write first and only then marks the
// conflict resolved; a resolution record must never exist without its
// convergence write having succeeded.
const (
	ActionPushRemote   = "push_remote"   // overwrite or recreate the remote event from local state
	ActionPullLocal    = "pull_local"    // overwrite or recreate the local event from remote state
	ActionDeleteRemote = "delete_remote" // delete the remote event and unlink the mapping
	ActionDeleteLocal  = "delete_local"  // soft-delete the local event and unlink the mapping
	ActionUnlink       = "unlink"        // drop the mapping, leave both sides as they are
)

// Resolution pairs the recorded outcome with the convergence action that
// makes it true.
type Resolution struct {
	Outcome string
	Action  string
}

// Resolve applies a resolution policy to a detected conflict type. Returns
// nil when the policy is manual or the conflict requires human judgment:
// a double edit is never auto-resolved regardless of policy, the safer
// reading of "both sides changed".
func Resolve(conflictType, policy string) *Resolution {
	if conflictType == models.ConflictDoubleEdit {
		return nil
	}

	switch policy {
	case models.PolicyAutoLocal:
		switch conflictType {
		case models.ConflictDeletedRemotely, models.ConflictFieldMismatch:
			return &Resolution{Outcome: models.ResolutionKeepLocal, Action: ActionPushRemote}
		case models.ConflictDeletedLocally:
			// Local intent was deletion: propagate it.
			return &Resolution{Outcome: models.ResolutionKeepLocal, Action: ActionDeleteRemote}
		}
	case models.PolicyAutoRemote:
		switch conflictType {
		case models.ConflictDeletedLocally, models.ConflictFieldMismatch:
			return &Resolution{Outcome: models.ResolutionKeepExternal, Action: ActionPullLocal}
		case models.ConflictDeletedRemotely:
			return &Resolution{Outcome: models.ResolutionKeepExternal, Action: ActionDeleteLocal}
		}
	}

	return nil
}

// ManualResolution maps a user-chosen outcome to its convergence action for
// a given conflict type. Returns nil for outcomes that make no sense for the
// conflict (there is nothing to merge for a deletion).
func ManualResolution(conflictType, outcome string) *Resolution {
	switch outcome {
	case models.ResolutionKeepLocal:
		if conflictType == models.ConflictDeletedLocally {
			return &Resolution{Outcome: outcome, Action: ActionDeleteRemote}
		}
		return &Resolution{Outcome: outcome, Action: ActionPushRemote}
	case models.ResolutionKeepExternal:
		if conflictType == models.ConflictDeletedRemotely {
			return &Resolution{Outcome: outcome, Action: ActionDeleteLocal}
		}
		return &Resolution{Outcome: outcome, Action: ActionPullLocal}
	case models.ResolutionIgnore:
		return &Resolution{Outcome: outcome, Action: ActionUnlink}
	}

	return nil
}
