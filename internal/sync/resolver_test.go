package sync

import (
	"testing"

	"github.com/calendar-bridge/backend/internal/storage/models"
)

func TestResolveAutoLocal(t *testing.T) {
	tests := []struct {
		conflictType string
		wantOutcome  string
		wantAction   string
	}{
		{models.ConflictFieldMismatch, models.ResolutionKeepLocal, ActionPushRemote},
		{models.ConflictDeletedRemotely, models.ResolutionKeepLocal, ActionPushRemote},
		{models.ConflictDeletedLocally, models.ResolutionKeepLocal, ActionDeleteRemote},
	}

	for _, tt := range tests {
		t.Run(tt.conflictType, func(t *testing.T) {
			got := Resolve(tt.conflictType, models.PolicyAutoLocal)
			if got == nil {
				t.Fatal("Resolve() = nil, want a resolution")
			}
			if got.Outcome != tt.wantOutcome || got.Action != tt.wantAction {
				t.Errorf("Resolve() = {%s, %s}, want {%s, %s}", got.Outcome, got.Action, tt.wantOutcome, tt.wantAction)
			}
		})
	}
}

func TestResolveAutoRemote(t *testing.T) {
	tests := []struct {
		conflictType string
		wantOutcome  string
		wantAction   string
	}{
		{models.ConflictFieldMismatch, models.ResolutionKeepExternal, ActionPullLocal},
		{models.ConflictDeletedLocally, models.ResolutionKeepExternal, ActionPullLocal},
		{models.ConflictDeletedRemotely, models.ResolutionKeepExternal, ActionDeleteLocal},
	}

	for _, tt := range tests {
		t.Run(tt.conflictType, func(t *testing.T) {
			got := Resolve(tt.conflictType, models.PolicyAutoRemote)
			if got == nil {
				t.Fatal("Resolve() = nil, want a resolution")
			}
			if got.Outcome != tt.wantOutcome || got.Action != tt.wantAction {
				t.Errorf("Resolve() = {%s, %s}, want {%s, %s}", got.Outcome, got.Action, tt.wantOutcome, tt.wantAction)
			}
		})
	}
}

func TestResolveManualPolicy(t *testing.T) {
	for _, conflictType := range []string{
		models.ConflictFieldMismatch,
		models.ConflictDeletedRemotely,
		models.ConflictDeletedLocally,
		models.ConflictDoubleEdit,
	} {
		if got := Resolve(conflictType, models.PolicyManual); got != nil {
			t.Errorf("Resolve(%s, manual) = %v, want nil", conflictType, got)
		}
	}
}

func TestDoubleEditNeverAutoResolves(t *testing.T) {
	for _, policy := range []string{models.PolicyAutoLocal, models.PolicyAutoRemote, models.PolicyManual} {
		if got := Resolve(models.ConflictDoubleEdit, policy); got != nil {
			t.Errorf("Resolve(double_edit, %s) = %v, want nil", policy, got)
		}
	}
}

func TestManualResolution(t *testing.T) {
	tests := []struct {
		name         string
		conflictType string
		outcome      string
		wantAction   string
	}{
		{"keep local pushes", models.ConflictDoubleEdit, models.ResolutionKeepLocal, ActionPushRemote},
		{"keep local on local deletion deletes remote", models.ConflictDeletedLocally, models.ResolutionKeepLocal, ActionDeleteRemote},
		{"keep external pulls", models.ConflictDoubleEdit, models.ResolutionKeepExternal, ActionPullLocal},
		{"keep external on remote deletion deletes local", models.ConflictDeletedRemotely, models.ResolutionKeepExternal, ActionDeleteLocal},
		{"ignore unlinks", models.ConflictFieldMismatch, models.ResolutionIgnore, ActionUnlink},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ManualResolution(tt.conflictType, tt.outcome)
			if got == nil {
				t.Fatal("ManualResolution() = nil, want a resolution")
			}
			if got.Action != tt.wantAction {
				t.Errorf("action = %s, want %s", got.Action, tt.wantAction)
			}
		})
	}

	if got := ManualResolution(models.ConflictFieldMismatch, "not_a_resolution"); got != nil {
		t.Errorf("ManualResolution(unknown) = %v, want nil", got)
	}
}
