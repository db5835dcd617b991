package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/calendar-bridge/backend/internal/storage/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewDB(filepath.Join(t.TempDir(), "storage_test.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := RunMigrations(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	return db
}

func seedIntegration(t *testing.T, db *DB) *models.Integration {
	t.Helper()

	in := &models.Integration{
		UserID:            "user-1",
		Provider:          models.ProviderGoogle,
		ProviderAccountID: "acct-1",
		AccessToken:       "access",
		RefreshToken:      "refresh",
		TokenExpiresAt:    time.Now().UTC().Add(time.Hour),
		IsActive:          true,
		SyncEnabled:       true,
		Settings:          models.DefaultSyncSettings(),
	}
	if err := NewIntegrationRepository(db).Create(context.Background(), in); err != nil {
		t.Fatalf("creating integration: %v", err)
	}
	return in
}

func pendingSyncEvent(t *testing.T, repo *SyncEventRepository, integrationID string) *models.SyncEvent {
	t.Helper()

	se := &models.SyncEvent{
		IntegrationID: integrationID,
		Operation:     models.OperationSync,
		Direction:     models.DirectionBidirectional,
	}
	if err := repo.CreatePending(context.Background(), se); err != nil {
		t.Fatalf("creating pending sync event: %v", err)
	}
	return se
}

func TestCreatePendingRejectsSecondPass(t *testing.T) {
	db := newTestDB(t)
	in := seedIntegration(t, db)
	repo := NewSyncEventRepository(db)

	pendingSyncEvent(t, repo, in.ID)

	second := &models.SyncEvent{
		IntegrationID: in.ID,
		Operation:     models.OperationSync,
		Direction:     models.DirectionBidirectional,
	}
	err := repo.CreatePending(context.Background(), second)
	if !errors.Is(err, ErrPassInProgress) {
		t.Fatalf("CreatePending() = %v, want ErrPassInProgress", err)
	}
}

func TestFailStaleReleasesAbandonedPass(t *testing.T) {
	db := newTestDB(t)
	in := seedIntegration(t, db)
	repo := NewSyncEventRepository(db)
	ctx := context.Background()

	se := pendingSyncEvent(t, repo, in.ID)

	// Backdate the row as if its process died an hour ago.
	if _, err := db.ExecContext(ctx,
		"UPDATE sync_events SET scheduled_at = ? WHERE id = ?",
		time.Now().UTC().Add(-time.Hour), se.ID); err != nil {
		t.Fatalf("backdating sync event: %v", err)
	}

	reaped, err := repo.FailStale(ctx, time.Now().UTC().Add(-5*time.Minute), "pass abandoned")
	if err != nil {
		t.Fatalf("FailStale() error: %v", err)
	}
	if reaped != 1 {
		t.Errorf("reaped = %d, want 1", reaped)
	}

	stale, err := repo.GetByID(ctx, se.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if stale.Status != models.SyncEventFailed {
		t.Errorf("status = %q, want %q", stale.Status, models.SyncEventFailed)
	}
	if stale.Error == nil || *stale.Error != "pass abandoned" {
		t.Errorf("error = %v, want the abandonment message", stale.Error)
	}

	// The guard is released: a new pass can start.
	pendingSyncEvent(t, repo, in.ID)
}

func TestFailStaleLeavesFreshPendingPass(t *testing.T) {
	db := newTestDB(t)
	in := seedIntegration(t, db)
	repo := NewSyncEventRepository(db)
	ctx := context.Background()

	se := pendingSyncEvent(t, repo, in.ID)

	reaped, err := repo.FailStale(ctx, time.Now().UTC().Add(-5*time.Minute), "pass abandoned")
	if err != nil {
		t.Fatalf("FailStale() error: %v", err)
	}
	if reaped != 0 {
		t.Errorf("reaped = %d, want 0", reaped)
	}

	pending, err := repo.GetPending(ctx, in.ID)
	if err != nil {
		t.Fatalf("GetPending() error: %v", err)
	}
	if pending == nil || pending.ID != se.ID {
		t.Errorf("pending = %v, want the running pass untouched", pending)
	}
}
