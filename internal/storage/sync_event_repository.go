package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/calendar-bridge/backend/internal/storage/models"
)

// SyncEventRepository provides data access for sync pass records.
type SyncEventRepository struct {
	BaseRepository
}

// NewSyncEventRepository creates a new sync event repository.
func NewSyncEventRepository(db *DB) *SyncEventRepository {
	return &SyncEventRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

const syncEventColumns = `
	id, integration_id, operation, direction, status, scheduled_at,
	processed_at, error, retry_count, events_processed, conflicts_created, error_count`

// ErrPassInProgress is returned when a pending pass already exists for the
// integration.
var ErrPassInProgress = fmt.Errorf("a sync pass is already pending for this integration")

// CreatePending inserts a new PENDING sync event. The partial unique index on
// (integration_id) WHERE status = 'pending' makes this the database half of
// the concurrency guard: a second pending insert for the same integration
// fails with ErrPassInProgress.
func (r *SyncEventRepository) CreatePending(ctx context.Context, se *models.SyncEvent) error {
	se.ID = GenerateID()
	se.Status = models.SyncEventPending
	se.ScheduledAt = r.Now()

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO sync_events (id, integration_id, operation, direction, status, scheduled_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, se.ID, se.IntegrationID, se.Operation, se.Direction, se.Status, se.ScheduledAt, se.RetryCount)

	if err != nil {
		// The partial index violation surfaces as a unique constraint error
		// on sync_events.integration_id.
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrPassInProgress
		}
		return fmt.Errorf("inserting sync event: %w", err)
	}

	return nil
}

// FailStale transitions pending sync events scheduled before the cutoff to
// FAILED. A pending row left behind by a crashed process holds the
// unique-index guard until it is failed.
func (r *SyncEventRepository) FailStale(ctx context.Context, cutoff time.Time, message string) (int, error) {
	result, err := r.DB().ExecContext(ctx, `
		UPDATE sync_events SET status = ?, processed_at = ?, error = ?
		WHERE status = ? AND scheduled_at < ?
	`, models.SyncEventFailed, r.Now(), message, models.SyncEventPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failing stale sync events: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	return int(rowsAffected), nil
}

// Finish transitions a pending sync event to its terminal state and records
// the pass counters. Terminal sync events are never mutated again.
func (r *SyncEventRepository) Finish(ctx context.Context, id, status string, passErr *string, eventsProcessed, conflictsCreated, errorCount int) error {
	now := r.Now()

	result, err := r.DB().ExecContext(ctx, `
		UPDATE sync_events SET
			status = ?, processed_at = ?, error = ?,
			events_processed = ?, conflicts_created = ?, error_count = ?
		WHERE id = ? AND status = ?
	`, status, now, passErr, eventsProcessed, conflictsCreated, errorCount, id, models.SyncEventPending)
	if err != nil {
		return fmt.Errorf("finishing sync event: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("sync event not pending: %s", id)
	}

	return nil
}

// GetByID retrieves a sync event by ID.
func (r *SyncEventRepository) GetByID(ctx context.Context, id string) (*models.SyncEvent, error) {
	se := &models.SyncEvent{}

	err := r.DB().QueryRowContext(ctx,
		`SELECT`+syncEventColumns+` FROM sync_events WHERE id = ?`, id).Scan(
		&se.ID, &se.IntegrationID, &se.Operation, &se.Direction, &se.Status, &se.ScheduledAt,
		&se.ProcessedAt, &se.Error, &se.RetryCount, &se.EventsProcessed, &se.ConflictsCreated, &se.ErrorCount,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying sync event: %w", err)
	}

	return se, nil
}

// GetPending retrieves the pending sync event for an integration, if any.
func (r *SyncEventRepository) GetPending(ctx context.Context, integrationID string) (*models.SyncEvent, error) {
	se := &models.SyncEvent{}

	err := r.DB().QueryRowContext(ctx,
		`SELECT`+syncEventColumns+` FROM sync_events
		 WHERE integration_id = ? AND status = ?`, integrationID, models.SyncEventPending).Scan(
		&se.ID, &se.IntegrationID, &se.Operation, &se.Direction, &se.Status, &se.ScheduledAt,
		&se.ProcessedAt, &se.Error, &se.RetryCount, &se.EventsProcessed, &se.ConflictsCreated, &se.ErrorCount,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying pending sync event: %w", err)
	}

	return se, nil
}

// ListRecent retrieves the most recent sync events for an integration.
func (r *SyncEventRepository) ListRecent(ctx context.Context, integrationID string, limit int) ([]models.SyncEvent, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.DB().QueryContext(ctx,
		`SELECT`+syncEventColumns+` FROM sync_events
		 WHERE integration_id = ?
		 ORDER BY scheduled_at DESC LIMIT ?`, integrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sync events: %w", err)
	}
	defer rows.Close()

	var syncEvents []models.SyncEvent
	for rows.Next() {
		var se models.SyncEvent
		if err := rows.Scan(
			&se.ID, &se.IntegrationID, &se.Operation, &se.Direction, &se.Status, &se.ScheduledAt,
			&se.ProcessedAt, &se.Error, &se.RetryCount, &se.EventsProcessed, &se.ConflictsCreated, &se.ErrorCount,
		); err != nil {
			return nil, fmt.Errorf("scanning sync event: %w", err)
		}
		syncEvents = append(syncEvents, se)
	}

	return syncEvents, rows.Err()
}

// Stats aggregates pass outcomes for an integration since the given time.
type SyncStats struct {
	TotalPasses     int     `json:"total_passes"`
	FailedPasses    int     `json:"failed_passes"`
	EventsProcessed int     `json:"events_processed"`
	SuccessRate     float64 `json:"success_rate"`
}

// GetStats computes aggregate sync statistics for an integration.
func (r *SyncEventRepository) GetStats(ctx context.Context, integrationID string, since time.Time) (*SyncStats, error) {
	stats := &SyncStats{}

	err := r.DB().QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(events_processed), 0)
		FROM sync_events
		WHERE integration_id = ? AND status != 'pending' AND scheduled_at >= ?
	`, integrationID, since).Scan(&stats.TotalPasses, &stats.FailedPasses, &stats.EventsProcessed)
	if err != nil {
		return nil, fmt.Errorf("querying sync stats: %w", err)
	}

	if stats.TotalPasses > 0 {
		stats.SuccessRate = float64(stats.TotalPasses-stats.FailedPasses) / float64(stats.TotalPasses)
	}

	return stats, nil
}
