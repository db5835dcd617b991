package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/calendar-bridge/backend/internal/storage/models"
)

// EventSyncRepository provides data access for local-to-remote event mappings.
type EventSyncRepository struct {
	BaseRepository
}

// NewEventSyncRepository creates a new event sync repository.
func NewEventSyncRepository(db *DB) *EventSyncRepository {
	return &EventSyncRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

const eventSyncColumns = `
	id, event_id, integration_id, provider, external_id, sync_status, last_sync_at`

// Upsert inserts or updates the mapping for (event_id, provider). The
// one-pass-per-integration guard linearizes upserts for a given event, so a
// plain INSERT OR REPLACE keyed on the unique pair is safe here.
func (r *EventSyncRepository) Upsert(ctx context.Context, es *models.EventSync) error {
	if es.ID == "" {
		es.ID = GenerateID()
	}
	now := r.Now()
	es.LastSyncAt = &now

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO event_syncs (id, event_id, integration_id, provider, external_id, sync_status, last_sync_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id, provider) DO UPDATE SET
			external_id = excluded.external_id,
			sync_status = excluded.sync_status,
			last_sync_at = excluded.last_sync_at
	`, es.ID, es.EventID, es.IntegrationID, es.Provider, es.ExternalID, es.SyncStatus, es.LastSyncAt)

	if err != nil {
		return fmt.Errorf("upserting event sync: %w", err)
	}

	return nil
}

// GetByEvent retrieves the mapping for a local event and provider.
func (r *EventSyncRepository) GetByEvent(ctx context.Context, eventID, provider string) (*models.EventSync, error) {
	es := &models.EventSync{}

	err := r.DB().QueryRowContext(ctx,
		`SELECT`+eventSyncColumns+` FROM event_syncs WHERE event_id = ? AND provider = ?`,
		eventID, provider).Scan(
		&es.ID, &es.EventID, &es.IntegrationID, &es.Provider, &es.ExternalID, &es.SyncStatus, &es.LastSyncAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying event sync: %w", err)
	}

	return es, nil
}

// GetByExternalID retrieves the mapping for a remote event within an
// integration.
func (r *EventSyncRepository) GetByExternalID(ctx context.Context, integrationID, externalID string) (*models.EventSync, error) {
	es := &models.EventSync{}

	err := r.DB().QueryRowContext(ctx,
		`SELECT`+eventSyncColumns+` FROM event_syncs WHERE integration_id = ? AND external_id = ?`,
		integrationID, externalID).Scan(
		&es.ID, &es.EventID, &es.IntegrationID, &es.Provider, &es.ExternalID, &es.SyncStatus, &es.LastSyncAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying event sync: %w", err)
	}

	return es, nil
}

// ListByIntegration retrieves all mappings owned by an integration.
func (r *EventSyncRepository) ListByIntegration(ctx context.Context, integrationID string) ([]models.EventSync, error) {
	rows, err := r.DB().QueryContext(ctx,
		`SELECT`+eventSyncColumns+` FROM event_syncs WHERE integration_id = ?`, integrationID)
	if err != nil {
		return nil, fmt.Errorf("querying event syncs: %w", err)
	}
	defer rows.Close()

	var mappings []models.EventSync
	for rows.Next() {
		var es models.EventSync
		if err := rows.Scan(
			&es.ID, &es.EventID, &es.IntegrationID, &es.Provider, &es.ExternalID, &es.SyncStatus, &es.LastSyncAt,
		); err != nil {
			return nil, fmt.Errorf("scanning event sync: %w", err)
		}
		mappings = append(mappings, es)
	}

	return mappings, rows.Err()
}

// CountByIntegration returns the number of mappings owned by an integration.
func (r *EventSyncRepository) CountByIntegration(ctx context.Context, integrationID string) (int, error) {
	var count int
	err := r.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_syncs WHERE integration_id = ?`, integrationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting event syncs: %w", err)
	}
	return count, nil
}

// Delete removes a mapping. Used when a deletion is accepted during conflict
// resolution: the local event and remote event are no longer linked.
func (r *EventSyncRepository) Delete(ctx context.Context, eventID, provider string) error {
	_, err := r.DB().ExecContext(ctx,
		"DELETE FROM event_syncs WHERE event_id = ? AND provider = ?", eventID, provider)
	if err != nil {
		return fmt.Errorf("deleting event sync: %w", err)
	}
	return nil
}
