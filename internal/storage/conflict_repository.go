package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/calendar-bridge/backend/internal/storage/models"
)

// ConflictRepository provides data access for sync conflicts.
type ConflictRepository struct {
	BaseRepository
}

// NewConflictRepository creates a new conflict repository.
func NewConflictRepository(db *DB) *ConflictRepository {
	return &ConflictRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

const conflictColumns = `
	id, integration_id, event_id, external_id, conflict_type, description,
	local_data, external_data, created_at, resolution, resolved_at, resolved_by`

// Create inserts a new unresolved conflict.
func (r *ConflictRepository) Create(ctx context.Context, c *models.Conflict) error {
	c.ID = GenerateID()
	c.CreatedAt = r.Now()

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO conflicts (
			id, integration_id, event_id, external_id, conflict_type,
			description, local_data, external_data, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.IntegrationID, c.EventID, c.ExternalID, c.ConflictType,
		c.Description, c.LocalData, c.ExternalData, c.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("inserting conflict: %w", err)
	}

	return nil
}

// GetByID retrieves a conflict by ID.
func (r *ConflictRepository) GetByID(ctx context.Context, id string) (*models.Conflict, error) {
	c := &models.Conflict{}

	err := r.DB().QueryRowContext(ctx,
		`SELECT`+conflictColumns+` FROM conflicts WHERE id = ?`, id).Scan(
		&c.ID, &c.IntegrationID, &c.EventID, &c.ExternalID, &c.ConflictType, &c.Description,
		&c.LocalData, &c.ExternalData, &c.CreatedAt, &c.Resolution, &c.ResolvedAt, &c.ResolvedBy,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying conflict: %w", err)
	}

	return c, nil
}

// ListUnresolved retrieves all unresolved conflicts for an integration.
func (r *ConflictRepository) ListUnresolved(ctx context.Context, integrationID string) ([]models.Conflict, error) {
	rows, err := r.DB().QueryContext(ctx,
		`SELECT`+conflictColumns+` FROM conflicts
		 WHERE integration_id = ? AND resolution IS NULL
		 ORDER BY created_at DESC`, integrationID)
	if err != nil {
		return nil, fmt.Errorf("querying unresolved conflicts: %w", err)
	}
	defer rows.Close()

	return collectConflicts(rows)
}

// List retrieves all conflicts for an integration, newest first.
func (r *ConflictRepository) List(ctx context.Context, integrationID string) ([]models.Conflict, error) {
	rows, err := r.DB().QueryContext(ctx,
		`SELECT`+conflictColumns+` FROM conflicts
		 WHERE integration_id = ?
		 ORDER BY created_at DESC`, integrationID)
	if err != nil {
		return nil, fmt.Errorf("querying conflicts: %w", err)
	}
	defer rows.Close()

	return collectConflicts(rows)
}

// HasUnresolved reports whether the event already has an open conflict in
// this integration, so a pass does not stack duplicate conflicts for a pair
// that is already awaiting resolution.
func (r *ConflictRepository) HasUnresolved(ctx context.Context, integrationID, eventID string) (bool, error) {
	var count int
	err := r.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conflicts
		WHERE integration_id = ? AND event_id = ? AND resolution IS NULL
	`, integrationID, eventID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("counting unresolved conflicts: %w", err)
	}
	return count > 0, nil
}

// CountUnresolved returns the number of unresolved conflicts for an integration.
func (r *ConflictRepository) CountUnresolved(ctx context.Context, integrationID string) (int, error) {
	var count int
	err := r.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflicts WHERE integration_id = ? AND resolution IS NULL`,
		integrationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unresolved conflicts: %w", err)
	}
	return count, nil
}

// Resolve marks a conflict resolved. Resolution is terminal: the update only
// applies while the conflict is still unresolved, and resolution/resolved_at
// are written together.
func (r *ConflictRepository) Resolve(ctx context.Context, id, resolution, resolvedBy string) error {
	result, err := r.DB().ExecContext(ctx, `
		UPDATE conflicts SET resolution = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ? AND resolution IS NULL
	`, resolution, r.Now(), resolvedBy, id)
	if err != nil {
		return fmt.Errorf("resolving conflict: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("conflict not found or already resolved: %s", id)
	}

	return nil
}

func collectConflicts(rows *sql.Rows) ([]models.Conflict, error) {
	var conflicts []models.Conflict
	for rows.Next() {
		var c models.Conflict
		if err := rows.Scan(
			&c.ID, &c.IntegrationID, &c.EventID, &c.ExternalID, &c.ConflictType, &c.Description,
			&c.LocalData, &c.ExternalData, &c.CreatedAt, &c.Resolution, &c.ResolvedAt, &c.ResolvedBy,
		); err != nil {
			return nil, fmt.Errorf("scanning conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}

	return conflicts, rows.Err()
}
