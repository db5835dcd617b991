package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/calendar-bridge/backend/internal/storage/models"
)

// EventRepository provides data access for local calendar events.
type EventRepository struct {
	BaseRepository
}

// NewEventRepository creates a new event repository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

const eventColumns = `
	id, user_id, title, description, location, start_time, end_time,
	all_day, category, status, created_at, updated_at, deleted_at`

// Create inserts a new local event. If the event carries no ID one is
// generated; imported events keep the ID assigned by the orchestrator.
func (r *EventRepository) Create(ctx context.Context, e *models.Event) error {
	if e.ID == "" {
		e.ID = GenerateID()
	}
	e.CreatedAt = r.Now()
	e.UpdatedAt = e.CreatedAt

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO events (
			id, user_id, title, description, location, start_time, end_time,
			all_day, category, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.UserID, e.Title, e.Description, e.Location, e.StartTime, e.EndTime,
		e.AllDay, e.Category, e.Status, e.CreatedAt, e.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	return nil
}

// GetByID retrieves an event by ID, including soft-deleted events.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*models.Event, error) {
	e := &models.Event{}

	err := r.DB().QueryRowContext(ctx,
		`SELECT`+eventColumns+` FROM events WHERE id = ?`, id).Scan(
		&e.ID, &e.UserID, &e.Title, &e.Description, &e.Location, &e.StartTime, &e.EndTime,
		&e.AllDay, &e.Category, &e.Status, &e.CreatedAt, &e.UpdatedAt, &e.DeletedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", err)
	}

	return e, nil
}

// ListChangedSince retrieves a user's events created, updated or soft-deleted
// after the watermark. A nil watermark bounds the result to events starting
// after the given window floor instead, for the first pass.
func (r *EventRepository) ListChangedSince(ctx context.Context, userID string, since *time.Time, windowFloor time.Time) ([]models.Event, error) {
	var rows *sql.Rows
	var err error

	if since != nil {
		rows, err = r.DB().QueryContext(ctx,
			`SELECT`+eventColumns+` FROM events
			 WHERE user_id = ? AND (updated_at > ? OR deleted_at > ?)
			 ORDER BY updated_at`, userID, *since, *since)
	} else {
		rows, err = r.DB().QueryContext(ctx,
			`SELECT`+eventColumns+` FROM events
			 WHERE user_id = ? AND deleted_at IS NULL AND start_time >= ?
			 ORDER BY updated_at`, userID, windowFloor)
	}
	if err != nil {
		return nil, fmt.Errorf("querying changed events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.Title, &e.Description, &e.Location, &e.StartTime, &e.EndTime,
			&e.AllDay, &e.Category, &e.Status, &e.CreatedAt, &e.UpdatedAt, &e.DeletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// Update persists field changes to an existing event.
func (r *EventRepository) Update(ctx context.Context, e *models.Event) error {
	e.UpdatedAt = r.Now()

	result, err := r.DB().ExecContext(ctx, `
		UPDATE events SET
			title = ?, description = ?, location = ?, start_time = ?, end_time = ?,
			all_day = ?, category = ?, status = ?, updated_at = ?
		WHERE id = ?
	`,
		e.Title, e.Description, e.Location, e.StartTime, e.EndTime,
		e.AllDay, e.Category, e.Status, e.UpdatedAt, e.ID,
	)
	if err != nil {
		return fmt.Errorf("updating event: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("event not found: %s", e.ID)
	}

	return nil
}

// Restore clears the deletion marker on a soft-deleted event. Used when a
// conflict resolution keeps the remote copy of a locally deleted event.
func (r *EventRepository) Restore(ctx context.Context, id string) error {
	now := r.Now()
	_, err := r.DB().ExecContext(ctx,
		"UPDATE events SET deleted_at = NULL, updated_at = ? WHERE id = ?", now, id)
	if err != nil {
		return fmt.Errorf("restoring event: %w", err)
	}
	return nil
}

// SoftDelete marks an event deleted without removing the row, so a later
// sync pass can propagate the deletion to the provider.
func (r *EventRepository) SoftDelete(ctx context.Context, id string) error {
	now := r.Now()
	result, err := r.DB().ExecContext(ctx, `
		UPDATE events SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("deleting event: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("event not found: %s", id)
	}

	return nil
}
