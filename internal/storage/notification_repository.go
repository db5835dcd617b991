package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/calendar-bridge/backend/internal/storage/models"
)

// NotificationRepository provides data access for user notifications.
type NotificationRepository struct {
	BaseRepository
}

// NewNotificationRepository creates a new notification repository.
func NewNotificationRepository(db *DB) *NotificationRepository {
	return &NotificationRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Create inserts a new notification.
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	n.ID = GenerateID()
	n.CreatedAt = r.Now()

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO notifications (
			id, integration_id, user_id, type, title, message, severity, is_read, created_at, data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		n.ID, n.IntegrationID, n.UserID, n.Type, n.Title, n.Message,
		n.Severity, n.IsRead, n.CreatedAt, n.Data,
	)

	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}

	return nil
}

// ListByUser retrieves a user's notifications, newest first.
func (r *NotificationRepository) ListByUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, integration_id, user_id, type, title, message, severity, is_read, created_at, data
		FROM notifications WHERE user_id = ?`
	if unreadOnly {
		query += " AND is_read = 0"
	}
	query += " ORDER BY created_at DESC LIMIT ?"

	rows, err := r.DB().QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(
			&n.ID, &n.IntegrationID, &n.UserID, &n.Type, &n.Title, &n.Message,
			&n.Severity, &n.IsRead, &n.CreatedAt, &n.Data,
		); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

// MarkRead sets the read flag on a notification.
func (r *NotificationRepository) MarkRead(ctx context.Context, id string, read bool) error {
	result, err := r.DB().ExecContext(ctx,
		"UPDATE notifications SET is_read = ? WHERE id = ?", read, id)
	if err != nil {
		return fmt.Errorf("updating notification: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("notification not found: %s", id)
	}

	return nil
}

// DeleteReadOlderThan removes read notifications created before the cutoff.
// Called by the scheduler's housekeeping job.
func (r *NotificationRepository) DeleteReadOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := r.DB().ExecContext(ctx,
		"DELETE FROM notifications WHERE is_read = 1 AND created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting notifications: %w", err)
	}

	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}
