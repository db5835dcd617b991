package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/calendar-bridge/backend/internal/storage/models"
)

// IntegrationRepository provides data access for provider integrations.
type IntegrationRepository struct {
	BaseRepository
}

// NewIntegrationRepository creates a new integration repository.
func NewIntegrationRepository(db *DB) *IntegrationRepository {
	return &IntegrationRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

const integrationColumns = `
	id, user_id, provider, provider_account_id, access_token, refresh_token,
	token_expires_at, is_active, sync_enabled, last_sync_at, sync_error,
	settings, created_at, updated_at`

// Create inserts a new integration. The (user_id, provider,
// provider_account_id) uniqueness constraint rejects duplicate connections to
// the same provider account.
func (r *IntegrationRepository) Create(ctx context.Context, in *models.Integration) error {
	in.ID = GenerateID()
	in.CreatedAt = r.Now()
	in.UpdatedAt = r.Now()

	settings, err := json.Marshal(in.Settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}

	_, err = r.DB().ExecContext(ctx, `
		INSERT INTO integrations (
			id, user_id, provider, provider_account_id, access_token, refresh_token,
			token_expires_at, is_active, sync_enabled, settings, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		in.ID, in.UserID, in.Provider, in.ProviderAccountID, in.AccessToken, in.RefreshToken,
		in.TokenExpiresAt, in.IsActive, in.SyncEnabled, string(settings), in.CreatedAt, in.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("inserting integration: %w", err)
	}

	return nil
}

// GetByID retrieves an integration by its ID.
func (r *IntegrationRepository) GetByID(ctx context.Context, id string) (*models.Integration, error) {
	row := r.DB().QueryRowContext(ctx,
		`SELECT`+integrationColumns+` FROM integrations WHERE id = ?`, id)
	return scanIntegration(row)
}

// GetByProviderAccount retrieves an integration by its unique
// (user, provider, provider account) triple.
func (r *IntegrationRepository) GetByProviderAccount(ctx context.Context, userID, provider, providerAccountID string) (*models.Integration, error) {
	row := r.DB().QueryRowContext(ctx,
		`SELECT`+integrationColumns+` FROM integrations
		 WHERE user_id = ? AND provider = ? AND provider_account_id = ?`,
		userID, provider, providerAccountID)
	return scanIntegration(row)
}

// ListByUser retrieves all integrations for a user.
func (r *IntegrationRepository) ListByUser(ctx context.Context, userID string) ([]models.Integration, error) {
	rows, err := r.DB().QueryContext(ctx,
		`SELECT`+integrationColumns+` FROM integrations WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying integrations: %w", err)
	}
	defer rows.Close()

	return collectIntegrations(rows)
}

// ListSyncable retrieves all active integrations with sync enabled, least
// recently synced first.
func (r *IntegrationRepository) ListSyncable(ctx context.Context) ([]models.Integration, error) {
	rows, err := r.DB().QueryContext(ctx,
		`SELECT`+integrationColumns+` FROM integrations
		 WHERE is_active = 1 AND sync_enabled = 1
		 ORDER BY last_sync_at ASC NULLS FIRST`)
	if err != nil {
		return nil, fmt.Errorf("querying syncable integrations: %w", err)
	}
	defer rows.Close()

	return collectIntegrations(rows)
}

// UpdateSettings replaces the integration's sync settings and enabled flag.
func (r *IntegrationRepository) UpdateSettings(ctx context.Context, id string, syncEnabled bool, settings models.SyncSettings) error {
	encoded, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}

	result, err := r.DB().ExecContext(ctx, `
		UPDATE integrations SET sync_enabled = ?, settings = ?, updated_at = ?
		WHERE id = ?
	`, syncEnabled, string(encoded), r.Now(), id)
	if err != nil {
		return fmt.Errorf("updating integration settings: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("integration not found: %s", id)
	}

	return nil
}

// UpdateTokens persists rotated credentials after a token refresh.
func (r *IntegrationRepository) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE integrations SET
			access_token = ?, refresh_token = ?, token_expires_at = ?, updated_at = ?
		WHERE id = ?
	`, accessToken, refreshToken, expiresAt, r.Now(), id)
	if err != nil {
		return fmt.Errorf("updating tokens: %w", err)
	}
	return nil
}

// SetSyncOutcome records the result of a pass on the integration row.
// lastSyncAt advances only when the pass completed without a fatal error.
func (r *IntegrationRepository) SetSyncOutcome(ctx context.Context, id string, lastSyncAt *time.Time, syncError *string) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE integrations SET
			last_sync_at = COALESCE(?, last_sync_at), sync_error = ?, updated_at = ?
		WHERE id = ?
	`, lastSyncAt, syncError, r.Now(), id)
	if err != nil {
		return fmt.Errorf("updating sync outcome: %w", err)
	}
	return nil
}

// Deactivate soft-disables the integration, recording why. Used when the
// provider revokes consent; the row survives so the user can reconnect.
func (r *IntegrationRepository) Deactivate(ctx context.Context, id string, reason string) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE integrations SET is_active = 0, sync_error = ?, updated_at = ?
		WHERE id = ?
	`, reason, r.Now(), id)
	if err != nil {
		return fmt.Errorf("deactivating integration: %w", err)
	}
	return nil
}

// Reactivate re-enables a deactivated integration after a successful
// reconnect, clearing the recorded failure.
func (r *IntegrationRepository) Reactivate(ctx context.Context, id string) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE integrations SET is_active = 1, sync_error = NULL, updated_at = ?
		WHERE id = ?
	`, r.Now(), id)
	if err != nil {
		return fmt.Errorf("reactivating integration: %w", err)
	}
	return nil
}

// Delete hard-deletes an integration. Sync events, event mappings, conflicts
// and notifications cascade.
func (r *IntegrationRepository) Delete(ctx context.Context, id string) error {
	result, err := r.DB().ExecContext(ctx, "DELETE FROM integrations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting integration: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("integration not found: %s", id)
	}

	return nil
}

func scanIntegration(row *sql.Row) (*models.Integration, error) {
	in := &models.Integration{}
	var settings string

	err := row.Scan(
		&in.ID, &in.UserID, &in.Provider, &in.ProviderAccountID, &in.AccessToken, &in.RefreshToken,
		&in.TokenExpiresAt, &in.IsActive, &in.SyncEnabled, &in.LastSyncAt, &in.SyncError,
		&settings, &in.CreatedAt, &in.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying integration: %w", err)
	}

	if err := json.Unmarshal([]byte(settings), &in.Settings); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}

	return in, nil
}

func collectIntegrations(rows *sql.Rows) ([]models.Integration, error) {
	var integrations []models.Integration
	for rows.Next() {
		var in models.Integration
		var settings string
		if err := rows.Scan(
			&in.ID, &in.UserID, &in.Provider, &in.ProviderAccountID, &in.AccessToken, &in.RefreshToken,
			&in.TokenExpiresAt, &in.IsActive, &in.SyncEnabled, &in.LastSyncAt, &in.SyncError,
			&settings, &in.CreatedAt, &in.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning integration: %w", err)
		}
		if err := json.Unmarshal([]byte(settings), &in.Settings); err != nil {
			return nil, fmt.Errorf("decoding settings: %w", err)
		}
		integrations = append(integrations, in)
	}

	return integrations, rows.Err()
}
