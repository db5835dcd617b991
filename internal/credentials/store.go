// Package credentials manages OAuth tokens for provider integrations:
// the authorization-code exchange when a user connects an account, and
// proactive refresh before each sync pass.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/calendar-bridge/backend/internal/storage"
	"github.com/calendar-bridge/backend/internal/storage/models"
)

// DefaultRefreshMargin is how close to expiry a token may get before a pass
// refreshes it up front.
const DefaultRefreshMargin = 5 * time.Minute

// ErrRefreshFailed wraps provider rejections of a refresh token (revoked
// consent, expired grant). The orchestrator treats it as a fatal pass error.
var ErrRefreshFailed = errors.New("token refresh failed")

// Store holds per-provider OAuth configs and refreshes integration tokens.
type Store struct {
	configs       map[string]*oauth2.Config
	integrations  *storage.IntegrationRepository
	refreshMargin time.Duration
}

// NewStore creates a credential store. A zero refreshMargin falls back to
// DefaultRefreshMargin.
func NewStore(integrations *storage.IntegrationRepository, refreshMargin time.Duration) *Store {
	if refreshMargin <= 0 {
		refreshMargin = DefaultRefreshMargin
	}
	return &Store{
		configs:       make(map[string]*oauth2.Config),
		integrations:  integrations,
		refreshMargin: refreshMargin,
	}
}

// RegisterProvider adds the OAuth config for a provider.
func (s *Store) RegisterProvider(provider string, config *oauth2.Config) {
	s.configs[provider] = config
}

// AuthCodeURL returns the provider's consent page URL for the OAuth flow.
func (s *Store) AuthCodeURL(provider, state string) (string, error) {
	config, ok := s.configs[provider]
	if !ok {
		return "", fmt.Errorf("unknown provider: %s", provider)
	}
	return config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange trades an authorization code for tokens.
func (s *Store) Exchange(ctx context.Context, provider, code string) (*oauth2.Token, error) {
	config, ok := s.configs[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}

	token, err := config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}

	return token, nil
}

// EnsureFreshToken returns a valid access token for the integration,
// refreshing proactively when expiry is inside the margin. Rotated tokens are
// persisted and mirrored onto the passed integration. On provider rejection
// the integration is deactivated with the failure recorded, and the returned
// error wraps ErrRefreshFailed.
func (s *Store) EnsureFreshToken(ctx context.Context, in *models.Integration) (string, error) {
	if !in.TokenExpiresWithin(time.Now().UTC(), s.refreshMargin) {
		return in.AccessToken, nil
	}

	config, ok := s.configs[in.Provider]
	if !ok {
		return "", fmt.Errorf("unknown provider: %s", in.Provider)
	}

	log.Printf("Refreshing token for integration %s (expires %s)", in.ID, in.TokenExpiresAt.Format(time.RFC3339))

	current := &oauth2.Token{
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
		Expiry:       in.TokenExpiresAt,
	}

	fresh, err := config.TokenSource(ctx, current).Token()
	if err != nil {
		reason := fmt.Sprintf("token refresh rejected: %v", err)
		if dbErr := s.integrations.Deactivate(ctx, in.ID, reason); dbErr != nil {
			log.Printf("Failed to deactivate integration %s: %v", in.ID, dbErr)
		}
		in.IsActive = false
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	// The provider may rotate the refresh token; keep the old one if not.
	refreshToken := fresh.RefreshToken
	if refreshToken == "" {
		refreshToken = in.RefreshToken
	}

	if err := s.integrations.UpdateTokens(ctx, in.ID, fresh.AccessToken, refreshToken, fresh.Expiry.UTC()); err != nil {
		return "", fmt.Errorf("persisting refreshed tokens: %w", err)
	}

	in.AccessToken = fresh.AccessToken
	in.RefreshToken = refreshToken
	in.TokenExpiresAt = fresh.Expiry.UTC()

	return fresh.AccessToken, nil
}

// HTTPClient returns an HTTP client that authenticates with the
// integration's current access token. Callers run EnsureFreshToken first, so
// the static token source is valid for the pass's bounded lifetime.
func (s *Store) HTTPClient(ctx context.Context, in *models.Integration) *http.Client {
	token := &oauth2.Token{AccessToken: in.AccessToken, Expiry: in.TokenExpiresAt}
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))
}
