package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/calendar-bridge/backend/internal/api/middleware"
	"github.com/calendar-bridge/backend/internal/credentials"
	"github.com/calendar-bridge/backend/internal/storage"
	"github.com/calendar-bridge/backend/internal/storage/models"
	syncengine "github.com/calendar-bridge/backend/internal/sync"
)

// authFlowTTL bounds how long a started OAuth flow stays redeemable.
const authFlowTTL = 10 * time.Minute

// pendingAuth records one started OAuth flow until the provider calls back.
type pendingAuth struct {
	Provider  string
	AccountID string
	UserID    string
	Expires   time.Time
}

// AuthFlows tracks in-flight OAuth flows keyed by the state parameter. The
// state doubles as the CSRF token: a callback with an unknown or expired
// state is rejected.
type AuthFlows struct {
	mu    sync.Mutex
	flows map[string]pendingAuth
}

// NewAuthFlows creates an empty OAuth flow tracker.
func NewAuthFlows() *AuthFlows {
	return &AuthFlows{flows: make(map[string]pendingAuth)}
}

func (a *AuthFlows) put(state string, flow pendingAuth) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for s, f := range a.flows {
		if time.Now().After(f.Expires) {
			delete(a.flows, s)
		}
	}
	a.flows[state] = flow
}

func (a *AuthFlows) take(state string) (pendingAuth, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	flow, ok := a.flows[state]
	if !ok {
		return pendingAuth{}, false
	}
	delete(a.flows, state)
	if time.Now().After(flow.Expires) {
		return pendingAuth{}, false
	}
	return flow, true
}

// ListIntegrations returns the user's integrations.
func ListIntegrations(integrations *storage.IntegrationRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := integrations.ListByUser(r.Context(), requestUserID(r))
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query integrations")
			return
		}
		if list == nil {
			list = []models.Integration{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// GetIntegration returns one integration.
func GetIntegration(integrations *storage.IntegrationRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, err := integrations.GetByID(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query integration")
			return
		}
		if in == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Integration not found")
			return
		}
		writeJSON(w, http.StatusOK, in)
	}
}

// ConnectIntegration starts the OAuth flow for a provider and returns the
// consent URL the client should open.
func ConnectIntegration(creds *credentials.Store, flows *AuthFlows) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Provider  string `json:"provider"`
			AccountID string `json:"account_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		if req.Provider == "" || req.AccountID == "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "Provider and account ID are required")
			return
		}

		state := storage.GenerateID()
		authURL, err := creds.AuthCodeURL(req.Provider, state)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, err.Error())
			return
		}

		flows.put(state, pendingAuth{
			Provider:  req.Provider,
			AccountID: req.AccountID,
			UserID:    requestUserID(r),
			Expires:   time.Now().Add(authFlowTTL),
		})

		writeJSON(w, http.StatusOK, map[string]string{
			"auth_url": authURL,
			"state":    state,
		})
	}
}

// OAuthCallback completes the OAuth flow: exchanges the authorization code,
// persists the credential as an integration, and schedules it for sync. A
// callback for an already-connected provider account refreshes its tokens and
// reactivates it instead of creating a duplicate.
func OAuthCallback(
	creds *credentials.Store,
	integrations *storage.IntegrationRepository,
	scheduler *syncengine.Scheduler,
	flows *AuthFlows,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		state := r.URL.Query().Get("state")
		code := r.URL.Query().Get("code")
		if state == "" || code == "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Missing state or code")
			return
		}

		flow, ok := flows.take(state)
		if !ok {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "Unknown or expired authorization state")
			return
		}

		token, err := creds.Exchange(ctx, flow.Provider, code)
		if err != nil {
			log.Printf("OAuth exchange failed for %s: %v", flow.Provider, err)
			middleware.WriteError(w, http.StatusBadGateway, middleware.ErrInternalError, "Authorization code exchange failed")
			return
		}

		existing, err := integrations.GetByProviderAccount(ctx, flow.UserID, flow.Provider, flow.AccountID)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query integration")
			return
		}

		if existing != nil {
			// Reconnect: rotate credentials and bring the integration back.
			if err := integrations.UpdateTokens(ctx, existing.ID, token.AccessToken, token.RefreshToken, token.Expiry.UTC()); err != nil {
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to store credentials")
				return
			}
			if err := integrations.Reactivate(ctx, existing.ID); err != nil {
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to reactivate integration")
				return
			}
			refreshed, _ := integrations.GetByID(ctx, existing.ID)
			if refreshed != nil {
				scheduler.ScheduleIntegration(*refreshed)
				writeJSON(w, http.StatusOK, refreshed)
				return
			}
			writeJSON(w, http.StatusOK, existing)
			return
		}

		in := &models.Integration{
			UserID:            flow.UserID,
			Provider:          flow.Provider,
			ProviderAccountID: flow.AccountID,
			AccessToken:       token.AccessToken,
			RefreshToken:      token.RefreshToken,
			TokenExpiresAt:    token.Expiry.UTC(),
			IsActive:          true,
			SyncEnabled:       true,
			Settings:          models.DefaultSyncSettings(),
		}
		if err := integrations.Create(ctx, in); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to create integration")
			return
		}

		scheduler.ScheduleIntegration(*in)
		log.Printf("Connected %s integration %s for user %s", in.Provider, in.ID, in.UserID)
		writeJSON(w, http.StatusCreated, in)
	}
}

// CreateIntegration connects a provider that authenticates with a static
// credential instead of OAuth, such as a CalDAV server with an app password.
func CreateIntegration(
	integrations *storage.IntegrationRepository,
	scheduler *syncengine.Scheduler,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req struct {
			Provider          string               `json:"provider"`
			ProviderAccountID string               `json:"provider_account_id"`
			AccessToken       string               `json:"access_token"`
			Settings          *models.SyncSettings `json:"settings"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		if req.Provider == "" || req.ProviderAccountID == "" || req.AccessToken == "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "Provider, account ID and access token are required")
			return
		}

		settings := models.DefaultSyncSettings()
		if req.Settings != nil {
			settings = *req.Settings
			if msg := validateSettings(settings); msg != "" {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, msg)
				return
			}
		}

		userID := requestUserID(r)
		existing, err := integrations.GetByProviderAccount(ctx, userID, req.Provider, req.ProviderAccountID)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query integration")
			return
		}
		if existing != nil {
			middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, "This provider account is already connected")
			return
		}

		in := &models.Integration{
			UserID:            userID,
			Provider:          req.Provider,
			ProviderAccountID: req.ProviderAccountID,
			AccessToken:       req.AccessToken,
			// Static credentials do not expire; keep the proactive refresh
			// check permanently satisfied.
			TokenExpiresAt: time.Now().UTC().AddDate(100, 0, 0),
			IsActive:       true,
			SyncEnabled:    true,
			Settings:       settings,
		}
		if err := integrations.Create(ctx, in); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to create integration")
			return
		}

		scheduler.ScheduleIntegration(*in)
		writeJSON(w, http.StatusCreated, in)
	}
}

// UpdateIntegrationSettings replaces the integration's sync settings and
// reschedules it. Settings changes take effect from the next pass.
func UpdateIntegrationSettings(
	integrations *storage.IntegrationRepository,
	scheduler *syncengine.Scheduler,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := mux.Vars(r)["id"]

		var req struct {
			SyncEnabled bool                `json:"sync_enabled"`
			Settings    models.SyncSettings `json:"settings"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		if msg := validateSettings(req.Settings); msg != "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, msg)
			return
		}

		in, err := integrations.GetByID(ctx, id)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query integration")
			return
		}
		if in == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Integration not found")
			return
		}

		if err := integrations.UpdateSettings(ctx, id, req.SyncEnabled, req.Settings); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to update settings")
			return
		}

		updated, err := integrations.GetByID(ctx, id)
		if err != nil || updated == nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to reload integration")
			return
		}

		scheduler.ScheduleIntegration(*updated)
		writeJSON(w, http.StatusOK, updated)
	}
}

// DisableIntegration soft-disables an integration: the connection and all its
// sync state survive, but no passes run until it is re-enabled.
func DisableIntegration(
	integrations *storage.IntegrationRepository,
	scheduler *syncengine.Scheduler,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := mux.Vars(r)["id"]

		in, err := integrations.GetByID(ctx, id)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query integration")
			return
		}
		if in == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Integration not found")
			return
		}

		if err := integrations.Deactivate(ctx, id, "disabled by user"); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to disable integration")
			return
		}

		scheduler.UnscheduleIntegration(id)
		w.WriteHeader(http.StatusNoContent)
	}
}

// DeleteIntegration hard-deletes an integration. Its sync events, event
// mappings, conflicts and notifications cascade; local events survive.
func DeleteIntegration(
	integrations *storage.IntegrationRepository,
	scheduler *syncengine.Scheduler,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := mux.Vars(r)["id"]

		scheduler.UnscheduleIntegration(id)

		if err := integrations.Delete(ctx, id); err != nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Integration not found")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// validateSettings returns a validation message, or "" when the settings are
// acceptable.
func validateSettings(s models.SyncSettings) string {
	switch s.Direction {
	case models.DirectionImport, models.DirectionExport, models.DirectionBidirectional:
	default:
		return "Direction must be import, export or bidirectional"
	}

	switch s.Policy {
	case models.PolicyAutoLocal, models.PolicyAutoRemote, models.PolicyManual:
	default:
		return "Policy must be auto_local, auto_remote or manual"
	}

	if s.CalendarID == "" {
		return "Calendar ID is required"
	}
	if s.SyncIntervalMin < 1 {
		return "Sync interval must be at least one minute"
	}

	return ""
}
