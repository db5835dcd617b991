package handlers

import (
	"net/http"

	"github.com/calendar-bridge/backend/internal/storage"
	syncengine "github.com/calendar-bridge/backend/internal/sync"
	"github.com/calendar-bridge/backend/internal/websocket"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string `json:"status"`
	DBConnected bool   `json:"db_connected"`
}

// HealthCheck returns a handler that performs a health check.
func HealthCheck(db *storage.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbConnected := db.Ping() == nil

		status := "healthy"
		if !dbConnected {
			status = "degraded"
		}

		code := http.StatusOK
		if status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, HealthResponse{
			Status:      status,
			DBConnected: dbConnected,
		})
	}
}

// StatusResponse represents the system status response.
type StatusResponse struct {
	IntegrationsCount     int `json:"integrations_count"`
	SyncableIntegrations  int `json:"syncable_integrations"`
	ScheduledIntegrations int `json:"scheduled_integrations"`
	MappedEvents          int `json:"mapped_events"`
	PendingPasses         int `json:"pending_passes"`
	UnresolvedConflicts   int `json:"unresolved_conflicts"`
	ConnectedClients      int `json:"connected_clients"`
}

// Status returns a handler that provides system-wide status information.
func Status(db *storage.DB, hub *websocket.Hub, scheduler *syncengine.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var resp StatusResponse

		db.QueryRowContext(ctx, "SELECT COUNT(*) FROM integrations").Scan(&resp.IntegrationsCount)
		db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM integrations WHERE is_active = 1 AND sync_enabled = 1").Scan(&resp.SyncableIntegrations)
		db.QueryRowContext(ctx, "SELECT COUNT(*) FROM event_syncs").Scan(&resp.MappedEvents)
		db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sync_events WHERE status = 'pending'").Scan(&resp.PendingPasses)
		db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM conflicts WHERE resolution IS NULL").Scan(&resp.UnresolvedConflicts)

		resp.ScheduledIntegrations = len(scheduler.ScheduledIntegrations())
		resp.ConnectedClients = hub.ClientCount()

		writeJSON(w, http.StatusOK, resp)
	}
}
