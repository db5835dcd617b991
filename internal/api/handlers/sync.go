package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/calendar-bridge/backend/internal/api/middleware"
	"github.com/calendar-bridge/backend/internal/storage"
	"github.com/calendar-bridge/backend/internal/storage/models"
	syncengine "github.com/calendar-bridge/backend/internal/sync"
	"github.com/calendar-bridge/backend/internal/websocket"
)

// TriggerSync starts an on-demand sync pass. Returns 409 with a Retry-After
// hint while a pass is already running; requests are never queued.
func TriggerSync(
	integrations *storage.IntegrationRepository,
	scheduler *syncengine.Scheduler,
	broadcaster *websocket.Broadcaster,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := mux.Vars(r)["id"]

		var req struct {
			Operation string `json:"operation"`
		}
		if r.Body != nil && r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
				return
			}
		}
		if req.Operation == "" {
			req.Operation = models.OperationSync
		}
		switch req.Operation {
		case models.OperationSync, models.OperationPush, models.OperationPull:
		default:
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "Operation must be sync, push or pull")
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
		if !in.Syncable() {
			middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, "Integration is disabled")
			return
		}

		if err := scheduler.TriggerSync(id, req.Operation); err != nil {
			if errors.Is(err, syncengine.ErrSyncInProgress) {
				w.Header().Set("Retry-After", strconv.Itoa(int(syncengine.RetryAfterHint.Seconds())))
				middleware.WriteError(w, http.StatusConflict, middleware.ErrSyncInProgress, "A sync pass is already running for this integration")
				return
			}
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to start sync")
			return
		}

		broadcaster.NotifySyncStarted(in.UserID, in, req.Operation)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":         "started",
			"integration_id": id,
			"operation":      req.Operation,
		})
	}
}

// SyncPassResponse is one sync event in status responses.
type SyncPassResponse struct {
	ID               string     `json:"id"`
	Operation        string     `json:"operation"`
	Direction        string     `json:"direction"`
	Status           string     `json:"status"`
	ScheduledAt      time.Time  `json:"scheduled_at"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
	DurationMs       int64      `json:"duration_ms"`
	Error            *string    `json:"error,omitempty"`
	RetryCount       int        `json:"retry_count"`
	EventsProcessed  int        `json:"events_processed"`
	ConflictsCreated int        `json:"conflicts_created"`
	ErrorCount       int        `json:"error_count"`
}

// SyncStatusResponse is the per-integration sync status surface.
type SyncStatusResponse struct {
	IntegrationID       string             `json:"integration_id"`
	GuardState          string             `json:"guard_state"`
	RunningSince        *time.Time         `json:"running_since,omitempty"`
	LastSyncAt          *time.Time         `json:"last_sync_at,omitempty"`
	SyncError           *string            `json:"sync_error,omitempty"`
	NextRunAt           *time.Time         `json:"next_run_at,omitempty"`
	UnresolvedConflicts int                `json:"unresolved_conflicts"`
	RecentPasses        []SyncPassResponse `json:"recent_passes"`
}

// SyncStatus reports the integration's guard state, recent passes and open
// conflict count.
func SyncStatus(
	integrations *storage.IntegrationRepository,
	syncEvents *storage.SyncEventRepository,
	conflicts *storage.ConflictRepository,
	orchestrator *syncengine.Orchestrator,
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

		recent, err := syncEvents.ListRecent(ctx, id, 10)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query sync history")
			return
		}

		unresolved, err := conflicts.CountUnresolved(ctx, id)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to count conflicts")
			return
		}

		resp := SyncStatusResponse{
			IntegrationID:       id,
			GuardState:          orchestrator.Guard().State(id),
			LastSyncAt:          in.LastSyncAt,
			SyncError:           in.SyncError,
			NextRunAt:           scheduler.NextRun(id),
			UnresolvedConflicts: unresolved,
			RecentPasses:        make([]SyncPassResponse, 0, len(recent)),
		}
		if since, held := orchestrator.Guard().RunningSince(id); held {
			resp.RunningSince = &since
		}

		for _, se := range recent {
			resp.RecentPasses = append(resp.RecentPasses, SyncPassResponse{
				ID:               se.ID,
				Operation:        se.Operation,
				Direction:        se.Direction,
				Status:           se.Status,
				ScheduledAt:      se.ScheduledAt,
				ProcessedAt:      se.ProcessedAt,
				DurationMs:       se.Duration().Milliseconds(),
				Error:            se.Error,
				RetryCount:       se.RetryCount,
				EventsProcessed:  se.EventsProcessed,
				ConflictsCreated: se.ConflictsCreated,
				ErrorCount:       se.ErrorCount,
			})
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// SyncStats aggregates pass outcomes for an integration over a trailing
// window (default 30 days).
func SyncStats(
	integrations *storage.IntegrationRepository,
	syncEvents *storage.SyncEventRepository,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := mux.Vars(r)["id"]

		days := 30
		if raw := r.URL.Query().Get("days"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "days must be a positive integer")
				return
			}
			days = parsed
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

		since := time.Now().UTC().AddDate(0, 0, -days)
		stats, err := syncEvents.GetStats(ctx, id, since)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to compute sync stats")
			return
		}

		writeJSON(w, http.StatusOK, stats)
	}
}
