package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/calendar-bridge/backend/internal/api/middleware"
	"github.com/calendar-bridge/backend/internal/storage"
	"github.com/calendar-bridge/backend/internal/storage/models"
	syncengine "github.com/calendar-bridge/backend/internal/sync"
)

// ListConflicts returns an integration's conflicts, all of them or only the
// unresolved ones.
func ListConflicts(conflicts *storage.ConflictRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		integrationID := mux.Vars(r)["id"]

		var list []models.Conflict
		var err error
		if r.URL.Query().Get("unresolved") == "true" {
			list, err = conflicts.ListUnresolved(ctx, integrationID)
		} else {
			list, err = conflicts.List(ctx, integrationID)
		}
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query conflicts")
			return
		}

		if list == nil {
			list = []models.Conflict{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// GetConflict returns one conflict with its state snapshots.
func GetConflict(conflicts *storage.ConflictRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := conflicts.GetByID(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query conflict")
			return
		}
		if c == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Conflict not found")
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

// ResolveConflict applies a user-chosen resolution to an open conflict. The
// convergence write happens before the conflict is marked resolved; if it
// fails the conflict stays open and the request errors.
func ResolveConflict(
	conflicts *storage.ConflictRepository,
	orchestrator *syncengine.Orchestrator,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := mux.Vars(r)["id"]

		var req struct {
			Resolution string `json:"resolution"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}

		c, err := conflicts.GetByID(ctx, id)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query conflict")
			return
		}
		if c == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Conflict not found")
			return
		}
		if c.IsResolved() {
			middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, "Conflict is already resolved")
			return
		}

		if syncengine.ManualResolution(c.ConflictType, req.Resolution) == nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation,
				"Resolution is not valid for this conflict type")
			return
		}

		if err := orchestrator.ResolveConflict(ctx, id, req.Resolution, requestUserID(r)); err != nil {
			log.Printf("Resolving conflict %s failed: %v", id, err)
			middleware.WriteError(w, http.StatusBadGateway, middleware.ErrInternalError,
				"Applying the resolution failed; the conflict remains open")
			return
		}

		resolved, err := conflicts.GetByID(ctx, id)
		if err != nil || resolved == nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to reload conflict")
			return
		}
		writeJSON(w, http.StatusOK, resolved)
	}
}
