package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/calendar-bridge/backend/internal/api/middleware"
	"github.com/calendar-bridge/backend/internal/storage"
	"github.com/calendar-bridge/backend/internal/storage/models"
)

// ListNotifications returns the user's notifications, newest first.
func ListNotifications(notifications *storage.NotificationRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		unreadOnly := r.URL.Query().Get("unread_only") == "true"

		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "limit must be a positive integer")
				return
			}
			limit = parsed
		}

		list, err := notifications.ListByUser(r.Context(), requestUserID(r), unreadOnly, limit)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query notifications")
			return
		}
		if list == nil {
			list = []models.Notification{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// MarkNotificationRead flags a notification as read.
func MarkNotificationRead(notifications *storage.NotificationRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		if err := notifications.MarkRead(r.Context(), id, true); err != nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Notification not found")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
