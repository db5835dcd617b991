// Package api provides HTTP routing and handlers for the REST API.
package api

import (
	"github.com/gorilla/mux"

	"github.com/calendar-bridge/backend/internal/api/handlers"
	"github.com/calendar-bridge/backend/internal/api/middleware"
	"github.com/calendar-bridge/backend/internal/credentials"
	"github.com/calendar-bridge/backend/internal/storage"
	syncengine "github.com/calendar-bridge/backend/internal/sync"
	"github.com/calendar-bridge/backend/internal/websocket"
)

// Deps carries everything the routes need.
type Deps struct {
	DB            *storage.DB
	Integrations  *storage.IntegrationRepository
	SyncEvents    *storage.SyncEventRepository
	Conflicts     *storage.ConflictRepository
	Notifications *storage.NotificationRepository

	Credentials  *credentials.Store
	Orchestrator *syncengine.Orchestrator
	Scheduler    *syncengine.Scheduler

	Hub         *websocket.Hub
	Broadcaster *websocket.Broadcaster
}

// NewRouter creates and configures the HTTP router with all API routes.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.Logging)
	r.Use(middleware.ErrorRecovery)

	api := r.PathPrefix("/api").Subrouter()

	// Health and status endpoints
	api.HandleFunc("/health", handlers.HealthCheck(d.DB)).Methods("GET")
	api.HandleFunc("/status", handlers.Status(d.DB, d.Hub, d.Scheduler)).Methods("GET")

	// WebSocket endpoint
	api.HandleFunc("/ws", handlers.WebSocketUpgrade(d.Hub)).Methods("GET")

	// Integration endpoints
	flows := handlers.NewAuthFlows()
	api.HandleFunc("/integrations", handlers.ListIntegrations(d.Integrations)).Methods("GET")
	api.HandleFunc("/integrations", handlers.CreateIntegration(d.Integrations, d.Scheduler)).Methods("POST")
	api.HandleFunc("/integrations/connect", handlers.ConnectIntegration(d.Credentials, flows)).Methods("POST")
	api.HandleFunc("/integrations/callback", handlers.OAuthCallback(d.Credentials, d.Integrations, d.Scheduler, flows)).Methods("GET")
	api.HandleFunc("/integrations/{id}", handlers.GetIntegration(d.Integrations)).Methods("GET")
	api.HandleFunc("/integrations/{id}", handlers.DeleteIntegration(d.Integrations, d.Scheduler)).Methods("DELETE")
	api.HandleFunc("/integrations/{id}/settings", handlers.UpdateIntegrationSettings(d.Integrations, d.Scheduler)).Methods("PUT")
	api.HandleFunc("/integrations/{id}/disable", handlers.DisableIntegration(d.Integrations, d.Scheduler)).Methods("POST")

	// Sync endpoints
	api.HandleFunc("/integrations/{id}/sync", handlers.TriggerSync(d.Integrations, d.Scheduler, d.Broadcaster)).Methods("POST")
	api.HandleFunc("/integrations/{id}/sync/status", handlers.SyncStatus(d.Integrations, d.SyncEvents, d.Conflicts, d.Orchestrator, d.Scheduler)).Methods("GET")
	api.HandleFunc("/integrations/{id}/sync/stats", handlers.SyncStats(d.Integrations, d.SyncEvents)).Methods("GET")

	// Conflict endpoints
	api.HandleFunc("/integrations/{id}/conflicts", handlers.ListConflicts(d.Conflicts)).Methods("GET")
	api.HandleFunc("/conflicts/{id}", handlers.GetConflict(d.Conflicts)).Methods("GET")
	api.HandleFunc("/conflicts/{id}/resolve", handlers.ResolveConflict(d.Conflicts, d.Orchestrator)).Methods("POST")

	// Notification endpoints
	api.HandleFunc("/notifications", handlers.ListNotifications(d.Notifications)).Methods("GET")
	api.HandleFunc("/notifications/{id}/read", handlers.MarkNotificationRead(d.Notifications)).Methods("POST")

	return r
}
