// Package main is the entry point for the calendar bridge server.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendar "google.golang.org/api/calendar/v3"

	"github.com/calendar-bridge/backend/internal/api"
	"github.com/calendar-bridge/backend/internal/credentials"
	"github.com/calendar-bridge/backend/internal/provider"
	"github.com/calendar-bridge/backend/internal/storage"
	syncengine "github.com/calendar-bridge/backend/internal/sync"
	"github.com/calendar-bridge/backend/internal/websocket"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
// Defaults to "dev" when not provided.
var version = "dev"

func main() {
	addr := flag.String("addr", ":8080", "HTTP server address")
	dataDir := flag.String("data", "./data", "Data directory for SQLite database")
	envFile := flag.String("env", ".env", "Path to optional .env file")
	syncIntervalMin := flag.Int("sync-interval", 15, "Default sync interval in minutes")
	maxRetries := flag.Int("max-retries", 3, "Retries for a fatally failed sync pass")
	healthCheck := flag.Bool("health-check", false, "Run health check and exit")
	flag.Parse()

	// Health check mode for Docker HEALTHCHECK
	if *healthCheck {
		if err := runHealthCheck(*addr); err != nil {
			log.Fatalf("Health check failed: %v", err)
		}
		os.Exit(0)
	}

	// OAuth client credentials come from the environment; the .env file is a
	// development convenience and its absence is not an error.
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: could not load %s: %v", *envFile, err)
	}

	if envVer := os.Getenv("VERSION"); envVer != "" {
		version = envVer
	}

	log.Printf("Starting calendar bridge (version: %s)...", version)

	// Initialize database
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data directory %q: %v", *dataDir, err)
	}
	db, err := storage.NewDB(*dataDir + "/calendar-bridge.db")
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := storage.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Database migrations complete")

	// Initialize repositories
	integrationRepo := storage.NewIntegrationRepository(db)
	eventRepo := storage.NewEventRepository(db)
	eventSyncRepo := storage.NewEventSyncRepository(db)
	syncEventRepo := storage.NewSyncEventRepository(db)
	conflictRepo := storage.NewConflictRepository(db)
	notificationRepo := storage.NewNotificationRepository(db)

	// Initialize WebSocket hub
	hub := websocket.NewHub()
	go hub.Run()
	broadcaster := websocket.NewBroadcaster(hub)

	// Initialize credential store and provider registry
	creds := credentials.NewStore(integrationRepo, 0)
	registry := provider.NewRegistry()

	if clientID := os.Getenv("GOOGLE_CLIENT_ID"); clientID != "" {
		creds.RegisterProvider("google", &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("GOOGLE_REDIRECT_URL"),
			Scopes:       []string{calendar.CalendarScope},
			Endpoint:     google.Endpoint,
		})
		registry.Register("google", provider.NewGoogleClient)
		log.Println("Google provider registered")
	} else {
		log.Println("GOOGLE_CLIENT_ID not set, Google provider disabled")
	}

	if endpoint := os.Getenv("CALDAV_ENDPOINT"); endpoint != "" {
		registry.Register("caldav", provider.NewCalDAVClientFactory(endpoint))
		log.Printf("CalDAV provider registered for %s", endpoint)
	}

	// Initialize the sync engine
	emitter := syncengine.NewEmitter(notificationRepo, broadcaster)
	orchestrator := syncengine.NewOrchestrator(syncengine.OrchestratorConfig{
		Guard:        syncengine.NewGuard(),
		Tokens:       creds,
		Clients:      syncengine.NewClientSource(creds, registry),
		Emitter:      emitter,
		Integrations: integrationRepo,
		Events:       eventRepo,
		EventSyncs:   eventSyncRepo,
		SyncEvents:   syncEventRepo,
		Conflicts:    conflictRepo,
	})

	scheduler := syncengine.NewScheduler(
		orchestrator,
		integrationRepo,
		notificationRepo,
		*syncIntervalMin,
		syncengine.ExponentialBackoff(time.Minute, 30*time.Minute),
		*maxRetries,
	)
	if err := scheduler.Start(context.Background()); err != nil {
		log.Printf("Warning: Failed to start sync scheduler: %v", err)
	}

	// Initialize HTTP router
	router := api.NewRouter(api.Deps{
		DB:            db,
		Integrations:  integrationRepo,
		SyncEvents:    syncEventRepo,
		Conflicts:     conflictRepo,
		Notifications: notificationRepo,
		Credentials:   creds,
		Orchestrator:  orchestrator,
		Scheduler:     scheduler,
		Hub:           hub,
		Broadcaster:   broadcaster,
	})

	server := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		log.Printf("Server listening on %s", *addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

// runHealthCheck performs a health check against the running server.
func runHealthCheck(addr string) error {
	resp, err := http.Get("http://localhost" + addr + "/api/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return http.ErrAbortHandler
	}
	return nil
}
