// Package provider adapts external calendar APIs to the engine's canonical
// event model. The sync orchestrator talks to one Client per integration,
// selected from the Registry at pass entry, and never branches on the
// provider kind itself.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/calendar-bridge/backend/internal/storage/models"
)

// ErrNotFound is returned when the remote event no longer exists at the
// provider. The conflict detector relies on this to classify remote
// deletions.
var ErrNotFound = errors.New("remote event not found")

// Client is the boundary to one external calendar provider. All operations
// are safe to retry: creates carry the local event ID as a client-side
// dedupe key, passed through to the provider where supported.
type Client interface {
	// ListEvents returns remote events changed since the watermark. A zero
	// since lists a bounded recent window instead.
	ListEvents(ctx context.Context, calendarID string, since time.Time) ([]models.RemoteEvent, error)

	// GetEvent fetches the current remote state of one event.
	// Returns ErrNotFound if it was deleted at the provider.
	GetEvent(ctx context.Context, calendarID, externalID string) (*models.RemoteEvent, error)

	// CreateEvent mirrors a local event remotely and returns the provider's
	// identifier for it. The event's ID is used as the dedupe key.
	CreateEvent(ctx context.Context, calendarID string, e *models.Event) (string, error)

	// UpdateEvent overwrites the remote event's fields with the local state.
	UpdateEvent(ctx context.Context, calendarID, externalID string, e *models.Event) error

	// DeleteEvent removes the remote event. Deleting an already-deleted
	// event is not an error.
	DeleteEvent(ctx context.Context, calendarID, externalID string) error
}

// Factory builds a Client from an HTTP client already authenticated for the
// integration's account.
type Factory func(ctx context.Context, httpClient *http.Client) (Client, error)

// Registry maps provider names to client factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for a provider name, replacing any existing one.
func (r *Registry) Register(provider string, factory Factory) {
	r.factories[provider] = factory
}

// ClientFor builds a client for the named provider.
func (r *Registry) ClientFor(ctx context.Context, provider string, httpClient *http.Client) (Client, error) {
	factory, ok := r.factories[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
	return factory(ctx, httpClient)
}

// Providers returns the registered provider names.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
