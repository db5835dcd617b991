// Package sync implements the calendar sync engine: the orchestrator that
// drives a pass for one integration, the conflict detector and resolver, the
// per-integration concurrency guard, the periodic scheduler and the
// notification emitter.
package sync

import (
	"errors"
)

// Fatal pass error codes recorded on failed sync events and surfaced in
// notifications.
const (
	ErrCodeTokenExpired  = "TOKEN_EXPIRED"
	ErrCodeProviderError = "PROVIDER_ERROR"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeInternal      = "INTERNAL"
)

var (
	// ErrSyncInProgress is returned when a pass is requested while another
	// pass is pending for the same integration. Callers should retry later;
	// requests are rejected, never queued.
	ErrSyncInProgress = errors.New("sync already in progress for this integration")

	// ErrIntegrationNotFound is returned for an unknown integration ID.
	ErrIntegrationNotFound = errors.New("integration not found")

	// ErrIntegrationDisabled is returned when the integration is inactive or
	// has sync disabled.
	ErrIntegrationDisabled = errors.New("integration is not enabled for sync")
)
