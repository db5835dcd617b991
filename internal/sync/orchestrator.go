package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/calendar-bridge/backend/internal/credentials"
	"github.com/calendar-bridge/backend/internal/privacy"
	"github.com/calendar-bridge/backend/internal/provider"
	"github.com/calendar-bridge/backend/internal/storage"
	"github.com/calendar-bridge/backend/internal/storage/models"
)

// DefaultPassTimeout bounds the wall-clock budget of one pass. An exceeded
// budget fails the pass but keeps already-committed progress; the next pass
// resumes from the persisted mappings.
const DefaultPassTimeout = 5 * time.Minute

// DefaultFirstSyncWindow bounds how far back the first pass of an
// integration looks when no watermark exists yet.
const DefaultFirstSyncWindow = 30 * 24 * time.Hour

// TokenSource supplies a fresh access token for an integration. Token
// freshness is an explicit precondition checked once at pass entry, not a
// hidden side effect inside the provider client.
type TokenSource interface {
	EnsureFreshToken(ctx context.Context, in *models.Integration) (string, error)
}

// ClientSource builds the provider client for an integration.
type ClientSource interface {
	ClientFor(ctx context.Context, in *models.Integration) (provider.Client, error)
}

// NewClientSource combines the credential store and the provider registry
// into the production ClientSource.
func NewClientSource(creds *credentials.Store, registry *provider.Registry) ClientSource {
	return &clientSource{creds: creds, registry: registry}
}

type clientSource struct {
	creds    *credentials.Store
	registry *provider.Registry
}

func (s *clientSource) ClientFor(ctx context.Context, in *models.Integration) (provider.Client, error) {
	return s.registry.ClientFor(ctx, in.Provider, s.creds.HTTPClient(ctx, in))
}

// Options adjusts a single pass.
type Options struct {
	// Operation is sync, push or pull. Push forces export-only, pull forces
	// import-only; sync follows the integration's configured direction.
	Operation string

	// RetryCount links a retried pass to its predecessors.
	RetryCount int
}

// Orchestrator drives sync passes. One orchestrator serves all
// integrations; the guard serializes passes per integration.
type Orchestrator struct {
	guard   *Guard
	tokens  TokenSource
	clients ClientSource
	emitter *Emitter

	integrations *storage.IntegrationRepository
	events       *storage.EventRepository
	eventSyncs   *storage.EventSyncRepository
	syncEvents   *storage.SyncEventRepository
	conflicts    *storage.ConflictRepository

	passTimeout     time.Duration
	firstSyncWindow time.Duration
}

// OrchestratorConfig wires an Orchestrator's collaborators.
type OrchestratorConfig struct {
	Guard        *Guard
	Tokens       TokenSource
	Clients      ClientSource
	Emitter      *Emitter
	Integrations *storage.IntegrationRepository
	Events       *storage.EventRepository
	EventSyncs   *storage.EventSyncRepository
	SyncEvents   *storage.SyncEventRepository
	Conflicts    *storage.ConflictRepository

	// PassTimeout and FirstSyncWindow fall back to the package defaults
	// when zero.
	PassTimeout     time.Duration
	FirstSyncWindow time.Duration
}

// NewOrchestrator creates a sync orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = DefaultPassTimeout
	}
	if cfg.FirstSyncWindow <= 0 {
		cfg.FirstSyncWindow = DefaultFirstSyncWindow
	}
	return &Orchestrator{
		guard:           cfg.Guard,
		tokens:          cfg.Tokens,
		clients:         cfg.Clients,
		emitter:         cfg.Emitter,
		integrations:    cfg.Integrations,
		events:          cfg.Events,
		eventSyncs:      cfg.EventSyncs,
		syncEvents:      cfg.SyncEvents,
		conflicts:       cfg.Conflicts,
		passTimeout:     cfg.PassTimeout,
		firstSyncWindow: cfg.FirstSyncWindow,
	}
}

// Guard exposes the concurrency guard for the status surface.
func (o *Orchestrator) Guard() *Guard {
	return o.guard
}

// RunSync executes one pass for an integration. Fatal errors (token refresh
// failure, provider unreachable, timeout) fail the whole pass; individual
// event failures are collected in the result and do not.
func (o *Orchestrator) RunSync(ctx context.Context, integrationID string, opts Options) (*models.SyncResult, error) {
	in, err := o.integrations.GetByID(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, ErrIntegrationNotFound
	}
	if !in.Syncable() {
		return nil, ErrIntegrationDisabled
	}

	if !o.guard.TryAcquire(in.ID) {
		return nil, ErrSyncInProgress
	}
	defer o.guard.Release(in.ID)

	operation := opts.Operation
	if operation == "" {
		operation = models.OperationSync
	}

	// The pass uses one settings snapshot for its whole duration; settings
	// changed mid-pass apply from the next pass.
	settings := in.Settings
	direction := passDirection(operation, settings)

	se := &models.SyncEvent{
		IntegrationID: in.ID,
		Operation:     operation,
		Direction:     direction,
		RetryCount:    opts.RetryCount,
	}
	if err := o.syncEvents.CreatePending(ctx, se); err != nil {
		if errors.Is(err, storage.ErrPassInProgress) {
			return nil, ErrSyncInProgress
		}
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, o.passTimeout)
	defer cancel()

	passStart := time.Now().UTC()
	log.Printf("Starting %s pass %s for integration %s (%s)", direction, se.ID, in.ID, in.Provider)

	if _, err := o.tokens.EnsureFreshToken(ctx, in); err != nil {
		o.failPass(in, se, ErrCodeTokenExpired, err)
		if errors.Is(err, credentials.ErrRefreshFailed) {
			o.emitter.ReconnectRequired(context.WithoutCancel(ctx), in)
		} else {
			o.emitter.PassFailed(context.WithoutCancel(ctx), in, se.ID, ErrCodeTokenExpired, fmt.Sprintf("Sync with %s failed: %v", in.Provider, err))
		}
		return nil, err
	}

	client, err := o.clients.ClientFor(ctx, in)
	if err != nil {
		o.failPass(in, se, ErrCodeProviderError, err)
		o.emitter.PassFailed(context.WithoutCancel(ctx), in, se.ID, ErrCodeProviderError, fmt.Sprintf("Sync with %s failed: %v", in.Provider, err))
		return nil, err
	}

	p := &pass{
		o:        o,
		in:       in,
		se:       se,
		settings: settings,
		client:   client,
		visible:  privacy.VisibleFields(settings),
		result: &models.SyncResult{
			IntegrationID: in.ID,
			SyncEventID:   se.ID,
		},
		watermark: in.LastSyncAt,
		handled:   make(map[string]bool),
	}

	if err := p.run(ctx, direction); err != nil {
		code := ErrCodeProviderError
		if ctx.Err() != nil {
			code = ErrCodeTimeout
		}
		o.failPass(in, se, code, err)
		o.emitter.PassFailed(context.WithoutCancel(ctx), in, se.ID, code, fmt.Sprintf("Sync with %s failed: %v", in.Provider, err))
		return nil, err
	}

	// Per-event errors leave the pass successful; only a fatal error keeps
	// the watermark where it was.
	p.result.Success = true
	p.result.SyncedAt = passStart

	if err := o.syncEvents.Finish(ctx, se.ID, models.SyncEventSynced, nil,
		p.result.EventsProcessed, p.result.ConflictsCreated, len(p.result.Errors)); err != nil {
		log.Printf("Failed to finalize sync event %s: %v", se.ID, err)
	}
	if err := o.integrations.SetSyncOutcome(ctx, in.ID, &passStart, nil); err != nil {
		log.Printf("Failed to update integration %s after pass: %v", in.ID, err)
	}

	o.emitter.PassCompleted(ctx, in, p.result)
	log.Printf("Pass %s completed: %d events, %d conflicts, %d errors",
		se.ID, p.result.EventsProcessed, p.result.ConflictsCreated, len(p.result.Errors))

	return p.result, nil
}

// ReapAbandonedPasses fails PENDING sync events older than the pass timeout.
// A process crash mid-pass leaves a pending row behind, and until that row
// is failed the unique index rejects every new pass for its integration.
func (o *Orchestrator) ReapAbandonedPasses(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-o.passTimeout)
	reaped, err := o.syncEvents.FailStale(ctx, cutoff, ErrCodeInternal+": pass abandoned, process exited mid-pass")
	if err != nil {
		return 0, fmt.Errorf("reaping abandoned passes: %w", err)
	}
	if reaped > 0 {
		log.Printf("Failed %d abandoned sync passes", reaped)
	}
	return reaped, nil
}

func (o *Orchestrator) failPass(in *models.Integration, se *models.SyncEvent, code string, err error) {
	// The pass context may already be dead; finalize with a fresh one.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := fmt.Sprintf("%s: %v", code, err)
	if ferr := o.syncEvents.Finish(ctx, se.ID, models.SyncEventFailed, &msg, 0, 0, 0); ferr != nil {
		log.Printf("Failed to mark sync event %s failed: %v", se.ID, ferr)
	}
	if serr := o.integrations.SetSyncOutcome(ctx, in.ID, nil, &msg); serr != nil {
		log.Printf("Failed to record sync error on integration %s: %v", in.ID, serr)
	}
	log.Printf("Pass %s failed for integration %s: %v", se.ID, in.ID, err)
}

func passDirection(operation string, settings models.SyncSettings) string {
	switch operation {
	case models.OperationPush:
		return models.DirectionExport
	case models.OperationPull:
		return models.DirectionImport
	default:
		return settings.Direction
	}
}

// pass holds the state of one running pass.
type pass struct {
	o        *Orchestrator
	in       *models.Integration
	se       *models.SyncEvent
	settings models.SyncSettings
	client   provider.Client
	visible  map[string]bool
	result   *models.SyncResult

	// watermark is the change cursor: both sides are queried for changes
	// after it. Nil on the first pass.
	watermark *time.Time

	// handled tracks local event IDs already reconciled this pass, so the
	// import phase does not process a pair twice.
	handled map[string]bool
}

func (p *pass) run(ctx context.Context, direction string) error {
	exporting := direction == models.DirectionExport || direction == models.DirectionBidirectional
	importing := direction == models.DirectionImport || direction == models.DirectionBidirectional

	if exporting {
		if err := p.exportLocal(ctx); err != nil {
			return err
		}
	}
	if importing {
		if err := p.importRemote(ctx); err != nil {
			return err
		}
	}
	return nil
}

// exportLocal reconciles local events changed since the watermark.
func (p *pass) exportLocal(ctx context.Context) error {
	windowFloor := time.Now().UTC().Add(-p.o.firstSyncWindow)
	events, err := p.o.events.ListChangedSince(ctx, p.in.UserID, p.watermark, windowFloor)
	if err != nil {
		return fmt.Errorf("listing changed local events: %w", err)
	}

	for i := range events {
		if ctx.Err() != nil {
			return fmt.Errorf("pass timed out after %d events: %w", p.result.EventsProcessed, ctx.Err())
		}

		local := &events[i]
		p.handled[local.ID] = true

		if !privacy.Eligible(local, p.settings) && !local.IsDeleted() {
			// Ineligible events never acquire a mapping and are not counted.
			continue
		}

		mapping, err := p.o.eventSyncs.GetByEvent(ctx, local.ID, p.in.Provider)
		if err != nil {
			p.recordError(local.ID, "", "lookup", err)
			continue
		}

		if mapping == nil {
			if local.IsDeleted() {
				continue
			}
			p.createRemote(ctx, local)
			continue
		}

		p.reconcilePair(ctx, local, mapping)
	}

	return nil
}

// importRemote reconciles remote events changed since the watermark.
func (p *pass) importRemote(ctx context.Context) error {
	var since time.Time
	if p.watermark != nil {
		since = *p.watermark
	}

	remote, err := p.client.ListEvents(ctx, p.settings.CalendarID, since)
	if err != nil {
		return fmt.Errorf("listing remote events: %w", err)
	}

	for i := range remote {
		if ctx.Err() != nil {
			return fmt.Errorf("pass timed out after %d events: %w", p.result.EventsProcessed, ctx.Err())
		}

		re := &remote[i]
		mapping, err := p.o.eventSyncs.GetByExternalID(ctx, p.in.ID, re.ExternalID)
		if err != nil {
			p.recordError("", re.ExternalID, "lookup", err)
			continue
		}

		if mapping == nil {
			if re.Status == models.EventStatusCancelled {
				continue
			}
			p.createLocal(ctx, re)
			continue
		}

		if p.handled[mapping.EventID] {
			continue
		}
		p.handled[mapping.EventID] = true

		local, err := p.o.events.GetByID(ctx, mapping.EventID)
		if err != nil {
			p.recordError(mapping.EventID, re.ExternalID, "lookup", err)
			continue
		}

		p.reconcile(ctx, local, re, mapping)
	}

	return nil
}

// createRemote mirrors a new eligible local event at the provider.
func (p *pass) createRemote(ctx context.Context, local *models.Event) {
	transformed := privacy.Transform(local, p.settings)

	externalID, err := p.client.CreateEvent(ctx, p.settings.CalendarID, transformed)
	if err != nil {
		p.recordError(local.ID, "", "create_remote", err)
		return
	}

	if err := p.upsertMapping(ctx, local.ID, externalID); err != nil {
		p.recordError(local.ID, externalID, "map", err)
		return
	}

	p.result.EventsProcessed++
}

// createLocal imports a new remote event, subject to the inverse-direction
// privacy rules.
func (p *pass) createLocal(ctx context.Context, re *models.RemoteEvent) {
	local := &models.Event{
		ID:          storage.GenerateID(),
		UserID:      p.in.UserID,
		Title:       re.Title,
		Description: re.Description,
		Location:    re.Location,
		StartTime:   re.StartTime,
		EndTime:     re.EndTime,
		AllDay:      re.AllDay,
		Status:      models.EventStatusConfirmed,
	}

	if !privacy.Eligible(local, p.settings) {
		return
	}

	if err := p.o.events.Create(ctx, local); err != nil {
		p.recordError("", re.ExternalID, "create_local", err)
		return
	}

	if err := p.upsertMapping(ctx, local.ID, re.ExternalID); err != nil {
		p.recordError(local.ID, re.ExternalID, "map", err)
		return
	}

	p.result.EventsProcessed++
}

// reconcilePair fetches current remote state for a mapped local event and
// reconciles the pair.
func (p *pass) reconcilePair(ctx context.Context, local *models.Event, mapping *models.EventSync) {
	remote, err := p.client.GetEvent(ctx, p.settings.CalendarID, mapping.ExternalID)
	if err != nil && !errors.Is(err, provider.ErrNotFound) {
		p.recordError(local.ID, mapping.ExternalID, "fetch_remote", err)
		return
	}

	p.reconcile(ctx, local, remote, mapping)
}

// reconcile runs detection and resolution for one mapped pair. remote is nil
// when the event no longer exists at the provider.
func (p *pass) reconcile(ctx context.Context, local *models.Event, remote *models.RemoteEvent, mapping *models.EventSync) {
	var transformed *models.Event
	if local != nil {
		transformed = privacy.Transform(local, p.settings)
	}

	conflictType := Detect(transformed, remote, mapping, p.visible)
	if conflictType == "" {
		if (local == nil || local.IsDeleted()) && remote == nil {
			// Both sides gone: drop the mapping, deletion has converged.
			if err := p.o.eventSyncs.Delete(ctx, mapping.EventID, mapping.Provider); err != nil {
				p.recordError(mapping.EventID, mapping.ExternalID, "unlink", err)
			}
		}
		p.result.EventsProcessed++
		return
	}

	// A pair already awaiting resolution stays as-is; the open conflict is
	// the record of it and passes never stack duplicates.
	open, err := p.o.conflicts.HasUnresolved(ctx, p.in.ID, mapping.EventID)
	if err != nil {
		p.recordError(mapping.EventID, mapping.ExternalID, "conflict_lookup", err)
		return
	}
	if open {
		p.result.EventsProcessed++
		return
	}

	conflict := &models.Conflict{
		IntegrationID: p.in.ID,
		EventID:       mapping.EventID,
		ExternalID:    mapping.ExternalID,
		ConflictType:  conflictType,
		Description:   DescribeConflict(conflictType, transformed, remote, p.visible),
		LocalData:     snapshot(transformed),
		ExternalData:  snapshot(remote),
	}
	if err := p.o.conflicts.Create(ctx, conflict); err != nil {
		p.recordError(mapping.EventID, mapping.ExternalID, "conflict_create", err)
		return
	}
	p.result.ConflictsCreated++

	resolution := Resolve(conflictType, p.settings.Policy)
	if resolution == nil {
		// Manual policy or double edit: leave both sides untouched until a
		// human resolves it.
		p.result.EventsProcessed++
		return
	}

	if err := p.o.applyResolution(ctx, p.in, p.client, p.settings, conflict, resolution, "auto"); err != nil {
		// The convergence write failed, so the conflict stays unresolved.
		p.recordError(mapping.EventID, mapping.ExternalID, "resolve", err)
		return
	}

	p.result.EventsProcessed++
}

func (p *pass) upsertMapping(ctx context.Context, eventID, externalID string) error {
	return p.o.eventSyncs.Upsert(ctx, &models.EventSync{
		EventID:       eventID,
		IntegrationID: p.in.ID,
		Provider:      p.in.Provider,
		ExternalID:    externalID,
		SyncStatus:    models.EventSyncSynced,
	})
}

func (p *pass) recordError(eventID, externalID, op string, err error) {
	log.Printf("Pass %s: %s failed for event %s%s: %v", p.se.ID, op, eventID, externalID, err)
	p.result.Errors = append(p.result.Errors, models.SyncError{
		EventID:    eventID,
		ExternalID: externalID,
		Op:         op,
		Message:    err.Error(),
	})
}

// ResolveConflict applies a user-chosen resolution to an open conflict:
// the convergence write and the resolution record form one logical unit, so
// a failed write leaves the conflict unresolved.
func (o *Orchestrator) ResolveConflict(ctx context.Context, conflictID, outcome, resolvedBy string) error {
	conflict, err := o.conflicts.GetByID(ctx, conflictID)
	if err != nil {
		return err
	}
	if conflict == nil {
		return fmt.Errorf("conflict not found: %s", conflictID)
	}
	if conflict.IsResolved() {
		return fmt.Errorf("conflict already resolved: %s", conflictID)
	}

	in, err := o.integrations.GetByID(ctx, conflict.IntegrationID)
	if err != nil {
		return err
	}
	if in == nil {
		return ErrIntegrationNotFound
	}

	resolution := ManualResolution(conflict.ConflictType, outcome)
	if resolution == nil {
		return fmt.Errorf("resolution %q is not valid for a %s conflict", outcome, conflict.ConflictType)
	}

	if _, err := o.tokens.EnsureFreshToken(ctx, in); err != nil {
		return err
	}
	client, err := o.clients.ClientFor(ctx, in)
	if err != nil {
		return err
	}

	return o.applyResolution(ctx, in, client, in.Settings, conflict, resolution, resolvedBy)
}

// applyResolution performs the convergence write for a resolution and marks
// the conflict resolved only once the write has succeeded.
func (o *Orchestrator) applyResolution(ctx context.Context, in *models.Integration, client provider.Client, settings models.SyncSettings, conflict *models.Conflict, resolution *Resolution, resolvedBy string) error {
	switch resolution.Action {
	case ActionPushRemote:
		if err := o.pushRemote(ctx, in, client, settings, conflict); err != nil {
			return err
		}
	case ActionPullLocal:
		if err := o.pullLocal(ctx, in, client, settings, conflict); err != nil {
			return err
		}
	case ActionDeleteRemote:
		if err := client.DeleteEvent(ctx, settings.CalendarID, conflict.ExternalID); err != nil {
			return fmt.Errorf("deleting remote event: %w", err)
		}
		if err := o.eventSyncs.Delete(ctx, conflict.EventID, in.Provider); err != nil {
			return err
		}
	case ActionDeleteLocal:
		if err := o.events.SoftDelete(ctx, conflict.EventID); err != nil {
			return err
		}
		if err := o.eventSyncs.Delete(ctx, conflict.EventID, in.Provider); err != nil {
			return err
		}
	case ActionUnlink:
		if err := o.eventSyncs.Delete(ctx, conflict.EventID, in.Provider); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown resolution action: %s", resolution.Action)
	}

	return o.conflicts.Resolve(ctx, conflict.ID, resolution.Outcome, resolvedBy)
}

// pushRemote re-establishes the local state at the provider, recreating the
// remote event if it was deleted there.
func (o *Orchestrator) pushRemote(ctx context.Context, in *models.Integration, client provider.Client, settings models.SyncSettings, conflict *models.Conflict) error {
	local, err := o.events.GetByID(ctx, conflict.EventID)
	if err != nil {
		return err
	}
	if local == nil || local.IsDeleted() {
		return fmt.Errorf("local event %s no longer exists", conflict.EventID)
	}

	transformed := privacy.Transform(local, settings)

	externalID := conflict.ExternalID
	if conflict.ConflictType == models.ConflictDeletedRemotely {
		externalID, err = client.CreateEvent(ctx, settings.CalendarID, transformed)
		if err != nil {
			return fmt.Errorf("recreating remote event: %w", err)
		}
	} else {
		if err := client.UpdateEvent(ctx, settings.CalendarID, externalID, transformed); err != nil {
			return fmt.Errorf("updating remote event: %w", err)
		}
	}

	return o.eventSyncs.Upsert(ctx, &models.EventSync{
		EventID:       local.ID,
		IntegrationID: in.ID,
		Provider:      in.Provider,
		ExternalID:    externalID,
		SyncStatus:    models.EventSyncSynced,
	})
}

// pullLocal overwrites the local event with the current remote state,
// restoring it if it was deleted locally.
func (o *Orchestrator) pullLocal(ctx context.Context, in *models.Integration, client provider.Client, settings models.SyncSettings, conflict *models.Conflict) error {
	remote, err := client.GetEvent(ctx, settings.CalendarID, conflict.ExternalID)
	if err != nil {
		return fmt.Errorf("fetching remote event: %w", err)
	}

	local, err := o.events.GetByID(ctx, conflict.EventID)
	if err != nil {
		return err
	}
	if local == nil {
		return fmt.Errorf("local event %s no longer exists", conflict.EventID)
	}

	if local.IsDeleted() {
		if err := o.events.Restore(ctx, local.ID); err != nil {
			return err
		}
	}

	local.Title = remote.Title
	local.Description = remote.Description
	local.Location = remote.Location
	local.StartTime = remote.StartTime
	local.EndTime = remote.EndTime
	local.AllDay = remote.AllDay
	if err := o.events.Update(ctx, local); err != nil {
		return err
	}

	return o.eventSyncs.Upsert(ctx, &models.EventSync{
		EventID:       local.ID,
		IntegrationID: in.ID,
		Provider:      in.Provider,
		ExternalID:    conflict.ExternalID,
		SyncStatus:    models.EventSyncSynced,
	})
}

func snapshot(v any) *string {
	if v == nil {
		return nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(encoded)
	return &s
}
