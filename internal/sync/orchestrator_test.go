package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/calendar-bridge/backend/internal/credentials"
	"github.com/calendar-bridge/backend/internal/provider"
	"github.com/calendar-bridge/backend/internal/storage"
	"github.com/calendar-bridge/backend/internal/storage/models"
)

// fakeTokens satisfies TokenSource without talking to an OAuth endpoint.
type fakeTokens struct {
	err error
}

func (f *fakeTokens) EnsureFreshToken(ctx context.Context, in *models.Integration) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "test-token", nil
}

// fakeClients satisfies ClientSource with a fixed client.
type fakeClients struct {
	client provider.Client
	err    error
}

func (f *fakeClients) ClientFor(ctx context.Context, in *models.Integration) (provider.Client, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

// fakeClient is an in-memory provider backend.
type fakeClient struct {
	mu     sync.Mutex
	remote map[string]*models.RemoteEvent
	nextID int

	// failCreateTitle makes CreateEvent fail for one event, to exercise
	// partial-failure isolation.
	failCreateTitle string
}

func newFakeClient() *fakeClient {
	return &fakeClient{remote: make(map[string]*models.RemoteEvent)}
}

func (c *fakeClient) ListEvents(ctx context.Context, calendarID string, since time.Time) ([]models.RemoteEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []models.RemoteEvent
	for _, re := range c.remote {
		if since.IsZero() || re.UpdatedAt.After(since) {
			out = append(out, *re)
		}
	}
	return out, nil
}

func (c *fakeClient) GetEvent(ctx context.Context, calendarID, externalID string) (*models.RemoteEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	re, ok := c.remote[externalID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	copied := *re
	return &copied, nil
}

func (c *fakeClient) CreateEvent(ctx context.Context, calendarID string, e *models.Event) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failCreateTitle != "" && e.Title == c.failCreateTitle {
		return "", fmt.Errorf("provider rejected event")
	}

	c.nextID++
	externalID := "ext-" + strconv.Itoa(c.nextID)
	c.remote[externalID] = &models.RemoteEvent{
		ExternalID:  externalID,
		Title:       e.Title,
		Description: e.Description,
		Location:    e.Location,
		StartTime:   e.StartTime,
		EndTime:     e.EndTime,
		AllDay:      e.AllDay,
		Status:      models.EventStatusConfirmed,
		UpdatedAt:   time.Now().UTC(),
	}
	return externalID, nil
}

func (c *fakeClient) UpdateEvent(ctx context.Context, calendarID, externalID string, e *models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	re, ok := c.remote[externalID]
	if !ok {
		return provider.ErrNotFound
	}
	re.Title = e.Title
	re.Description = e.Description
	re.Location = e.Location
	re.StartTime = e.StartTime
	re.EndTime = e.EndTime
	re.UpdatedAt = time.Now().UTC()
	return nil
}

func (c *fakeClient) DeleteEvent(ctx context.Context, calendarID, externalID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.remote, externalID)
	return nil
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.remote)
}

func (c *fakeClient) seed(externalID, title string, updatedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)
	c.remote[externalID] = &models.RemoteEvent{
		ExternalID: externalID,
		Title:      title,
		StartTime:  start,
		EndTime:    start.Add(time.Hour),
		Status:     models.EventStatusConfirmed,
		UpdatedAt:  updatedAt,
	}
}

// recordingChannel captures notifications pushed over the realtime channel.
type recordingChannel struct {
	mu    sync.Mutex
	notes []*models.Notification
}

func (c *recordingChannel) Notify(userID string, n *models.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, n)
}

// fixture wires an orchestrator against a real temp-file database and fake
// provider collaborators.
type fixture struct {
	t *testing.T

	db            *storage.DB
	integrations  *storage.IntegrationRepository
	events        *storage.EventRepository
	eventSyncs    *storage.EventSyncRepository
	syncEvents    *storage.SyncEventRepository
	conflicts     *storage.ConflictRepository
	notifications *storage.NotificationRepository

	tokens  *fakeTokens
	client  *fakeClient
	channel *recordingChannel
	orch    *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.NewDB(filepath.Join(t.TempDir(), "sync_test.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := storage.RunMigrations(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}

	f := &fixture{
		t:             t,
		db:            db,
		integrations:  storage.NewIntegrationRepository(db),
		events:        storage.NewEventRepository(db),
		eventSyncs:    storage.NewEventSyncRepository(db),
		syncEvents:    storage.NewSyncEventRepository(db),
		conflicts:     storage.NewConflictRepository(db),
		notifications: storage.NewNotificationRepository(db),
		tokens:        &fakeTokens{},
		client:        newFakeClient(),
		channel:       &recordingChannel{},
	}
	f.orch = f.newOrchestrator(time.Minute)
	return f
}

func (f *fixture) newOrchestrator(passTimeout time.Duration) *Orchestrator {
	return NewOrchestrator(OrchestratorConfig{
		Guard:        NewGuard(),
		Tokens:       f.tokens,
		Clients:      &fakeClients{client: f.client},
		Emitter:      NewEmitter(f.notifications, f.channel),
		Integrations: f.integrations,
		Events:       f.events,
		EventSyncs:   f.eventSyncs,
		SyncEvents:   f.syncEvents,
		Conflicts:    f.conflicts,
		PassTimeout:  passTimeout,
	})
}

func (f *fixture) addIntegration(settings models.SyncSettings) *models.Integration {
	f.t.Helper()

	in := &models.Integration{
		UserID:            "user-1",
		Provider:          models.ProviderGoogle,
		ProviderAccountID: "acct-1",
		AccessToken:       "access",
		RefreshToken:      "refresh",
		TokenExpiresAt:    time.Now().UTC().Add(time.Hour),
		IsActive:          true,
		SyncEnabled:       true,
		Settings:          settings,
	}
	if err := f.integrations.Create(context.Background(), in); err != nil {
		f.t.Fatalf("creating integration: %v", err)
	}
	return in
}

func (f *fixture) addLocalEvent(title string) *models.Event {
	f.t.Helper()

	start := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	e := &models.Event{
		UserID:    "user-1",
		Title:     title,
		Location:  "Room 4",
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		Status:    models.EventStatusConfirmed,
	}
	if err := f.events.Create(context.Background(), e); err != nil {
		f.t.Fatalf("creating event: %v", err)
	}
	return e
}

func (f *fixture) link(in *models.Integration, eventID, externalID string) *models.EventSync {
	f.t.Helper()

	es := &models.EventSync{
		EventID:       eventID,
		IntegrationID: in.ID,
		Provider:      in.Provider,
		ExternalID:    externalID,
		SyncStatus:    models.EventSyncSynced,
	}
	if err := f.eventSyncs.Upsert(context.Background(), es); err != nil {
		f.t.Fatalf("linking event: %v", err)
	}
	return es
}

func (f *fixture) setWatermark(in *models.Integration, at time.Time) {
	f.t.Helper()
	if err := f.integrations.SetSyncOutcome(context.Background(), in.ID, &at, nil); err != nil {
		f.t.Fatalf("setting watermark: %v", err)
	}
}

func (f *fixture) unresolvedConflicts(in *models.Integration) []models.Conflict {
	f.t.Helper()
	conflicts, err := f.conflicts.ListUnresolved(context.Background(), in.ID)
	if err != nil {
		f.t.Fatalf("listing conflicts: %v", err)
	}
	return conflicts
}

func TestRunSyncFirstPassExportsLocalEvents(t *testing.T) {
	f := newFixture(t)
	in := f.addIntegration(models.DefaultSyncSettings())
	f.addLocalEvent("Team standup")
	f.addLocalEvent("Design review")

	result, err := f.orch.RunSync(context.Background(), in.ID, Options{})
	if err != nil {
		t.Fatalf("RunSync() error: %v", err)
	}

	if !result.Success {
		t.Error("result.Success = false, want true")
	}
	if result.EventsProcessed != 2 {
		t.Errorf("EventsProcessed = %d, want 2", result.EventsProcessed)
	}
	if got := f.client.count(); got != 2 {
		t.Errorf("remote event count = %d, want 2", got)
	}

	// Each local event acquired a mapping.
	mappings, err := f.eventSyncs.ListByIntegration(context.Background(), in.ID)
	if err != nil {
		t.Fatalf("listing mappings: %v", err)
	}
	if len(mappings) != 2 {
		t.Errorf("mapping count = %d, want 2", len(mappings))
	}

	// The pass record is terminal and the watermark advanced.
	se, err := f.syncEvents.GetByID(context.Background(), result.SyncEventID)
	if err != nil {
		t.Fatalf("loading sync event: %v", err)
	}
	if se.Status != models.SyncEventSynced {
		t.Errorf("sync event status = %q, want %q", se.Status, models.SyncEventSynced)
	}
	updated, _ := f.integrations.GetByID(context.Background(), in.ID)
	if updated.LastSyncAt == nil {
		t.Error("LastSyncAt not set after successful pass")
	}
	if updated.SyncError != nil {
		t.Errorf("SyncError = %q, want nil", *updated.SyncError)
	}
}

func TestRunSyncImportsRemoteEvents(t *testing.T) {
	f := newFixture(t)
	in := f.addIntegration(models.DefaultSyncSettings())
	f.client.seed("ext-55", "Dentist", time.Now().UTC())

	result, err := f.orch.RunSync(context.Background(), in.ID, Options{})
	if err != nil {
		t.Fatalf("RunSync() error: %v", err)
	}
	if result.EventsProcessed != 1 {
		t.Errorf("EventsProcessed = %d, want 1", result.EventsProcessed)
	}

	mapping, err := f.eventSyncs.GetByExternalID(context.Background(), in.ID, "ext-55")
	if err != nil || mapping == nil {
		t.Fatalf("GetByExternalID() = %v, %v, want a mapping", mapping, err)
	}

	local, err := f.events.GetByID(context.Background(), mapping.EventID)
	if err != nil || local == nil {
		t.Fatalf("imported event not found: %v", err)
	}
	if local.Title != "Dentist" {
		t.Errorf("imported title = %q, want %q", local.Title, "Dentist")
	}
	if local.UserID != in.UserID {
		t.Errorf("imported event user = %q, want %q", local.UserID, in.UserID)
	}
}

func TestRunSyncSecondPassIsIdempotent(t *testing.T) {
	f := newFixture(t)
	in := f.addIntegration(models.DefaultSyncSettings())
	f.addLocalEvent("Team standup")

	if _, err := f.orch.RunSync(context.Background(), in.ID, Options{}); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	result, err := f.orch.RunSync(context.Background(), in.ID, Options{})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if !result.Success {
		t.Error("second pass not successful")
	}

	// No duplicate remote events, mappings, or conflicts.
	if got := f.client.count(); got != 1 {
		t.Errorf("remote event count = %d, want 1", got)
	}
	mappings, _ := f.eventSyncs.ListByIntegration(context.Background(), in.ID)
	if len(mappings) != 1 {
		t.Errorf("mapping count = %d, want 1", len(mappings))
	}
	if conflicts := f.unresolvedConflicts(in); len(conflicts) != 0 {
		t.Errorf("conflicts after converged pass = %d, want 0", len(conflicts))
	}
}

func TestRunSyncRejectsWhileGuardHeld(t *testing.T) {
	f := newFixture(t)
	in := f.addIntegration(models.DefaultSyncSettings())

	f.orch.Guard().TryAcquire(in.ID)
	defer f.orch.Guard().Release(in.ID)

	if _, err := f.orch.RunSync(context.Background(), in.ID, Options{}); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("RunSync() = %v, want ErrSyncInProgress", err)
	}
}

func TestRunSyncRejectsWhilePassPendingInDatabase(t *testing.T) {
	// A pending pass row left by another process must reject the pass even
	// though this process's in-memory guard is free.
	f := newFixture(t)
	in := f.addIntegration(models.DefaultSyncSettings())

	pending := &models.SyncEvent{
		IntegrationID: in.ID,
		Operation:     models.OperationSync,
		Direction:     models.DirectionBidirectional,
	}
	if err := f.syncEvents.CreatePending(context.Background(), pending); err != nil {
		t.Fatalf("seeding pending pass: %v", err)
	}

	if _, err := f.orch.RunSync(context.Background(), in.ID, Options{}); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("RunSync() = %v, want ErrSyncInProgress", err)
	}
}

func TestRunSyncRejectsDisabledIntegration(t *testing.T) {
	f := newFixture(t)
	in := f.addIntegration(models.DefaultSyncSettings())
	if err := f.integrations.UpdateSettings(context.Background(), in.ID, false, in.Settings); err != nil {
		t.Fatalf("disabling integration: %v", err)
	}

	if _, err := f.orch.RunSync(context.Background(), in.ID, Options{}); !errors.Is(err, ErrIntegrationDisabled) {
		t.Errorf("RunSync() = %v, want ErrIntegrationDisabled", err)
	}

	if _, err := f.orch.RunSync(context.Background(), "no-such-id", Options{}); !errors.Is(err, ErrIntegrationNotFound) {
		t.Errorf("RunSync(unknown) = %v, want ErrIntegrationNotFound", err)
	}
}

func TestRunSyncPartialFailureIsolation(t *testing.T) {
	// One event failing at the provider must not fail the pass or block the
	// other events.
	f := newFixture(t)
	in := f.addIntegration(models.DefaultSyncSettings())
	f.addLocalEvent("Team standup")
	f.addLocalEvent("Budget review")
	f.addLocalEvent("Design review")
	f.client.failCreateTitle = "Budget review"

	result, err := f.orch.RunSync(context.Background(), in.ID, Options{})
	if err != nil {
		t.Fatalf("RunSync() error: %v", err)
	}

	if !result.Success {
		t.Error("result.Success = false, want true despite per-event error")
	}
	if len(result.Errors) != 1 {
		t.Fatalf("Errors = %v, want 1 entry", result.Errors)
	}
	if result.EventsProcessed != 2 {
		t.Errorf("EventsProcessed = %d, want 2", result.EventsProcessed)
	}
	if got := f.client.count(); got != 2 {
		t.Errorf("remote event count = %d, want 2", got)
	}

	// The pass still finishes synced with the error counted, and the
	// watermark still advances.
	se, _ := f.syncEvents.GetByID(context.Background(), result.SyncEventID)
	if se.Status != models.SyncEventSynced {
		t.Errorf("sync event status = %q, want %q", se.Status, models.SyncEventSynced)
	}
	if se.ErrorCount != 1 {
		t.Errorf("sync event error count = %d, want 1", se.ErrorCount)
	}
	updated, _ := f.integrations.GetByID(context.Background(), in.ID)
	if updated.LastSyncAt == nil {
		t.Error("LastSyncAt not set after partial pass")
	}
}

func TestRunSyncTokenRefreshFailure(t *testing.T) {
	f := newFixture(t)
	in := f.addIntegration(models.DefaultSyncSettings())
	f.tokens.err = fmt.Errorf("refreshing token: %w", credentials.ErrRefreshFailed)

	result, err := f.orch.RunSync(context.Background(), in.ID, Options{})
	if err == nil {
		t.Fatal("RunSync() error = nil, want refresh failure")
	}
	if result != nil {
		t.Errorf("result = %v, want nil on fatal failure", result)
	}

	// The pass failed, the watermark did not move, and the user was told to
	// reconnect.
	updated, _ := f.integrations.GetByID(context.Background(), in.ID)
	if updated.LastSyncAt != nil {
		t.Error("LastSyncAt advanced on failed pass")
	}
	if updated.SyncError == nil {
		t.Error("SyncError not recorded on failed pass")
	}

	notes, _ := f.notifications.ListByUser(context.Background(), in.UserID, false, 10)
	var reconnect bool
	for _, n := range notes {
		if n.Type == models.NotificationReconnectRequired {
			reconnect = true
		}
	}
	if !reconnect {
		t.Errorf("notifications = %v, want a reconnect_required entry", notes)
	}
}

func TestRunSyncTimeoutFailsPass(t *testing.T) {
	f := newFixture(t)
	in := f.addIntegration(models.DefaultSyncSettings())
	f.addLocalEvent("Team standup")

	orch := f.newOrchestrator(time.Nanosecond)
	_, err := orch.RunSync(context.Background(), in.ID, Options{})
	if err == nil {
		t.Fatal("RunSync() error = nil, want timeout")
	}

	// The pass record carries the timeout code.
	pending, _ := f.syncEvents.GetPending(context.Background(), in.ID)
	if pending != nil {
		t.Error("pass left pending after timeout")
	}
	recent, _ := f.syncEvents.ListRecent(context.Background(), in.ID, 1)
	if len(recent) != 1 || recent[0].Status != models.SyncEventFailed {
		t.Fatalf("recent passes = %v, want one failed pass", recent)
	}
	if recent[0].Error == nil {
		t.Fatal("failed pass carries no error")
	}
}

func TestRunSyncBusyOnlyRedactsExport(t *testing.T) {
	f := newFixture(t)
	settings := models.DefaultSyncSettings()
	settings.BusyOnly = true
	in := f.addIntegration(settings)

	local := f.addLocalEvent("Salary negotiation")

	if _, err := f.orch.RunSync(context.Background(), in.ID, Options{}); err != nil {
		t.Fatalf("RunSync() error: %v", err)
	}

	mapping, _ := f.eventSyncs.GetByEvent(context.Background(), local.ID, in.Provider)
	if mapping == nil {
		t.Fatal("no mapping created")
	}
	remote, err := f.client.GetEvent(context.Background(), settings.CalendarID, mapping.ExternalID)
	if err != nil {
		t.Fatalf("fetching mirrored event: %v", err)
	}
	if remote.Title != "Busy" {
		t.Errorf("mirrored title = %q, want %q", remote.Title, "Busy")
	}
	if remote.Location != "" {
		t.Errorf("mirrored location = %q, want empty", remote.Location)
	}
}

func TestRunSyncAutoLocalResolvesFieldMismatch(t *testing.T) {
	f := newFixture(t)
	settings := models.DefaultSyncSettings()
	settings.Policy = models.PolicyAutoLocal
	in := f.addIntegration(settings)

	local := f.addLocalEvent("Team standup")
	time.Sleep(10 * time.Millisecond)
	f.link(in, local.ID, "ext-1")
	f.setWatermark(in, time.Now().UTC())
	time.Sleep(10 * time.Millisecond)

	// The remote side was edited after the mapping's last sync; the local
	// side was not.
	f.client.seed("ext-1", "Standup (remote edit)", time.Now().UTC())

	result, err := f.orch.RunSync(context.Background(), in.ID, Options{})
	if err != nil {
		t.Fatalf("RunSync() error: %v", err)
	}
	if result.ConflictsCreated != 1 {
		t.Errorf("ConflictsCreated = %d, want 1", result.ConflictsCreated)
	}

	// Policy auto_local keeps the local copy: the remote side converges back
	// and the conflict is recorded as auto-resolved.
	remote, err := f.client.GetEvent(context.Background(), settings.CalendarID, "ext-1")
	if err != nil {
		t.Fatalf("fetching remote event: %v", err)
	}
	if remote.Title != "Team standup" {
		t.Errorf("remote title = %q, want local copy restored", remote.Title)
	}

	if open := f.unresolvedConflicts(in); len(open) != 0 {
		t.Fatalf("unresolved conflicts = %d, want 0", len(open))
	}
	all, _ := f.conflicts.List(context.Background(), in.ID)
	if len(all) != 1 {
		t.Fatalf("conflict rows = %d, want 1", len(all))
	}
	if all[0].ResolvedBy == nil || *all[0].ResolvedBy != "auto" {
		t.Errorf("resolved_by = %v, want auto", all[0].ResolvedBy)
	}
	if all[0].Resolution == nil || *all[0].Resolution != models.ResolutionKeepLocal {
		t.Errorf("resolution = %v, want %q", all[0].Resolution, models.ResolutionKeepLocal)
	}
}

func TestRunSyncDoubleEditRequiresManualResolution(t *testing.T) {
	f := newFixture(t)
	settings := models.DefaultSyncSettings()
	settings.Policy = models.PolicyAutoLocal
	in := f.addIntegration(settings)

	local := f.addLocalEvent("Team standup")
	time.Sleep(10 * time.Millisecond)
	f.link(in, local.ID, "ext-1")
	f.setWatermark(in, time.Now().UTC())
	time.Sleep(10 * time.Millisecond)

	// Both sides edited after the mapping's last sync.
	local.Title = "Standup (local edit)"
	if err := f.events.Update(context.Background(), local); err != nil {
		t.Fatalf("updating local event: %v", err)
	}
	f.client.seed("ext-1", "Standup (remote edit)", time.Now().UTC())

	result, err := f.orch.RunSync(context.Background(), in.ID, Options{})
	if err != nil {
		t.Fatalf("RunSync() error: %v", err)
	}
	if result.ConflictsCreated != 1 {
		t.Errorf("ConflictsCreated = %d, want 1", result.ConflictsCreated)
	}

	// Even under an auto policy a double edit stays open, and neither side
	// was touched.
	open := f.unresolvedConflicts(in)
	if len(open) != 1 {
		t.Fatalf("unresolved conflicts = %d, want 1", len(open))
	}
	if open[0].ConflictType != models.ConflictDoubleEdit {
		t.Errorf("conflict type = %q, want %q", open[0].ConflictType, models.ConflictDoubleEdit)
	}
	remote, _ := f.client.GetEvent(context.Background(), settings.CalendarID, "ext-1")
	if remote.Title != "Standup (remote edit)" {
		t.Errorf("remote title = %q, want untouched remote edit", remote.Title)
	}
	current, _ := f.events.GetByID(context.Background(), local.ID)
	if current.Title != "Standup (local edit)" {
		t.Errorf("local title = %q, want untouched local edit", current.Title)
	}

	// A repeated pass re-detecting the same divergence must not stack a
	// duplicate conflict for the pair.
	time.Sleep(10 * time.Millisecond)
	f.client.seed("ext-1", "Standup (remote edit)", time.Now().UTC())
	if _, err := f.orch.RunSync(context.Background(), in.ID, Options{}); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	all, _ := f.conflicts.List(context.Background(), in.ID)
	if len(all) != 1 {
		t.Errorf("conflict rows after second pass = %d, want 1", len(all))
	}

	// Manual resolution keeps the local copy and closes the conflict.
	if err := f.orch.ResolveConflict(context.Background(), open[0].ID, models.ResolutionKeepLocal, "user-1"); err != nil {
		t.Fatalf("ResolveConflict() error: %v", err)
	}
	remote, _ = f.client.GetEvent(context.Background(), settings.CalendarID, "ext-1")
	if remote.Title != "Standup (local edit)" {
		t.Errorf("remote title after resolution = %q, want local copy", remote.Title)
	}
	resolved, _ := f.conflicts.GetByID(context.Background(), open[0].ID)
	if !resolved.IsResolved() {
		t.Error("conflict not marked resolved")
	}
	if resolved.ResolvedBy == nil || *resolved.ResolvedBy != "user-1" {
		t.Errorf("resolved_by = %v, want user-1", resolved.ResolvedBy)
	}

	// Resolution is terminal.
	if err := f.orch.ResolveConflict(context.Background(), open[0].ID, models.ResolutionKeepExternal, "user-1"); err == nil {
		t.Error("resolving an already-resolved conflict succeeded, want error")
	}
}

func TestRunSyncAutoRemoteAcceptsRemoteDeletion(t *testing.T) {
	f := newFixture(t)
	settings := models.DefaultSyncSettings()
	settings.Policy = models.PolicyAutoRemote
	in := f.addIntegration(settings)

	// Mapped and previously synced, but the remote copy is gone.
	local := f.addLocalEvent("Team standup")
	f.link(in, local.ID, "ext-gone")

	result, err := f.orch.RunSync(context.Background(), in.ID, Options{})
	if err != nil {
		t.Fatalf("RunSync() error: %v", err)
	}
	if result.ConflictsCreated != 1 {
		t.Errorf("ConflictsCreated = %d, want 1", result.ConflictsCreated)
	}

	// keep_external on a remote deletion soft-deletes the local copy and
	// drops the mapping.
	current, _ := f.events.GetByID(context.Background(), local.ID)
	if !current.IsDeleted() {
		t.Error("local event not soft-deleted")
	}
	mapping, _ := f.eventSyncs.GetByEvent(context.Background(), local.ID, in.Provider)
	if mapping != nil {
		t.Error("mapping survived accepted deletion")
	}
	if open := f.unresolvedConflicts(in); len(open) != 0 {
		t.Errorf("unresolved conflicts = %d, want 0", len(open))
	}
}

func TestRunSyncLocalDeletionPropagates(t *testing.T) {
	f := newFixture(t)
	settings := models.DefaultSyncSettings()
	settings.Policy = models.PolicyAutoLocal
	in := f.addIntegration(settings)

	local := f.addLocalEvent("Team standup")
	f.client.seed("ext-1", "Team standup", time.Now().UTC().Add(-time.Hour))
	f.link(in, local.ID, "ext-1")
	f.setWatermark(in, time.Now().UTC())
	time.Sleep(10 * time.Millisecond)

	if err := f.events.SoftDelete(context.Background(), local.ID); err != nil {
		t.Fatalf("deleting local event: %v", err)
	}

	if _, err := f.orch.RunSync(context.Background(), in.ID, Options{}); err != nil {
		t.Fatalf("RunSync() error: %v", err)
	}

	// keep_local on a local deletion removes the remote copy.
	if _, err := f.client.GetEvent(context.Background(), settings.CalendarID, "ext-1"); !errors.Is(err, provider.ErrNotFound) {
		t.Errorf("GetEvent() = %v, want ErrNotFound after propagated deletion", err)
	}
	mapping, _ := f.eventSyncs.GetByEvent(context.Background(), local.ID, in.Provider)
	if mapping != nil {
		t.Error("mapping survived propagated deletion")
	}
}

func TestRunSyncImportOnlySkipsExport(t *testing.T) {
	f := newFixture(t)
	settings := models.DefaultSyncSettings()
	settings.Direction = models.DirectionImport
	in := f.addIntegration(settings)

	f.addLocalEvent("Local only")
	f.client.seed("ext-9", "Remote only", time.Now().UTC())

	if _, err := f.orch.RunSync(context.Background(), in.ID, Options{}); err != nil {
		t.Fatalf("RunSync() error: %v", err)
	}

	// The local event never crossed the boundary; the remote one did.
	if got := f.client.count(); got != 1 {
		t.Errorf("remote event count = %d, want 1", got)
	}
	mapping, _ := f.eventSyncs.GetByExternalID(context.Background(), in.ID, "ext-9")
	if mapping == nil {
		t.Error("remote event not imported")
	}
}

func TestResolveConflictRejectsInvalidOutcome(t *testing.T) {
	f := newFixture(t)
	in := f.addIntegration(models.DefaultSyncSettings())
	local := f.addLocalEvent("Team standup")
	f.link(in, local.ID, "ext-gone")

	// Manual policy leaves the deletion conflict open.
	if _, err := f.orch.RunSync(context.Background(), in.ID, Options{}); err != nil {
		t.Fatalf("RunSync() error: %v", err)
	}
	open := f.unresolvedConflicts(in)
	if len(open) != 1 {
		t.Fatalf("unresolved conflicts = %d, want 1", len(open))
	}

	if err := f.orch.ResolveConflict(context.Background(), open[0].ID, "not_a_resolution", "user-1"); err == nil {
		t.Error("ResolveConflict(invalid outcome) succeeded, want error")
	}
	if err := f.orch.ResolveConflict(context.Background(), "no-such-conflict", models.ResolutionKeepLocal, "user-1"); err == nil {
		t.Error("ResolveConflict(unknown id) succeeded, want error")
	}
}

func TestRunSyncClientFailureEmitsFailureNotification(t *testing.T) {
	f := newFixture(t)
	in := f.addIntegration(models.DefaultSyncSettings())

	orch := NewOrchestrator(OrchestratorConfig{
		Guard:        NewGuard(),
		Tokens:       f.tokens,
		Clients:      &fakeClients{err: fmt.Errorf("unknown provider: %s", in.Provider)},
		Emitter:      NewEmitter(f.notifications, f.channel),
		Integrations: f.integrations,
		Events:       f.events,
		EventSyncs:   f.eventSyncs,
		SyncEvents:   f.syncEvents,
		Conflicts:    f.conflicts,
	})

	if _, err := orch.RunSync(context.Background(), in.ID, Options{}); err == nil {
		t.Fatal("RunSync() succeeded, want client construction error")
	}

	recent, err := f.syncEvents.ListRecent(context.Background(), in.ID, 1)
	if err != nil || len(recent) != 1 {
		t.Fatalf("ListRecent() = %v, %v, want one sync event", recent, err)
	}
	if recent[0].Status != models.SyncEventFailed {
		t.Errorf("status = %q, want %q", recent[0].Status, models.SyncEventFailed)
	}

	notes, _ := f.notifications.ListByUser(context.Background(), in.UserID, false, 10)
	var failed bool
	for _, n := range notes {
		if n.Type == models.NotificationSyncFailed && n.Severity == models.SeverityError {
			failed = true
		}
	}
	if !failed {
		t.Errorf("notifications = %v, want a sync_failed entry", notes)
	}
}

func TestReapAbandonedPassesUnblocksIntegration(t *testing.T) {
	f := newFixture(t)
	in := f.addIntegration(models.DefaultSyncSettings())
	ctx := context.Background()

	// A crashed process leaves a pending row behind and takes its in-memory
	// guard state with it.
	se := &models.SyncEvent{
		IntegrationID: in.ID,
		Operation:     models.OperationSync,
		Direction:     models.DirectionBidirectional,
	}
	if err := f.syncEvents.CreatePending(ctx, se); err != nil {
		t.Fatalf("creating pending sync event: %v", err)
	}
	if _, err := f.db.ExecContext(ctx,
		"UPDATE sync_events SET scheduled_at = ? WHERE id = ?",
		time.Now().UTC().Add(-time.Hour), se.ID); err != nil {
		t.Fatalf("backdating sync event: %v", err)
	}

	restarted := f.newOrchestrator(time.Minute)
	if _, err := restarted.RunSync(ctx, in.ID, Options{}); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("RunSync() before reap = %v, want ErrSyncInProgress", err)
	}

	reaped, err := restarted.ReapAbandonedPasses(ctx)
	if err != nil {
		t.Fatalf("ReapAbandonedPasses() error: %v", err)
	}
	if reaped != 1 {
		t.Errorf("reaped = %d, want 1", reaped)
	}

	stale, _ := f.syncEvents.GetByID(ctx, se.ID)
	if stale.Status != models.SyncEventFailed {
		t.Errorf("abandoned pass status = %q, want %q", stale.Status, models.SyncEventFailed)
	}

	result, err := restarted.RunSync(ctx, in.ID, Options{})
	if err != nil {
		t.Fatalf("RunSync() after reap error: %v", err)
	}
	if !result.Success {
		t.Error("pass after reap did not succeed")
	}
}
