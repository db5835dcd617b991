package sync

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/calendar-bridge/backend/internal/storage"
	"github.com/calendar-bridge/backend/internal/storage/models"
)

// BackoffPolicy computes the delay before retrying a fatally failed pass.
// It is injected rather than hard-coded so operators can pick fixed or
// exponential behavior.
type BackoffPolicy func(retryCount int) time.Duration

// FixedBackoff retries after a constant delay.
func FixedBackoff(delay time.Duration) BackoffPolicy {
	return func(int) time.Duration { return delay }
}

// ExponentialBackoff doubles the delay per retry, capped at max.
func ExponentialBackoff(base, max time.Duration) BackoffPolicy {
	return func(retryCount int) time.Duration {
		delay := base << uint(retryCount)
		if delay > max || delay <= 0 {
			return max
		}
		return delay
	}
}

// notificationRetention is how long read notifications are kept before the
// housekeeping job removes them.
const notificationRetention = 30 * 24 * time.Hour

// Scheduler runs periodic sync passes for all syncable integrations and
// retries fatally failed passes per the backoff policy.
type Scheduler struct {
	cron          *cron.Cron
	orchestrator  *Orchestrator
	integrations  *storage.IntegrationRepository
	notifications *storage.NotificationRepository

	jobs   map[string]cron.EntryID
	jobsMu sync.RWMutex

	retryTimers map[string]*time.Timer
	retryMu     sync.Mutex

	defaultInterval time.Duration
	backoff         BackoffPolicy
	maxRetries      int
}

// NewScheduler creates a sync scheduler. A nil backoff defaults to
// exponential starting at one minute.
func NewScheduler(
	orchestrator *Orchestrator,
	integrations *storage.IntegrationRepository,
	notifications *storage.NotificationRepository,
	defaultIntervalMin int,
	backoff BackoffPolicy,
	maxRetries int,
) *Scheduler {
	if defaultIntervalMin <= 0 {
		defaultIntervalMin = 15
	}
	if backoff == nil {
		backoff = ExponentialBackoff(time.Minute, 30*time.Minute)
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Scheduler{
		cron:            cron.New(),
		orchestrator:    orchestrator,
		integrations:    integrations,
		notifications:   notifications,
		jobs:            make(map[string]cron.EntryID),
		retryTimers:     make(map[string]*time.Timer),
		defaultInterval: time.Duration(defaultIntervalMin) * time.Minute,
		backoff:         backoff,
		maxRetries:      maxRetries,
	}
}

// Start loads all syncable integrations, schedules them, and begins the
// periodic jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	log.Println("Starting sync scheduler...")

	// Passes left pending by an unclean shutdown would otherwise block
	// their integrations forever.
	if _, err := s.orchestrator.ReapAbandonedPasses(ctx); err != nil {
		log.Printf("Failed to reap abandoned passes: %v", err)
	}

	integrations, err := s.integrations.ListSyncable(ctx)
	if err != nil {
		return err
	}

	for _, in := range integrations {
		s.ScheduleIntegration(in)
	}

	// Pick up newly connected or re-enabled integrations.
	s.cron.AddFunc("@every 5m", func() {
		s.refreshSchedules(context.Background())
	})

	// Housekeeping: drop read notifications past retention.
	s.cron.AddFunc("@every 1h", func() {
		s.cleanupNotifications(context.Background())
	})

	s.cron.Start()
	log.Printf("Sync scheduler started with %d integrations", len(integrations))

	return nil
}

// Stop gracefully shuts down the scheduler and cancels pending retries.
func (s *Scheduler) Stop() {
	log.Println("Stopping sync scheduler...")

	s.retryMu.Lock()
	for id, timer := range s.retryTimers {
		timer.Stop()
		delete(s.retryTimers, id)
	}
	s.retryMu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("Sync scheduler stopped")
}

// ScheduleIntegration adds or updates an integration's periodic sync job.
func (s *Scheduler) ScheduleIntegration(in models.Integration) {
	if !in.Syncable() {
		s.UnscheduleIntegration(in.ID)
		return
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if existingID, exists := s.jobs[in.ID]; exists {
		s.cron.Remove(existingID)
		delete(s.jobs, in.ID)
	}

	spec := minutesToCronSpec(in.Settings.SyncIntervalMin, s.defaultInterval)
	integrationID := in.ID

	entryID, err := s.cron.AddFunc(spec, func() {
		s.runPass(integrationID, models.OperationSync, 0)
	})
	if err != nil {
		log.Printf("Failed to schedule integration %s: %v", in.ID, err)
		return
	}

	s.jobs[in.ID] = entryID
	log.Printf("Scheduled integration %s (%s) with %s", in.ID, in.Provider, spec)
}

// UnscheduleIntegration removes an integration's periodic sync job.
func (s *Scheduler) UnscheduleIntegration(integrationID string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if entryID, exists := s.jobs[integrationID]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, integrationID)
		log.Printf("Unscheduled integration %s", integrationID)
	}
}

// TriggerSync starts an on-demand pass in the background. Returns
// ErrSyncInProgress immediately when a pass is already pending, giving the
// caller fast feedback instead of queuing.
func (s *Scheduler) TriggerSync(integrationID, operation string) error {
	if s.orchestrator.Guard().State(integrationID) == GuardPending {
		return ErrSyncInProgress
	}

	go s.runPass(integrationID, operation, 0)
	return nil
}

// runPass executes one pass and schedules a retry on fatal failure.
func (s *Scheduler) runPass(integrationID, operation string, retryCount int) {
	ctx := context.Background()

	_, err := s.orchestrator.RunSync(ctx, integrationID, Options{Operation: operation, RetryCount: retryCount})
	if err == nil {
		return
	}

	// Guard rejections and disabled integrations are not retryable faults.
	if errors.Is(err, ErrSyncInProgress) ||
		errors.Is(err, ErrIntegrationDisabled) ||
		errors.Is(err, ErrIntegrationNotFound) {
		log.Printf("Pass skipped for integration %s: %v", integrationID, err)
		return
	}

	if retryCount >= s.maxRetries {
		log.Printf("Pass failed for integration %s after %d retries: %v", integrationID, retryCount, err)
		return
	}

	delay := s.backoff(retryCount)
	log.Printf("Pass failed for integration %s, retrying in %s: %v", integrationID, delay, err)

	s.retryMu.Lock()
	defer s.retryMu.Unlock()

	if existing, ok := s.retryTimers[integrationID]; ok {
		existing.Stop()
	}
	s.retryTimers[integrationID] = time.AfterFunc(delay, func() {
		s.retryMu.Lock()
		delete(s.retryTimers, integrationID)
		s.retryMu.Unlock()
		s.runPass(integrationID, operation, retryCount+1)
	})
}

// refreshSchedules reloads integration schedules from the database.
func (s *Scheduler) refreshSchedules(ctx context.Context) {
	integrations, err := s.integrations.ListSyncable(ctx)
	if err != nil {
		log.Printf("Failed to refresh sync schedules: %v", err)
		return
	}

	current := make(map[string]bool)
	for _, in := range integrations {
		current[in.ID] = true
		s.ScheduleIntegration(in)
	}

	s.jobsMu.Lock()
	for id := range s.jobs {
		if !current[id] {
			s.cron.Remove(s.jobs[id])
			delete(s.jobs, id)
			log.Printf("Removed schedule for integration %s (no longer syncable)", id)
		}
	}
	s.jobsMu.Unlock()
}

func (s *Scheduler) cleanupNotifications(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-notificationRetention)
	deleted, err := s.notifications.DeleteReadOlderThan(ctx, cutoff)
	if err != nil {
		log.Printf("Notification cleanup failed: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("Notification cleanup removed %d read notifications", deleted)
	}
}

// ScheduledIntegrations returns the IDs with an active periodic job.
func (s *Scheduler) ScheduledIntegrations() []string {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

// NextRun returns the next scheduled pass time for an integration.
func (s *Scheduler) NextRun(integrationID string) *time.Time {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	if entryID, exists := s.jobs[integrationID]; exists {
		entry := s.cron.Entry(entryID)
		if !entry.Next.IsZero() {
			return &entry.Next
		}
	}
	return nil
}

// minutesToCronSpec converts a minute interval to a cron spec.
func minutesToCronSpec(minutes int, fallback time.Duration) string {
	interval := time.Duration(minutes) * time.Minute
	if interval < time.Minute {
		interval = fallback
	}
	return "@every " + interval.String()
}
