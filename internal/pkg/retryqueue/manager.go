package retryqueue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/skillpilot/skillpilot/app/models"
	"github.com/skillpilot/skillpilot/internal/pkg/billing"
	"github.com/skillpilot/skillpilot/internal/pkg/credits"
	"github.com/skillpilot/skillpilot/internal/pkg/env"
)

const (
	defaultWorkers        = 3
	defaultPollInterval   = 10 * time.Second
	reconcileInterval     = 2 * time.Minute
	expirySweepInterval   = 5 * time.Minute
	stuckSweepInterval    = 1 * time.Minute
	stuckProcessingMaxAge = 10 * time.Minute
	sweepBatchSize        = 100
)

// EventDispatcher re-processes one billing event; satisfied by
// *billing.Dispatcher.
type EventDispatcher interface {
	Dispatch(ctx context.Context, event *models.BillingEvent) error
}

// Manager owns the retry workers and the background sweeps: due-retry
// polling, schedule reconciliation from the database, credit bucket expiry
// and stuck-processing recovery.
type Manager struct {
	scheduler  *Scheduler
	events     *billing.EventService
	dispatcher EventDispatcher
	ledger     *credits.Ledger

	workers int
	dueCh   chan uint
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// SetupManager initializes the global manager (singleton). Worker count comes
// from RETRY_QUEUE_WORKERS.
func SetupManager(scheduler *Scheduler, events *billing.EventService, dispatcher EventDispatcher, ledger *credits.Ledger) *Manager {
	managerOnce.Do(func() {
		workers := defaultWorkers
		if v, err := strconv.Atoi(env.GetEnv("RETRY_QUEUE_WORKERS", "")); err == nil && v > 0 {
			workers = v
		}
		globalManager = NewManager(scheduler, events, dispatcher, ledger, workers)
	})
	return globalManager
}

// GetManager returns the global manager; nil before SetupManager.
func GetManager() *Manager {
	return globalManager
}

// NewManager creates an unstarted manager with explicit dependencies.
func NewManager(scheduler *Scheduler, events *billing.EventService, dispatcher EventDispatcher, ledger *credits.Ledger, workers int) *Manager {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Manager{
		scheduler:  scheduler,
		events:     events,
		dispatcher: dispatcher,
		ledger:     ledger,
		workers:    workers,
		dueCh:      make(chan uint, sweepBatchSize),
	}
}

// Start launches the workers and background sweeps.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.stopCh = make(chan struct{})
	m.running = true
	log.Infof("[RetryQueue] Starting %d workers and background sweeps", m.workers)

	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}

	m.wg.Add(4)
	go m.pollLoop()
	go m.reconcileLoop()
	go m.expiryLoop()
	go m.stuckLoop()
}

// Stop signals all loops and waits for in-flight work to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	log.Info("[RetryQueue] Stopping...")
	close(m.stopCh)
	m.running = false
	m.wg.Wait()
	log.Info("[RetryQueue] Stopped")
}

// IsRunning reports whether the manager is started.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-m.stopCh:
			return
		case eventID := <-m.dueCh:
			m.retryEvent(ctx, eventID)
		}
	}
}

// retryEvent re-dispatches one due event. The event row is authoritative: an
// entry for an event that was completed or cancelled in the meantime is
// dropped silently.
func (m *Manager) retryEvent(ctx context.Context, eventID uint) {
	event, err := m.events.Get(ctx, eventID)
	if err != nil {
		log.Errorf("[RetryQueue] Loading event %d: %v", eventID, err)
		return
	}
	if !event.IsRetryable() {
		log.Infof("[RetryQueue] Event %s no longer retryable (status=%s), dropping", event.ExternalID, event.Status)
		return
	}

	if err := m.events.MarkRetrying(ctx, event.ID); err != nil {
		log.Errorf("[RetryQueue] Marking event %s retrying: %v", event.ExternalID, err)
		return
	}
	event.Status = models.BillingEventStatusRetrying

	if err := m.dispatcher.Dispatch(ctx, event); err != nil {
		// Dispatch recorded the failure and rescheduled if attempts remain.
		log.Warnf("[RetryQueue] Retry of event %s failed: %v", event.ExternalID, err)
	}
}

func (m *Manager) pollLoop() {
	defer m.wg.Done()
	interval := defaultPollInterval
	if v, err := strconv.Atoi(env.GetEnv("RETRY_POLL_INTERVAL_SECONDS", "")); err == nil && v > 0 {
		interval = time.Duration(v) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ids, err := m.scheduler.DueEventIDs(ctx, sweepBatchSize)
			if err != nil {
				log.Errorf("[RetryQueue] Polling schedule: %v", err)
				continue
			}
			for _, id := range ids {
				select {
				case m.dueCh <- id:
				case <-m.stopCh:
					return
				}
			}
		}
	}
}

// reconcileLoop restores schedule entries lost to a Redis flush or a worker
// crash: any retryable event without a pending entry is rescheduled.
func (m *Manager) reconcileLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			events, err := m.events.RetryableEvents(ctx, sweepBatchSize)
			if err != nil {
				log.Errorf("[RetryQueue] Listing retryable events: %v", err)
				continue
			}
			for i := range events {
				scheduled, err := m.scheduler.Contains(ctx, events[i].ID)
				if err != nil {
					log.Errorf("[RetryQueue] Checking schedule for event %d: %v", events[i].ID, err)
					break
				}
				if scheduled {
					continue
				}
				if err := m.scheduler.ScheduleRetry(ctx, &events[i], nil); err != nil {
					log.Errorf("[RetryQueue] Rescheduling event %d: %v", events[i].ID, err)
				}
			}
		}
	}
}

// expiryLoop expires credit buckets whose expires_at has passed, destroying
// the unused remainder with a ledger entry.
func (m *Manager) expiryLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			userIDs, err := m.ledger.Repo().UsersWithDueBuckets(ctx, sweepBatchSize)
			if err != nil {
				log.Errorf("[RetryQueue] Listing users with due buckets: %v", err)
				continue
			}
			for _, userID := range userIDs {
				expired, err := m.ledger.ExpireDue(ctx, userID, nil)
				if err != nil {
					log.Errorf("[RetryQueue] Expiring buckets for user %d: %v", userID, err)
					continue
				}
				if len(expired) > 0 {
					log.Infof("[RetryQueue] Expired %d buckets for user %d", len(expired), userID)
				}
			}
		}
	}
}

// stuckLoop recovers events stuck in processing (worker crash mid-dispatch):
// the event is released back to failed without consuming an attempt so the
// reconcile sweep reschedules it.
func (m *Manager) stuckLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(stuckSweepInterval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			events, err := m.events.StuckProcessingEvents(ctx, stuckProcessingMaxAge, sweepBatchSize)
			if err != nil {
				log.Errorf("[RetryQueue] Listing stuck events: %v", err)
				continue
			}
			for i := range events {
				log.Warnf("[RetryQueue] Recovering stuck event %s (age > %s)", events[i].ExternalID, stuckProcessingMaxAge)
				if err := m.events.ReleaseStuck(ctx, events[i].ID); err != nil {
					log.Errorf("[RetryQueue] Releasing stuck event %d: %v", events[i].ID, err)
				}
			}
		}
	}
}
