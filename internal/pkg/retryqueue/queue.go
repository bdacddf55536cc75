package retryqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/skillpilot/skillpilot/app/models"
	"github.com/skillpilot/skillpilot/internal/pkg/billing"
	"github.com/skillpilot/skillpilot/internal/pkg/cache"
	"github.com/skillpilot/skillpilot/internal/pkg/credits"
)

// Redis key for the retry schedule: a sorted set of event IDs scored by the
// unix time they become due.
const ScheduleKey = "billing_retry:schedule"

// Scheduler places failed billing events on a Redis-backed delay schedule.
// Each scheduled retry also writes a RetryJob row so the schedule can be
// rebuilt from the database after a Redis flush.
type Scheduler struct {
	client *redis.Client
	repo   billing.Repository
}

// NewScheduler creates a scheduler using the shared cache client.
func NewScheduler(repo billing.Repository) *Scheduler {
	return &Scheduler{client: cache.GetClient(), repo: repo}
}

// NewSchedulerWithClient creates a scheduler with an explicit Redis client.
func NewSchedulerWithClient(client *redis.Client, repo billing.Repository) *Scheduler {
	return &Scheduler{client: client, repo: repo}
}

// classifyRetry picks queue, priority and delay for a failed event. Events
// that failed on a concurrent-write conflict go to the priority queue with the
// base delay only: the row contention is gone long before a full backoff.
func classifyRetry(cause error, attempts int) (queue string, priority int, delay time.Duration) {
	if errors.Is(cause, credits.ErrPersistenceConflict) {
		return models.RetryQueuePriority, 1, BaseRetryDelay
	}
	return models.RetryQueueDefault, 0, BackoffDelay(attempts)
}

// ScheduleRetry registers one deferred reprocessing attempt for the event,
// delayed by exponential backoff over the attempts already consumed. cause is
// the error that failed the event; a nil cause (reconcile sweep) classifies
// as a plain transient failure.
func (s *Scheduler) ScheduleRetry(ctx context.Context, event *models.BillingEvent, cause error) error {
	queue, priority, delay := classifyRetry(cause, event.Attempts)

	job := &models.RetryJob{
		BillingEventID: event.ID,
		QueueName:      queue,
		Priority:       priority,
		DelayMS:        delay.Milliseconds(),
	}
	if err := s.repo.CreateRetryJob(ctx, job); err != nil {
		return fmt.Errorf("recording retry job for event %d: %w", event.ID, err)
	}

	readyAt := time.Now().Add(delay)
	err := s.client.ZAdd(ctx, ScheduleKey, redis.Z{
		Score:  float64(readyAt.Unix()),
		Member: memberFor(event.ID),
	}).Err()
	if err != nil {
		// The RetryJob row survives; the reconcile sweep re-adds the entry.
		return fmt.Errorf("scheduling event %d in redis: %w", event.ID, err)
	}

	log.Infof("[RetryQueue] Scheduled event %s for retry %d/%d in %s",
		event.ExternalID, event.Attempts, event.MaxAttempts, delay)
	return nil
}

// DueEventIDs pops up to limit events whose delay has elapsed. Removal from
// the schedule happens before the caller processes the event, so a crashed
// worker loses the schedule entry but never the event: the database sweep
// reschedules anything still retryable.
func (s *Scheduler) DueEventIDs(ctx context.Context, limit int) ([]uint, error) {
	if limit <= 0 {
		limit = 50
	}

	members, err := s.client.ZRangeByScore(ctx, ScheduleKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	var ids []uint
	for _, member := range members {
		removed, err := s.client.ZRem(ctx, ScheduleKey, member).Result()
		if err != nil {
			return ids, err
		}
		if removed == 0 {
			// Another worker claimed this entry.
			continue
		}
		id, err := parseMember(member)
		if err != nil {
			log.Errorf("[RetryQueue] Dropping malformed schedule member %q: %v", member, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Unschedule drops any pending schedule entry for the event (manual cancel).
func (s *Scheduler) Unschedule(ctx context.Context, eventID uint) error {
	return s.client.ZRem(ctx, ScheduleKey, memberFor(eventID)).Err()
}

// ScheduleSize returns the number of events waiting on the schedule.
func (s *Scheduler) ScheduleSize(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, ScheduleKey).Result()
}

// Contains reports whether the event currently has a schedule entry.
func (s *Scheduler) Contains(ctx context.Context, eventID uint) (bool, error) {
	err := s.client.ZScore(ctx, ScheduleKey, memberFor(eventID)).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func memberFor(eventID uint) string {
	return strconv.FormatUint(uint64(eventID), 10)
}

func parseMember(member string) (uint, error) {
	id, err := strconv.ParseUint(member, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}
