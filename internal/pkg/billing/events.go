package billing

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/skillpilot/skillpilot/app/models"
)

// ErrEventConflict signals a lost status-transition race; the event was
// already moved by another worker.
var ErrEventConflict = errors.New("billing event status changed concurrently")

// EventService is the idempotency store: one row per externally-assigned
// event id, with monotonic status transitions. A duplicate external id is not
// an error; it short-circuits all downstream handler execution.
type EventService struct {
	repo Repository
}

// NewEventService creates an event service from an injected repository.
func NewEventService(repo Repository) *EventService {
	return &EventService{repo: repo}
}

// NewEventServiceFromDB creates an event service from a GORM DB handle.
func NewEventServiceFromDB(db *gorm.DB) *EventService {
	return NewEventService(NewRepository(db))
}

// RecordIfNew inserts a pending BillingEvent for the external id, or returns
// the existing record when the id was seen before. isNew=false means the
// caller must not run side effects for this delivery.
func (s *EventService) RecordIfNew(ctx context.Context, externalID, eventType string, payload []byte) (bool, *models.BillingEvent, error) {
	event := &models.BillingEvent{
		ExternalID:  externalID,
		Type:        eventType,
		Status:      models.BillingEventStatusPending,
		MaxAttempts: models.DefaultMaxEventAttempts,
		RawPayload:  string(payload),
	}
	isNew, stored, err := s.repo.CreateEventIfNotExists(ctx, event)
	if err != nil {
		return false, nil, err
	}
	if !isNew {
		log.Infof("[BillingEvents] Duplicate delivery for event %s (status=%s)", externalID, stored.Status)
	}
	return isNew, stored, nil
}

// MarkProcessing moves a pending or retrying event to processing.
func (s *EventService) MarkProcessing(ctx context.Context, id uint) error {
	ok, err := s.repo.TransitionEvent(ctx, id,
		[]string{models.BillingEventStatusPending, models.BillingEventStatusRetrying},
		map[string]interface{}{"status": models.BillingEventStatusProcessing})
	if err != nil {
		return err
	}
	if !ok {
		return ErrEventConflict
	}
	return nil
}

// MarkCompleted finishes a processing event, stamps processed_at and clears
// any retry jobs that referenced it.
func (s *EventService) MarkCompleted(ctx context.Context, id uint) error {
	now := time.Now()
	ok, err := s.repo.TransitionEvent(ctx, id,
		[]string{models.BillingEventStatusProcessing},
		map[string]interface{}{
			"status":        models.BillingEventStatusCompleted,
			"processed_at":  &now,
			"error_message": "",
		})
	if err != nil {
		return err
	}
	if !ok {
		return ErrEventConflict
	}
	return s.repo.DeleteRetryJobsForEvent(ctx, id)
}

// MarkFailed records a handler failure. incrementAttempts is false when the
// failure should not consume an attempt (operator resets).
func (s *EventService) MarkFailed(ctx context.Context, id uint, message string, incrementAttempts bool) error {
	updates := map[string]interface{}{
		"status":        models.BillingEventStatusFailed,
		"error_message": message,
	}
	if incrementAttempts {
		updates["attempts"] = gorm.Expr("attempts + 1")
	}
	ok, err := s.repo.TransitionEvent(ctx, id,
		[]string{models.BillingEventStatusProcessing},
		updates)
	if err != nil {
		return err
	}
	if !ok {
		return ErrEventConflict
	}
	return nil
}

// MarkFailedPermanent fails the event and exhausts its attempts so it goes
// straight to the dead-letter state.
func (s *EventService) MarkFailedPermanent(ctx context.Context, id uint, message string) error {
	ok, err := s.repo.TransitionEvent(ctx, id,
		[]string{models.BillingEventStatusProcessing},
		map[string]interface{}{
			"status":        models.BillingEventStatusFailed,
			"error_message": message,
			"attempts":      gorm.Expr("max_attempts"),
		})
	if err != nil {
		return err
	}
	if !ok {
		return ErrEventConflict
	}
	return nil
}

// MarkRetrying moves a failed event into the retrying state ahead of its
// scheduled reprocessing.
func (s *EventService) MarkRetrying(ctx context.Context, id uint) error {
	ok, err := s.repo.TransitionEvent(ctx, id,
		[]string{models.BillingEventStatusFailed},
		map[string]interface{}{"status": models.BillingEventStatusRetrying})
	if err != nil {
		return err
	}
	if !ok {
		return ErrEventConflict
	}
	return nil
}

// Cancel is an operator action reachable from any non-terminal state. It also
// removes pending retry jobs so the event is never picked up again.
func (s *EventService) Cancel(ctx context.Context, id uint) error {
	ok, err := s.repo.TransitionEvent(ctx, id,
		[]string{
			models.BillingEventStatusPending,
			models.BillingEventStatusProcessing,
			models.BillingEventStatusFailed,
			models.BillingEventStatusRetrying,
		},
		map[string]interface{}{"status": models.BillingEventStatusCancelled})
	if err != nil {
		return err
	}
	if !ok {
		return ErrEventConflict
	}
	return s.repo.DeleteRetryJobsForEvent(ctx, id)
}

// Get loads one event.
func (s *EventService) Get(ctx context.Context, id uint) (*models.BillingEvent, error) {
	return s.repo.GetEvent(ctx, id)
}

// RetryableEvents lists failed events that still have attempts left.
func (s *EventService) RetryableEvents(ctx context.Context, limit int) ([]models.BillingEvent, error) {
	return s.repo.RetryableEvents(ctx, limit)
}

// EventsByStatus lists events for operator inspection.
func (s *EventService) EventsByStatus(ctx context.Context, status string, limit int) ([]models.BillingEvent, error) {
	return s.repo.EventsByStatus(ctx, status, limit)
}

// StuckProcessingEvents lists events that have sat in processing beyond
// maxAge (crashed workers).
func (s *EventService) StuckProcessingEvents(ctx context.Context, maxAge time.Duration, limit int) ([]models.BillingEvent, error) {
	return s.repo.StuckProcessingEvents(ctx, maxAge, limit)
}

// CountsByStatus aggregates event counts for the admin surface.
func (s *EventService) CountsByStatus(ctx context.Context) (map[string]int64, error) {
	return s.repo.CountsByStatus(ctx)
}

// ReleaseStuck returns a stuck processing event to failed without consuming
// an attempt, so the retry queue can pick it up again.
func (s *EventService) ReleaseStuck(ctx context.Context, id uint) error {
	ok, err := s.repo.TransitionEvent(ctx, id,
		[]string{models.BillingEventStatusProcessing},
		map[string]interface{}{
			"status":        models.BillingEventStatusFailed,
			"error_message": "released by stuck sweeper",
		})
	if err != nil {
		return err
	}
	if !ok {
		return ErrEventConflict
	}
	return nil
}
