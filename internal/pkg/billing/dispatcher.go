package billing

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2/log"

	"github.com/skillpilot/skillpilot/app/models"
	"github.com/skillpilot/skillpilot/internal/pkg/credits"
	"github.com/skillpilot/skillpilot/internal/pkg/subscription"
)

// RetryScheduler schedules deferred reprocessing for a failed event. Defined
// here so the retry queue can depend on billing without a cycle.
type RetryScheduler interface {
	// ScheduleRetry registers a deferred retry for a failed event. cause is
	// the handler error that triggered the retry; it may be nil when the
	// caller only knows the event is due (reconcile sweeps).
	ScheduleRetry(ctx context.Context, event *models.BillingEvent, cause error) error
}

// Dispatcher routes verified, deduplicated events to their handlers and owns
// the event's status lifecycle around the handler call.
type Dispatcher struct {
	events   *EventService
	repo     Repository
	subs     *subscription.Service
	ledger   *credits.Ledger
	provider ProviderClient
	resolver *UserResolver
	retry    RetryScheduler
}

// NewDispatcher wires a dispatcher from its collaborators. retry may be nil
// in tests; failed events then simply stay failed.
func NewDispatcher(events *EventService, repo Repository, subs *subscription.Service, ledger *credits.Ledger, provider ProviderClient, resolver *UserResolver, retry RetryScheduler) *Dispatcher {
	return &Dispatcher{
		events:   events,
		repo:     repo,
		subs:     subs,
		ledger:   ledger,
		provider: provider,
		resolver: resolver,
		retry:    retry,
	}
}

// Dispatch processes one event end to end: claim it, run the handler, and
// record the outcome. Callers only pass events that won the dedup gate or
// were handed out by the retry queue; a completed event is never re-run.
func (d *Dispatcher) Dispatch(ctx context.Context, event *models.BillingEvent) error {
	if event.Status == models.BillingEventStatusCompleted || event.Status == models.BillingEventStatusCancelled {
		return nil
	}

	if err := d.events.MarkProcessing(ctx, event.ID); err != nil {
		if errors.Is(err, ErrEventConflict) {
			// Another worker claimed the event; nothing to do here.
			log.Infof("[BillingDispatch] Event %s claimed elsewhere, skipping", event.ExternalID)
			return nil
		}
		return err
	}

	envelope := &EventEnvelope{
		ID:      event.ExternalID,
		Type:    event.Type,
		Payload: []byte(event.RawPayload),
	}

	handlerErr := d.handle(ctx, envelope)
	if handlerErr == nil {
		if err := d.events.MarkCompleted(ctx, event.ID); err != nil {
			return err
		}
		log.Infof("[BillingDispatch] Event %s (%s) completed", event.ExternalID, event.Type)
		return nil
	}

	if isPermanentFailure(handlerErr) {
		log.Errorf("[BillingDispatch] Event %s (%s) failed permanently: %v", event.ExternalID, event.Type, handlerErr)
		if err := d.events.MarkFailedPermanent(ctx, event.ID, handlerErr.Error()); err != nil {
			return err
		}
		return handlerErr
	}

	log.Errorf("[BillingDispatch] Event %s (%s) failed: %v", event.ExternalID, event.Type, handlerErr)
	if err := d.events.MarkFailed(ctx, event.ID, handlerErr.Error(), true); err != nil {
		return err
	}

	updated, err := d.events.Get(ctx, event.ID)
	if err != nil {
		return err
	}
	if updated.IsRetryable() && d.retry != nil {
		if err := d.retry.ScheduleRetry(ctx, updated, handlerErr); err != nil {
			log.Errorf("[BillingDispatch] Failed to schedule retry for event %s: %v", event.ExternalID, err)
		}
	} else if !updated.IsRetryable() {
		// Dead-letter: kept queryable for manual inspection, never auto-retried.
		log.Errorf("[BillingDispatch] Event %s exhausted %d attempts, left for inspection", event.ExternalID, updated.Attempts)
	}
	return handlerErr
}

// handle routes an envelope to its typed handler. Unhandled event types are
// acknowledged without side effects.
func (d *Dispatcher) handle(ctx context.Context, envelope *EventEnvelope) error {
	switch envelope.Type {
	case EventCheckoutSessionCompleted:
		return d.handleCheckoutCompleted(ctx, envelope)
	case EventSubscriptionCreated:
		return d.handleSubscriptionCreated(ctx, envelope)
	case EventSubscriptionUpdated:
		return d.handleSubscriptionUpdated(ctx, envelope)
	case EventSubscriptionDeleted:
		return d.handleSubscriptionDeleted(ctx, envelope)
	case EventInvoicePaid, EventInvoicePaymentSucceeded:
		return d.handleInvoicePaid(ctx, envelope)
	case EventInvoicePaymentFailed:
		return d.handleInvoicePaymentFailed(ctx, envelope)
	default:
		log.Infof("[BillingDispatch] Ignoring unhandled event type %s (%s)", envelope.Type, envelope.ID)
		return nil
	}
}

// isPermanentFailure separates failures that retrying cannot fix from
// recoverable ones.
func isPermanentFailure(err error) bool {
	return errors.Is(err, ErrUserNotResolved) ||
		errors.Is(err, ErrUnknownPlan) ||
		errors.Is(err, ErrMalformedPayload)
}
