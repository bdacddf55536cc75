package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/skillpilot/skillpilot/app/models"
	"github.com/skillpilot/skillpilot/internal/pkg/credits"
	"github.com/skillpilot/skillpilot/internal/pkg/subscription"
)

// handleCheckoutCompleted applies a finished checkout: subscription mode
// activates a plan period and grants its bucket, payment mode grants a
// one-off purchase bucket. A PaymentHistory entry is written either way.
func (d *Dispatcher) handleCheckoutCompleted(ctx context.Context, envelope *EventEnvelope) error {
	var sess checkoutSessionPayload
	if err := json.Unmarshal(envelope.Payload, &sess); err != nil {
		return fmt.Errorf("%w: checkout session: %v", ErrMalformedPayload, err)
	}

	userID, err := d.resolveCheckoutUser(ctx, &sess)
	if err != nil {
		return err
	}
	if sess.Customer != "" {
		if err := d.repo.LinkStripeCustomer(ctx, userID, sess.Customer); err != nil {
			return err
		}
	}

	switch sess.Mode {
	case checkoutModeSubscription:
		if err := d.activateFromCheckout(ctx, userID, &sess); err != nil {
			return err
		}
	case checkoutModePayment:
		if err := d.grantPurchasedCredits(ctx, userID, &sess); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown checkout mode %q", ErrMalformedPayload, sess.Mode)
	}

	// PaymentHistory is recorded regardless of the branch; subsequent re-runs
	// for the same session find the existing row and skip.
	if _, err := d.repo.PaymentHistoryForCheckoutSession(ctx, sess.ID); err == nil {
		return nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return d.repo.CreatePaymentHistory(ctx, &models.PaymentHistory{
		UserID:                  userID,
		StripeCheckoutSessionID: sess.ID,
		AmountCents:             sess.AmountTotal,
		Currency:                sess.Currency,
		Status:                  models.PaymentStatusSucceeded,
		Description:             "checkout " + sess.Mode,
	})
}

// resolveCheckoutUser maps a checkout session to a local user: session
// metadata, then the client reference, then customer metadata.
func (d *Dispatcher) resolveCheckoutUser(ctx context.Context, sess *checkoutSessionPayload) (uint, error) {
	if id := userIDFromMetadata(sess.Metadata); id != 0 {
		return id, nil
	}
	if id := parseUserID(sess.ClientReferenceID); id != 0 {
		return id, nil
	}
	if sess.Customer != "" {
		cust, err := d.provider.GetCustomer(ctx, sess.Customer)
		if err != nil {
			if errors.Is(err, ErrTransientProvider) {
				return 0, err
			}
		} else if id := userIDFromMetadata(cust.Metadata); id != 0 {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: checkout session %s", ErrUserNotResolved, sess.ID)
}

func (d *Dispatcher) activateFromCheckout(ctx context.Context, userID uint, sess *checkoutSessionPayload) error {
	provSub, err := d.provider.GetSubscription(ctx, sess.Subscription)
	if err != nil {
		return err
	}
	plan, err := d.planForPrice(ctx, provSub.PriceID)
	if err != nil {
		return err
	}

	// The checkout payload carries no period; start it now and let the
	// provider's subscription events correct the exact boundaries.
	start := time.Now()
	end := addBillingInterval(start, plan.BillingInterval)

	result, err := d.subs.Activate(ctx, subscription.ActivateInput{
		UserID:               userID,
		Plan:                 plan,
		StripeCustomerID:     sess.Customer,
		StripeSubscriptionID: sess.Subscription,
		PeriodStart:          &start,
		PeriodEnd:            &end,
		RelatedActionID:      sess.ID,
	})
	if err != nil {
		return err
	}
	if result.AlreadyActive {
		log.Infof("[Billing] Checkout %s: user %d already on plan %q, no-op", sess.ID, userID, plan.Name)
	}
	return nil
}

func (d *Dispatcher) grantPurchasedCredits(ctx context.Context, userID uint, sess *checkoutSessionPayload) error {
	amount, err := strconv.ParseInt(sess.Metadata["credits"], 10, 64)
	if err != nil || amount <= 0 {
		return fmt.Errorf("%w: checkout %s has no credits metadata", ErrMalformedPayload, sess.ID)
	}

	// Re-run guard: the grant for this session already hit the ledger.
	exists, err := d.ledger.Repo().HasTransaction(ctx, userID, models.TxTypePurchase, sess.ID)
	if err != nil {
		return err
	}
	if exists {
		log.Infof("[Billing] Checkout %s: purchase already granted, no-op", sess.ID)
		return nil
	}

	_, err = d.ledger.Grant(ctx, credits.GrantInput{
		UserID:          userID,
		Amount:          amount,
		SourceType:      models.CreditSourcePurchase,
		TxType:          models.TxTypePurchase,
		RelatedActionID: sess.ID,
	})
	return err
}

// handleSubscriptionCreated resolves the owning user through the fallback
// chain, retires any free-tier row, and activates the plan period.
func (d *Dispatcher) handleSubscriptionCreated(ctx context.Context, envelope *EventEnvelope) error {
	var sub subscriptionPayload
	if err := json.Unmarshal(envelope.Payload, &sub); err != nil {
		return fmt.Errorf("%w: subscription: %v", ErrMalformedPayload, err)
	}

	userID, strategy, err := d.resolver.Resolve(ctx, ResolutionInput{
		EventMetadata:   sub.Metadata,
		CustomerID:      sub.Customer,
		SubscriptionID:  sub.ID,
		LatestInvoiceID: sub.LatestInvoice,
	})
	if err != nil {
		if errors.Is(err, ErrUserNotResolved) {
			return fmt.Errorf("%w: subscription %s", ErrUserNotResolved, sub.ID)
		}
		return fmt.Errorf("resolving user for subscription %s via %s: %w", sub.ID, strategy, err)
	}

	plan, err := d.planForPrice(ctx, sub.priceID())
	if err != nil {
		return err
	}

	if err := d.subs.CancelFreeTier(ctx, userID); err != nil {
		return err
	}
	if sub.Customer != "" {
		if err := d.repo.LinkStripeCustomer(ctx, userID, sub.Customer); err != nil {
			return err
		}
	}

	result, err := d.subs.Activate(ctx, subscription.ActivateInput{
		UserID:               userID,
		Plan:                 plan,
		StripeCustomerID:     sub.Customer,
		StripeSubscriptionID: sub.ID,
		PeriodStart:          unixTimePtr(sub.periodStart()),
		PeriodEnd:            unixTimePtr(sub.periodEnd()),
		RelatedActionID:      envelope.ID,
	})
	if err != nil {
		return err
	}
	if result.AlreadyActive {
		log.Infof("[Billing] Subscription %s: user %d already on plan %q, no-op", sub.ID, userID, plan.Name)
	}
	return nil
}

// handleSubscriptionUpdated syncs status, period and the cancel flag. The
// local row may not exist yet when deliveries arrive out of order; that is a
// recoverable failure so the event retries after subscription.created lands.
func (d *Dispatcher) handleSubscriptionUpdated(ctx context.Context, envelope *EventEnvelope) error {
	var sub subscriptionPayload
	if err := json.Unmarshal(envelope.Payload, &sub); err != nil {
		return fmt.Errorf("%w: subscription: %v", ErrMalformedPayload, err)
	}

	err := d.subs.ApplyProviderUpdate(ctx, sub.ID,
		internalSubscriptionStatus(sub.Status),
		unixTimePtr(sub.periodStart()), unixTimePtr(sub.periodEnd()),
		sub.CancelAtPeriodEnd)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("subscription %s not known locally yet: %w", sub.ID, err)
	}
	return err
}

func (d *Dispatcher) handleSubscriptionDeleted(ctx context.Context, envelope *EventEnvelope) error {
	var sub subscriptionPayload
	if err := json.Unmarshal(envelope.Payload, &sub); err != nil {
		return fmt.Errorf("%w: subscription: %v", ErrMalformedPayload, err)
	}

	_, err := d.subs.Cancel(ctx, sub.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("subscription %s not known locally yet: %w", sub.ID, err)
	}
	return err
}

// handleInvoicePaid performs the period rollover for recurring cycles: the
// prior period and its buckets are expired (unused credits destroyed) and a
// fresh period with a full bucket is created. Non-cycle invoices only get a
// history entry; their grants happened at checkout/creation.
func (d *Dispatcher) handleInvoicePaid(ctx context.Context, envelope *EventEnvelope) error {
	var inv invoicePayload
	if err := json.Unmarshal(envelope.Payload, &inv); err != nil {
		return fmt.Errorf("%w: invoice: %v", ErrMalformedPayload, err)
	}

	subID := inv.subscriptionID()
	if subID == "" {
		log.Infof("[Billing] Invoice %s has no subscription, ignoring", inv.ID)
		return nil
	}

	prior, err := d.subs.Repo().ByStripeSubscriptionID(ctx, subID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("subscription %s not known locally yet: %w", subID, err)
		}
		return err
	}

	if inv.BillingReason == billingReasonSubscriptionCycle {
		if err := d.rolloverFromInvoice(ctx, prior, &inv, subID); err != nil {
			return err
		}
	}

	// invoice.paid and invoice.payment_succeeded arrive as separate events
	// for the same invoice; the first one wins the history row.
	if _, err := d.repo.PaymentHistoryForInvoice(ctx, inv.ID, models.PaymentStatusSucceeded); err == nil {
		log.Infof("[Billing] Invoice %s already has a succeeded history entry, skipping", inv.ID)
		return nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	return d.repo.CreatePaymentHistory(ctx, &models.PaymentHistory{
		UserID:          prior.UserID,
		StripeInvoiceID: inv.ID,
		AmountCents:     inv.AmountPaid,
		Currency:        inv.Currency,
		Status:          models.PaymentStatusSucceeded,
		Description:     "invoice " + inv.BillingReason,
	})
}

func (d *Dispatcher) rolloverFromInvoice(ctx context.Context, prior *models.UserSubscription, inv *invoicePayload, subID string) error {
	// Re-run guard: this invoice already drove a rollover.
	exists, err := d.ledger.Repo().HasTransaction(ctx, prior.UserID, models.TxTypeMonthlyReset, inv.ID)
	if err != nil {
		return err
	}
	if exists {
		log.Infof("[Billing] Invoice %s: rollover already applied, no-op", inv.ID)
		return nil
	}

	plan, err := d.planForInvoice(ctx, prior, inv)
	if err != nil {
		return err
	}

	start, end := inv.period()
	_, err = d.subs.Rollover(ctx, subID, plan, unixTimePtr(start), unixTimePtr(end), inv.ID)
	return err
}

// handleInvoicePaymentFailed records a failed PaymentHistory entry only. The
// provider's own subscription.updated events are authoritative for any status
// change that follows.
func (d *Dispatcher) handleInvoicePaymentFailed(ctx context.Context, envelope *EventEnvelope) error {
	var inv invoicePayload
	if err := json.Unmarshal(envelope.Payload, &inv); err != nil {
		return fmt.Errorf("%w: invoice: %v", ErrMalformedPayload, err)
	}

	userID := d.lenientUserForInvoice(ctx, &inv)
	if userID == 0 {
		log.Warnf("[Billing] Invoice %s payment failed but no local user found, skipping history", inv.ID)
		return nil
	}

	return d.repo.CreatePaymentHistory(ctx, &models.PaymentHistory{
		UserID:          userID,
		StripeInvoiceID: inv.ID,
		AmountCents:     inv.AmountDue,
		Currency:        inv.Currency,
		Status:          models.PaymentStatusFailed,
		Description:     "invoice " + inv.BillingReason,
	})
}

func (d *Dispatcher) lenientUserForInvoice(ctx context.Context, inv *invoicePayload) uint {
	if subID := inv.subscriptionID(); subID != "" {
		if sub, err := d.subs.Repo().ByStripeSubscriptionID(ctx, subID); err == nil {
			return sub.UserID
		}
	}
	if inv.Customer != "" {
		if user, err := d.repo.UserByStripeCustomerID(ctx, inv.Customer); err == nil {
			return user.ID
		}
	}
	return 0
}

func (d *Dispatcher) planForPrice(ctx context.Context, priceID string) (*models.SubscriptionPlan, error) {
	if priceID == "" {
		return nil, fmt.Errorf("%w: empty price id", ErrUnknownPlan)
	}
	plan, err := d.subs.Repo().PlanByStripePriceID(ctx, priceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: price %s", ErrUnknownPlan, priceID)
		}
		return nil, err
	}
	return plan, nil
}

func (d *Dispatcher) planForInvoice(ctx context.Context, prior *models.UserSubscription, inv *invoicePayload) (*models.SubscriptionPlan, error) {
	if priceID := inv.priceID(); priceID != "" {
		return d.planForPrice(ctx, priceID)
	}
	// No line price on the invoice; renew on the plan already recorded.
	plan, err := d.subs.Repo().PlanByID(ctx, prior.PlanID)
	if err != nil {
		return nil, fmt.Errorf("%w: plan %d for subscription %s", ErrUnknownPlan, prior.PlanID, prior.StripeSubscriptionID)
	}
	return plan, nil
}

// internalSubscriptionStatus maps provider statuses onto the local lifecycle.
func internalSubscriptionStatus(providerStatus string) string {
	switch providerStatus {
	case "canceled":
		return models.SubscriptionStatusCancelled
	case "incomplete_expired", "unpaid":
		return models.SubscriptionStatusExpired
	default:
		// active, trialing, past_due: entitlement persists until the
		// provider says otherwise.
		return models.SubscriptionStatusActive
	}
}

func unixTimePtr(unix int64) *time.Time {
	if unix <= 0 {
		return nil
	}
	t := time.Unix(unix, 0)
	return &t
}

func addBillingInterval(t time.Time, interval string) time.Time {
	if interval == "year" {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}
