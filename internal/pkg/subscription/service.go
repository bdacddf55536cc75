package subscription

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/skillpilot/skillpilot/app/models"
	"github.com/skillpilot/skillpilot/internal/pkg/cache"
	"github.com/skillpilot/skillpilot/internal/pkg/credits"
)

// Transactor is the slice of *gorm.DB the service needs to open transaction
// scopes; tests inject a fake that runs the callback directly.
type Transactor interface {
	Transaction(fc func(tx *gorm.DB) error, opts ...*sql.TxOptions) error
}

// ActivateInput describes a new subscription period to activate.
type ActivateInput struct {
	UserID               uint
	Plan                 *models.SubscriptionPlan
	StripeCustomerID     string
	StripeSubscriptionID string
	PeriodStart          *time.Time
	PeriodEnd            *time.Time
	RelatedActionID      string
	GrantTxType          string
}

// ActivateResult reports the outcome of an activation.
type ActivateResult struct {
	Subscription   *models.UserSubscription
	Bucket         *models.CreditBucket
	AlreadyActive  bool
	CreditsGranted int64
}

// RolloverResult reports the outcome of a period rollover.
type RolloverResult struct {
	Old              *models.UserSubscription
	New              *models.UserSubscription
	CreditsDestroyed int64
	CreditsGranted   int64
	// AlreadyApplied is set when a ledger entry for the same action id was
	// found under the row lock; nothing was changed.
	AlreadyApplied bool
}

// Service drives the subscription lifecycle state machine and the ledger
// grants tied to its transitions.
type Service struct {
	db          Transactor
	repo        Repository
	buckets     credits.Repository
	invalidator cache.Invalidator
}

// NewService creates a subscription service from injected dependencies.
func NewService(db Transactor, repo Repository, buckets credits.Repository, invalidator cache.Invalidator) *Service {
	if invalidator == nil {
		invalidator = cache.NoopInvalidator{}
	}
	return &Service{db: db, repo: repo, buckets: buckets, invalidator: invalidator}
}

// NewServiceFromDB creates a subscription service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, invalidator cache.Invalidator) *Service {
	return NewService(db, NewRepository(db), credits.NewRepository(db), invalidator)
}

// Repo exposes the underlying repository for lookups used by user resolution.
func (s *Service) Repo() Repository {
	return s.repo
}

// Activate creates a new active period row for (user, plan) and grants the
// plan's credit bucket. Expiring any prior active row and inserting the new
// one happen inside a single transaction. An existing active subscription for
// the same plan with a valid period is a non-error no-op: the event was
// already applied.
func (s *Service) Activate(ctx context.Context, in ActivateInput) (*ActivateResult, error) {
	if in.UserID == 0 || in.Plan == nil {
		return nil, errors.New("user id and plan are required")
	}

	if existing, err := s.repo.ActiveForUserPlan(ctx, in.UserID, in.Plan.ID); err == nil {
		log.Infof("[Subscription] User %d already has active plan %q, skipping activation", in.UserID, in.Plan.Name)
		return &ActivateResult{Subscription: existing, AlreadyActive: true}, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	grantTxType := in.GrantTxType
	if grantTxType == "" {
		grantTxType = models.TxTypeSubscriptionGrant
	}

	result := &ActivateResult{}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		sub := &models.UserSubscription{
			UserID:               in.UserID,
			PlanID:               in.Plan.ID,
			StripeCustomerID:     in.StripeCustomerID,
			StripeSubscriptionID: in.StripeSubscriptionID,
			CurrentPeriodStart:   in.PeriodStart,
			CurrentPeriodEnd:     in.PeriodEnd,
		}
		if err := s.repo.ActivatePeriodTx(tx, sub); err != nil {
			return err
		}
		result.Subscription = sub

		if in.Plan.CreditsPerPeriod > 0 {
			bucket, err := s.buckets.GrantTx(tx, credits.GrantInput{
				UserID:             in.UserID,
				Amount:             in.Plan.CreditsPerPeriod,
				SourceType:         models.CreditSourceSubscription,
				TxType:             grantTxType,
				ExpiresAt:          in.PeriodEnd,
				UserSubscriptionID: &sub.ID,
				RelatedActionID:    in.RelatedActionID,
			})
			if err != nil {
				return err
			}
			result.Bucket = bucket
			result.CreditsGranted = in.Plan.CreditsPerPeriod
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Infof("[Subscription] Activated plan %q for user %d (sub=%d, credits=%d)",
		in.Plan.Name, in.UserID, result.Subscription.ID, result.CreditsGranted)
	s.invalidator.InvalidateUserBilling(in.UserID)
	return result, nil
}

// Rollover performs the renewal boundary for a recurring invoice: the prior
// period row and its subscription buckets are expired (unused credits are
// destroyed with a negative ledger entry) and a fresh period row plus a full
// credit bucket are created, all inside one transaction.
func (s *Service) Rollover(ctx context.Context, stripeSubID string, plan *models.SubscriptionPlan, periodStart, periodEnd *time.Time, relatedActionID string) (*RolloverResult, error) {
	prior, err := s.repo.ByStripeSubscriptionID(ctx, stripeSubID)
	if err != nil {
		return nil, err
	}

	result := &RolloverResult{Old: prior}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		// Lock the prior row so concurrent deliveries for the same invoice
		// queue up here, then re-check the ledger: the loser of the race sees
		// the winner's monthly_reset entry and backs off.
		locked, err := s.repo.ByIDLockedTx(tx, prior.ID)
		if err != nil {
			return err
		}
		if relatedActionID != "" {
			applied, err := s.buckets.HasTransactionTx(tx, prior.UserID, models.TxTypeMonthlyReset, relatedActionID)
			if err != nil {
				return err
			}
			if applied {
				result.AlreadyApplied = true
				return nil
			}
		}

		if locked.Status == models.SubscriptionStatusActive {
			if err := s.repo.ExpireTx(tx, prior.ID); err != nil {
				return err
			}
		}

		destroyed, err := s.buckets.ExpireSubscriptionBucketsTx(tx, prior.UserID, prior.ID, models.TxTypeMonthlyReset)
		if err != nil {
			return err
		}
		result.CreditsDestroyed = destroyed

		next := &models.UserSubscription{
			UserID:               prior.UserID,
			PlanID:               plan.ID,
			StripeCustomerID:     prior.StripeCustomerID,
			StripeSubscriptionID: stripeSubID,
			CurrentPeriodStart:   periodStart,
			CurrentPeriodEnd:     periodEnd,
		}
		if err := s.repo.ActivatePeriodTx(tx, next); err != nil {
			return err
		}
		result.New = next

		if plan.CreditsPerPeriod > 0 {
			if _, err := s.buckets.GrantTx(tx, credits.GrantInput{
				UserID:             prior.UserID,
				Amount:             plan.CreditsPerPeriod,
				SourceType:         models.CreditSourceSubscription,
				TxType:             models.TxTypeMonthlyReset,
				ExpiresAt:          periodEnd,
				UserSubscriptionID: &next.ID,
				RelatedActionID:    relatedActionID,
			}); err != nil {
				return err
			}
			result.CreditsGranted = plan.CreditsPerPeriod
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.AlreadyApplied {
		log.Infof("[Subscription] Rollover for sub %s action %s already applied, no-op", stripeSubID, relatedActionID)
		return result, nil
	}

	log.Infof("[Subscription] Rolled over sub %s for user %d: destroyed %d, granted %d",
		stripeSubID, prior.UserID, result.CreditsDestroyed, result.CreditsGranted)
	s.invalidator.InvalidateUserBilling(prior.UserID)
	return result, nil
}

// ApplyProviderUpdate syncs status, period and the cancel-at-period-end flag
// from a provider subscription.updated event. When the cancel flag turns on,
// the subscription's buckets are marked cancelled: still spendable until
// expiry, but excluded from renewal.
func (s *Service) ApplyProviderUpdate(ctx context.Context, stripeSubID, status string, periodStart, periodEnd *time.Time, cancelAtPeriodEnd bool) error {
	sub, err := s.repo.ByStripeSubscriptionID(ctx, stripeSubID)
	if err != nil {
		return err
	}

	newlyFlagged := cancelAtPeriodEnd && !sub.CancelAtPeriodEnd
	if err := s.repo.UpdateProviderState(ctx, sub.ID, status, periodStart, periodEnd, cancelAtPeriodEnd); err != nil {
		return err
	}
	if newlyFlagged {
		if err := s.buckets.MarkSubscriptionBucketsCancelled(ctx, sub.UserID, sub.ID); err != nil {
			return err
		}
		log.Infof("[Subscription] Sub %s flagged cancel_at_period_end, buckets marked cancelled", stripeSubID)
	}

	s.invalidator.InvalidateUserBilling(sub.UserID)
	return nil
}

// Cancel marks the subscription cancelled (subscription.deleted).
func (s *Service) Cancel(ctx context.Context, stripeSubID string) (*models.UserSubscription, error) {
	sub, err := s.repo.CancelByStripeSubscriptionID(ctx, stripeSubID)
	if err != nil {
		return nil, err
	}
	s.invalidator.InvalidateUserBilling(sub.UserID)
	return sub, nil
}

// EnsureFreeTier bootstraps the free plan for a user with no active
// subscription. A no-op when the user already has one or no free plan is
// configured.
func (s *Service) EnsureFreeTier(ctx context.Context, userID uint) error {
	active, err := s.repo.ActiveForUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return nil
	}

	plan, err := s.repo.PlanByName(ctx, models.PlanFree)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	_, err = s.Activate(ctx, ActivateInput{UserID: userID, Plan: plan})
	return err
}

// CancelFreeTier retires any free-tier row when a paid subscription arrives.
func (s *Service) CancelFreeTier(ctx context.Context, userID uint) error {
	if err := s.repo.CancelFreeTier(ctx, userID); err != nil {
		return err
	}
	s.invalidator.InvalidateUserBilling(userID)
	return nil
}
