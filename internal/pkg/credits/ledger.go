package credits

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/skillpilot/skillpilot/app/models"
	"github.com/skillpilot/skillpilot/internal/pkg/cache"
)

// conflictRetries bounds immediate retries on a concurrent bucket conflict
// before the failure is surfaced to the caller.
const conflictRetries = 3

// Ledger exposes the atomic grant/deduct/expire operations over the credit
// buckets and the append-only transaction log.
type Ledger struct {
	repo        Repository
	invalidator cache.Invalidator
}

// NewLedger creates a ledger service from an injected repository.
func NewLedger(repo Repository, invalidator cache.Invalidator) *Ledger {
	if invalidator == nil {
		invalidator = cache.NoopInvalidator{}
	}
	return &Ledger{repo: repo, invalidator: invalidator}
}

// NewLedgerFromDB creates a ledger service from a GORM DB handle.
func NewLedgerFromDB(db *gorm.DB, invalidator cache.Invalidator) *Ledger {
	return NewLedger(NewRepository(db), invalidator)
}

// Grant creates a new bucket and the matching positive ledger entry.
func (l *Ledger) Grant(ctx context.Context, in GrantInput) (*models.CreditBucket, error) {
	if in.UserID == 0 || in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !validSourceType(in.SourceType) {
		return nil, ErrInvalidSource
	}
	if in.TxType == "" {
		in.TxType = models.TxTypeSubscriptionGrant
	}

	bucket, err := l.repo.Grant(ctx, in)
	if err != nil {
		return nil, err
	}

	log.Infof("[Credits] Granted %d credits to user %d (source=%s, bucket=%d)", in.Amount, in.UserID, in.SourceType, bucket.ID)
	l.invalidator.InvalidateUserBilling(in.UserID)
	return bucket, nil
}

// Deduct spends credits across the user's spendable buckets, draining
// soonest-to-expire buckets first. On ErrInsufficientCredits no mutation has
// happened. Concurrent-write conflicts are retried immediately a bounded
// number of times.
func (l *Ledger) Deduct(ctx context.Context, userID uint, amount int64, txType, relatedActionID string) (*DeductionResult, error) {
	if userID == 0 || amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if txType == "" {
		txType = models.TxTypeUsage
	}

	var result *DeductionResult
	var err error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		result, err = l.repo.Deduct(ctx, userID, amount, txType, relatedActionID)
		if !errors.Is(err, ErrPersistenceConflict) {
			break
		}
		log.Warnf("[Credits] Deduction conflict for user %d (attempt %d/%d)", userID, attempt+1, conflictRetries)
	}
	if err != nil {
		return nil, err
	}

	log.Infof("[Credits] Deducted %d credits from user %d across %d bucket(s), %d remaining", amount, userID, result.Buckets, result.Remaining)
	l.invalidator.InvalidateUserBilling(userID)
	return result, nil
}

// ExpireDue transitions buckets past their expiry to expired, destroying any
// remaining credits with a matching negative ledger entry.
func (l *Ledger) ExpireDue(ctx context.Context, userID uint, sourceTypes []string) ([]ExpiredBucket, error) {
	expired, err := l.repo.ExpireDueBuckets(ctx, userID, sourceTypes)
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		var destroyed int64
		for _, e := range expired {
			destroyed += e.Destroyed
		}
		log.Infof("[Credits] Expired %d bucket(s) for user %d, destroyed %d credits", len(expired), userID, destroyed)
		l.invalidator.InvalidateUserBilling(userID)
	}
	return expired, nil
}

// Balance returns the user's total spendable credits.
func (l *Ledger) Balance(ctx context.Context, userID uint) (int64, error) {
	return l.repo.Balance(ctx, userID)
}

// MarkSubscriptionBucketsCancelled flags a subscription's buckets as
// cancelled. They stay spendable until expiry but will not renew.
func (l *Ledger) MarkSubscriptionBucketsCancelled(ctx context.Context, userID, subscriptionID uint) error {
	if err := l.repo.MarkSubscriptionBucketsCancelled(ctx, userID, subscriptionID); err != nil {
		return err
	}
	l.invalidator.InvalidateUserBilling(userID)
	return nil
}

// Repo exposes the underlying repository for callers that need tx-scoped
// operations (subscription period rollover).
func (l *Ledger) Repo() Repository {
	return l.repo
}

// planDeduction computes the drain steps for taking amount credits out of the
// given buckets. Buckets must already be in spend order. Returns
// ErrInsufficientCredits without a plan when the buckets cannot cover the
// amount.
func planDeduction(buckets []models.CreditBucket, amount int64) ([]BucketDrain, int64, error) {
	var available int64
	for i := range buckets {
		available += buckets[i].Remaining()
	}
	if available < amount {
		return nil, 0, ErrInsufficientCredits
	}

	var drains []BucketDrain
	left := amount
	for i := range buckets {
		if left == 0 {
			break
		}
		remaining := buckets[i].Remaining()
		if remaining == 0 {
			continue
		}
		take := remaining
		if take > left {
			take = left
		}
		drains = append(drains, BucketDrain{
			BucketID:  buckets[i].ID,
			PriorUsed: buckets[i].CreditsUsed,
			Amount:    take,
			Exhausts:  take == remaining,
		})
		left -= take
	}
	return drains, available - amount, nil
}
