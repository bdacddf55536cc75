package credits

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/skillpilot/skillpilot/app/models"
)

// Repository provides the atomic ledger operations. Every mutation spans the
// bucket rows and the transaction-log insert in a single database transaction.
type Repository interface {
	Grant(ctx context.Context, in GrantInput) (*models.CreditBucket, error)
	Deduct(ctx context.Context, userID uint, amount int64, txType, relatedActionID string) (*DeductionResult, error)
	ExpireDueBuckets(ctx context.Context, userID uint, sourceTypes []string) ([]ExpiredBucket, error)
	UsersWithDueBuckets(ctx context.Context, limit int) ([]uint, error)
	SpendableBuckets(ctx context.Context, userID uint) ([]models.CreditBucket, error)
	Balance(ctx context.Context, userID uint) (int64, error)
	TransactionSum(ctx context.Context, userID uint) (int64, error)
	ListTransactions(ctx context.Context, userID uint, limit int) ([]models.CreditTransaction, error)
	HasTransaction(ctx context.Context, userID uint, txType, relatedActionID string) (bool, error)
	MarkSubscriptionBucketsCancelled(ctx context.Context, userID, subscriptionID uint) error

	// Tx-scoped variants let the subscription period rollover run bucket
	// mutations inside its own transaction scope.
	GrantTx(tx *gorm.DB, in GrantInput) (*models.CreditBucket, error)
	ExpireSubscriptionBucketsTx(tx *gorm.DB, userID, subscriptionID uint, txType string) (int64, error)
	HasTransactionTx(tx *gorm.DB, userID uint, txType, relatedActionID string) (bool, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a ledger repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// spendableOrder drains soonest-to-expire buckets first; never-expiring
// buckets sort last, ties break by insertion order.
const spendableOrder = "CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END, expires_at ASC, id ASC"

var spendableStatuses = []string{models.SubscriptionStatusActive, models.SubscriptionStatusCancelled}

func (r *gormRepository) Grant(ctx context.Context, in GrantInput) (*models.CreditBucket, error) {
	var bucket *models.CreditBucket
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		bucket, txErr = r.GrantTx(tx, in)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return bucket, nil
}

func (r *gormRepository) GrantTx(tx *gorm.DB, in GrantInput) (*models.CreditBucket, error) {
	bucket := &models.CreditBucket{
		UserID:             in.UserID,
		SourceType:         in.SourceType,
		CreditsTotal:       in.Amount,
		CreditsUsed:        0,
		Status:             models.SubscriptionStatusActive,
		ExpiresAt:          in.ExpiresAt,
		UserSubscriptionID: in.UserSubscriptionID,
		Metadata:           in.Metadata,
	}
	if err := tx.Create(bucket).Error; err != nil {
		return nil, err
	}

	entry := &models.CreditTransaction{
		UserID:          in.UserID,
		Amount:          in.Amount,
		Type:            in.TxType,
		RelatedActionID: in.RelatedActionID,
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, err
	}
	return bucket, nil
}

func (r *gormRepository) Deduct(ctx context.Context, userID uint, amount int64, txType, relatedActionID string) (*DeductionResult, error) {
	var result *DeductionResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()

		// Row locks serialize concurrent deductions for the same user so two
		// writers cannot both observe the same available balance.
		var buckets []models.CreditBucket
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND status IN ? AND (expires_at IS NULL OR expires_at > ?)", userID, spendableStatuses, now).
			Order(spendableOrder).
			Find(&buckets).Error; err != nil {
			return err
		}

		drains, remaining, err := planDeduction(buckets, amount)
		if err != nil {
			return err
		}

		for _, d := range drains {
			updates := map[string]interface{}{
				"credits_used": d.PriorUsed + d.Amount,
				"updated_at":   now,
			}
			if d.Exhausts {
				updates["status"] = models.SubscriptionStatusExhausted
			}
			res := tx.Model(&models.CreditBucket{}).
				Where("id = ? AND credits_used = ?", d.BucketID, d.PriorUsed).
				Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrPersistenceConflict
			}
		}

		entry := &models.CreditTransaction{
			UserID:          userID,
			Amount:          -amount,
			Type:            txType,
			RelatedActionID: relatedActionID,
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}

		result = &DeductionResult{Deducted: amount, Remaining: remaining, Buckets: len(drains)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *gormRepository) ExpireDueBuckets(ctx context.Context, userID uint, sourceTypes []string) ([]ExpiredBucket, error) {
	var expired []ExpiredBucket
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()

		q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND status IN ? AND expires_at IS NOT NULL AND expires_at <= ?", userID, spendableStatuses, now)
		if len(sourceTypes) > 0 {
			q = q.Where("source_type IN ?", sourceTypes)
		}
		var buckets []models.CreditBucket
		if err := q.Find(&buckets).Error; err != nil {
			return err
		}

		for _, b := range buckets {
			// Consuming the remainder in the same UPDATE keeps the
			// transaction sum equal to the bucket sums after expiry.
			if err := tx.Model(&models.CreditBucket{}).
				Where("id = ?", b.ID).
				Updates(map[string]interface{}{
					"status":       models.SubscriptionStatusExpired,
					"credits_used": gorm.Expr("credits_total"),
					"updated_at":   now,
				}).Error; err != nil {
				return err
			}

			destroyed := b.Remaining()
			if destroyed > 0 {
				entry := &models.CreditTransaction{
					UserID: b.UserID,
					Amount: -destroyed,
					Type:   models.TxTypeExpiration,
				}
				if err := tx.Create(entry).Error; err != nil {
					return err
				}
			}
			expired = append(expired, ExpiredBucket{Bucket: b, Destroyed: destroyed})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

func (r *gormRepository) ExpireSubscriptionBucketsTx(tx *gorm.DB, userID, subscriptionID uint, txType string) (int64, error) {
	now := time.Now()

	var buckets []models.CreditBucket
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND user_subscription_id = ? AND status IN ?", userID, subscriptionID, spendableStatuses).
		Find(&buckets).Error; err != nil {
		return 0, err
	}

	var destroyed int64
	for _, b := range buckets {
		if err := tx.Model(&models.CreditBucket{}).
			Where("id = ?", b.ID).
			Updates(map[string]interface{}{
				"status":       models.SubscriptionStatusExpired,
				"credits_used": gorm.Expr("credits_total"),
				"updated_at":   now,
			}).Error; err != nil {
			return 0, err
		}
		destroyed += b.Remaining()
	}

	// Unused credits do not roll over; one negative entry per rollover keeps
	// the ledger/bucket sums equal.
	if destroyed > 0 {
		entry := &models.CreditTransaction{
			UserID: userID,
			Amount: -destroyed,
			Type:   txType,
		}
		if err := tx.Create(entry).Error; err != nil {
			return 0, err
		}
	}
	return destroyed, nil
}

// UsersWithDueBuckets lists users holding spendable buckets whose expiry has
// passed, for the background expiry sweep.
func (r *gormRepository) UsersWithDueBuckets(ctx context.Context, limit int) ([]uint, error) {
	if limit <= 0 {
		limit = 100
	}
	var userIDs []uint
	err := r.db.WithContext(ctx).Model(&models.CreditBucket{}).
		Where("status IN ? AND expires_at IS NOT NULL AND expires_at <= ?", spendableStatuses, time.Now()).
		Distinct("user_id").
		Limit(limit).
		Pluck("user_id", &userIDs).Error
	return userIDs, err
}

func (r *gormRepository) SpendableBuckets(ctx context.Context, userID uint) ([]models.CreditBucket, error) {
	var buckets []models.CreditBucket
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status IN ? AND (expires_at IS NULL OR expires_at > ?)", userID, spendableStatuses, time.Now()).
		Order(spendableOrder).
		Find(&buckets).Error
	return buckets, err
}

func (r *gormRepository) Balance(ctx context.Context, userID uint) (int64, error) {
	buckets, err := r.SpendableBuckets(ctx, userID)
	if err != nil {
		return 0, err
	}
	var total int64
	for i := range buckets {
		total += buckets[i].Remaining()
	}
	return total, nil
}

func (r *gormRepository) TransactionSum(ctx context.Context, userID uint) (int64, error) {
	var sum *int64
	err := r.db.WithContext(ctx).Model(&models.CreditTransaction{}).
		Where("user_id = ?", userID).
		Select("SUM(amount)").
		Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	if sum == nil {
		return 0, nil
	}
	return *sum, nil
}

func (r *gormRepository) ListTransactions(ctx context.Context, userID uint, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []models.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// HasTransaction reports whether a ledger entry for the given action already
// exists. Webhook handlers use it to make re-delivered grants no-ops.
func (r *gormRepository) HasTransaction(ctx context.Context, userID uint, txType, relatedActionID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.CreditTransaction{}).
		Where("user_id = ? AND type = ? AND related_action_id = ?", userID, txType, relatedActionID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// HasTransactionTx is the transaction-scoped variant, for replay checks that
// must observe rows written under the caller's row locks.
func (r *gormRepository) HasTransactionTx(tx *gorm.DB, userID uint, txType, relatedActionID string) (bool, error) {
	var count int64
	err := tx.Model(&models.CreditTransaction{}).
		Where("user_id = ? AND type = ? AND related_action_id = ?", userID, txType, relatedActionID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *gormRepository) MarkSubscriptionBucketsCancelled(ctx context.Context, userID, subscriptionID uint) error {
	return r.db.WithContext(ctx).Model(&models.CreditBucket{}).
		Where("user_id = ? AND user_subscription_id = ? AND status = ?", userID, subscriptionID, models.SubscriptionStatusActive).
		Updates(map[string]interface{}{"status": models.SubscriptionStatusCancelled, "updated_at": time.Now()}).Error
}
