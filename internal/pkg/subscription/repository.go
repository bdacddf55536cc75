package subscription

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/skillpilot/skillpilot/app/models"
)

// ErrNotFound is returned when no subscription matches a lookup.
var ErrNotFound = gorm.ErrRecordNotFound

// Repository provides DB operations for subscription period rows.
type Repository interface {
	ActiveForUserPlan(ctx context.Context, userID, planID uint) (*models.UserSubscription, error)
	ActiveForUser(ctx context.Context, userID uint) ([]models.UserSubscription, error)
	ByStripeSubscriptionID(ctx context.Context, stripeSubID string) (*models.UserSubscription, error)
	LatestByStripeCustomerID(ctx context.Context, stripeCustomerID string) (*models.UserSubscription, error)
	UpdateProviderState(ctx context.Context, id uint, status string, periodStart, periodEnd *time.Time, cancelAtPeriodEnd bool) error
	CancelByStripeSubscriptionID(ctx context.Context, stripeSubID string) (*models.UserSubscription, error)
	CancelFreeTier(ctx context.Context, userID uint) error
	PlanByStripePriceID(ctx context.Context, priceID string) (*models.SubscriptionPlan, error)
	PlanByName(ctx context.Context, name string) (*models.SubscriptionPlan, error)
	PlanByID(ctx context.Context, id uint) (*models.SubscriptionPlan, error)

	// ActivatePeriodTx expires any active rows for (user, plan) and inserts
	// the new period row inside the caller's transaction, so a concurrent
	// reader can never observe zero or two active subscriptions.
	ActivatePeriodTx(tx *gorm.DB, sub *models.UserSubscription) error
	// ExpireTx marks one subscription row expired inside the caller's
	// transaction (period rollover).
	ExpireTx(tx *gorm.DB, id uint) error
	// ByIDLockedTx loads one subscription row under FOR UPDATE, serializing
	// concurrent rollovers of the same subscription.
	ByIDLockedTx(tx *gorm.DB, id uint) (*models.UserSubscription, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a subscription repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) ActiveForUserPlan(ctx context.Context, userID, planID uint) (*models.UserSubscription, error) {
	var sub models.UserSubscription
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND plan_id = ? AND status = ? AND (current_period_end IS NULL OR current_period_end > ?)",
			userID, planID, models.SubscriptionStatusActive, time.Now()).
		Order("id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) ActiveForUser(ctx context.Context, userID uint) ([]models.UserSubscription, error) {
	var subs []models.UserSubscription
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.SubscriptionStatusActive).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) ByStripeSubscriptionID(ctx context.Context, stripeSubID string) (*models.UserSubscription, error) {
	var sub models.UserSubscription
	err := r.db.WithContext(ctx).
		Where("stripe_subscription_id = ?", stripeSubID).
		Order("id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) LatestByStripeCustomerID(ctx context.Context, stripeCustomerID string) (*models.UserSubscription, error) {
	var sub models.UserSubscription
	err := r.db.WithContext(ctx).
		Where("stripe_customer_id = ?", stripeCustomerID).
		Order("id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) UpdateProviderState(ctx context.Context, id uint, status string, periodStart, periodEnd *time.Time, cancelAtPeriodEnd bool) error {
	updates := map[string]interface{}{
		"status":               status,
		"cancel_at_period_end": cancelAtPeriodEnd,
		"updated_at":           time.Now(),
	}
	if periodStart != nil {
		updates["current_period_start"] = periodStart
	}
	if periodEnd != nil {
		updates["current_period_end"] = periodEnd
	}
	return r.db.WithContext(ctx).Model(&models.UserSubscription{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) CancelByStripeSubscriptionID(ctx context.Context, stripeSubID string) (*models.UserSubscription, error) {
	sub, err := r.ByStripeSubscriptionID(ctx, stripeSubID)
	if err != nil {
		return nil, err
	}
	if sub.Status == models.SubscriptionStatusCancelled {
		return sub, nil
	}
	err = r.db.WithContext(ctx).Model(&models.UserSubscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]interface{}{"status": models.SubscriptionStatusCancelled, "updated_at": time.Now()}).Error
	if err != nil {
		return nil, err
	}
	sub.Status = models.SubscriptionStatusCancelled
	return sub, nil
}

func (r *gormRepository) CancelFreeTier(ctx context.Context, userID uint) error {
	plan, err := r.PlanByName(ctx, models.PlanFree)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	return r.db.WithContext(ctx).Model(&models.UserSubscription{}).
		Where("user_id = ? AND plan_id = ? AND status = ?", userID, plan.ID, models.SubscriptionStatusActive).
		Updates(map[string]interface{}{"status": models.SubscriptionStatusCancelled, "updated_at": time.Now()}).Error
}

func (r *gormRepository) PlanByStripePriceID(ctx context.Context, priceID string) (*models.SubscriptionPlan, error) {
	var plan models.SubscriptionPlan
	err := r.db.WithContext(ctx).
		Where("stripe_price_id = ? AND is_active = ?", priceID, true).
		First(&plan).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormRepository) PlanByName(ctx context.Context, name string) (*models.SubscriptionPlan, error) {
	var plan models.SubscriptionPlan
	err := r.db.WithContext(ctx).
		Where("name = ? AND is_active = ?", name, true).
		First(&plan).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormRepository) PlanByID(ctx context.Context, id uint) (*models.SubscriptionPlan, error) {
	var plan models.SubscriptionPlan
	if err := r.db.WithContext(ctx).First(&plan, id).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormRepository) ActivatePeriodTx(tx *gorm.DB, sub *models.UserSubscription) error {
	now := time.Now()

	var prior []models.UserSubscription
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND plan_id = ? AND status = ?", sub.UserID, sub.PlanID, models.SubscriptionStatusActive).
		Find(&prior).Error; err != nil {
		return err
	}
	for _, p := range prior {
		if err := tx.Model(&models.UserSubscription{}).
			Where("id = ?", p.ID).
			Updates(map[string]interface{}{"status": models.SubscriptionStatusExpired, "updated_at": now}).Error; err != nil {
			return err
		}
	}

	sub.Status = models.SubscriptionStatusActive
	return tx.Create(sub).Error
}

func (r *gormRepository) ExpireTx(tx *gorm.DB, id uint) error {
	return tx.Model(&models.UserSubscription{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": models.SubscriptionStatusExpired, "updated_at": time.Now()}).Error
}

func (r *gormRepository) ByIDLockedTx(tx *gorm.DB, id uint) (*models.UserSubscription, error) {
	var sub models.UserSubscription
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&sub, id).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}
