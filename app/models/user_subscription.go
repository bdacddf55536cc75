package models

import "time"

// Subscription lifecycle statuses, shared with credit buckets.
const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusExhausted = "exhausted"
	SubscriptionStatusExpired   = "expired"
	SubscriptionStatusCancelled = "cancelled"
)

// UserSubscription is one billing period of a user's relationship to a plan.
// Period rollovers append a new row and expire the previous one; rows are
// never mutated in place for a new period, so history stays auditable.
type UserSubscription struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	UserID               uint       `gorm:"not null;index:idx_user_subscriptions_user_plan,priority:1" json:"user_id"`
	PlanID               uint       `gorm:"not null;index:idx_user_subscriptions_user_plan,priority:2" json:"plan_id"`
	Plan                 *SubscriptionPlan `gorm:"foreignKey:PlanID" json:"-"`
	Status               string     `gorm:"type:varchar(20);not null;default:'active';index" json:"status"`
	StripeCustomerID     string     `gorm:"type:varchar(191);index" json:"stripe_customer_id"`
	StripeSubscriptionID string     `gorm:"type:varchar(191);index" json:"stripe_subscription_id"`
	CurrentPeriodStart   *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsCurrentAt reports whether the subscription is active with a period that
// covers the given instant. A nil period end means open-ended (free tier).
func (s *UserSubscription) IsCurrentAt(now time.Time) bool {
	if s.Status != SubscriptionStatusActive {
		return false
	}
	if s.CurrentPeriodEnd == nil {
		return true
	}
	return now.Before(*s.CurrentPeriodEnd)
}
