package models

import "time"

// PlanFree is the internal plan users sit on before any paid subscription.
const PlanFree = "free"

// SubscriptionPlan is immutable reference data mapping Stripe price/product
// ids to the credits granted per billing period.
type SubscriptionPlan struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	Name             string    `gorm:"type:varchar(50);not null;uniqueIndex" json:"name"`
	StripePriceID    string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"stripe_price_id"`
	StripeProductID  string    `gorm:"type:varchar(191);not null;index" json:"stripe_product_id"`
	CreditsPerPeriod int64     `gorm:"not null;default:0" json:"credits_per_period"`
	PriceCents       int64     `gorm:"not null;default:0" json:"price_cents"`
	BillingInterval  string    `gorm:"type:varchar(16);not null;default:'month'" json:"billing_interval"`
	IsActive         bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsFree reports whether this is the free tier plan.
func (p *SubscriptionPlan) IsFree() bool {
	return p.Name == PlanFree
}
