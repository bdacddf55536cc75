package models

import "time"

// Credit bucket sources. The source describes where a bucket's credits came
// from; it also selects which buckets are affected by lifecycle sweeps (a
// period rollover only expires subscription-sourced buckets).
const (
	CreditSourceSubscription    = "subscription"
	CreditSourcePurchase        = "purchase"
	CreditSourceBonus           = "bonus"
	CreditSourceGift            = "gift"
	CreditSourceRefund          = "refund"
	CreditSourceAdminAdjustment = "admin_adjustment"
	CreditSourceReferralBonus   = "referral_bonus"
	CreditSourcePromotional     = "promotional"
	CreditSourceCompensation    = "compensation"
	CreditSourceCancelledPlan   = "cancelled_plan"
)

// CreditBucket is a discrete pool of credits. Buckets are never deleted; only
// credits_used grows and status moves through the lifecycle. Remaining credits
// are always derived from total-used, never stored, so the counters cannot
// drift apart.
type CreditBucket struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	UserID             uint       `gorm:"not null;index:idx_credit_buckets_user_status,priority:1" json:"user_id"`
	SourceType         string     `gorm:"type:varchar(30);not null;index" json:"source_type"`
	CreditsTotal       int64      `gorm:"not null;default:0" json:"credits_total"`
	CreditsUsed        int64      `gorm:"not null;default:0" json:"credits_used"`
	Status             string     `gorm:"type:varchar(20);not null;default:'active';index:idx_credit_buckets_user_status,priority:2" json:"status"`
	ExpiresAt          *time.Time `gorm:"type:timestamp;default:null;index" json:"expires_at,omitempty"`
	UserSubscriptionID *uint      `gorm:"default:null;index" json:"user_subscription_id,omitempty"`
	Metadata           string     `gorm:"type:text" json:"metadata"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Remaining returns the spendable credits in this bucket, floored at zero.
func (b *CreditBucket) Remaining() int64 {
	r := b.CreditsTotal - b.CreditsUsed
	if r < 0 {
		return 0
	}
	return r
}

// IsSpendable reports whether the bucket can contribute to a deduction at the
// given instant. Cancelled buckets remain spendable until their expiry; they
// just will not renew.
func (b *CreditBucket) IsSpendable(now time.Time) bool {
	switch b.Status {
	case SubscriptionStatusActive, SubscriptionStatusCancelled:
	default:
		return false
	}
	if b.Remaining() == 0 {
		return false
	}
	if b.ExpiresAt != nil && !now.Before(*b.ExpiresAt) {
		return false
	}
	return true
}
