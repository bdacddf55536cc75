package models

import "time"

// Credit transaction types. Positive amounts are grants, negative amounts are
// deductions or destroyed credits.
const (
	TxTypeMonthlyReset      = "monthly_reset"
	TxTypePurchase          = "purchase"
	TxTypeSubscriptionGrant = "subscription_grant"
	TxTypeEvaluateNote      = "evaluate_note"
	TxTypeRefund            = "refund"
	TxTypeSwitchPlan        = "switch_plan"
	TxTypeAdminAdjustment   = "admin_adjustment"
	TxTypeExpiration        = "expiration"
	TxTypeUsage             = "usage"
)

// CreditTransaction is one append-only ledger entry. For every user the sum
// of transaction amounts must equal the sum of (credits_total - credits_used)
// over that user's buckets at all times.
type CreditTransaction struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	UserID          uint      `gorm:"not null;index" json:"user_id"`
	Amount          int64     `gorm:"not null" json:"amount"`
	Type            string    `gorm:"type:varchar(30);not null;index" json:"type"`
	RelatedActionID string    `gorm:"type:varchar(191);default:''" json:"related_action_id"`
	CreatedAt       time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
