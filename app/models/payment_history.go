package models

import "time"

// Payment history statuses.
const (
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusFailed    = "failed"
)

// PaymentHistory records provider payment outcomes for user-facing billing
// history. Written by webhook handlers alongside ledger mutations.
type PaymentHistory struct {
	ID                      uint      `gorm:"primaryKey" json:"id"`
	UserID                  uint      `gorm:"not null;index" json:"user_id"`
	StripeCheckoutSessionID string    `gorm:"type:varchar(191);default:'';index" json:"stripe_checkout_session_id"`
	StripeInvoiceID         string    `gorm:"type:varchar(191);default:'';index" json:"stripe_invoice_id"`
	AmountCents             int64     `gorm:"not null;default:0" json:"amount_cents"`
	Currency                string    `gorm:"type:varchar(8);not null;default:'usd'" json:"currency"`
	Status                  string    `gorm:"type:varchar(20);not null;index" json:"status"`
	Description             string    `gorm:"type:varchar(255);default:''" json:"description"`
	CreatedAt               time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
