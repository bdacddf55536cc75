package models

import "time"

// Billing event processing statuses. An event only ever moves forward through
// this graph; see BillingEvent.CanTransitionTo.
const (
	BillingEventStatusPending    = "pending"
	BillingEventStatusProcessing = "processing"
	BillingEventStatusCompleted  = "completed"
	BillingEventStatusFailed     = "failed"
	BillingEventStatusRetrying   = "retrying"
	BillingEventStatusCancelled  = "cancelled"
)

// DefaultMaxEventAttempts is applied to new events unless overridden.
const DefaultMaxEventAttempts = 5

// BillingEvent stores one row per provider webhook delivery. The unique index
// on external_id is the idempotency gate: concurrent duplicate deliveries
// resolve to exactly one inserted row.
type BillingEvent struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	ExternalID   string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_billing_events_external_id" json:"external_id"`
	Type         string     `gorm:"type:varchar(100);not null;index" json:"type"`
	Status       string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Attempts     int        `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts  int        `gorm:"not null;default:5" json:"max_attempts"`
	RawPayload   string     `gorm:"type:longtext;not null" json:"raw_payload"`
	ErrorMessage string     `gorm:"type:text" json:"error_message"`
	ProcessedAt  *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsRetryable reports whether the event qualifies for another processing
// attempt.
func (e *BillingEvent) IsRetryable() bool {
	return e.Status == BillingEventStatusFailed && e.Attempts < e.MaxAttempts
}

// IsTerminal reports whether the event has reached a final state. A failed
// event with exhausted attempts is terminal (dead-letter).
func (e *BillingEvent) IsTerminal() bool {
	switch e.Status {
	case BillingEventStatusCompleted, BillingEventStatusCancelled:
		return true
	case BillingEventStatusFailed:
		return e.Attempts >= e.MaxAttempts
	default:
		return false
	}
}

// CanTransitionTo validates a status change against the event state graph:
// pending -> processing -> {completed|failed}, failed -> retrying ->
// processing, cancelled from any non-terminal state.
func (e *BillingEvent) CanTransitionTo(next string) bool {
	if next == BillingEventStatusCancelled {
		return !e.IsTerminal()
	}
	switch e.Status {
	case BillingEventStatusPending:
		return next == BillingEventStatusProcessing
	case BillingEventStatusProcessing:
		return next == BillingEventStatusCompleted || next == BillingEventStatusFailed
	case BillingEventStatusFailed:
		return next == BillingEventStatusRetrying && e.Attempts < e.MaxAttempts
	case BillingEventStatusRetrying:
		return next == BillingEventStatusProcessing
	default:
		return false
	}
}
