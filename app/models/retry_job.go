package models

import "time"

// Retry queue names. The default queue handles webhook reprocessing; the
// priority queue is used for events that failed on a persistence conflict and
// should be picked up first.
const (
	RetryQueueDefault  = "billing_events"
	RetryQueuePriority = "billing_events_priority"
)

// RetryJob references a BillingEvent that needs deferred reprocessing. Rows
// are advisory scheduling metadata; the authoritative retry eligibility check
// stays on the BillingEvent itself (status + attempts).
type RetryJob struct {
	ID             uint          `gorm:"primaryKey" json:"id"`
	BillingEventID uint          `gorm:"not null;index" json:"billing_event_id"`
	BillingEvent   *BillingEvent `gorm:"foreignKey:BillingEventID" json:"-"`
	QueueName      string        `gorm:"type:varchar(50);not null;default:'billing_events';index" json:"queue_name"`
	Priority       int           `gorm:"not null;default:0" json:"priority"`
	DelayMS        int64         `gorm:"not null;default:0" json:"delay_ms"`
	CreatedAt      time.Time     `gorm:"autoCreateTime;index" json:"created_at"`
}

// ReadyAt returns the earliest time the job should be picked up.
func (j *RetryJob) ReadyAt() time.Time {
	return j.CreatedAt.Add(time.Duration(j.DelayMS) * time.Millisecond)
}
