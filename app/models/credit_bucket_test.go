package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCreditBucketRemaining(t *testing.T) {
	tests := []struct {
		name     string
		bucket   CreditBucket
		expected int64
	}{
		{"untouched", CreditBucket{CreditsTotal: 100, CreditsUsed: 0}, 100},
		{"partially used", CreditBucket{CreditsTotal: 100, CreditsUsed: 40}, 60},
		{"drained", CreditBucket{CreditsTotal: 100, CreditsUsed: 100}, 0},
		{"overdrawn floors at zero", CreditBucket{CreditsTotal: 100, CreditsUsed: 120}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.bucket.Remaining())
		})
	}
}

func TestCreditBucketIsSpendable(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name      string
		bucket    CreditBucket
		spendable bool
	}{
		{"active with credits, no expiry", CreditBucket{Status: SubscriptionStatusActive, CreditsTotal: 10}, true},
		{"active with credits, future expiry", CreditBucket{Status: SubscriptionStatusActive, CreditsTotal: 10, ExpiresAt: &future}, true},
		{"cancelled stays spendable until expiry", CreditBucket{Status: SubscriptionStatusCancelled, CreditsTotal: 10, ExpiresAt: &future}, true},
		{"past expiry", CreditBucket{Status: SubscriptionStatusActive, CreditsTotal: 10, ExpiresAt: &past}, false},
		{"expiring exactly now", CreditBucket{Status: SubscriptionStatusActive, CreditsTotal: 10, ExpiresAt: &now}, false},
		{"drained", CreditBucket{Status: SubscriptionStatusActive, CreditsTotal: 10, CreditsUsed: 10}, false},
		{"expired status", CreditBucket{Status: SubscriptionStatusExpired, CreditsTotal: 10}, false},
		{"exhausted status", CreditBucket{Status: SubscriptionStatusExhausted, CreditsTotal: 10}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.spendable, tt.bucket.IsSpendable(now))
		})
	}
}
