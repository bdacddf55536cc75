package credits

import (
	"errors"
	"time"

	"github.com/skillpilot/skillpilot/app/models"
)

var (
	// ErrInsufficientCredits is returned when a deduction exceeds the user's
	// spendable balance. No ledger mutation happens in that case.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrPersistenceConflict signals a concurrent write on the same buckets.
	// Callers retry a bounded number of times before escalating.
	ErrPersistenceConflict = errors.New("concurrent bucket update conflict")

	ErrInvalidAmount = errors.New("credit amount must be a positive integer")
	ErrInvalidSource = errors.New("unknown credit source type")
)

// GrantInput describes a new credit bucket.
type GrantInput struct {
	UserID             uint
	Amount             int64
	SourceType         string
	TxType             string
	ExpiresAt          *time.Time
	UserSubscriptionID *uint
	RelatedActionID    string
	Metadata           string
}

// BucketDrain is one step of a deduction plan: take Amount credits out of the
// bucket whose credits_used was PriorUsed when the plan was computed.
type BucketDrain struct {
	BucketID  uint
	PriorUsed int64
	Amount    int64
	Exhausts  bool
}

// DeductionResult reports a successful deduction.
type DeductionResult struct {
	Deducted  int64 `json:"deducted"`
	Remaining int64 `json:"remaining"`
	Buckets   int   `json:"buckets_touched"`
}

// ExpiredBucket reports one bucket destroyed by an expiry sweep.
type ExpiredBucket struct {
	Bucket    models.CreditBucket
	Destroyed int64
}

func validSourceType(source string) bool {
	switch source {
	case models.CreditSourceSubscription, models.CreditSourcePurchase,
		models.CreditSourceBonus, models.CreditSourceGift,
		models.CreditSourceRefund, models.CreditSourceAdminAdjustment,
		models.CreditSourceReferralBonus, models.CreditSourcePromotional,
		models.CreditSourceCompensation, models.CreditSourceCancelledPlan:
		return true
	default:
		return false
	}
}
