package credits

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillpilot/skillpilot/app/models"
)

func bucket(id uint, total, used int64, expiresAt *time.Time) models.CreditBucket {
	return models.CreditBucket{
		ID:           id,
		UserID:       1,
		SourceType:   models.CreditSourceSubscription,
		CreditsTotal: total,
		CreditsUsed:  used,
		Status:       models.SubscriptionStatusActive,
		ExpiresAt:    expiresAt,
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func TestPlanDeduction(t *testing.T) {
	soon := timePtr(time.Now().Add(24 * time.Hour))
	later := timePtr(time.Now().Add(48 * time.Hour))

	t.Run("single bucket partial drain", func(t *testing.T) {
		drains, remaining, err := planDeduction([]models.CreditBucket{bucket(1, 100, 0, soon)}, 30)
		require.NoError(t, err)
		require.Len(t, drains, 1)
		assert.Equal(t, uint(1), drains[0].BucketID)
		assert.Equal(t, int64(30), drains[0].Amount)
		assert.False(t, drains[0].Exhausts)
		assert.Equal(t, int64(70), remaining)
	})

	t.Run("spans buckets in given order", func(t *testing.T) {
		buckets := []models.CreditBucket{
			bucket(1, 50, 40, soon),  // 10 left, expires first
			bucket(2, 100, 0, later), // 100 left
			bucket(3, 100, 0, nil),   // never expires, last
		}
		drains, remaining, err := planDeduction(buckets, 60)
		require.NoError(t, err)
		require.Len(t, drains, 2)

		assert.Equal(t, uint(1), drains[0].BucketID)
		assert.Equal(t, int64(10), drains[0].Amount)
		assert.True(t, drains[0].Exhausts)
		assert.Equal(t, int64(40), drains[0].PriorUsed)

		assert.Equal(t, uint(2), drains[1].BucketID)
		assert.Equal(t, int64(50), drains[1].Amount)
		assert.False(t, drains[1].Exhausts)

		assert.Equal(t, int64(150), remaining)
	})

	t.Run("exact drain exhausts every bucket", func(t *testing.T) {
		buckets := []models.CreditBucket{bucket(1, 30, 0, soon), bucket(2, 20, 0, later)}
		drains, remaining, err := planDeduction(buckets, 50)
		require.NoError(t, err)
		require.Len(t, drains, 2)
		assert.True(t, drains[0].Exhausts)
		assert.True(t, drains[1].Exhausts)
		assert.Equal(t, int64(0), remaining)
	})

	t.Run("insufficient returns no plan", func(t *testing.T) {
		drains, _, err := planDeduction([]models.CreditBucket{bucket(1, 10, 0, nil)}, 11)
		assert.ErrorIs(t, err, ErrInsufficientCredits)
		assert.Nil(t, drains)
	})

	t.Run("drained buckets are skipped", func(t *testing.T) {
		buckets := []models.CreditBucket{bucket(1, 10, 10, soon), bucket(2, 10, 0, later)}
		drains, _, err := planDeduction(buckets, 5)
		require.NoError(t, err)
		require.Len(t, drains, 1)
		assert.Equal(t, uint(2), drains[0].BucketID)
	})

	t.Run("deduction plan conserves the amount", func(t *testing.T) {
		buckets := []models.CreditBucket{
			bucket(1, 7, 3, soon),
			bucket(2, 13, 0, later),
			bucket(3, 29, 11, nil),
		}
		drains, _, err := planDeduction(buckets, 21)
		require.NoError(t, err)
		var total int64
		for _, d := range drains {
			total += d.Amount
		}
		assert.Equal(t, int64(21), total)
	})
}

// fakeLedgerRepo implements Repository in memory for Ledger-level tests.
type fakeLedgerRepo struct {
	Repository

	grants        []GrantInput
	deductErrs    []error
	deductCalls   int
	deductResult  *DeductionResult
	transactions  []models.CreditTransaction
	hasTxExisting bool
}

func (f *fakeLedgerRepo) Grant(ctx context.Context, in GrantInput) (*models.CreditBucket, error) {
	f.grants = append(f.grants, in)
	return &models.CreditBucket{ID: uint(len(f.grants)), UserID: in.UserID, CreditsTotal: in.Amount}, nil
}

func (f *fakeLedgerRepo) Deduct(ctx context.Context, userID uint, amount int64, txType, relatedActionID string) (*DeductionResult, error) {
	f.deductCalls++
	if len(f.deductErrs) > 0 {
		err := f.deductErrs[0]
		f.deductErrs = f.deductErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.deductResult != nil {
		return f.deductResult, nil
	}
	return &DeductionResult{Deducted: amount, Remaining: 0, Buckets: 1}, nil
}

func (f *fakeLedgerRepo) HasTransaction(ctx context.Context, userID uint, txType, relatedActionID string) (bool, error) {
	return f.hasTxExisting, nil
}

func TestLedgerGrantValidation(t *testing.T) {
	ledger := NewLedger(&fakeLedgerRepo{}, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		in   GrantInput
		want error
	}{
		{"zero amount", GrantInput{UserID: 1, SourceType: models.CreditSourcePurchase}, ErrInvalidAmount},
		{"negative amount", GrantInput{UserID: 1, Amount: -5, SourceType: models.CreditSourcePurchase}, ErrInvalidAmount},
		{"missing user", GrantInput{Amount: 10, SourceType: models.CreditSourcePurchase}, ErrInvalidAmount},
		{"unknown source", GrantInput{UserID: 1, Amount: 10, SourceType: "lottery"}, ErrInvalidSource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.Grant(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLedgerGrantDefaultsTxType(t *testing.T) {
	repo := &fakeLedgerRepo{}
	ledger := NewLedger(repo, nil)

	_, err := ledger.Grant(context.Background(), GrantInput{
		UserID:     1,
		Amount:     100,
		SourceType: models.CreditSourceSubscription,
	})
	require.NoError(t, err)
	require.Len(t, repo.grants, 1)
	assert.Equal(t, models.TxTypeSubscriptionGrant, repo.grants[0].TxType)
}

func TestLedgerDeductRetriesConflicts(t *testing.T) {
	t.Run("recovers within the retry budget", func(t *testing.T) {
		repo := &fakeLedgerRepo{deductErrs: []error{ErrPersistenceConflict, ErrPersistenceConflict}}
		ledger := NewLedger(repo, nil)

		result, err := ledger.Deduct(context.Background(), 1, 10, models.TxTypeUsage, "act-1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), result.Deducted)
		assert.Equal(t, 3, repo.deductCalls)
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		repo := &fakeLedgerRepo{deductErrs: []error{
			ErrPersistenceConflict, ErrPersistenceConflict,
			ErrPersistenceConflict, ErrPersistenceConflict,
		}}
		ledger := NewLedger(repo, nil)

		_, err := ledger.Deduct(context.Background(), 1, 10, models.TxTypeUsage, "act-1")
		assert.ErrorIs(t, err, ErrPersistenceConflict)
		assert.Equal(t, conflictRetries+1, repo.deductCalls)
	})

	t.Run("insufficient credits is not retried", func(t *testing.T) {
		repo := &fakeLedgerRepo{deductErrs: []error{ErrInsufficientCredits}}
		ledger := NewLedger(repo, nil)

		_, err := ledger.Deduct(context.Background(), 1, 10, models.TxTypeUsage, "act-1")
		assert.ErrorIs(t, err, ErrInsufficientCredits)
		assert.Equal(t, 1, repo.deductCalls)
	})
}

func TestLedgerDeductValidation(t *testing.T) {
	ledger := NewLedger(&fakeLedgerRepo{}, nil)

	_, err := ledger.Deduct(context.Background(), 1, 0, models.TxTypeUsage, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ledger.Deduct(context.Background(), 0, 10, models.TxTypeUsage, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
