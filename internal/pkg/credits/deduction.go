package credits

import (
	"context"

	"github.com/skillpilot/skillpilot/app/models"
)

// DeductionService is the consumer-facing API feature code uses to spend
// credits. It works over the same ledger invariants as the webhook handlers.
type DeductionService struct {
	ledger *Ledger
}

// NewDeductionService wraps a ledger for feature-facing spending.
func NewDeductionService(ledger *Ledger) *DeductionService {
	return &DeductionService{ledger: ledger}
}

// spendTxTypes maps feature reasons to ledger transaction types. Unknown
// reasons fall back to the generic usage type.
var spendTxTypes = map[string]string{
	"evaluate_note": models.TxTypeEvaluateNote,
	"usage":         models.TxTypeUsage,
}

// Spend deducts amount credits for the given feature reason. Returns
// ErrInsufficientCredits when the balance cannot cover the amount; no ledger
// mutation happens in that case.
func (s *DeductionService) Spend(ctx context.Context, userID uint, amount int64, reason, actionID string) (*DeductionResult, error) {
	txType, ok := spendTxTypes[reason]
	if !ok {
		txType = models.TxTypeUsage
	}
	return s.ledger.Deduct(ctx, userID, amount, txType, actionID)
}

// Balance returns the user's spendable credit total.
func (s *DeductionService) Balance(ctx context.Context, userID uint) (int64, error) {
	return s.ledger.Balance(ctx, userID)
}

// History returns the newest ledger entries for the user.
func (s *DeductionService) History(ctx context.Context, userID uint, limit int) ([]models.CreditTransaction, error) {
	return s.ledger.Repo().ListTransactions(ctx, userID, limit)
}
