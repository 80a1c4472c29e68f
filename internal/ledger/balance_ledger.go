// Package ledger atomically deducts user credit balances and appends the
// immutable audit trail.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	dbutil "github.com/meterwise/creditengine/internal/db"
	"github.com/meterwise/creditengine/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Operational bounds for a single deduction.
const (
	// maxDeductAttempts bounds internal retries on transaction conflicts.
	maxDeductAttempts = 3
	// deductTimeout bounds the transactional work of one deduction.
	deductTimeout = 5 * time.Second
)

// DeductionRequest carries everything persisted with one deduction attempt.
type DeductionRequest struct {
	UserID    uint64
	RequestID string

	Provider string
	Model    string

	InputTokens       int64
	OutputTokens      int64
	CachedInputTokens int64

	VendorCostUSD    decimal.Decimal
	MarginMultiplier decimal.Decimal

	InputCredits  decimal.Decimal
	OutputCredits decimal.Decimal
	TotalCredits  decimal.Decimal

	GrossMarginUSD     decimal.Decimal
	GrossMarginPercent decimal.Decimal

	Detail datatypes.JSON
}

// DeductionResult reports the balance movement of a committed deduction.
type DeductionResult struct {
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Duplicate     bool // Set when the request id had already been charged.
}

// BalanceLedger serializes deductions per user and keeps the balance and the
// ledger table consistent under one transaction.
type BalanceLedger struct {
	db *gorm.DB
}

// New constructs a BalanceLedger on the given connection.
func New(conn *gorm.DB) *BalanceLedger {
	return &BalanceLedger{db: conn}
}

// Deduct atomically charges a user's balance and appends a ledger entry.
//
// The user's balance row is locked for the duration of the transaction, so
// deductions for one user serialize while other users proceed unimpeded. A
// request id that was already charged returns ErrDuplicateRequest without a
// second deduction. A balance below the charge returns
// *InsufficientCreditsError, journals the rejected attempt and leaves the
// balance untouched. Transient transaction conflicts are retried internally
// a bounded number of times before ErrConflict surfaces.
func (l *BalanceLedger) Deduct(ctx context.Context, req DeductionRequest) (DeductionResult, error) {
	if l == nil || l.db == nil {
		return DeductionResult{}, errors.New("ledger: nil ledger")
	}
	if errValidate := validateRequest(req); errValidate != nil {
		return DeductionResult{}, errValidate
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var lastErr error
	for attempt := 1; attempt <= maxDeductAttempts; attempt++ {
		result, errAttempt := l.deductOnce(ctx, req)
		if errAttempt == nil || !isRetryableTxError(errAttempt) {
			return result, errAttempt
		}
		lastErr = errAttempt
		select {
		case <-ctx.Done():
			return DeductionResult{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return DeductionResult{}, fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

// deductOnce runs one transactional deduction attempt.
func (l *BalanceLedger) deductOnce(ctx context.Context, req DeductionRequest) (DeductionResult, error) {
	txCtx, cancel := context.WithTimeout(ctx, deductTimeout)
	defer cancel()

	var (
		result        DeductionResult
		insufficiency *InsufficientCreditsError
	)

	errTx := l.db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		balance, errLock := lockBalanceRow(txCtx, tx, req.UserID)
		if errLock != nil {
			if errors.Is(errLock, gorm.ErrRecordNotFound) {
				// No balance row was ever allocated for the user; treat it
				// as a zero balance and journal the rejection.
				insufficiency = &InsufficientCreditsError{
					Current:   decimal.Zero,
					Required:  req.TotalCredits,
					Shortfall: req.TotalCredits,
				}
				return tx.Create(newEntry(req, models.LedgerStatusInsufficientCredits)).Error
			}
			return errLock
		}

		duplicate, errDedup := hasCommittedEntry(txCtx, tx, req.RequestID)
		if errDedup != nil {
			return errDedup
		}
		if duplicate {
			result = DeductionResult{
				BalanceBefore: balance.Amount,
				BalanceAfter:  balance.Amount,
				Duplicate:     true,
			}
			return nil
		}

		if balance.Amount.LessThan(req.TotalCredits) {
			insufficiency = &InsufficientCreditsError{
				Current:   balance.Amount,
				Required:  req.TotalCredits,
				Shortfall: req.TotalCredits.Sub(balance.Amount),
			}
			// The rejected attempt is journaled; the balance stays put.
			return tx.Create(newEntry(req, models.LedgerStatusInsufficientCredits)).Error
		}

		now := time.Now().UTC()
		newAmount := balance.Amount.Sub(req.TotalCredits)
		if errUpdate := tx.Model(&models.CreditBalance{}).
			Where("id = ?", balance.ID).
			Updates(map[string]any{
				"amount":            newAmount,
				"last_deduction_at": now,
				"updated_at":        now,
			}).Error; errUpdate != nil {
			return errUpdate
		}

		if errCreate := tx.Create(newEntry(req, models.LedgerStatusSuccess)).Error; errCreate != nil {
			return errCreate
		}

		result = DeductionResult{
			BalanceBefore: balance.Amount,
			BalanceAfter:  newAmount,
		}
		return nil
	})

	if errTx != nil {
		if errors.Is(errTx, gorm.ErrDuplicatedKey) {
			if insufficiency != nil {
				// The journal insert collided with an earlier rejection row
				// for the same request id. The attempt is still an
				// insufficiency, not a replay of a committed charge.
				return DeductionResult{}, insufficiency
			}
			// A concurrent deduction committed the same request id first.
			return l.replayResult(ctx, req.UserID)
		}
		return DeductionResult{}, errTx
	}
	if insufficiency != nil {
		return DeductionResult{}, insufficiency
	}
	if result.Duplicate {
		return result, ErrDuplicateRequest
	}
	return result, nil
}

// replayResult reports a deduction that a concurrent transaction committed
// first, re-reading the balance so the caller still observes it.
func (l *BalanceLedger) replayResult(ctx context.Context, userID uint64) (DeductionResult, error) {
	result := DeductionResult{Duplicate: true}
	var balance models.CreditBalance
	if errTake := l.db.WithContext(ctx).Where("user_id = ?", userID).Take(&balance).Error; errTake == nil {
		result.BalanceBefore = balance.Amount
		result.BalanceAfter = balance.Amount
	}
	return result, ErrDuplicateRequest
}

// lockBalanceRow loads the user's balance under an exclusive row lock.
// SQLite serializes writers on its own, so the lock clause is skipped there.
func lockBalanceRow(ctx context.Context, tx *gorm.DB, userID uint64) (*models.CreditBalance, error) {
	q := tx.WithContext(ctx)
	if !dbutil.IsSQLite(tx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var balance models.CreditBalance
	if errTake := q.Where("user_id = ?", userID).Take(&balance).Error; errTake != nil {
		return nil, errTake
	}
	return &balance, nil
}

// hasCommittedEntry reports whether a success entry exists for the request
// id. Rejected attempts do not count: a retry after topping up may complete.
func hasCommittedEntry(ctx context.Context, tx *gorm.DB, requestID string) (bool, error) {
	var count int64
	errCount := tx.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("request_id = ? AND status = ?", requestID, models.LedgerStatusSuccess).
		Count(&count).Error
	if errCount != nil {
		return false, errCount
	}
	return count > 0, nil
}

// newEntry builds the immutable ledger row for a deduction attempt.
func newEntry(req DeductionRequest, status string) *models.LedgerEntry {
	return &models.LedgerEntry{
		RequestID:          req.RequestID,
		Status:             status,
		UserID:             req.UserID,
		Provider:           req.Provider,
		Model:              req.Model,
		InputTokens:        req.InputTokens,
		OutputTokens:       req.OutputTokens,
		CachedInputTokens:  req.CachedInputTokens,
		VendorCostUSD:      req.VendorCostUSD,
		MarginMultiplier:   req.MarginMultiplier,
		InputCredits:       req.InputCredits,
		OutputCredits:      req.OutputCredits,
		TotalCredits:       req.TotalCredits,
		GrossMarginUSD:     req.GrossMarginUSD,
		GrossMarginPercent: req.GrossMarginPercent,
		Detail:             req.Detail,
		CreatedAt:          time.Now().UTC(),
	}
}

// validateRequest rejects malformed deduction inputs before any DB work.
func validateRequest(req DeductionRequest) error {
	if req.UserID == 0 {
		return errors.New("ledger: empty user id")
	}
	if strings.TrimSpace(req.RequestID) == "" {
		return errors.New("ledger: empty request id")
	}
	if req.TotalCredits.IsNegative() || req.InputCredits.IsNegative() || req.OutputCredits.IsNegative() {
		return errors.New("ledger: negative credit amounts")
	}
	if !req.InputCredits.Add(req.OutputCredits).Equal(req.TotalCredits) {
		return errors.New("ledger: total credits must equal input plus output credits")
	}
	return nil
}

// isRetryableTxError reports whether the error looks like a transient
// serialization or lock conflict worth retrying with the same request id.
func isRetryableTxError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicateRequest) || errors.Is(err, ErrInsufficientCredits) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"database is locked",
		"database table is locked",
		"could not serialize access",
		"deadlock detected",
		"busy",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
