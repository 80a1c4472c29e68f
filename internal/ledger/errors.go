package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors surfaced by Deduct.
var (
	// ErrInsufficientCredits marks a balance too low for the charge.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	// ErrDuplicateRequest marks an idempotent replay of a committed
	// deduction; callers treat it as success.
	ErrDuplicateRequest = errors.New("ledger: duplicate request")
	// ErrConflict marks a deduction abandoned after exhausting internal
	// retries on transaction conflicts; the caller may retry.
	ErrConflict = errors.New("ledger: concurrent modification conflict")
)

// InsufficientCreditsError reports how far short the balance fell.
type InsufficientCreditsError struct {
	Current   decimal.Decimal // Balance at the time of the attempt.
	Required  decimal.Decimal // Credits the request needed.
	Shortfall decimal.Decimal // Required minus current.
}

// Error implements the error interface.
func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("ledger: insufficient credits: balance %s, required %s, short %s",
		e.Current.String(), e.Required.String(), e.Shortfall.String())
}

// Unwrap lets errors.Is match ErrInsufficientCredits.
func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }
