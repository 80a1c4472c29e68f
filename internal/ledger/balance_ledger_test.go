package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/meterwise/creditengine/internal/db"
	"github.com/meterwise/creditengine/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return conn
}

func seedBalance(t *testing.T, conn *gorm.DB, userID uint64, amount string) {
	t.Helper()
	row := models.CreditBalance{UserID: userID, Amount: decimal.RequireFromString(amount)}
	if errCreate := conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("seed balance: %v", errCreate)
	}
}

func deductionRequest(userID uint64, requestID, credits string) DeductionRequest {
	total := decimal.RequireFromString(credits)
	return DeductionRequest{
		UserID:           userID,
		RequestID:        requestID,
		Provider:         "openai",
		Model:            "gpt-4o",
		InputTokens:      100,
		OutputTokens:     50,
		VendorCostUSD:    decimal.RequireFromString("0.001"),
		MarginMultiplier: decimal.RequireFromString("1.5"),
		InputCredits:     total,
		OutputCredits:    decimal.Zero,
		TotalCredits:     total,
	}
}

func loadBalance(t *testing.T, conn *gorm.DB, userID uint64) decimal.Decimal {
	t.Helper()
	var row models.CreditBalance
	if errTake := conn.Where("user_id = ?", userID).Take(&row).Error; errTake != nil {
		t.Fatalf("load balance: %v", errTake)
	}
	return row.Amount
}

func countEntries(t *testing.T, conn *gorm.DB, requestID string) int64 {
	t.Helper()
	var count int64
	if errCount := conn.Model(&models.LedgerEntry{}).Where("request_id = ?", requestID).Count(&count).Error; errCount != nil {
		t.Fatalf("count entries: %v", errCount)
	}
	return count
}

func TestDeductChargesBalanceAndAppendsEntry(t *testing.T) {
	conn := openTestDB(t)
	seedBalance(t, conn, 1, "1000")
	l := New(conn)

	result, errDeduct := l.Deduct(context.Background(), deductionRequest(1, "req-1", "0.1"))
	if errDeduct != nil {
		t.Fatalf("deduct: %v", errDeduct)
	}
	if !result.BalanceBefore.Equal(decimal.RequireFromString("1000")) {
		t.Fatalf("balance before: got %s", result.BalanceBefore)
	}
	if !result.BalanceAfter.Equal(decimal.RequireFromString("999.9")) {
		t.Fatalf("balance after: got %s", result.BalanceAfter)
	}
	if !loadBalance(t, conn, 1).Equal(decimal.RequireFromString("999.9")) {
		t.Fatalf("persisted balance: got %s", loadBalance(t, conn, 1))
	}

	var entry models.LedgerEntry
	if errTake := conn.Where("request_id = ?", "req-1").Take(&entry).Error; errTake != nil {
		t.Fatalf("load entry: %v", errTake)
	}
	if entry.Status != models.LedgerStatusSuccess {
		t.Fatalf("entry status: got %s", entry.Status)
	}
	if !entry.TotalCredits.Equal(entry.InputCredits.Add(entry.OutputCredits)) {
		t.Fatalf("entry split invariant broken: %s != %s + %s", entry.TotalCredits, entry.InputCredits, entry.OutputCredits)
	}
}

func TestDeductIsIdempotentPerRequestID(t *testing.T) {
	conn := openTestDB(t)
	seedBalance(t, conn, 1, "1000")
	l := New(conn)

	if _, errFirst := l.Deduct(context.Background(), deductionRequest(1, "req-1", "0.1")); errFirst != nil {
		t.Fatalf("first deduct: %v", errFirst)
	}

	result, errSecond := l.Deduct(context.Background(), deductionRequest(1, "req-1", "0.1"))
	if !errors.Is(errSecond, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", errSecond)
	}
	if !result.Duplicate {
		t.Fatal("expected duplicate result")
	}

	if !loadBalance(t, conn, 1).Equal(decimal.RequireFromString("999.9")) {
		t.Fatalf("balance changed on replay: %s", loadBalance(t, conn, 1))
	}
	if got := countEntries(t, conn, "req-1"); got != 1 {
		t.Fatalf("expected exactly one ledger row, got %d", got)
	}
}

func TestDeductExactBalanceSucceeds(t *testing.T) {
	conn := openTestDB(t)
	seedBalance(t, conn, 1, "0.3")
	l := New(conn)

	result, errDeduct := l.Deduct(context.Background(), deductionRequest(1, "req-1", "0.3"))
	if errDeduct != nil {
		t.Fatalf("deduct: %v", errDeduct)
	}
	if !result.BalanceAfter.IsZero() {
		t.Fatalf("expected zero balance, got %s", result.BalanceAfter)
	}
}

func TestDeductInsufficientBalanceReportsShortfall(t *testing.T) {
	conn := openTestDB(t)
	seedBalance(t, conn, 1, "0.3")
	l := New(conn)

	_, errDeduct := l.Deduct(context.Background(), deductionRequest(1, "req-1", "0.4"))
	if !errors.Is(errDeduct, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", errDeduct)
	}

	var insufficient *InsufficientCreditsError
	if !errors.As(errDeduct, &insufficient) {
		t.Fatalf("expected *InsufficientCreditsError, got %T", errDeduct)
	}
	if !insufficient.Shortfall.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("shortfall: got %s", insufficient.Shortfall)
	}

	// The balance stays put and the rejection is journaled.
	if !loadBalance(t, conn, 1).Equal(decimal.RequireFromString("0.3")) {
		t.Fatalf("balance moved: %s", loadBalance(t, conn, 1))
	}
	var entry models.LedgerEntry
	if errTake := conn.Where("request_id = ?", "req-1").Take(&entry).Error; errTake != nil {
		t.Fatalf("load entry: %v", errTake)
	}
	if entry.Status != models.LedgerStatusInsufficientCredits {
		t.Fatalf("entry status: got %s", entry.Status)
	}
}

func TestDeductInsufficientReplayStaysInsufficient(t *testing.T) {
	conn := openTestDB(t)
	seedBalance(t, conn, 1, "0.05")
	l := New(conn)

	// Retrying a rejected request without topping up must keep failing with
	// the shortfall, never turn into a "duplicate" success.
	for attempt := 1; attempt <= 2; attempt++ {
		result, errDeduct := l.Deduct(context.Background(), deductionRequest(1, "req-1", "0.1"))
		if !errors.Is(errDeduct, ErrInsufficientCredits) {
			t.Fatalf("attempt %d: expected ErrInsufficientCredits, got %v", attempt, errDeduct)
		}
		var insufficient *InsufficientCreditsError
		if !errors.As(errDeduct, &insufficient) {
			t.Fatalf("attempt %d: expected *InsufficientCreditsError, got %T", attempt, errDeduct)
		}
		if !insufficient.Shortfall.Equal(decimal.RequireFromString("0.05")) {
			t.Fatalf("attempt %d: shortfall: got %s", attempt, insufficient.Shortfall)
		}
		if result.Duplicate {
			t.Fatalf("attempt %d: rejection reported as duplicate", attempt)
		}
	}

	if !loadBalance(t, conn, 1).Equal(decimal.RequireFromString("0.05")) {
		t.Fatalf("balance moved: %s", loadBalance(t, conn, 1))
	}
	if got := countEntries(t, conn, "req-1"); got != 1 {
		t.Fatalf("expected a single journaled rejection, got %d rows", got)
	}
}

func TestReplayResultReportsCurrentBalance(t *testing.T) {
	conn := openTestDB(t)
	seedBalance(t, conn, 1, "12.5")
	l := New(conn)

	result, errReplay := l.replayResult(context.Background(), 1)
	if !errors.Is(errReplay, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", errReplay)
	}
	if !result.Duplicate {
		t.Fatal("expected duplicate result")
	}
	if !result.BalanceBefore.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("balance before: got %s", result.BalanceBefore)
	}
	if !result.BalanceAfter.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("balance after: got %s", result.BalanceAfter)
	}
}

func TestDeductRetryAfterTopUpCompletes(t *testing.T) {
	conn := openTestDB(t)
	seedBalance(t, conn, 1, "0.05")
	l := New(conn)

	if _, errDeduct := l.Deduct(context.Background(), deductionRequest(1, "req-1", "0.1")); !errors.Is(errDeduct, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", errDeduct)
	}

	if errTopUp := conn.Model(&models.CreditBalance{}).
		Where("user_id = ?", 1).
		Update("amount", decimal.RequireFromString("1")).Error; errTopUp != nil {
		t.Fatalf("top up: %v", errTopUp)
	}

	result, errRetry := l.Deduct(context.Background(), deductionRequest(1, "req-1", "0.1"))
	if errRetry != nil {
		t.Fatalf("retry after top up: %v", errRetry)
	}
	if !result.BalanceAfter.Equal(decimal.RequireFromString("0.9")) {
		t.Fatalf("balance after retry: got %s", result.BalanceAfter)
	}
	if got := countEntries(t, conn, "req-1"); got != 2 {
		t.Fatalf("expected rejection plus success rows, got %d", got)
	}
}

func TestDeductMissingBalanceRowIsInsufficient(t *testing.T) {
	conn := openTestDB(t)
	l := New(conn)

	_, errDeduct := l.Deduct(context.Background(), deductionRequest(42, "req-1", "0.1"))
	if !errors.Is(errDeduct, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", errDeduct)
	}

	var insufficient *InsufficientCreditsError
	if !errors.As(errDeduct, &insufficient) {
		t.Fatalf("expected *InsufficientCreditsError, got %T", errDeduct)
	}
	if !insufficient.Current.IsZero() {
		t.Fatalf("current: got %s", insufficient.Current)
	}
}

func TestDeductRejectsMismatchedSplit(t *testing.T) {
	conn := openTestDB(t)
	seedBalance(t, conn, 1, "1000")
	l := New(conn)

	req := deductionRequest(1, "req-1", "0.2")
	req.OutputCredits = decimal.RequireFromString("0.05")

	if _, errDeduct := l.Deduct(context.Background(), req); errDeduct == nil {
		t.Fatal("expected error for total != input + output")
	}
}

func TestConcurrentDeductionsLoseNoUpdates(t *testing.T) {
	conn, errOpen := db.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	seedBalance(t, conn, 1, "1000")
	l := New(conn)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			req := deductionRequest(1, fmt.Sprintf("req-%d", worker), "0.5")
			for {
				_, errDeduct := l.Deduct(context.Background(), req)
				if errors.Is(errDeduct, ErrConflict) {
					continue
				}
				errs <- errDeduct
				return
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for errDeduct := range errs {
		if errDeduct != nil {
			t.Fatalf("deduct: %v", errDeduct)
		}
	}

	want := decimal.RequireFromString("996") // 1000 - 8*0.5
	if got := loadBalance(t, conn, 1); !got.Equal(want) {
		t.Fatalf("final balance: got %s, want %s", got, want)
	}

	var count int64
	if errCount := conn.Model(&models.LedgerEntry{}).Where("user_id = ?", 1).Count(&count).Error; errCount != nil {
		t.Fatalf("count entries: %v", errCount)
	}
	if count != workers {
		t.Fatalf("ledger rows: got %d, want %d", count, workers)
	}
}
