package settings

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/meterwise/creditengine/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := conn.AutoMigrate(&models.Setting{}, &models.MarginConfig{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func putSetting(t *testing.T, conn *gorm.DB, key, rawValue string) {
	t.Helper()
	row := models.Setting{Key: key, Value: json.RawMessage(rawValue)}
	errSave := conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if errSave != nil {
		t.Fatalf("save setting %s: %v", key, errSave)
	}
}

func TestConfigCacheDefaultsBeforeReload(t *testing.T) {
	cache := NewConfigCache()

	if !cache.Increment().Equal(decimal.RequireFromString(DefaultRoundingIncrement)) {
		t.Fatalf("default increment: got %s", cache.Increment())
	}
	if !cache.CreditsPerUSD().Equal(decimal.RequireFromString(DefaultCreditsPerUSD)) {
		t.Fatalf("default credits per usd: got %s", cache.CreditsPerUSD())
	}
	if cache.Version() != 0 {
		t.Fatalf("expected version 0 before reload, got %d", cache.Version())
	}
}

func TestReloadReadsSettingsAndMargins(t *testing.T) {
	conn := openTestDB(t)
	putSetting(t, conn, RoundingIncrementKey, `"0.1"`)
	putSetting(t, conn, CreditsPerUSDKey, `"100"`)

	approved := models.MarginConfig{
		ScopeType:        models.MarginScopeGlobal,
		MarginMultiplier: decimal.RequireFromString("1.5"),
		ApprovalStatus:   models.ApprovalApproved,
		EffectiveFrom:    time.Now().UTC().Add(-time.Hour),
		IsActive:         true,
	}
	rejected := models.MarginConfig{
		ScopeType:        models.MarginScopeGlobal,
		MarginMultiplier: decimal.RequireFromString("9.9"),
		ApprovalStatus:   models.ApprovalRejected,
		EffectiveFrom:    time.Now().UTC().Add(-time.Hour),
		IsActive:         true,
	}
	if errCreate := conn.Create(&approved).Error; errCreate != nil {
		t.Fatalf("insert approved: %v", errCreate)
	}
	if errCreate := conn.Create(&rejected).Error; errCreate != nil {
		t.Fatalf("insert rejected: %v", errCreate)
	}

	cache := NewConfigCache()
	if errReload := cache.Reload(context.Background(), conn); errReload != nil {
		t.Fatalf("reload: %v", errReload)
	}

	if !cache.Increment().Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("increment: got %s", cache.Increment())
	}
	if cache.Version() != 1 {
		t.Fatalf("version: got %d", cache.Version())
	}

	margins := cache.MarginConfigs()
	if len(margins) != 1 {
		t.Fatalf("expected only the approved config, got %d rows", len(margins))
	}
	if margins[0].ID != approved.ID {
		t.Fatalf("expected config %d, got %d", approved.ID, margins[0].ID)
	}
}

func TestReloadAcceptsNumericIncrement(t *testing.T) {
	conn := openTestDB(t)
	putSetting(t, conn, RoundingIncrementKey, `0.01`)

	cache := NewConfigCache()
	if errReload := cache.Reload(context.Background(), conn); errReload != nil {
		t.Fatalf("reload: %v", errReload)
	}
	if !cache.Increment().Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("increment: got %s", cache.Increment())
	}
}

func TestReloadRejectsNonPositiveIncrement(t *testing.T) {
	conn := openTestDB(t)
	putSetting(t, conn, RoundingIncrementKey, `"0"`)

	cache := NewConfigCache()
	if errReload := cache.Reload(context.Background(), conn); errReload == nil {
		t.Fatal("expected error for non-positive increment")
	}
}

func TestReloadSwapsSnapshotAtomically(t *testing.T) {
	conn := openTestDB(t)
	putSetting(t, conn, RoundingIncrementKey, `"0.1"`)

	cache := NewConfigCache()
	if errReload := cache.Reload(context.Background(), conn); errReload != nil {
		t.Fatalf("reload: %v", errReload)
	}

	valid := map[string]bool{"0.1": true, "1": true}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if !valid[cache.Increment().String()] {
					t.Errorf("reader observed torn increment %s", cache.Increment())
					return
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		putSetting(t, conn, RoundingIncrementKey, `"1"`)
		if errReload := cache.Reload(context.Background(), conn); errReload != nil {
			t.Fatalf("reload: %v", errReload)
		}
		putSetting(t, conn, RoundingIncrementKey, `"0.1"`)
		if errReload := cache.Reload(context.Background(), conn); errReload != nil {
			t.Fatalf("reload: %v", errReload)
		}
	}
	close(stop)
	wg.Wait()

	if cache.Version() != 101 {
		t.Fatalf("version after reloads: got %d", cache.Version())
	}
}

func TestConcurrentReloadsConvergeOnLatestVersion(t *testing.T) {
	conn := openTestDB(t)
	putSetting(t, conn, RoundingIncrementKey, `"0.1"`)

	cache := NewConfigCache()

	// Reloads serialize, so the stored snapshot is always the one with the
	// highest version; racing reloads must never leave a stale snapshot.
	const reloads = 16
	var wg sync.WaitGroup
	for i := 0; i < reloads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if errReload := cache.Reload(context.Background(), conn); errReload != nil {
				t.Errorf("reload: %v", errReload)
			}
		}()
	}
	wg.Wait()

	if cache.Version() != reloads {
		t.Fatalf("version after concurrent reloads: got %d, want %d", cache.Version(), reloads)
	}
}
