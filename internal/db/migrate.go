package db

import (
	"fmt"

	"github.com/meterwise/creditengine/internal/models"
	"gorm.io/gorm"
)

// Migrate applies schema migrations for every billing model.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.ModelPricing{},
		&models.MarginConfig{},
		&models.CreditBalance{},
		&models.LedgerEntry{},
		&models.Setting{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}
	return nil
}
