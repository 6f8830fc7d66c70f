package db

import (
	"fmt"
	"log"

	"paycore/internal/config"
	"paycore/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the shared connection pool and migrates the schema.
// The returned handle is injected into repositories; there is no package
// level singleton.
func Connect(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	if cfg == nil || cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	gormDB, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		PrepareStmt:                              true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	log.Println("✅ Database connected successfully")

	if err := Migrate(gormDB); err != nil {
		return nil, err
	}

	return gormDB, nil
}

// Migrate creates or updates the schema for all settlement tables.
func Migrate(gormDB *gorm.DB) error {
	log.Println("🚀 Starting database schema migration with GORM AutoMigrate...")

	if err := gormDB.AutoMigrate(
		&models.Wallet{},
		&models.ChainTransaction{},
		&models.EscrowAccount{},
		&models.EscrowLedgerEntry{},
		&models.GasPriceSample{},
		&models.BackupTransaction{},
		&models.PaymentAlert{},
	); err != nil {
		return fmt.Errorf("AutoMigrate failed: %w", err)
	}

	log.Println("✅ Database schema migrated successfully")
	return nil
}
