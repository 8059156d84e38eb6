package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// IdempotencyRecord stores the first response produced for a caller's
// Idempotency-Key so retries replay it instead of re-running the operation.
type IdempotencyRecord struct {
	ID          string `gorm:"primaryKey;size:36"`
	Caller      string `gorm:"size:42;uniqueIndex:idx_idem_caller_key"`
	Key         string `gorm:"size:128;uniqueIndex:idx_idem_caller_key"`
	RequestHash string `gorm:"size:64"`
	Method      string `gorm:"size:8"`
	Path        string `gorm:"size:255"`
	Status      int
	Response    string `gorm:"type:text"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&IdempotencyRecord{})
}

// Open connects to the idempotency database and migrates it. driver is
// "sqlite" (dsn is a file path or sqlite URI) or "postgres".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("idempotency: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("idempotency: open: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("idempotency: migrate: %w", err)
	}
	return db, nil
}
