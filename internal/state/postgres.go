// Package state implements the Pipeline State Store (C2): the single
// source of truth for per-site pipeline progress, backed by Postgres.
package state

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/civicband/clerk/internal/domain"
	"github.com/civicband/clerk/internal/logging"
)

// Open connects to Postgres via dsn (DATABASE_URL) and returns a ready
// *gorm.DB. The gorm logger ignores "record not found", which is routine
// noise for polling stores like this one.
func Open(dsn string, logg *logging.Logger) (*gorm.DB, error) {
	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLog,
	})
	if err != nil {
		logg.Error("failed to connect to postgres", "error", err)
		return nil, fmt.Errorf("state: connecting to postgres: %w", err)
	}
	return db, nil
}

// AutoMigrate creates/updates the site_state table and its supporting
// indexes.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&domain.Site{}); err != nil {
		return fmt.Errorf("state: auto migrate: %w", err)
	}
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_site_state_updated_at ON site_state (updated_at)`).Error; err != nil {
		return fmt.Errorf("state: creating updated_at index: %w", err)
	}
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_site_state_pending_coordinator ON site_state (subdomain) WHERE coordinator_enqueued = false`).Error; err != nil {
		return fmt.Errorf("state: creating pending-coordinator index: %w", err)
	}
	return nil
}
