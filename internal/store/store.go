// Package store provides NOMAD's in-process history database: a SQLite
// connection, held entirely in memory, that records what this run did
// (copies, commits, branches, engine invocations, feedback, transitions)
// and caches board reads for a few minutes. Nothing here survives process
// exit — the board remains the sole system of record across runs.
package store

import (
	"fmt"

	"github.com/ddcodepl/nomad/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open creates a fresh in-memory SQLite database and migrates the
// operation-record and cache tables into it.
func Open() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open in-memory database: %w", err)
	}

	// SQLite's shared in-memory mode allows multiple connections within the
	// same process to see the same database; force a single connection so
	// the database isn't dropped when one of several pooled connections closes.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// AllModels returns the full set of GORM models this store manages.
func AllModels() []interface{} {
	return []interface{}{
		&models.CopyOperation{},
		&models.CommitOperation{},
		&models.BranchOperation{},
		&models.EngineInvocation{},
		&models.FeedbackEntry{},
		&models.StatusTransition{},
		&CacheEntry{},
	}
}

// AutoMigrate creates all tables this store manages.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("store: auto-migrate: %w", err)
	}
	return nil
}
