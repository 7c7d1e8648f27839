package store

import (
	"fmt"
	"log"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/ddcodepl/nomad/internal/models"
	"gorm.io/gorm"
)

const writeMaxRetries = 3

// RecordCopy inserts a CopyOperation row, retrying on transient SQLite
// "database is locked" contention from concurrent refinement workers.
func RecordCopy(db *gorm.DB, op *models.CopyOperation) error {
	op.CreatedAt = time.Now()
	return withRetry(db, func(tx *gorm.DB) error { return tx.Create(op).Error })
}

// RecordCommit inserts a CommitOperation row.
func RecordCommit(db *gorm.DB, op *models.CommitOperation) error {
	op.CreatedAt = time.Now()
	return withRetry(db, func(tx *gorm.DB) error { return tx.Create(op).Error })
}

// RecordBranch inserts a BranchOperation row.
func RecordBranch(db *gorm.DB, op *models.BranchOperation) error {
	op.CreatedAt = time.Now()
	return withRetry(db, func(tx *gorm.DB) error { return tx.Create(op).Error })
}

// RecordEngineStart inserts a new EngineInvocation row and returns it so
// the caller can later update it via RecordEngineFinish.
func RecordEngineStart(db *gorm.DB, inv *models.EngineInvocation) error {
	inv.StartedAt = time.Now()
	return withRetry(db, func(tx *gorm.DB) error { return tx.Create(inv).Error })
}

// RecordEngineFinish updates the invocation identified by recordID with
// its terminal outcome.
func RecordEngineFinish(db *gorm.DB, recordID string, pid int, exitCode *int, timedOut, cancelled bool, stdout, stderr, errMsg string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"finished_at": now,
		"pid":         pid,
		"exit_code":   exitCode,
		"timed_out":   timedOut,
		"cancelled":   cancelled,
		"stdout":      stdout,
		"stderr":      stderr,
		"error":       errMsg,
	}
	return withRetry(db, func(tx *gorm.DB) error {
		return tx.Model(&models.EngineInvocation{}).Where("invocation_id = ?", recordID).Updates(updates).Error
	})
}

// PruneEngineHistory deletes all but the newest keep EngineInvocation rows,
// bounding the audit trail to a ring of recent attempts.
func PruneEngineHistory(db *gorm.DB, keep int) error {
	if keep <= 0 {
		return nil
	}
	return withRetry(db, func(tx *gorm.DB) error {
		sub := tx.Model(&models.EngineInvocation{}).Select("id").Order("id desc").Limit(keep)
		return tx.Where("id NOT IN (?)", sub).Delete(&models.EngineInvocation{}).Error
	})
}

// RecordFeedback inserts a FeedbackEntry row.
func RecordFeedback(db *gorm.DB, entry *models.FeedbackEntry) error {
	entry.CreatedAt = time.Now()
	return withRetry(db, func(tx *gorm.DB) error { return tx.Create(entry).Error })
}

// RecordTransition inserts a StatusTransition row.
func RecordTransition(db *gorm.DB, t *models.StatusTransition) error {
	t.CreatedAt = time.Now()
	return withRetry(db, func(tx *gorm.DB) error { return tx.Create(t).Error })
}

// withRetry runs fn inside a transaction, retrying with jittered backoff on
// SQLite busy/locked errors produced when multiple refinement workers write
// concurrently to the shared in-memory database.
func withRetry(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	var lastErr error
	for attempt := range writeMaxRetries {
		lastErr = db.Transaction(fn)
		if lastErr == nil {
			return nil
		}
		if !isBusyError(lastErr) {
			return lastErr
		}
		log.Printf("[store] write contention (attempt %d/%d), retrying: %v", attempt+1, writeMaxRetries, lastErr)
		jitter := time.Duration(10+rand.IntN(40)) * time.Millisecond
		time.Sleep(jitter)
	}
	return fmt.Errorf("store: write failed after %d retries: %w", writeMaxRetries, lastErr)
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
