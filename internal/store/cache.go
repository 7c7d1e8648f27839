package store

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CacheEntry is a single TTL-bounded cached board read, keyed by an
// arbitrary string (typically a query fingerprint or page ID).
type CacheEntry struct {
	Key       string `gorm:"primaryKey;size:255"`
	Value     string `gorm:"type:text"`
	ExpiresAt time.Time
}

// CachePut upserts a cache entry with the given TTL.
func CachePut(db *gorm.DB, key, value string, ttl time.Duration) error {
	entry := CacheEntry{Key: key, Value: value, ExpiresAt: time.Now().Add(ttl)}
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at"}),
	}).Create(&entry)
	if result.Error != nil {
		return fmt.Errorf("store: cache put %q: %w", key, result.Error)
	}
	return nil
}

// CacheGet returns the cached value for key if present and not expired.
// The second return value is false on a miss (absent or expired).
func CacheGet(db *gorm.DB, key string) (string, bool, error) {
	var entry CacheEntry
	result := db.Where("key = ?", key).Find(&entry)
	if result.Error != nil {
		return "", false, fmt.Errorf("store: cache get %q: %w", key, result.Error)
	}
	if result.RowsAffected == 0 {
		return "", false, nil
	}
	if time.Now().After(entry.ExpiresAt) {
		return "", false, nil
	}
	return entry.Value, true, nil
}

// CacheInvalidate removes a single cache entry so the next CacheGet for key
// misses.
func CacheInvalidate(db *gorm.DB, key string) error {
	if err := db.Where("key = ?", key).Delete(&CacheEntry{}).Error; err != nil {
		return fmt.Errorf("store: cache invalidate %q: %w", key, err)
	}
	return nil
}

// CachePrune deletes all expired entries.
func CachePrune(db *gorm.DB) error {
	if err := db.Where("expires_at < ?", time.Now()).Delete(&CacheEntry{}).Error; err != nil {
		return fmt.Errorf("store: cache prune: %w", err)
	}
	return nil
}
