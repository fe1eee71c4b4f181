package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindEntry(ctx context.Context, db *gorm.DB, subject, scope string) (*CacheEntry, error)
	InsertEntry(ctx context.Context, db *gorm.DB, entry *CacheEntry) (bool, error)
	// UpdateEntryCAS writes entry only if the stored version still matches.
	UpdateEntryCAS(ctx context.Context, db *gorm.DB, entry *CacheEntry) (bool, error)
	ListRefreshCandidates(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]CacheEntry, error)
	DeleteExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
	CountByTemperature(ctx context.Context, db *gorm.DB, now time.Time) (map[Temperature]int64, error)
	TopEntries(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]CacheEntry, error)

	IncrementCounter(ctx context.Context, db *gorm.DB, scope string, hit bool, now time.Time) error
	SumCounters(ctx context.Context, db *gorm.DB) (hits int64, misses int64, err error)

	InsertResult(ctx context.Context, db *gorm.DB, result *KeywordResult) error
	FindResults(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]KeywordResult, error)
	// DeleteOrphanResults removes results produced before cutoff that no cache
	// entry or request item points at.
	DeleteOrphanResults(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}
