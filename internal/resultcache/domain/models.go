package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Temperature string

const (
	TemperatureCold Temperature = "cold"
	TemperatureWarm Temperature = "warm"
	TemperatureHot  Temperature = "hot"
)

// CacheEntry points at a stored result for a (subject, scope) pair.
// ExpiresAt is always LastRefreshedAt + TTL(Temperature).
type CacheEntry struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	Subject         string       `json:"subject" gorm:"type:text;not null;uniqueIndex:ux_result_cache_subject_scope,priority:1"`
	Scope           string       `json:"scope" gorm:"type:text;not null;uniqueIndex:ux_result_cache_subject_scope,priority:2"`
	Label           string       `json:"label" gorm:"type:text;not null"`
	ResultRef       snowflake.ID `json:"result_ref" gorm:"not null"`
	HitCount        int64        `json:"hit_count" gorm:"not null;default:0;index"`
	Temperature     Temperature  `json:"temperature" gorm:"type:text;not null;index"`
	ObservedVolume  *int64       `json:"observed_volume,omitempty"`
	CreatedAt       time.Time    `json:"created_at" gorm:"not null"`
	LastRefreshedAt time.Time    `json:"last_refreshed_at" gorm:"not null"`
	LastHitAt       time.Time    `json:"last_hit_at" gorm:"not null"`
	ExpiresAt       time.Time    `json:"expires_at" gorm:"not null;index"`
	Version         int64        `json:"-" gorm:"not null;default:0"`
}

func (CacheEntry) TableName() string { return "result_cache_entries" }

// Consistent reports false for rows whose expiry precedes their creation.
func (e CacheEntry) Consistent() bool {
	return !e.ExpiresAt.Before(e.CreatedAt)
}

func (e CacheEntry) ExpiredAt(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// KeywordResult is producer output for one (subject, scope), stored snappy-compressed.
type KeywordResult struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	Subject    string       `json:"subject" gorm:"type:text;not null;index"`
	Scope      string       `json:"scope" gorm:"type:text;not null"`
	Payload    []byte       `json:"-" gorm:"not null"`
	ProducedAt time.Time    `json:"produced_at" gorm:"not null;index"`
}

func (KeywordResult) TableName() string { return "keyword_results" }

// CacheCounter holds persisted lookup outcomes per scope.
type CacheCounter struct {
	Scope     string    `json:"scope" gorm:"primaryKey;type:text"`
	Hits      int64     `json:"hits" gorm:"not null;default:0"`
	Misses    int64     `json:"misses" gorm:"not null;default:0"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (CacheCounter) TableName() string { return "result_cache_counters" }
