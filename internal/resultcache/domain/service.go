package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type RecordRequest struct {
	Subject        string
	Scope          string
	ResultRef      snowflake.ID
	ObservedVolume *int64
}

type SaveResultRequest struct {
	Subject string
	Scope   string
	Payload json.RawMessage
}

type StoredResult struct {
	ID         snowflake.ID    `json:"id"`
	Subject    string          `json:"subject"`
	Scope      string          `json:"scope"`
	Payload    json.RawMessage `json:"payload"`
	ProducedAt time.Time       `json:"produced_at"`
}

type SubjectStat struct {
	Subject     string      `json:"subject"`
	Scope       string      `json:"scope"`
	HitCount    int64       `json:"hit_count"`
	Temperature Temperature `json:"temperature"`
}

type Stats struct {
	Counts      map[Temperature]int64 `json:"counts"`
	Total       int64                 `json:"total"`
	Hits        int64                 `json:"hits"`
	Misses      int64                 `json:"misses"`
	HitRate     float64               `json:"hit_rate"`
	TopSubjects []SubjectStat         `json:"top_subjects"`
}

type Service interface {
	Lookup(ctx context.Context, subject, scope string) (*CacheEntry, bool, error)
	// Peek reports the same as Lookup but is not counted in the hit and miss statistics.
	Peek(ctx context.Context, subject, scope string) (*CacheEntry, bool, error)
	RecordHitOrCreate(ctx context.Context, req RecordRequest) (*CacheEntry, error)
	Refresh(ctx context.Context, subject, scope string, resultRef snowflake.ID) (*CacheEntry, error)
	FindNearExpiryPopular(ctx context.Context, limit int) ([]CacheEntry, error)
	SweepExpired(ctx context.Context) (int, error)
	SweepOrphanResults(ctx context.Context, olderThan time.Duration) (int, error)
	Stats(ctx context.Context) (Stats, error)

	SaveResult(ctx context.Context, req SaveResultRequest) (*KeywordResult, error)
	LoadResults(ctx context.Context, ids []snowflake.ID) ([]StoredResult, error)
}

var (
	ErrInvalidSubject = errors.New("invalid_subject")
	ErrInvalidScope   = errors.New("invalid_scope")
	ErrInvalidResult  = errors.New("invalid_result")
	ErrEntryNotFound  = errors.New("cache_entry_not_found")
)
