package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	queuedomain "github.com/fluxori/creditcore/internal/queue/domain"
	"github.com/fluxori/creditcore/internal/resultcache/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindEntry(ctx context.Context, db *gorm.DB, subject, scope string) (*domain.CacheEntry, error) {
	var rows []domain.CacheEntry
	err := db.WithContext(ctx).
		Where("subject = ? AND scope = ?", subject, scope).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) InsertEntry(ctx context.Context, db *gorm.DB, entry *domain.CacheEntry) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entry)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) UpdateEntryCAS(ctx context.Context, db *gorm.DB, entry *domain.CacheEntry) (bool, error) {
	result := db.WithContext(ctx).
		Model(&domain.CacheEntry{}).
		Where("id = ? AND version = ?", entry.ID, entry.Version).
		Updates(map[string]any{
			"label":             entry.Label,
			"result_ref":        entry.ResultRef,
			"hit_count":         entry.HitCount,
			"temperature":       entry.Temperature,
			"observed_volume":   entry.ObservedVolume,
			"created_at":        entry.CreatedAt,
			"last_refreshed_at": entry.LastRefreshedAt,
			"last_hit_at":       entry.LastHitAt,
			"expires_at":        entry.ExpiresAt,
			"version":           entry.Version + 1,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected != 1 {
		return false, nil
	}
	entry.Version++
	return true, nil
}

func (r *repo) ListRefreshCandidates(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.CacheEntry, error) {
	hotDue := now.Add(time.Duration(float64(domain.HotTTL) * (1 - domain.RefreshWindow)))
	warmDue := now.Add(time.Duration(float64(domain.WarmTTL) * (1 - domain.RefreshWindow)))

	var rows []domain.CacheEntry
	err := db.WithContext(ctx).
		Where("expires_at > ?", now).
		Where("((temperature = ? AND expires_at < ?) OR (temperature = ? AND expires_at < ?))",
			domain.TemperatureHot, hotDue,
			domain.TemperatureWarm, warmDue,
		).
		Order("hit_count desc").
		Order("expires_at asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repo) DeleteExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	result := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.CacheEntry{})
	return result.RowsAffected, result.Error
}

func (r *repo) CountByTemperature(ctx context.Context, db *gorm.DB, now time.Time) (map[domain.Temperature]int64, error) {
	var rows []struct {
		Temperature domain.Temperature
		Total       int64
	}
	err := db.WithContext(ctx).
		Model(&domain.CacheEntry{}).
		Select("temperature, COUNT(*) AS total").
		Where("expires_at > ?", now).
		Group("temperature").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.Temperature]int64, len(rows))
	for _, row := range rows {
		out[row.Temperature] = row.Total
	}
	return out, nil
}

func (r *repo) TopEntries(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.CacheEntry, error) {
	var rows []domain.CacheEntry
	err := db.WithContext(ctx).
		Where("expires_at > ?", now).
		Order("hit_count desc").
		Order("id asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repo) IncrementCounter(ctx context.Context, db *gorm.DB, scope string, hit bool, now time.Time) error {
	counter := domain.CacheCounter{Scope: scope, UpdatedAt: now}
	column := "misses"
	if hit {
		counter.Hits = 1
		column = "hits"
	} else {
		counter.Misses = 1
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "scope"}},
			DoUpdates: clause.Assignments(map[string]any{
				column:       gorm.Expr(domain.CacheCounter{}.TableName()+"."+column+" + 1"),
				"updated_at": now,
			}),
		}).
		Create(&counter).Error
}

func (r *repo) SumCounters(ctx context.Context, db *gorm.DB) (int64, int64, error) {
	var row struct {
		Hits   int64
		Misses int64
	}
	err := db.WithContext(ctx).
		Model(&domain.CacheCounter{}).
		Select("COALESCE(SUM(hits), 0) AS hits, COALESCE(SUM(misses), 0) AS misses").
		Scan(&row).Error
	return row.Hits, row.Misses, err
}

func (r *repo) InsertResult(ctx context.Context, db *gorm.DB, result *domain.KeywordResult) error {
	return db.WithContext(ctx).Create(result).Error
}

func (r *repo) DeleteOrphanResults(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	results := domain.KeywordResult{}.TableName()
	result := db.WithContext(ctx).
		Where("produced_at < ?", cutoff).
		Where(fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %s e WHERE e.result_ref = %s.id)", domain.CacheEntry{}.TableName(), results)).
		Where(fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %s i WHERE i.result_ref = %s.id)", queuedomain.RequestItem{}.TableName(), results)).
		Delete(&domain.KeywordResult{})
	return result.RowsAffected, result.Error
}

func (r *repo) FindResults(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]domain.KeywordResult, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []domain.KeywordResult
	err := db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("id asc").
		Find(&rows).Error
	return rows, err
}
