package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fluxori/creditcore/internal/queue/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, request *domain.QueuedRequest) error {
	return db.WithContext(ctx).Create(request).Error
}

func (r *repo) InsertItems(ctx context.Context, db *gorm.DB, items []domain.RequestItem) error {
	if len(items) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&items).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.QueuedRequest, error) {
	var rows []domain.QueuedRequest
	if err := db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) FindByReservation(ctx context.Context, db *gorm.DB, reservationID snowflake.ID) (*domain.QueuedRequest, error) {
	var rows []domain.QueuedRequest
	if err := db.WithContext(ctx).Where("reservation_id = ?", reservationID).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) UpdateCAS(ctx context.Context, db *gorm.DB, request *domain.QueuedRequest) (bool, error) {
	result := db.WithContext(ctx).
		Model(&domain.QueuedRequest{}).
		Where("id = ? AND version = ?", request.ID, request.Version).
		Updates(map[string]any{
			"status":           request.Status,
			"started_at":       request.StartedAt,
			"completed_at":     request.CompletedAt,
			"actual_cost":      request.ActualCost,
			"cache_hit_ratio":  request.CacheHitRatio,
			"cancel_requested": request.CancelRequested,
			"error":            request.Error,
			"version":          request.Version + 1,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected != 1 {
		return false, nil
	}
	request.Version++
	return true, nil
}

func (r *repo) ListPending(ctx context.Context, db *gorm.DB, limit int) ([]domain.QueuedRequest, error) {
	var rows []domain.QueuedRequest
	err := db.WithContext(ctx).
		Where("status = ?", domain.RequestStatusPending).
		Order("priority desc").
		Order("requested_at asc").
		Order("id asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// CountAhead counts pending requests that NextBatch would serve before request.
func (r *repo) CountAhead(ctx context.Context, db *gorm.DB, request *domain.QueuedRequest) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.QueuedRequest{}).
		Where("status = ?", domain.RequestStatusPending).
		Where("(priority > ? OR (priority = ? AND requested_at < ?) OR (priority = ? AND requested_at = ? AND id < ?))",
			request.Priority,
			request.Priority, request.RequestedAt,
			request.Priority, request.RequestedAt, request.ID,
		).
		Count(&count).Error
	return count, err
}

func (r *repo) CountByStatus(ctx context.Context, db *gorm.DB, orgID string, statuses []domain.RequestStatus) (map[domain.RequestStatus]int64, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.QueuedRequest{}).
		Select("status, COUNT(*) AS total").
		Where("status IN ?", statuses)
	if orgID != "" {
		stmt = stmt.Where("org_id = ?", orgID)
	}

	var rows []struct {
		Status domain.RequestStatus
		Total  int64
	}
	if err := stmt.Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[domain.RequestStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Total
	}
	return out, nil
}

func (r *repo) ListRecentCompleted(ctx context.Context, db *gorm.DB, limit int) ([]domain.QueuedRequest, error) {
	var rows []domain.QueuedRequest
	err := db.WithContext(ctx).
		Where("status = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL", domain.RequestStatusCompleted).
		Order("completed_at desc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repo) ListStale(ctx context.Context, db *gorm.DB, status domain.RequestStatus, before time.Time, limit int) ([]domain.QueuedRequest, error) {
	column := "requested_at"
	if status == domain.RequestStatusProcessing {
		column = "started_at"
	}
	var rows []domain.QueuedRequest
	err := db.WithContext(ctx).
		Where("status = ?", status).
		Where(column+" < ?", before).
		Order(column + " asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repo) ListItems(ctx context.Context, db *gorm.DB, requestID snowflake.ID) ([]domain.RequestItem, error) {
	var rows []domain.RequestItem
	err := db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("id asc").
		Find(&rows).Error
	return rows, err
}

func (r *repo) UpdateItem(ctx context.Context, db *gorm.DB, item *domain.RequestItem) error {
	return db.WithContext(ctx).
		Model(&domain.RequestItem{}).
		Where("id = ?", item.ID).
		Updates(map[string]any{
			"status":     item.Status,
			"result_ref": item.ResultRef,
			"error":      item.Error,
			"updated_at": item.UpdatedAt,
		}).Error
}
