package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fluxori/creditcore/internal/credit/domain"
	"github.com/fluxori/creditcore/pkg/db/option"
	"github.com/fluxori/creditcore/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) EnsureAccount(ctx context.Context, db *gorm.DB, orgID string, now time.Time) error {
	account := domain.CreditAccount{
		OrgID:     orgID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&account).Error
}

func (r *repo) FindAccount(ctx context.Context, db *gorm.DB, orgID string) (*domain.CreditAccount, error) {
	var accounts []domain.CreditAccount
	err := db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Limit(1).
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	return &accounts[0], nil
}

func (r *repo) UpdateAccountCAS(ctx context.Context, db *gorm.DB, account *domain.CreditAccount, now time.Time) (bool, error) {
	result := db.WithContext(ctx).
		Model(&domain.CreditAccount{}).
		Where("org_id = ? AND version = ?", account.OrgID, account.Version).
		Updates(map[string]any{
			"total_granted": account.TotalGranted,
			"held":          account.Held,
			"committed":     account.Committed,
			"version":       account.Version + 1,
			"updated_at":    now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected != 1 {
		return false, nil
	}
	account.Version++
	account.UpdatedAt = now
	return true, nil
}

func (r *repo) InsertGrant(ctx context.Context, db *gorm.DB, grant *domain.CreditGrant) error {
	return db.WithContext(ctx).Create(grant).Error
}

func (r *repo) InsertReservation(ctx context.Context, db *gorm.DB, reservation *domain.CreditReservation) error {
	return db.WithContext(ctx).Create(reservation).Error
}

func (r *repo) FindReservation(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.CreditReservation, error) {
	var rows []domain.CreditReservation
	if err := db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) FindActiveByOperation(ctx context.Context, db *gorm.DB, orgID, operationID string) (*domain.CreditReservation, error) {
	var rows []domain.CreditReservation
	err := db.WithContext(ctx).
		Where("org_id = ? AND operation_id = ? AND status IN ?", orgID, operationID, []domain.ReservationStatus{
			domain.ReservationStatusHeld,
			domain.ReservationStatusCommitted,
		}).
		Order("id desc").
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

func (r *repo) ResolveReservation(ctx context.Context, db *gorm.DB, reservation *domain.CreditReservation, status domain.ReservationStatus, resolvedAt time.Time) (bool, error) {
	result := db.WithContext(ctx).
		Model(&domain.CreditReservation{}).
		Where("id = ? AND status = ? AND version = ?", reservation.ID, domain.ReservationStatusHeld, reservation.Version).
		Updates(map[string]any{
			"status":      status,
			"resolved_at": resolvedAt,
			"metadata":    reservation.Metadata,
			"version":     reservation.Version + 1,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected != 1 {
		return false, nil
	}
	reservation.Status = status
	reservation.ResolvedAt = &resolvedAt
	reservation.Version++
	return true, nil
}

func (r *repo) ListHeldBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.CreditReservation, error) {
	var rows []domain.CreditReservation
	err := db.WithContext(ctx).
		Where("status = ? AND created_at < ?", domain.ReservationStatusHeld, before).
		Order("created_at asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repo) InsertUsage(ctx context.Context, db *gorm.DB, record *domain.UsageRecord) error {
	return db.WithContext(ctx).Create(record).Error
}

func (r *repo) ListUsage(ctx context.Context, db *gorm.DB, filter domain.ListUsageFilter, page pagination.Pagination) ([]*domain.UsageRecord, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.UsageRecord{}).
		Where("org_id = ?", filter.OrgID)
	if filter.UserID != "" {
		stmt = stmt.Where("user_id = ?", filter.UserID)
	}
	if filter.OperationKind != "" {
		stmt = stmt.Where("operation_kind = ?", filter.OperationKind)
	}
	if filter.CreatedFrom != nil {
		stmt = option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.GTE, Value: filter.CreatedFrom.UTC()}).Apply(stmt)
	}
	if filter.CreatedTo != nil {
		stmt = option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.LTE, Value: filter.CreatedTo.UTC()}).Apply(stmt)
	}
	stmt = option.WithSortBy(option.QuerySortBy{SortBy: "id", Allow: map[string]bool{"id": true}}).Apply(stmt)
	stmt = option.ApplyPagination(page).Apply(stmt)

	var records []*domain.UsageRecord
	if err := stmt.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
