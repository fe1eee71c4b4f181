package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fluxori/creditcore/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	EnsureAccount(ctx context.Context, db *gorm.DB, orgID string, now time.Time) error
	FindAccount(ctx context.Context, db *gorm.DB, orgID string) (*CreditAccount, error)
	// UpdateAccountCAS writes the counters only if the stored version still matches.
	UpdateAccountCAS(ctx context.Context, db *gorm.DB, account *CreditAccount, now time.Time) (bool, error)

	InsertGrant(ctx context.Context, db *gorm.DB, grant *CreditGrant) error

	InsertReservation(ctx context.Context, db *gorm.DB, reservation *CreditReservation) error
	FindReservation(ctx context.Context, db *gorm.DB, id snowflake.ID) (*CreditReservation, error)
	FindActiveByOperation(ctx context.Context, db *gorm.DB, orgID, operationID string) (*CreditReservation, error)
	ResolveReservation(ctx context.Context, db *gorm.DB, reservation *CreditReservation, status ReservationStatus, resolvedAt time.Time) (bool, error)
	ListHeldBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]CreditReservation, error)

	InsertUsage(ctx context.Context, db *gorm.DB, record *UsageRecord) error
	ListUsage(ctx context.Context, db *gorm.DB, filter ListUsageFilter, page pagination.Pagination) ([]*UsageRecord, error)
}
