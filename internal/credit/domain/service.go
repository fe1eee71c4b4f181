package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fluxori/creditcore/pkg/db/pagination"
	"gorm.io/gorm"
)

type ReserveRequest struct {
	OrgID         string
	UserID        string
	OperationID   string
	OperationKind string
	ExpectedCost  int64
	Metadata      map[string]any
}

type ReserveResult struct {
	HasCredits       bool
	AvailableCredits int64
	ReservationID    snowflake.ID
	Reused           bool
}

type CommitRequest struct {
	ReservationID snowflake.ID
	ResourceRef   string
	// ActualCost replaces the held amount when set.
	ActualCost *int64
	Success    bool
	Metadata   map[string]any
}

type GrantRequest struct {
	OrgID     string
	Amount    int64
	Reason    string
	Reference string
}

type Balance struct {
	OrgID        string `json:"organization_id"`
	TotalGranted int64  `json:"total_granted"`
	Held         int64  `json:"held"`
	Committed    int64  `json:"committed"`
	Available    int64  `json:"available"`
}

type ListUsageRequest struct {
	OrgID         string
	UserID        string
	OperationKind string
	CreatedFrom   *time.Time
	CreatedTo     *time.Time
	PageToken     string
	PageSize      int
}

type ListUsageFilter struct {
	OrgID         string
	UserID        string
	OperationKind string
	CreatedFrom   *time.Time
	CreatedTo     *time.Time
}

type ListUsageResponse struct {
	pagination.PageInfo
	Records []UsageRecord `json:"records"`
}

type Service interface {
	CheckAndReserve(ctx context.Context, req ReserveRequest) (ReserveResult, error)
	Commit(ctx context.Context, req CommitRequest) (*UsageRecord, error)
	// CommitTx commits inside the caller's transaction.
	CommitTx(ctx context.Context, tx *gorm.DB, req CommitRequest) (*UsageRecord, error)
	Release(ctx context.Context, reservationID snowflake.ID) error
	ReleaseTx(ctx context.Context, tx *gorm.DB, reservationID snowflake.ID) error

	Grant(ctx context.Context, req GrantRequest) (Balance, error)
	Balance(ctx context.Context, orgID string) (Balance, error)
	GetReservation(ctx context.Context, id snowflake.ID) (*CreditReservation, error)
	ListUsage(ctx context.Context, req ListUsageRequest) (ListUsageResponse, error)
	ExpireStale(ctx context.Context, olderThan time.Duration) (int, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidOperation    = errors.New("invalid_operation")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrReservationNotFound = errors.New("reservation_not_found")
	ErrReservationState    = errors.New("reservation_not_held")
	ErrOperationSettled    = errors.New("operation_already_settled")
)
