package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, request *QueuedRequest) error
	InsertItems(ctx context.Context, db *gorm.DB, items []RequestItem) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*QueuedRequest, error)
	FindByReservation(ctx context.Context, db *gorm.DB, reservationID snowflake.ID) (*QueuedRequest, error)
	// UpdateCAS writes the mutable request fields only if the stored version still matches.
	UpdateCAS(ctx context.Context, db *gorm.DB, request *QueuedRequest) (bool, error)
	ListPending(ctx context.Context, db *gorm.DB, limit int) ([]QueuedRequest, error)
	CountAhead(ctx context.Context, db *gorm.DB, request *QueuedRequest) (int64, error)
	CountByStatus(ctx context.Context, db *gorm.DB, orgID string, statuses []RequestStatus) (map[RequestStatus]int64, error)
	ListRecentCompleted(ctx context.Context, db *gorm.DB, limit int) ([]QueuedRequest, error)
	ListStale(ctx context.Context, db *gorm.DB, status RequestStatus, before time.Time, limit int) ([]QueuedRequest, error)

	ListItems(ctx context.Context, db *gorm.DB, requestID snowflake.ID) ([]RequestItem, error)
	UpdateItem(ctx context.Context, db *gorm.DB, item *RequestItem) error
}
