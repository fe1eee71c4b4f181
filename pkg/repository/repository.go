package repository

import (
	"context"

	"github.com/fluxori/creditcore/pkg/db/option"
	"gorm.io/gorm"
)

// Repository is a thin generic store for append-mostly models whose queries are
// plain equality filters plus ordering and limits.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	CreateIgnoreConflict(ctx context.Context, resource *T) (bool, error)
	Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error)
}
