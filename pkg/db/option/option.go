package option

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fluxori/creditcore/pkg/db/pagination"
	"gorm.io/gorm"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 250
)

// QueryOption mutates a gorm statement before it executes.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type QueryOptionFunc func(db *gorm.DB) *gorm.DB

func (f QueryOptionFunc) Apply(db *gorm.DB) *gorm.DB {
	return f(db)
}

type Operator string

const (
	EQ  Operator = "="
	NEQ Operator = "<>"
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
	IN  Operator = "IN"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ApplyOperator adds a single comparison. Unknown operators and unsafe field names are ignored.
func ApplyOperator(c Condition) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		field := strings.TrimSpace(c.Field)
		if !identifierPattern.MatchString(field) {
			return db
		}
		switch c.Operator {
		case EQ, NEQ, GT, GTE, LT, LTE:
			return db.Where(fmt.Sprintf("%s %s ?", field, c.Operator), c.Value)
		case IN:
			return db.Where(fmt.Sprintf("%s IN ?", field), c.Value)
		default:
			return db
		}
	})
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

func WithQuerySortBy(sortBy, orderBy string, allow map[string]bool) QuerySortBy {
	return QuerySortBy{SortBy: sortBy, OrderBy: orderBy, Allow: allow}
}

// WithSortBy orders by an allowed column, newest first by default, with id as tiebreaker.
func WithSortBy(s QuerySortBy) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		field := strings.ToLower(strings.TrimSpace(s.SortBy))
		if field == "" {
			field = "created_at"
		}
		if !s.Allow[field] || !identifierPattern.MatchString(field) {
			return db.Order("id desc")
		}
		direction := "desc"
		if strings.EqualFold(strings.TrimSpace(s.OrderBy), "asc") {
			direction = "asc"
		}
		db = db.Order(field + " " + direction)
		if field != "id" {
			db = db.Order("id " + direction)
		}
		return db
	})
}

// ApplyPagination limits the page to PageSize+1 rows so callers can detect HasMore,
// continuing below the id carried by the page token.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		size := NormalizePageSize(p.PageSize)
		if token := strings.TrimSpace(p.PageToken); token != "" {
			if cursor, err := pagination.DecodeCursor(token); err == nil {
				db = db.Where("id < ?", cursor.After)
			}
		}
		return db.Limit(size + 1)
	})
}

func NormalizePageSize(size int) int {
	if size <= 0 {
		return DefaultPageSize
	}
	if size > MaxPageSize {
		return MaxPageSize
	}
	return size
}
