package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type BulkDiscount struct {
	MinItems int     `json:"min_items"`
	Discount float64 `json:"discount"`
}

// Tier is an immutable, versioned price list. A new tier with a later
// EffectiveFrom supersedes the previous one.
type Tier struct {
	ID                     snowflake.ID                           `json:"id" gorm:"primaryKey"`
	Code                   string                                 `json:"code" gorm:"type:text;not null;index"`
	Name                   string                                 `json:"name" gorm:"type:text;not null"`
	BasePrice              float64                                `json:"base_price" gorm:"type:numeric;not null"`
	OperationPrices        datatypes.JSONType[map[string]float64] `json:"operation_prices" gorm:"type:jsonb;not null"`
	MarketplaceMultipliers datatypes.JSONType[map[string]float64] `json:"marketplace_multipliers" gorm:"type:jsonb;not null"`
	CacheDiscount          float64                                `json:"cache_discount" gorm:"type:numeric;not null"`
	BulkDiscounts          datatypes.JSONType[[]BulkDiscount]     `json:"bulk_discounts" gorm:"type:jsonb;not null"`
	AddOnPrices            datatypes.JSONType[map[string]float64] `json:"add_on_prices" gorm:"type:jsonb;not null"`
	// DefaultKey is set only on the fallback tier so it is created at most once.
	DefaultKey    *string    `json:"-" gorm:"type:text;uniqueIndex"`
	EffectiveFrom time.Time  `json:"effective_from" gorm:"not null;index"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at" gorm:"not null"`
}

func (Tier) TableName() string { return "pricing_tiers" }

// ActiveAt reports whether the tier applies at t.
func (t Tier) ActiveAt(at time.Time) bool {
	if at.Before(t.EffectiveFrom) {
		return false
	}
	return t.ExpiresAt == nil || at.Before(*t.ExpiresAt)
}

// BasePriceFor returns the per-item base price of an operation kind. An empty kind,
// or a tier without operation prices, uses BasePrice; false means the kind is unpriced.
func (t Tier) BasePriceFor(kind string) (float64, bool) {
	prices := t.OperationPrices.Data()
	if kind == "" || len(prices) == 0 {
		return t.BasePrice, true
	}
	price, ok := prices[kind]
	return price, ok
}

func (t Tier) Multiplier(marketplace string) float64 {
	if m, ok := t.MarketplaceMultipliers.Data()[marketplace]; ok {
		return m
	}
	return 1.0
}
