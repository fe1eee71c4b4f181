package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type EstimateRequest struct {
	// OperationKind selects the per-item base price; empty means the tier's base price.
	OperationKind string
	ItemCount     int
	Marketplaces []string
	// CacheHitFraction is the share of items expected to resolve from cache, in [0,1].
	CacheHitFraction float64
	// AddOns maps add-on name to units per item.
	AddOns map[string]int
}

type CacheBreakdown struct {
	CachedItems int     `json:"cached_items"`
	FreshItems  int     `json:"fresh_items"`
	Savings     float64 `json:"savings"`
}

type Quote struct {
	TotalCost           int64              `json:"total_cost"`
	OperationKind       string             `json:"operation_kind,omitempty"`
	BasePrice           float64            `json:"base_price"`
	Subtotal            float64            `json:"subtotal"`
	AddOnCost           float64            `json:"add_on_cost"`
	UnitPrices          map[string]float64 `json:"unit_prices"`
	Cache               CacheBreakdown     `json:"cache_breakdown"`
	BulkDiscountApplied float64            `json:"bulk_discount_applied"`
	TierID              snowflake.ID       `json:"tier_id"`
	TierName            string             `json:"tier_name"`
}

type PublishTierRequest struct {
	Name                   string
	BasePrice              float64
	OperationPrices        map[string]float64
	MarketplaceMultipliers map[string]float64
	CacheDiscount          float64
	BulkDiscounts          []BulkDiscount
	AddOnPrices            map[string]float64
	EffectiveFrom          time.Time
	ExpiresAt              *time.Time
}

type Service interface {
	Estimate(ctx context.Context, req EstimateRequest) (Quote, error)
	ActiveTier(ctx context.Context) (*Tier, error)
	Publish(ctx context.Context, req PublishTierRequest) (*Tier, error)
	ListTiers(ctx context.Context) ([]Tier, error)
}

var (
	ErrInvalidItemCount     = errors.New("invalid_item_count")
	ErrInvalidMarketplaces  = errors.New("invalid_marketplaces")
	ErrInvalidCacheFraction = errors.New("invalid_cache_hit_fraction")
	ErrUnknownAddOn         = errors.New("unknown_add_on")
	ErrUnknownOperation     = errors.New("unknown_operation_kind")
	ErrInvalidTier          = errors.New("invalid_pricing_tier")
	ErrInvalidTierWindow    = errors.New("invalid_pricing_tier_window")
)
