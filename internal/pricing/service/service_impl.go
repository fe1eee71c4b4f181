package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fluxori/creditcore/internal/clock"
	"github.com/fluxori/creditcore/internal/config"
	"github.com/fluxori/creditcore/internal/pricing/domain"
	"github.com/fluxori/creditcore/pkg/db/option"
	"github.com/fluxori/creditcore/pkg/repository"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultTierKey = "default"

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock                 `optional:"true"`
	Pricing *config.PricingConfigHolder `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	pricing  *config.PricingConfigHolder
	tierrepo repository.Repository[domain.Tier]
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	holder := p.Pricing
	if holder == nil {
		holder = config.NewStaticPricingConfigHolder(config.DefaultPricingConfig())
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("pricing.service"),
		genID:    p.GenID,
		clock:    clk,
		pricing:  holder,
		tierrepo: repository.ProvideStore[domain.Tier](p.DB),
	}
}

func (s *Service) Estimate(ctx context.Context, req domain.EstimateRequest) (domain.Quote, error) {
	if req.ItemCount == 0 {
		return domain.Quote{UnitPrices: map[string]float64{}}, nil
	}
	tier, err := s.ActiveTier(ctx)
	if err != nil {
		return domain.Quote{}, err
	}
	return Calculate(*tier, req)
}

// ActiveTier returns the newest tier in effect now. When none has been published the
// fallback tier is persisted once from the pricing config and reused afterwards.
func (s *Service) ActiveTier(ctx context.Context) (*domain.Tier, error) {
	now := s.clock.Now().UTC()
	tier, err := s.findActive(ctx, now)
	if err != nil {
		return nil, err
	}
	if tier != nil {
		return tier, nil
	}

	fallback := s.defaultTier(now)
	created, err := s.tierrepo.CreateIgnoreConflict(ctx, fallback)
	if err != nil {
		return nil, err
	}
	if created {
		s.log.Info("default pricing tier created",
			zap.String("tier_id", fallback.ID.String()),
			zap.String("name", fallback.Name),
		)
	}

	key := defaultTierKey
	tier, err = s.tierrepo.FindOne(ctx, &domain.Tier{DefaultKey: &key})
	if err != nil {
		return nil, err
	}
	if tier == nil {
		return nil, fmt.Errorf("default pricing tier missing after insert")
	}
	return tier, nil
}

func (s *Service) Publish(ctx context.Context, req domain.PublishTierRequest) (*domain.Tier, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidTier
	}
	if err := validateTier(req.BasePrice, req.OperationPrices, req.CacheDiscount, req.MarketplaceMultipliers, req.BulkDiscounts, req.AddOnPrices); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	effectiveFrom := req.EffectiveFrom.UTC()
	if req.EffectiveFrom.IsZero() {
		effectiveFrom = now
	}
	if effectiveFrom.Before(now) {
		return nil, domain.ErrInvalidTierWindow
	}
	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		exp := req.ExpiresAt.UTC()
		if !exp.After(effectiveFrom) {
			return nil, domain.ErrInvalidTierWindow
		}
		expiresAt = &exp
	}

	tier := &domain.Tier{
		ID:                     s.genID.Generate(),
		Code:                   slug.Make(name),
		Name:                   name,
		BasePrice:              req.BasePrice,
		OperationPrices:        datatypes.NewJSONType(copyPrices(req.OperationPrices)),
		MarketplaceMultipliers: datatypes.NewJSONType(normalizeMultipliers(req.MarketplaceMultipliers)),
		CacheDiscount:          req.CacheDiscount,
		BulkDiscounts:          datatypes.NewJSONType(copyBulk(req.BulkDiscounts)),
		AddOnPrices:            datatypes.NewJSONType(copyPrices(req.AddOnPrices)),
		EffectiveFrom:          effectiveFrom,
		ExpiresAt:              expiresAt,
		CreatedAt:              now,
	}
	if err := s.tierrepo.Create(ctx, tier); err != nil {
		return nil, err
	}

	s.log.Info("pricing tier published",
		zap.String("tier_id", tier.ID.String()),
		zap.String("code", tier.Code),
		zap.Time("effective_from", tier.EffectiveFrom),
	)
	return tier, nil
}

func (s *Service) ListTiers(ctx context.Context) ([]domain.Tier, error) {
	items, err := s.tierrepo.Find(ctx, nil, option.QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Order("effective_from desc").Order("id desc")
	}))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Tier, 0, len(items))
	for _, item := range items {
		out = append(out, *item)
	}
	return out, nil
}

func (s *Service) findActive(ctx context.Context, now time.Time) (*domain.Tier, error) {
	return s.tierrepo.FindOne(ctx, nil,
		option.ApplyOperator(option.Condition{Field: "effective_from", Operator: option.LTE, Value: now}),
		option.QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
			return db.Where("(expires_at IS NULL OR expires_at > ?)", now).
				Order("effective_from desc").
				Order("id desc")
		}),
	)
}

func (s *Service) defaultTier(now time.Time) *domain.Tier {
	cfg := s.pricing.Get()
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = defaultTierKey
	}
	bulk := make([]domain.BulkDiscount, 0, len(cfg.BulkDiscounts))
	for _, b := range cfg.BulkDiscounts {
		bulk = append(bulk, domain.BulkDiscount{MinItems: b.MinItems, Discount: b.Discount})
	}
	key := defaultTierKey
	return &domain.Tier{
		ID:                     s.genID.Generate(),
		Code:                   slug.Make(name),
		Name:                   name,
		BasePrice:              cfg.BasePrice,
		OperationPrices:        datatypes.NewJSONType(copyPrices(cfg.OperationPrices)),
		MarketplaceMultipliers: datatypes.NewJSONType(normalizeMultipliers(cfg.MarketplaceMultipliers)),
		CacheDiscount:          cfg.CacheDiscount,
		BulkDiscounts:          datatypes.NewJSONType(bulk),
		AddOnPrices:            datatypes.NewJSONType(copyPrices(cfg.AddOnPrices)),
		DefaultKey:             &key,
		EffectiveFrom:          now,
		CreatedAt:              now,
	}
}

func validateTier(base float64, operations map[string]float64, cacheDiscount float64, multipliers map[string]float64, bulk []domain.BulkDiscount, addOns map[string]float64) error {
	if base < 0 {
		return fmt.Errorf("%w: base price cannot be negative", domain.ErrInvalidTier)
	}
	for kind, v := range operations {
		if v < 0 {
			return fmt.Errorf("%w: price for %s cannot be negative", domain.ErrInvalidTier, kind)
		}
	}
	if cacheDiscount < 0 || cacheDiscount > 1 {
		return fmt.Errorf("%w: cache discount must be within [0,1]", domain.ErrInvalidTier)
	}
	for m, v := range multipliers {
		if v < 0 {
			return fmt.Errorf("%w: multiplier for %s cannot be negative", domain.ErrInvalidTier, m)
		}
	}
	for _, b := range bulk {
		if b.MinItems <= 0 || b.Discount < 0 || b.Discount >= 1 {
			return fmt.Errorf("%w: bulk discount %d:%v", domain.ErrInvalidTier, b.MinItems, b.Discount)
		}
	}
	for name, v := range addOns {
		if v < 0 {
			return fmt.Errorf("%w: add-on %s cannot be negative", domain.ErrInvalidTier, name)
		}
	}
	return nil
}

func normalizeMultipliers(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

func copyPrices(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyBulk(in []domain.BulkDiscount) []domain.BulkDiscount {
	out := make([]domain.BulkDiscount, len(in))
	copy(out, in)
	return out
}
