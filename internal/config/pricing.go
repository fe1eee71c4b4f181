package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PricingConfig seeds the default pricing tier used when no tier has been published.
type PricingConfig struct {
	Name                   string             `mapstructure:"name"`
	BasePrice              float64            `mapstructure:"basePrice"`
	OperationPrices        map[string]float64 `mapstructure:"operationPrices"`
	MarketplaceMultipliers map[string]float64 `mapstructure:"marketplaceMultipliers"`
	CacheDiscount          float64            `mapstructure:"cacheDiscount"`
	BulkDiscounts          []BulkDiscount     `mapstructure:"bulkDiscounts"`
	AddOnPrices            map[string]float64 `mapstructure:"addOnPrices"`
}

type BulkDiscount struct {
	MinItems int     `mapstructure:"minItems"`
	Discount float64 `mapstructure:"discount"`
}

func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		Name:      "default",
		BasePrice: 5,
		OperationPrices: map[string]float64{
			"basic_research":      5,
			"ranking_tracking":    3,
			"competitor_analysis": 8,
			"opportunity_scoring": 6,
			"historical_data":     10,
		},
		MarketplaceMultipliers: map[string]float64{
			"takealot":   1.0,
			"amazon":     1.2,
			"makro":      0.9,
			"loot":       0.8,
			"bob_shop":   0.7,
			"buck_cheap": 0.7,
		},
		CacheDiscount: 0.8,
		BulkDiscounts: []BulkDiscount{
			{MinItems: 10, Discount: 0.1},
			{MinItems: 20, Discount: 0.2},
			{MinItems: 50, Discount: 0.3},
		},
		AddOnPrices: map[string]float64{
			"seo_metrics": 2,
			"extra_pages": 2,
		},
	}
}

type PricingConfigHolder struct {
	current atomic.Value // holds PricingConfig
}

// NewPricingConfigHolder reads pricing.yml from the standard locations, falling back to defaults.
func NewPricingConfigHolder(log *zap.Logger) (*PricingConfigHolder, error) {
	return LoadPricingConfig(log, "/var/lib/creditcore/config", "/etc/creditcore", ".")
}

// NewStaticPricingConfigHolder returns a holder that never reloads.
func NewStaticPricingConfigHolder(cfg PricingConfig) *PricingConfigHolder {
	holder := &PricingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func LoadPricingConfig(log *zap.Logger, paths ...string) (*PricingConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("pricing.config")

	v := viper.New()
	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	for _, path := range paths {
		v.AddConfigPath(path)
	}
	v.SetEnvPrefix("CREDITCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPricingConfig()
	v.SetDefault("pricing.name", defaults.Name)
	v.SetDefault("pricing.basePrice", defaults.BasePrice)
	v.SetDefault("pricing.operationPrices", defaults.OperationPrices)
	v.SetDefault("pricing.marketplaceMultipliers", defaults.MarketplaceMultipliers)
	v.SetDefault("pricing.cacheDiscount", defaults.CacheDiscount)
	v.SetDefault("pricing.bulkDiscounts", defaults.BulkDiscounts)
	v.SetDefault("pricing.addOnPrices", defaults.AddOnPrices)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	var cfg PricingConfig
	if err := v.UnmarshalKey("pricing", &cfg); err != nil {
		return nil, err
	}
	if err := validatePricingConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticPricingConfigHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PricingConfig
		if err := v.UnmarshalKey("pricing", &updated); err != nil {
			log.Warn("pricing config reload failed", zap.Error(err))
			return
		}
		if err := validatePricingConfig(updated); err != nil {
			log.Warn("invalid pricing config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("pricing config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PricingConfigHolder) Get() PricingConfig {
	return h.current.Load().(PricingConfig)
}

func validatePricingConfig(cfg PricingConfig) error {
	if cfg.BasePrice < 0 {
		return errors.New("pricing.basePrice cannot be negative")
	}
	if cfg.CacheDiscount < 0 || cfg.CacheDiscount > 1 {
		return errors.New("pricing.cacheDiscount must be within [0,1]")
	}
	for kind, price := range cfg.OperationPrices {
		if price < 0 {
			return fmt.Errorf("pricing.operationPrices.%s cannot be negative", kind)
		}
	}
	for m, mult := range cfg.MarketplaceMultipliers {
		if mult < 0 {
			return fmt.Errorf("pricing.marketplaceMultipliers.%s cannot be negative", m)
		}
	}
	for _, b := range cfg.BulkDiscounts {
		if b.MinItems <= 0 || b.Discount < 0 || b.Discount >= 1 {
			return fmt.Errorf("invalid bulk discount %d:%v", b.MinItems, b.Discount)
		}
	}
	for name, price := range cfg.AddOnPrices {
		if price < 0 {
			return fmt.Errorf("pricing.addOnPrices.%s cannot be negative", name)
		}
	}
	return nil
}
