package service

import (
	"math"
	"sort"
	"strings"

	"github.com/fluxori/creditcore/internal/pricing/domain"
)

// roundingEpsilon absorbs float noise so 40.000000001 still bills as 40.
const roundingEpsilon = 1e-9

// Calculate prices a request against tier. It performs no I/O.
func Calculate(tier domain.Tier, req domain.EstimateRequest) (domain.Quote, error) {
	quote := domain.Quote{
		OperationKind: req.OperationKind,
		TierID:        tier.ID,
		TierName:      tier.Name,
		UnitPrices:    map[string]float64{},
	}
	base, ok := tier.BasePriceFor(req.OperationKind)
	if !ok {
		return domain.Quote{}, domain.ErrUnknownOperation
	}
	quote.BasePrice = base
	if req.ItemCount < 0 {
		return domain.Quote{}, domain.ErrInvalidItemCount
	}
	if req.CacheHitFraction < 0 || req.CacheHitFraction > 1 || math.IsNaN(req.CacheHitFraction) {
		return domain.Quote{}, domain.ErrInvalidCacheFraction
	}
	if req.ItemCount == 0 {
		return quote, nil
	}

	marketplaces := NormalizeMarketplaces(req.Marketplaces)
	if len(marketplaces) == 0 {
		return domain.Quote{}, domain.ErrInvalidMarketplaces
	}

	// rounding the cached share down keeps the estimate from under-charging
	cached := int(math.Floor(float64(req.ItemCount)*req.CacheHitFraction + roundingEpsilon))
	if cached > req.ItemCount {
		cached = req.ItemCount
	}
	fresh := req.ItemCount - cached
	quote.Cache.CachedItems = cached
	quote.Cache.FreshItems = fresh

	var subtotal float64
	for _, m := range marketplaces {
		unit := base * tier.Multiplier(m)
		quote.UnitPrices[m] = unit

		discounted := unit * (1 - tier.CacheDiscount)
		subtotal += float64(fresh)*unit + float64(cached)*discounted
		quote.Cache.Savings += float64(cached) * (unit - discounted)
	}

	prices := tier.AddOnPrices.Data()
	for _, name := range sortedAddOns(req.AddOns) {
		units := req.AddOns[name]
		if units <= 0 {
			continue
		}
		price, ok := prices[name]
		if !ok {
			return domain.Quote{}, domain.ErrUnknownAddOn
		}
		quote.AddOnCost += price * float64(units) * float64(req.ItemCount)
	}
	subtotal += quote.AddOnCost
	quote.Subtotal = subtotal

	discount := BulkDiscountFor(tier.BulkDiscounts.Data(), req.ItemCount)
	quote.BulkDiscountApplied = discount

	total := subtotal * (1 - discount)
	quote.TotalCost = int64(math.Ceil(total - roundingEpsilon))
	if quote.TotalCost < 0 {
		quote.TotalCost = 0
	}
	return quote, nil
}

// BulkDiscountFor returns the discount of the largest threshold not above itemCount.
func BulkDiscountFor(discounts []domain.BulkDiscount, itemCount int) float64 {
	best := -1
	var fraction float64
	for _, d := range discounts {
		if d.MinItems <= itemCount && d.MinItems > best {
			best = d.MinItems
			fraction = d.Discount
		}
	}
	return fraction
}

// NormalizeMarketplaces lower-cases, trims and de-duplicates marketplace names, keeping order.
func NormalizeMarketplaces(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, m := range in {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

func sortedAddOns(addOns map[string]int) []string {
	names := make([]string, 0, len(addOns))
	for name := range addOns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
