package domain

import (
	"fmt"
	"strings"
)

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
	UrgentBoost     = 5
)

// OperationKind names a billable research operation. Each kind has its own base
// price in the pricing tier and its own queue priority modifier.
type OperationKind string

const (
	OperationKindBasicResearch      OperationKind = "basic_research"
	OperationKindRankingTracking    OperationKind = "ranking_tracking"
	OperationKindCompetitorAnalysis OperationKind = "competitor_analysis"
	OperationKindOpportunityScoring OperationKind = "opportunity_scoring"
	OperationKindHistoricalData     OperationKind = "historical_data"
)

var operationModifiers = map[OperationKind]int{
	OperationKindBasicResearch:      0,
	OperationKindRankingTracking:    2,
	OperationKindCompetitorAnalysis: 4,
	OperationKindOpportunityScoring: 0,
	OperationKindHistoricalData:     -3,
}

// ParseOperationKind accepts the known kinds case-insensitively. Empty means basic research.
func ParseOperationKind(raw string) (OperationKind, error) {
	kind := OperationKind(strings.ToLower(strings.TrimSpace(raw)))
	if kind == "" {
		return OperationKindBasicResearch, nil
	}
	if _, ok := operationModifiers[kind]; !ok {
		return "", fmt.Errorf("%w: unknown operation kind %q", ErrInvalidRequest, raw)
	}
	return kind, nil
}

func (k OperationKind) PriorityModifier() int {
	return operationModifiers[k]
}

// EffectivePriority applies the operation and urgency modifiers to the caller's
// priority and clamps the result to [MinPriority, MaxPriority]. Zero means the default.
func EffectivePriority(priority int, kind OperationKind, urgent bool) int {
	if priority == 0 {
		priority = DefaultPriority
	}
	priority += kind.PriorityModifier()
	if urgent {
		priority += UrgentBoost
	}
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	return priority
}
