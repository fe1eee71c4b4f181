package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	pricingdomain "github.com/fluxori/creditcore/internal/pricing/domain"
	"github.com/fluxori/creditcore/internal/producer"
	queuedomain "github.com/fluxori/creditcore/internal/queue/domain"
	resultcachedomain "github.com/fluxori/creditcore/internal/resultcache/domain"
)

type EstimateRequest struct {
	// OperationKind defaults to basic research.
	OperationKind string
	// Subjects, when given, determine the item count and the observed cache hit fraction.
	Subjects     []string
	ItemCount    int
	Marketplaces []string
	AddOns       map[string]int
	// CacheHitFraction overrides the observed fraction when set.
	CacheHitFraction *float64
}

type SubmitRequest struct {
	OrgID         string
	UserID        string
	OperationKind string
	Subjects      []string
	Marketplaces  []string
	Priority      int
	Urgent        bool
	AddOns        map[string]int
	// OperationID makes the submission idempotent. A fresh one is generated when empty.
	OperationID string
}

type SubmitResult struct {
	Request  *queuedomain.QueuedRequest `json:"request"`
	Quote    pricingdomain.Quote        `json:"quote"`
	Position *int                       `json:"position,omitempty"`
	Cached   bool                       `json:"cached"`
	Reused   bool                       `json:"reused"`
}

type QueueStatus struct {
	PendingCount         int64 `json:"pending_count"`
	ProcessingCount      int64 `json:"processing_count"`
	EstimatedWaitSeconds int64 `json:"estimated_wait_seconds"`
	Position             *int  `json:"position,omitempty"`
}

type ItemResult struct {
	Subject    string                 `json:"subject"`
	Scope      string                 `json:"scope"`
	Status     queuedomain.ItemStatus `json:"status"`
	Payload    json.RawMessage        `json:"payload,omitempty"`
	ProducedAt *time.Time             `json:"produced_at,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

type Results struct {
	Request *queuedomain.QueuedRequest `json:"request"`
	Items   []ItemResult               `json:"items"`
}

type Service interface {
	EstimateCost(ctx context.Context, req EstimateRequest) (pricingdomain.Quote, error)
	SubmitRequest(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	QueueStatus(ctx context.Context, orgID string, requestID *snowflake.ID) (QueueStatus, error)
	Results(ctx context.Context, orgID string, requestID snowflake.ID) (*Results, error)
	CacheStats(ctx context.Context) (resultcachedomain.Stats, error)

	HandleResult(ctx context.Context, result producer.BatchResult) error
	Cancel(ctx context.Context, orgID string, requestID snowflake.ID) (*queuedomain.QueuedRequest, error)
	WaitForCompletion(ctx context.Context, requestID snowflake.ID, timeout time.Duration) (*queuedomain.QueuedRequest, error)

	DispatchPending(ctx context.Context) (int, error)
	RefreshPopular(ctx context.Context, limit int) (int, error)
	PollProducerHealth(ctx context.Context) error
	FailStalled(ctx context.Context, olderThan time.Duration) (int, error)
}

var (
	ErrInvalidRequest         = errors.New("invalid_research_request")
	ErrInsufficientCredit     = errors.New("insufficient_credit")
	ErrMarketplaceUnavailable = errors.New("marketplace_unavailable")
	ErrProducerFailure        = errors.New("producer_failure")
	ErrWaitTimeout            = errors.New("wait_timeout")
	ErrRequestCanceled        = errors.New("request_canceled")
)

// InsufficientCreditError reports a denied reservation. It matches ErrInsufficientCredit.
type InsufficientCreditError struct {
	Available int64
	Required  int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("%s: available %d, required %d", ErrInsufficientCredit, e.Available, e.Required)
}

func (e *InsufficientCreditError) Unwrap() error {
	return ErrInsufficientCredit
}

// UnavailableError lists the marketplaces the producer cannot serve right now.
type UnavailableError struct {
	Marketplaces []string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %v", ErrMarketplaceUnavailable, e.Marketplaces)
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrMarketplaceUnavailable || target == producer.ErrUnavailable
}
