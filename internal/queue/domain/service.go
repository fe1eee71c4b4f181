package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type ItemSeed struct {
	Subject   string
	Scope     string
	Status    ItemStatus
	ResultRef snowflake.ID
}

type EnqueueRequest struct {
	OrgID         string
	UserID        string
	Subjects      []string
	Marketplaces  []string
	AddOns        map[string]int
	Priority      int
	ReservationID snowflake.ID
	OperationID   string
	EstimatedCost int64
	Items         []ItemSeed

	// SettleAs moves the new request straight to a terminal status in the
	// enqueue transaction, so it is never visible as pending.
	SettleAs   RequestStatus
	Settlement TransitionFields
}

type ItemUpdate struct {
	Subject   string
	Scope     string
	Status    ItemStatus
	ResultRef snowflake.ID
	Error     string
}

// TransitionFields carries the data recorded alongside a status change.
type TransitionFields struct {
	ActualCost    *int64
	CacheHitRatio *float64
	Error         string
	Items         []ItemUpdate
	Metadata      map[string]any
}

type Counts struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
}

type Service interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (*QueuedRequest, error)
	NextBatch(ctx context.Context, capacity int) ([]QueuedRequest, error)
	Position(ctx context.Context, id snowflake.ID) (int, bool, error)
	Transition(ctx context.Context, id snowflake.ID, to RequestStatus, fields TransitionFields) (*QueuedRequest, error)
	UpdateItems(ctx context.Context, id snowflake.ID, updates []ItemUpdate) error
	RequestCancel(ctx context.Context, orgID string, id snowflake.ID) (*QueuedRequest, error)

	Get(ctx context.Context, id snowflake.ID) (*QueuedRequest, error)
	// FindByReservation returns nil when no request holds the reservation.
	FindByReservation(ctx context.Context, reservationID snowflake.ID) (*QueuedRequest, error)
	Items(ctx context.Context, id snowflake.ID) ([]RequestItem, error)
	Counts(ctx context.Context, orgID string) (Counts, error)
	AverageProcessingTime(ctx context.Context, sample int) (time.Duration, bool, error)
	ListStale(ctx context.Context, status RequestStatus, olderThan time.Duration, limit int) ([]QueuedRequest, error)
}

var (
	ErrInvalidRequest    = errors.New("invalid_request")
	ErrRequestNotFound   = errors.New("request_not_found")
	ErrInvalidTransition = errors.New("invalid_status_transition")
	ErrRequestFinished   = errors.New("request_already_finished")
)
