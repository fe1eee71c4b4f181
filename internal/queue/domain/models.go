package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "pending"
	RequestStatusProcessing RequestStatus = "processing"
	RequestStatusCompleted  RequestStatus = "completed"
	RequestStatusFailed     RequestStatus = "failed"
	RequestStatusCached     RequestStatus = "cached"
	RequestStatusCanceled   RequestStatus = "canceled"
)

var transitions = map[RequestStatus]map[RequestStatus]bool{
	RequestStatusPending: {
		RequestStatusProcessing: true,
		RequestStatusCached:     true,
		RequestStatusFailed:     true,
		RequestStatusCanceled:   true,
	},
	RequestStatusProcessing: {
		RequestStatusCompleted: true,
		RequestStatusFailed:    true,
		RequestStatusCanceled:  true,
	},
}

// CanTransition reports whether the status graph allows from -> to.
func CanTransition(from, to RequestStatus) bool {
	return transitions[from][to]
}

func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestStatusCompleted, RequestStatusFailed, RequestStatusCached, RequestStatusCanceled:
		return true
	default:
		return false
	}
}

// Charges reports whether entering s commits the reservation; other terminal states release it.
func (s RequestStatus) Charges() bool {
	return s == RequestStatusCompleted || s == RequestStatusCached
}

type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusCached    ItemStatus = "cached"
	ItemStatusSucceeded ItemStatus = "succeeded"
	ItemStatusFailed    ItemStatus = "failed"
)

type QueuedRequest struct {
	ID              snowflake.ID                       `json:"id" gorm:"primaryKey"`
	OrgID           string                             `json:"organization_id" gorm:"type:text;not null;index"`
	UserID          string                             `json:"user_id" gorm:"type:text;not null"`
	Subjects        datatypes.JSONType[[]string]       `json:"subjects" gorm:"type:jsonb;not null"`
	Marketplaces    datatypes.JSONType[[]string]       `json:"marketplaces" gorm:"type:jsonb;not null"`
	AddOns          datatypes.JSONType[map[string]int] `json:"add_ons" gorm:"type:jsonb"`
	Priority        int                                `json:"priority" gorm:"not null;index:ix_research_requests_dispatch,priority:2"`
	Status          RequestStatus                      `json:"status" gorm:"type:text;not null;index:ix_research_requests_dispatch,priority:1"`
	RequestedAt     time.Time                          `json:"requested_at" gorm:"not null;index:ix_research_requests_dispatch,priority:3"`
	StartedAt       *time.Time                         `json:"started_at,omitempty"`
	CompletedAt     *time.Time                         `json:"completed_at,omitempty"`
	ReservationID   snowflake.ID                       `json:"reservation_id" gorm:"index"`
	OperationID     string                             `json:"operation_id" gorm:"type:text;not null"`
	EstimatedCost   int64                              `json:"estimated_cost" gorm:"not null"`
	ActualCost      *int64                             `json:"actual_cost,omitempty"`
	CacheHitRatio   *float64                           `json:"cache_hit_ratio,omitempty"`
	CancelRequested bool                               `json:"cancel_requested" gorm:"not null;default:false"`
	Error           string                             `json:"error,omitempty" gorm:"type:text"`
	Version         int64                              `json:"-" gorm:"not null;default:0"`
}

func (QueuedRequest) TableName() string { return "research_requests" }

// RequestItem tracks one (subject, scope) pair of a request.
type RequestItem struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	RequestID snowflake.ID `json:"request_id" gorm:"not null;uniqueIndex:ux_research_request_items_key,priority:1"`
	Subject   string       `json:"subject" gorm:"type:text;not null;uniqueIndex:ux_research_request_items_key,priority:2"`
	Scope     string       `json:"scope" gorm:"type:text;not null;uniqueIndex:ux_research_request_items_key,priority:3"`
	Status    ItemStatus   `json:"status" gorm:"type:text;not null"`
	ResultRef snowflake.ID `json:"result_ref"`
	Error     string       `json:"error,omitempty" gorm:"type:text"`
	UpdatedAt time.Time    `json:"updated_at" gorm:"not null"`
}

func (RequestItem) TableName() string { return "research_request_items" }
