package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ReservationStatus string

const (
	ReservationStatusHeld      ReservationStatus = "held"
	ReservationStatusCommitted ReservationStatus = "committed"
	ReservationStatusReleased  ReservationStatus = "released"
	ReservationStatusExpired   ReservationStatus = "expired"
)

// CreditAccount is the per-organization balance projection. It only changes inside
// ledger transactions, together with the reservation rows that explain it.
type CreditAccount struct {
	OrgID        string    `gorm:"primaryKey;type:text" json:"organization_id"`
	TotalGranted int64     `gorm:"not null;default:0" json:"total_granted"`
	Held         int64     `gorm:"not null;default:0" json:"held"`
	Committed    int64     `gorm:"not null;default:0" json:"committed"`
	Version      int64     `gorm:"not null;default:0" json:"-"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

func (a CreditAccount) Available() int64 {
	return a.TotalGranted - a.Committed - a.Held
}

// CreditGrant is an append-only record of credits added to an account.
type CreditGrant struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID     string       `gorm:"type:text;not null;index" json:"organization_id"`
	Amount    int64        `gorm:"not null" json:"amount"`
	Reason    string       `gorm:"type:text;not null" json:"reason"`
	Reference string       `gorm:"type:text" json:"reference,omitempty"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
}

func (CreditGrant) TableName() string { return "credit_grants" }

type CreditReservation struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID         string            `gorm:"type:text;not null;index:ix_credit_reservations_org_op,priority:1" json:"organization_id"`
	UserID        string            `gorm:"type:text;not null" json:"user_id"`
	OperationID   string            `gorm:"type:text;not null;index:ix_credit_reservations_org_op,priority:2" json:"operation_id"`
	OperationKind string            `gorm:"type:text;not null" json:"operation_kind"`
	Amount        int64             `gorm:"not null" json:"amount"`
	Status        ReservationStatus `gorm:"type:text;not null;index" json:"status"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	Version       int64             `gorm:"not null;default:0" json:"-"`
	CreatedAt     time.Time         `gorm:"not null;index" json:"created_at"`
	ResolvedAt    *time.Time        `json:"resolved_at,omitempty"`
}

func (CreditReservation) TableName() string { return "credit_reservations" }

// UsageRecord is the immutable charge written when a reservation commits.
type UsageRecord struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID         string            `gorm:"type:text;not null;index" json:"organization_id"`
	UserID        string            `gorm:"type:text;not null" json:"user_id"`
	ReservationID snowflake.ID      `gorm:"not null;uniqueIndex" json:"reservation_id"`
	OperationKind string            `gorm:"type:text;not null" json:"operation_kind"`
	AmountCharged int64             `gorm:"not null" json:"amount_charged"`
	AmountHeld    int64             `gorm:"not null" json:"amount_held"`
	ResourceRef   string            `gorm:"type:text" json:"resource_ref,omitempty"`
	Success       bool              `gorm:"not null" json:"success"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt     time.Time         `gorm:"not null" json:"created_at"`
}

func (UsageRecord) TableName() string { return "credit_usage_records" }
