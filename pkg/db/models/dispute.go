package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/nearmarket/escrow-engine/pkg/enums"
	"github.com/nearmarket/escrow-engine/pkg/types"
)

// Dispute is a claim raised against an escrow transaction. A partial unique
// index guarantees at most one open or under_review dispute per transaction.
type Dispute struct {
	ID                uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	TransactionID     uuid.UUID             `gorm:"column:transaction_id;type:uuid;not null"`
	RaisedBy          uuid.UUID             `gorm:"column:raised_by;type:uuid;not null"`
	Reason            enums.DisputeReason   `gorm:"column:reason;type:dispute_reason;not null"`
	Evidence          types.DisputeEvidence `gorm:"column:evidence;type:jsonb;serializer:json"`
	Status            enums.DisputeStatus   `gorm:"column:status;type:dispute_status;not null;default:'open'"`
	Outcome           *enums.DisputeOutcome `gorm:"column:outcome;type:dispute_outcome"`
	RefundAmountCents int64                 `gorm:"column:refund_amount_cents;not null;default:0"`
	AdminNotes        *string               `gorm:"column:admin_notes"`
	ReviewedBy        *uuid.UUID            `gorm:"column:reviewed_by;type:uuid"`
	RefundIssuedAt    *time.Time            `gorm:"column:refund_issued_at"`
	ResolvedAt        *time.Time            `gorm:"column:resolved_at"`
	ClosedAt          *time.Time            `gorm:"column:closed_at"`
	CreatedAt         time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}
