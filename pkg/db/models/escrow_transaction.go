package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/nearmarket/escrow-engine/pkg/enums"
	"github.com/nearmarket/escrow-engine/pkg/types"
)

// EscrowTransaction is the ledger row for one escrow-held purchase. Money
// columns are integer minor units; the commission split is computed once at
// creation and never recomputed. Version backs the optimistic concurrency
// check on every status transition.
type EscrowTransaction struct {
	ID                   uuid.UUID               `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	BuyerID              uuid.UUID               `gorm:"column:buyer_id;type:uuid;not null"`
	SellerID             uuid.UUID               `gorm:"column:seller_id;type:uuid;not null"`
	ListingID            uuid.UUID               `gorm:"column:listing_id;type:uuid;not null"`
	Status               enums.TransactionStatus `gorm:"column:status;type:transaction_status;not null;default:'pending'"`
	Version              int64                   `gorm:"column:version;not null;default:1"`
	AmountCents          int64                   `gorm:"column:amount_cents;not null"`
	CommissionBps        int                     `gorm:"column:commission_bps;not null"`
	CommissionCents      int64                   `gorm:"column:commission_cents;not null"`
	SellerAmountCents    int64                   `gorm:"column:seller_amount_cents;not null"`
	RefundedAmountCents  int64                   `gorm:"column:refunded_amount_cents;not null;default:0"`
	PaymentMethod        enums.PaymentMethod     `gorm:"column:payment_method;type:payment_method;not null"`
	PaymentReference     *string                 `gorm:"column:payment_reference"`
	Delivery             types.DeliveryDetails   `gorm:"column:delivery;type:jsonb;serializer:json"`
	DisputeReason        *enums.DisputeReason    `gorm:"column:dispute_reason;type:dispute_reason"`
	PayoutRequestID      *uuid.UUID              `gorm:"column:payout_request_id;type:uuid"`
	CancellationReason   *string                 `gorm:"column:cancellation_reason"`
	PaidAt               *time.Time              `gorm:"column:paid_at"`
	ShippedAt            *time.Time              `gorm:"column:shipped_at"`
	DeliveredAt          *time.Time              `gorm:"column:delivered_at"`
	CompletedAt          *time.Time              `gorm:"column:completed_at"`
	CancelledAt          *time.Time              `gorm:"column:cancelled_at"`
	CreatedAt            time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName pins the table name for GORM.
func (EscrowTransaction) TableName() string {
	return "escrow_transactions"
}
