package models

import (
	"time"

	"github.com/google/uuid"

	dbtypes "github.com/nearmarket/escrow-engine/pkg/db/types"
	"github.com/nearmarket/escrow-engine/pkg/enums"
)

// PayoutRequest aggregates a seller's released escrow balances into one
// payable batch. TransactionIDs snapshots the rows claimed at request time;
// the claims themselves live on escrow_transactions.payout_request_id.
type PayoutRequest struct {
	ID             uuid.UUID          `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	SellerID       uuid.UUID          `gorm:"column:seller_id;type:uuid;not null"`
	AmountCents    int64              `gorm:"column:amount_cents;not null"`
	Status         enums.PayoutStatus `gorm:"column:status;type:payout_status;not null;default:'pending'"`
	TransactionIDs dbtypes.UUIDArray  `gorm:"column:transaction_ids;type:uuid[]"`
	PayoutRef      *string            `gorm:"column:payout_ref"`
	FailureReason  *string            `gorm:"column:failure_reason"`
	AttemptCount   int                `gorm:"column:attempt_count;not null;default:0"`
	ProcessedAt    *time.Time         `gorm:"column:processed_at"`
	CreatedAt      time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}
