package models

import (
	"time"

	"github.com/google/uuid"
)

// ManualReviewFlag records a payment verification that could not be applied
// automatically, e.g. the gateway-captured amount did not match the ledger.
type ManualReviewFlag struct {
	ID                  uuid.UUID  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	TransactionID       uuid.UUID  `gorm:"column:transaction_id;type:uuid;not null"`
	PaymentReference    string     `gorm:"column:payment_reference;not null"`
	ExpectedAmountCents int64      `gorm:"column:expected_amount_cents;not null"`
	ActualAmountCents   int64      `gorm:"column:actual_amount_cents;not null"`
	Note                string     `gorm:"column:note;not null"`
	ResolvedBy          *uuid.UUID `gorm:"column:resolved_by;type:uuid"`
	ResolvedAt          *time.Time `gorm:"column:resolved_at"`
	CreatedAt           time.Time  `gorm:"column:created_at;autoCreateTime"`
}
