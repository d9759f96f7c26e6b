package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/nearmarket/escrow-engine/pkg/enums"
)

// TransactionCreatedEvent announces a new escrow hold awaiting payment.
type TransactionCreatedEvent struct {
	TransactionID uuid.UUID           `json:"transactionId"`
	BuyerID       uuid.UUID           `json:"buyerId"`
	SellerID      uuid.UUID           `json:"sellerId"`
	ListingID     uuid.UUID           `json:"listingId"`
	AmountCents   int64               `json:"amountCents"`
	PaymentMethod enums.PaymentMethod `json:"paymentMethod"`
}

// TransactionStatusEvent covers the plain lifecycle hops: paid, shipped,
// delivered, completed. Message seeds the buyer/seller chat thread.
type TransactionStatusEvent struct {
	TransactionID uuid.UUID               `json:"transactionId"`
	BuyerID       uuid.UUID               `json:"buyerId"`
	SellerID      uuid.UUID               `json:"sellerId"`
	Status        enums.TransactionStatus `json:"status"`
	OccurredAt    time.Time               `json:"occurredAt"`
	Message       string                  `json:"message,omitempty"`
}

// TransactionCancelledEvent is emitted on pre-payment cancellation and on
// refund resolutions that void the hold.
type TransactionCancelledEvent struct {
	TransactionID uuid.UUID `json:"transactionId"`
	BuyerID       uuid.UUID `json:"buyerId"`
	SellerID      uuid.UUID `json:"sellerId"`
	CancelledAt   time.Time `json:"cancelledAt"`
	Reason        string    `json:"reason,omitempty"`
}

// PaymentFailedEvent reports a gateway decline; the hold stays pending.
type PaymentFailedEvent struct {
	TransactionID    uuid.UUID `json:"transactionId"`
	BuyerID          uuid.UUID `json:"buyerId"`
	PaymentReference string    `json:"paymentReference"`
	Reason           string    `json:"reason,omitempty"`
}

// ManualReviewFlaggedEvent alerts operators to an amount mismatch.
type ManualReviewFlaggedEvent struct {
	FlagID              uuid.UUID `json:"flagId"`
	TransactionID       uuid.UUID `json:"transactionId"`
	PaymentReference    string    `json:"paymentReference"`
	ExpectedAmountCents int64     `json:"expectedAmountCents"`
	ActualAmountCents   int64     `json:"actualAmountCents"`
}

// DisputeEvent covers dispute_opened and dispute_under_review.
type DisputeEvent struct {
	DisputeID     uuid.UUID           `json:"disputeId"`
	TransactionID uuid.UUID           `json:"transactionId"`
	RaisedBy      uuid.UUID           `json:"raisedBy"`
	Reason        enums.DisputeReason `json:"reason"`
	Status        enums.DisputeStatus `json:"status"`
}

// DisputeResolvedEvent carries the arbiter's decision.
type DisputeResolvedEvent struct {
	DisputeID         uuid.UUID            `json:"disputeId"`
	TransactionID     uuid.UUID            `json:"transactionId"`
	Outcome           enums.DisputeOutcome `json:"outcome"`
	RefundAmountCents int64                `json:"refundAmountCents"`
	ResolvedAt        time.Time            `json:"resolvedAt"`
}

// RefundRequestedEvent instructs the refund sweep to push money back to the
// buyer through the gateway.
type RefundRequestedEvent struct {
	DisputeID         uuid.UUID `json:"disputeId"`
	TransactionID     uuid.UUID `json:"transactionId"`
	BuyerID           uuid.UUID `json:"buyerId"`
	PaymentReference  string    `json:"paymentReference"`
	RefundAmountCents int64     `json:"refundAmountCents"`
}

// RefundIssuedEvent confirms the gateway accepted the refund.
type RefundIssuedEvent struct {
	DisputeID         uuid.UUID `json:"disputeId"`
	TransactionID     uuid.UUID `json:"transactionId"`
	BuyerID           uuid.UUID `json:"buyerId"`
	RefundAmountCents int64     `json:"refundAmountCents"`
	IssuedAt          time.Time `json:"issuedAt"`
}

// FundsReleasedEvent marks the seller's share as payout-eligible.
type FundsReleasedEvent struct {
	TransactionID     uuid.UUID `json:"transactionId"`
	SellerID          uuid.UUID `json:"sellerId"`
	SellerAmountCents int64     `json:"sellerAmountCents"`
	ReleasedAt        time.Time `json:"releasedAt"`
}

// PayoutRequestedEvent announces a new pending payout batch.
type PayoutRequestedEvent struct {
	PayoutID         uuid.UUID   `json:"payoutId"`
	SellerID         uuid.UUID   `json:"sellerId"`
	AmountCents      int64       `json:"amountCents"`
	TransactionIDs   []uuid.UUID `json:"transactionIds"`
	TransactionCount int         `json:"transactionCount"`
}

// PayoutProcessedEvent reports the terminal outcome of a payout batch.
type PayoutProcessedEvent struct {
	PayoutID      uuid.UUID          `json:"payoutId"`
	SellerID      uuid.UUID          `json:"sellerId"`
	AmountCents   int64              `json:"amountCents"`
	Status        enums.PayoutStatus `json:"status"`
	PayoutRef     *string            `json:"payoutRef,omitempty"`
	FailureReason *string            `json:"failureReason,omitempty"`
	ProcessedAt   time.Time          `json:"processedAt"`
}
