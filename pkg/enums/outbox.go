package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type enum in Postgres.
type OutboxAggregateType string

const (
	AggregateTransaction   OutboxAggregateType = "escrow_transaction"
	AggregateDispute       OutboxAggregateType = "dispute"
	AggregatePayoutRequest OutboxAggregateType = "payout_request"
	AggregateManualReview  OutboxAggregateType = "manual_review"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateTransaction,
	AggregateDispute,
	AggregatePayoutRequest,
	AggregateManualReview,
}

// IsValid reports whether the value matches the canonical aggregate_type enum.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to the event_type enum in Postgres.
type OutboxEventType string

const (
	EventTransactionCreated   OutboxEventType = "transaction_created"
	EventTransactionPaid      OutboxEventType = "transaction_paid"
	EventTransactionShipped   OutboxEventType = "transaction_shipped"
	EventTransactionDelivered OutboxEventType = "transaction_delivered"
	EventTransactionCompleted OutboxEventType = "transaction_completed"
	EventTransactionCancelled OutboxEventType = "transaction_cancelled"
	EventPaymentFailed        OutboxEventType = "payment_failed"
	EventManualReviewFlagged  OutboxEventType = "manual_review_flagged"
	EventDisputeOpened        OutboxEventType = "dispute_opened"
	EventDisputeUnderReview   OutboxEventType = "dispute_under_review"
	EventDisputeResolved      OutboxEventType = "dispute_resolved"
	EventRefundRequested      OutboxEventType = "refund_requested"
	EventRefundIssued         OutboxEventType = "refund_issued"
	EventFundsReleased        OutboxEventType = "funds_released"
	EventPayoutRequested      OutboxEventType = "payout_requested"
	EventPayoutProcessed      OutboxEventType = "payout_processed"
)

var validOutboxEventTypes = []OutboxEventType{
	EventTransactionCreated,
	EventTransactionPaid,
	EventTransactionShipped,
	EventTransactionDelivered,
	EventTransactionCompleted,
	EventTransactionCancelled,
	EventPaymentFailed,
	EventManualReviewFlagged,
	EventDisputeOpened,
	EventDisputeUnderReview,
	EventDisputeResolved,
	EventRefundRequested,
	EventRefundIssued,
	EventFundsReleased,
	EventPayoutRequested,
	EventPayoutProcessed,
}

// IsValid reports whether the value matches the canonical event_type enum.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox event type %q", value)
}
