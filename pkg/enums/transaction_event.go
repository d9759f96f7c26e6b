package enums

import "fmt"

// TransactionEvent names the inputs accepted by the escrow state machine.
type TransactionEvent string

const (
	EventPaymentVerified     TransactionEvent = "payment_verified"
	EventCancel              TransactionEvent = "cancel"
	EventMarkShipped         TransactionEvent = "mark_shipped"
	EventConfirmDelivery     TransactionEvent = "confirm_delivery"
	EventConfirmSatisfaction TransactionEvent = "confirm_satisfaction"
	EventOpenDispute         TransactionEvent = "open_dispute"
	EventResolveRelease      TransactionEvent = "resolve_release"
	EventResolveRefund       TransactionEvent = "resolve_refund"
)

var validTransactionEvents = []TransactionEvent{
	EventPaymentVerified,
	EventCancel,
	EventMarkShipped,
	EventConfirmDelivery,
	EventConfirmSatisfaction,
	EventOpenDispute,
	EventResolveRelease,
	EventResolveRefund,
}

// String implements fmt.Stringer.
func (e TransactionEvent) String() string {
	return string(e)
}

// IsValid reports whether the value is a known TransactionEvent.
func (e TransactionEvent) IsValid() bool {
	for _, candidate := range validTransactionEvents {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseTransactionEvent converts raw input into a TransactionEvent.
func ParseTransactionEvent(value string) (TransactionEvent, error) {
	for _, candidate := range validTransactionEvents {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid transaction event %q", value)
}
