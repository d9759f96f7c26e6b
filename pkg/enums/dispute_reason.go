package enums

import "fmt"

// DisputeReason categorizes why a party opened a dispute.
type DisputeReason string

const (
	DisputeReasonItemNotReceived    DisputeReason = "item_not_received"
	DisputeReasonItemNotAsDescribed DisputeReason = "item_not_as_described"
	DisputeReasonItemDamaged        DisputeReason = "item_damaged"
	DisputeReasonWrongItem          DisputeReason = "wrong_item"
	DisputeReasonBuyerUnresponsive  DisputeReason = "buyer_unresponsive"
	DisputeReasonOther              DisputeReason = "other"
)

var validDisputeReasons = []DisputeReason{
	DisputeReasonItemNotReceived,
	DisputeReasonItemNotAsDescribed,
	DisputeReasonItemDamaged,
	DisputeReasonWrongItem,
	DisputeReasonBuyerUnresponsive,
	DisputeReasonOther,
}

// IsValid reports whether the value is a known DisputeReason.
func (d DisputeReason) IsValid() bool {
	for _, candidate := range validDisputeReasons {
		if candidate == d {
			return true
		}
	}
	return false
}

// ParseDisputeReason converts raw input into a DisputeReason.
func ParseDisputeReason(value string) (DisputeReason, error) {
	for _, candidate := range validDisputeReasons {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid dispute reason %q", value)
}
