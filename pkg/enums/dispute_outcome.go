package enums

import "fmt"

// DisputeOutcome is the arbiter's decision on a dispute.
type DisputeOutcome string

const (
	DisputeOutcomeReleaseToSeller DisputeOutcome = "release_to_seller"
	DisputeOutcomeRefundToBuyer   DisputeOutcome = "refund_to_buyer"
	DisputeOutcomePartial         DisputeOutcome = "partial"
)

var validDisputeOutcomes = []DisputeOutcome{
	DisputeOutcomeReleaseToSeller,
	DisputeOutcomeRefundToBuyer,
	DisputeOutcomePartial,
}

// IsValid reports whether the value is a known DisputeOutcome.
func (d DisputeOutcome) IsValid() bool {
	for _, candidate := range validDisputeOutcomes {
		if candidate == d {
			return true
		}
	}
	return false
}

// ParseDisputeOutcome converts raw input into a DisputeOutcome.
func ParseDisputeOutcome(value string) (DisputeOutcome, error) {
	for _, candidate := range validDisputeOutcomes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid dispute outcome %q", value)
}
