package types

import (
	"fmt"
	"strings"

	"github.com/nearmarket/escrow-engine/pkg/enums"
)

// DeliveryDetails captures how the item changes hands. The required fields
// depend on the chosen option: face_to_face needs a meeting point,
// seller_delivery needs a drop-off address. The tracking number attaches
// later, when the seller marks the transaction shipped.
type DeliveryDetails struct {
	Option         enums.DeliveryOption `json:"option"`
	MeetingPoint   *string              `json:"meeting_point,omitempty"`
	Address        *string              `json:"address,omitempty"`
	TrackingNumber *string              `json:"tracking_number,omitempty"`
	Notes          *string              `json:"notes,omitempty"`
}

// Validate enforces the per-option required fields.
func (d DeliveryDetails) Validate() error {
	switch d.Option {
	case enums.DeliveryOptionFaceToFace:
		if d.MeetingPoint == nil || strings.TrimSpace(*d.MeetingPoint) == "" {
			return fmt.Errorf("delivery details: face_to_face requires a meeting point")
		}
	case enums.DeliveryOptionSellerDelivery:
		if d.Address == nil || strings.TrimSpace(*d.Address) == "" {
			return fmt.Errorf("delivery details: seller_delivery requires an address")
		}
	default:
		return fmt.Errorf("delivery details: invalid option %q", d.Option)
	}
	return nil
}
