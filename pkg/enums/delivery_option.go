package enums

import "fmt"

// DeliveryOption selects how the item changes hands.
type DeliveryOption string

const (
	DeliveryOptionFaceToFace     DeliveryOption = "face_to_face"
	DeliveryOptionSellerDelivery DeliveryOption = "seller_delivery"
)

var validDeliveryOptions = []DeliveryOption{
	DeliveryOptionFaceToFace,
	DeliveryOptionSellerDelivery,
}

// IsValid reports whether the value is a known DeliveryOption.
func (d DeliveryOption) IsValid() bool {
	for _, candidate := range validDeliveryOptions {
		if candidate == d {
			return true
		}
	}
	return false
}

// ParseDeliveryOption converts raw input into a DeliveryOption.
func ParseDeliveryOption(value string) (DeliveryOption, error) {
	for _, candidate := range validDeliveryOptions {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid delivery option %q", value)
}
