package escrow

import (
	"github.com/google/uuid"

	"github.com/nearmarket/escrow-engine/pkg/enums"
	"github.com/nearmarket/escrow-engine/pkg/types"
)

// Actor is the authenticated identity performing an operation. Controllers
// build it from JWT claims; workers use the system actor.
type Actor struct {
	UserID uuid.UUID
	Role   enums.ActorRole
}

// SystemActor is the identity used by sweeps and the verification pipeline.
var SystemActor = Actor{Role: enums.ActorRoleSystem}

// CreateInput carries everything needed to open an escrow hold.
type CreateInput struct {
	BuyerID       uuid.UUID
	SellerID      uuid.UUID
	ListingID     uuid.UUID
	AmountCents   int64
	PaymentMethod enums.PaymentMethod
	Delivery      types.DeliveryDetails
	Actor         Actor
}

// CancelInput cancels a pending transaction.
type CancelInput struct {
	TransactionID uuid.UUID
	Reason        *string
	Actor         Actor
}

// ShipInput marks a paid transaction as shipped.
type ShipInput struct {
	TransactionID  uuid.UUID
	TrackingNumber *string
	Actor          Actor
}

// ConfirmInput is shared by delivery and satisfaction confirmation.
type ConfirmInput struct {
	TransactionID uuid.UUID
	Actor         Actor
}
