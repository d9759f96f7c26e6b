package disputes

import (
	"github.com/google/uuid"

	"github.com/nearmarket/escrow-engine/internal/escrow"
	"github.com/nearmarket/escrow-engine/pkg/enums"
	"github.com/nearmarket/escrow-engine/pkg/types"
)

// OpenInput raises a dispute against a funded transaction.
type OpenInput struct {
	TransactionID uuid.UUID
	Reason        enums.DisputeReason
	Evidence      types.DisputeEvidence
	Actor         escrow.Actor
}

// ReviewInput moves an open dispute into active review.
type ReviewInput struct {
	DisputeID uuid.UUID
	Actor     escrow.Actor
}

// ResolveInput records the arbiter's decision.
type ResolveInput struct {
	DisputeID         uuid.UUID
	Outcome           enums.DisputeOutcome
	RefundAmountCents int64
	AdminNotes        *string
	Actor             escrow.Actor
}

// CloseInput archives a resolved dispute.
type CloseInput struct {
	DisputeID uuid.UUID
	Actor     escrow.Actor
}
