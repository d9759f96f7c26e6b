package query

import (
	"time"

	"github.com/google/uuid"

	"github.com/nearmarket/escrow-engine/pkg/db/models"
	"github.com/nearmarket/escrow-engine/pkg/enums"
)

// HistoryParams configures a buyer or seller history page.
type HistoryParams struct {
	UserID   uuid.UUID
	Statuses []enums.TransactionStatus
	Limit    int
	Cursor   string
}

// AdminListParams configures the operator-facing transaction list.
type AdminListParams struct {
	Statuses     []enums.TransactionStatus
	BuyerID      *uuid.UUID
	SellerID     *uuid.UUID
	DisputedOnly bool
	Limit        int
	Cursor       string
}

// ListResult wraps a transaction page and the cursor for the next page.
type ListResult struct {
	Items  []models.EscrowTransaction `json:"items"`
	Cursor string                     `json:"cursor"`
}

// TimelineEntry is one stamped hop in a transaction's life.
type TimelineEntry struct {
	Status     enums.TransactionStatus `json:"status"`
	OccurredAt time.Time               `json:"occurredAt"`
}

// TransactionDetail is the full picture of one escrow hold: the ledger row,
// every dispute ever raised against it and the stamped timeline.
type TransactionDetail struct {
	Transaction models.EscrowTransaction `json:"transaction"`
	Disputes    []models.Dispute         `json:"disputes"`
	Timeline    []TimelineEntry          `json:"timeline"`
}
