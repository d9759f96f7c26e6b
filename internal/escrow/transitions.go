package escrow

import (
	"fmt"

	"github.com/nearmarket/escrow-engine/pkg/db/models"
	"github.com/nearmarket/escrow-engine/pkg/enums"
	pkgerrors "github.com/nearmarket/escrow-engine/pkg/errors"
)

// Party identifies who is firing an event relative to the transaction.
// Buyer and seller are resolved per row from the actor's user id, never
// trusted from the request.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
	PartyAdmin  Party = "admin"
	PartySystem Party = "system"
)

type rule struct {
	to      enums.TransactionStatus
	parties []Party
}

// transitionTable is the single source of truth for the escrow lifecycle.
// Anything not listed here is an invalid transition, regardless of caller.
var transitionTable = map[enums.TransactionStatus]map[enums.TransactionEvent]rule{
	enums.TransactionStatusPending: {
		enums.EventPaymentVerified: {to: enums.TransactionStatusPaid, parties: []Party{PartySystem}},
		enums.EventCancel:          {to: enums.TransactionStatusCancelled, parties: []Party{PartyBuyer, PartySeller, PartyAdmin}},
	},
	enums.TransactionStatusPaid: {
		enums.EventMarkShipped: {to: enums.TransactionStatusShipped, parties: []Party{PartySeller}},
		enums.EventOpenDispute: {to: enums.TransactionStatusDisputed, parties: []Party{PartyBuyer, PartySeller}},
	},
	enums.TransactionStatusShipped: {
		enums.EventConfirmDelivery: {to: enums.TransactionStatusDelivered, parties: []Party{PartyBuyer, PartySystem}},
		enums.EventOpenDispute:     {to: enums.TransactionStatusDisputed, parties: []Party{PartyBuyer, PartySeller}},
	},
	enums.TransactionStatusDelivered: {
		enums.EventConfirmSatisfaction: {to: enums.TransactionStatusCompleted, parties: []Party{PartyBuyer, PartySystem}},
		enums.EventOpenDispute:         {to: enums.TransactionStatusDisputed, parties: []Party{PartyBuyer, PartySeller}},
	},
	enums.TransactionStatusDisputed: {
		enums.EventResolveRelease: {to: enums.TransactionStatusCompleted, parties: []Party{PartyAdmin}},
		enums.EventResolveRefund:  {to: enums.TransactionStatusCancelled, parties: []Party{PartyAdmin}},
	},
}

// Next returns the target status for (from, event) without a party check.
func Next(from enums.TransactionStatus, event enums.TransactionEvent) (enums.TransactionStatus, bool) {
	events, ok := transitionTable[from]
	if !ok {
		return "", false
	}
	r, ok := events[event]
	if !ok {
		return "", false
	}
	return r.to, true
}

// NextFor returns the target status for (from, event) fired by party, or a
// typed error when the transition is undefined or the party is not allowed.
func NextFor(from enums.TransactionStatus, event enums.TransactionEvent, party Party) (enums.TransactionStatus, error) {
	events, ok := transitionTable[from]
	if ok {
		if r, defined := events[event]; defined {
			for _, allowed := range r.parties {
				if allowed == party {
					return r.to, nil
				}
			}
			return "", pkgerrors.New(pkgerrors.CodeForbidden,
				fmt.Sprintf("%s may not perform %s", party, event))
		}
	}
	return "", pkgerrors.New(pkgerrors.CodeInvalidTransition,
		fmt.Sprintf("cannot apply %s while %s", event, from)).
		WithDetails(map[string]string{"status": from.String(), "event": event.String()})
}

// ResolveParty maps an actor onto its role in the transaction.
func ResolveParty(txn *models.EscrowTransaction, actor Actor) (Party, error) {
	switch actor.Role {
	case enums.ActorRoleAdmin:
		return PartyAdmin, nil
	case enums.ActorRoleSystem:
		return PartySystem, nil
	case enums.ActorRoleMember:
		switch actor.UserID {
		case txn.BuyerID:
			return PartyBuyer, nil
		case txn.SellerID:
			return PartySeller, nil
		}
		return "", pkgerrors.New(pkgerrors.CodeForbidden, "actor is not a party to this transaction")
	}
	return "", pkgerrors.New(pkgerrors.CodeUnauthorized, "actor role missing")
}
