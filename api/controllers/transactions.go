package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nearmarket/escrow-engine/api/responses"
	"github.com/nearmarket/escrow-engine/api/validators"
	"github.com/nearmarket/escrow-engine/internal/escrow"
	"github.com/nearmarket/escrow-engine/internal/payments"
	"github.com/nearmarket/escrow-engine/internal/query"
	"github.com/nearmarket/escrow-engine/pkg/db/models"
	"github.com/nearmarket/escrow-engine/pkg/enums"
	pkgerrors "github.com/nearmarket/escrow-engine/pkg/errors"
	"github.com/nearmarket/escrow-engine/pkg/logger"
	"github.com/nearmarket/escrow-engine/pkg/pagination"
	"github.com/nearmarket/escrow-engine/pkg/types"
)

type createTransactionRequest struct {
	SellerID      string                `json:"seller_id" validate:"required,uuid"`
	ListingID     string                `json:"listing_id" validate:"required,uuid"`
	AmountCents   int64                 `json:"amount_cents" validate:"required,gt=0"`
	PaymentMethod string                `json:"payment_method" validate:"required"`
	Delivery      types.DeliveryDetails `json:"delivery"`
}

// CreateTransaction opens an escrow hold with the caller as buyer.
func CreateTransaction(svc escrow.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req createTransactionRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sellerID, err := uuid.Parse(req.SellerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid seller id"))
			return
		}
		listingID, err := uuid.Parse(req.ListingID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid listing id"))
			return
		}
		method, err := enums.ParsePaymentMethod(req.PaymentMethod)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid payment method"))
			return
		}

		txn, err := svc.Create(r.Context(), escrow.CreateInput{
			BuyerID:       actor.UserID,
			SellerID:      sellerID,
			ListingID:     listingID,
			AmountCents:   req.AmountCents,
			PaymentMethod: method,
			Delivery:      req.Delivery,
			Actor:         actor,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, txn)
	}
}

// ListTransactions serves the caller's history from the buyer or seller side.
func ListTransactions(svc query.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		statuses, err := parseStatusFilter(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		params := query.HistoryParams{
			UserID:   actor.UserID,
			Statuses: statuses,
			Limit:    limit,
			Cursor:   strings.TrimSpace(r.URL.Query().Get("cursor")),
		}

		side := strings.TrimSpace(r.URL.Query().Get("side"))
		var list *query.ListResult
		switch side {
		case "", "buyer":
			list, err = svc.BuyerHistory(r.Context(), params)
		case "seller":
			list, err = svc.SellerHistory(r.Context(), params)
		default:
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "side must be buyer or seller"))
			return
		}
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, list)
	}
}

// TransactionDetail returns the ledger row, disputes and timeline for one hold.
func TransactionDetail(svc query.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		txnID, err := parseTransactionID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		detail, err := svc.TransactionDetail(r.Context(), txnID, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, detail)
	}
}

type cancelTransactionRequest struct {
	Reason *string `json:"reason" validate:"omitempty,max=500"`
}

// CancelTransaction voids a hold that has not been funded yet.
func CancelTransaction(svc escrow.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		txnID, err := parseTransactionID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req cancelTransactionRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		txn, err := svc.Cancel(r.Context(), escrow.CancelInput{
			TransactionID: txnID,
			Reason:        req.Reason,
			Actor:         actor,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, txn)
	}
}

type verifyPaymentRequest struct {
	PaymentReference string `json:"payment_reference" validate:"required,max=200"`
}

// VerifyPayment lets the buyer's client confirm a capture without waiting for
// the gateway webhook.
func VerifyPayment(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := actorFromRequest(r); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		txnID, err := parseTransactionID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req verifyPaymentRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		txn, err := svc.Verify(r.Context(), payments.VerifyInput{
			TransactionID: txnID,
			Reference:     validators.SanitizeString(req.PaymentReference, 200),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, txn)
	}
}

type shipTransactionRequest struct {
	TrackingNumber *string `json:"tracking_number" validate:"omitempty,max=100"`
}

// ShipTransaction records the seller's handoff.
func ShipTransaction(svc escrow.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		txnID, err := parseTransactionID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req shipTransactionRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		txn, err := svc.MarkShipped(r.Context(), escrow.ShipInput{
			TransactionID:  txnID,
			TrackingNumber: req.TrackingNumber,
			Actor:          actor,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, txn)
	}
}

// ConfirmDelivery records the buyer's receipt of the goods.
func ConfirmDelivery(svc escrow.Service, logg *logger.Logger) http.HandlerFunc {
	return transitionHandler(svc.ConfirmDelivery, logg)
}

// ConfirmSatisfaction releases the held funds to the seller.
func ConfirmSatisfaction(svc escrow.Service, logg *logger.Logger) http.HandlerFunc {
	return transitionHandler(svc.ConfirmSatisfaction, logg)
}

func transitionHandler(
	apply func(ctx context.Context, input escrow.ConfirmInput) (*models.EscrowTransaction, error),
	logg *logger.Logger,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		txnID, err := parseTransactionID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		txn, err := apply(r.Context(), escrow.ConfirmInput{TransactionID: txnID, Actor: actor})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, txn)
	}
}

func parseTransactionID(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "transactionId"))
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid transaction id")
	}
	return id, nil
}

func parseStatusFilter(r *http.Request) ([]enums.TransactionStatus, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("status"))
	if raw == "" {
		return nil, nil
	}
	var statuses []enums.TransactionStatus
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		status, err := enums.ParseTransactionStatus(part)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status filter")
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
