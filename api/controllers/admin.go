package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nearmarket/escrow-engine/api/responses"
	"github.com/nearmarket/escrow-engine/api/validators"
	"github.com/nearmarket/escrow-engine/internal/payments"
	"github.com/nearmarket/escrow-engine/internal/query"
	pkgerrors "github.com/nearmarket/escrow-engine/pkg/errors"
	"github.com/nearmarket/escrow-engine/pkg/logger"
	"github.com/nearmarket/escrow-engine/pkg/pagination"
)

// AdminListTransactions serves the operator dashboard list.
func AdminListTransactions(svc query.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
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

		params := query.AdminListParams{
			Statuses:     statuses,
			DisputedOnly: r.URL.Query().Get("disputed") == "true",
			Limit:        limit,
			Cursor:       strings.TrimSpace(r.URL.Query().Get("cursor")),
		}

		if buyerID, err := parseOptionalUUID(r, "buyer_id"); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		} else {
			params.BuyerID = buyerID
		}
		if sellerID, err := parseOptionalUUID(r, "seller_id"); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		} else {
			params.SellerID = sellerID
		}

		list, err := svc.AdminList(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, list)
	}
}

// ManualReviewQueue lists unresolved amount-mismatch flags, oldest first.
func ManualReviewQueue(svc query.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		flags, err := svc.ManualReviewQueue(r.Context(), actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, flags)
	}
}

// ResolveManualReview marks a flag as handled by the acting admin.
func ResolveManualReview(repo payments.FlagRepository, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		raw := strings.TrimSpace(chi.URLParam(r, "reviewId"))
		if raw == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "review id is required"))
			return
		}
		reviewID, err := uuid.Parse(raw)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid review id"))
			return
		}

		if err := repo.Resolve(r.Context(), reviewID, actor.UserID); err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve review flag"))
			return
		}

		responses.WriteSuccess(w, map[string]string{"status": "resolved"})
	}
}

func parseOptionalUUID(r *http.Request, key string) (*uuid.UUID, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid "+key)
	}
	return &id, nil
}
