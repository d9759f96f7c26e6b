package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nearmarket/escrow-engine/internal/escrow"
	"github.com/nearmarket/escrow-engine/pkg/db/models"
	"github.com/nearmarket/escrow-engine/pkg/enums"
	pkgerrors "github.com/nearmarket/escrow-engine/pkg/errors"
	"github.com/nearmarket/escrow-engine/pkg/pagination"
)

const manualReviewQueueLimit = 100

// Service is the read side of the engine. Members see their own history,
// admins see everything.
type Service interface {
	BuyerHistory(ctx context.Context, params HistoryParams) (*ListResult, error)
	SellerHistory(ctx context.Context, params HistoryParams) (*ListResult, error)
	AdminList(ctx context.Context, params AdminListParams) (*ListResult, error)
	TransactionDetail(ctx context.Context, id uuid.UUID, actor escrow.Actor) (*TransactionDetail, error)
	ManualReviewQueue(ctx context.Context, actor escrow.Actor) ([]models.ManualReviewFlag, error)
}

type service struct {
	repo Repository
}

// NewService wires the query dependencies.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("query repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) BuyerHistory(ctx context.Context, params HistoryParams) (*ListResult, error) {
	return s.history(ctx, params, true)
}

func (s *service) SellerHistory(ctx context.Context, params HistoryParams) (*ListResult, error) {
	return s.history(ctx, params, false)
}

func (s *service) history(ctx context.Context, params HistoryParams, asBuyer bool) (*ListResult, error) {
	if params.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	q := listQuery{
		statuses: params.Statuses,
		limit:    params.Limit,
	}
	if asBuyer {
		q.buyerID = &params.UserID
	} else {
		q.sellerID = &params.UserID
	}
	cursor, err := parseCursor(params.Cursor)
	if err != nil {
		return nil, err
	}
	q.cursor = cursor

	return s.list(ctx, q)
}

func (s *service) AdminList(ctx context.Context, params AdminListParams) (*ListResult, error) {
	q := listQuery{
		buyerID:      params.BuyerID,
		sellerID:     params.SellerID,
		statuses:     params.Statuses,
		disputedOnly: params.DisputedOnly,
		limit:        params.Limit,
	}
	cursor, err := parseCursor(params.Cursor)
	if err != nil {
		return nil, err
	}
	q.cursor = cursor

	return s.list(ctx, q)
}

func parseCursor(value string) (*pagination.Cursor, error) {
	cursor, err := pagination.ParseCursor(value)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	return cursor, nil
}

func (s *service) list(ctx context.Context, q listQuery) (*ListResult, error) {
	for _, status := range q.statuses {
		if !status.IsValid() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid status filter").
				WithDetails(map[string]string{"status": string(status)})
		}
	}

	rows, next, err := s.repo.ListTransactions(ctx, q)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list transactions")
	}

	cursor := ""
	if next != nil {
		cursor = pagination.EncodeCursor(*next)
	}
	return &ListResult{Items: rows, Cursor: cursor}, nil
}

func (s *service) TransactionDetail(ctx context.Context, id uuid.UUID, actor escrow.Actor) (*TransactionDetail, error) {
	txn, err := s.repo.FindTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load transaction")
	}

	// Members only see transactions they are a party to.
	if actor.Role == enums.ActorRoleMember &&
		actor.UserID != txn.BuyerID && actor.UserID != txn.SellerID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "not a party to this transaction")
	}

	disputes, err := s.repo.ListDisputesByTransaction(ctx, txn.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list disputes")
	}

	return &TransactionDetail{
		Transaction: *txn,
		Disputes:    disputes,
		Timeline:    timeline(txn),
	}, nil
}

func (s *service) ManualReviewQueue(ctx context.Context, actor escrow.Actor) ([]models.ManualReviewFlag, error) {
	if actor.Role != enums.ActorRoleAdmin {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "admin role required")
	}
	flags, err := s.repo.ListUnresolvedFlags(ctx, manualReviewQueueLimit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list manual review flags")
	}
	return flags, nil
}

// timeline rebuilds the lifecycle from the stamped columns, in order.
func timeline(txn *models.EscrowTransaction) []TimelineEntry {
	entries := []TimelineEntry{{Status: enums.TransactionStatusPending, OccurredAt: txn.CreatedAt}}
	if txn.PaidAt != nil {
		entries = append(entries, TimelineEntry{Status: enums.TransactionStatusPaid, OccurredAt: *txn.PaidAt})
	}
	if txn.ShippedAt != nil {
		entries = append(entries, TimelineEntry{Status: enums.TransactionStatusShipped, OccurredAt: *txn.ShippedAt})
	}
	if txn.DeliveredAt != nil {
		entries = append(entries, TimelineEntry{Status: enums.TransactionStatusDelivered, OccurredAt: *txn.DeliveredAt})
	}
	if txn.CompletedAt != nil {
		entries = append(entries, TimelineEntry{Status: enums.TransactionStatusCompleted, OccurredAt: *txn.CompletedAt})
	}
	if txn.CancelledAt != nil {
		entries = append(entries, TimelineEntry{Status: enums.TransactionStatusCancelled, OccurredAt: *txn.CancelledAt})
	}
	return entries
}
