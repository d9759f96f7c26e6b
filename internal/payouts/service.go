package payouts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nearmarket/escrow-engine/internal/escrow"
	"github.com/nearmarket/escrow-engine/pkg/db/models"
	dbtypes "github.com/nearmarket/escrow-engine/pkg/db/types"
	"github.com/nearmarket/escrow-engine/pkg/enums"
	pkgerrors "github.com/nearmarket/escrow-engine/pkg/errors"
	"github.com/nearmarket/escrow-engine/pkg/outbox"
	"github.com/nearmarket/escrow-engine/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// RequestInput opens a payout batch for a seller's released balance.
type RequestInput struct {
	SellerID uuid.UUID
	Actor    escrow.Actor
}

// ProcessedInput records the terminal outcome reported by the payment rail.
type ProcessedInput struct {
	PayoutID      uuid.UUID
	Success       bool
	PayoutRef     *string
	FailureReason *string
	Actor         escrow.Actor
}

// RetryInput resubmits a failed payout batch.
type RetryInput struct {
	PayoutID uuid.UUID
	Actor    escrow.Actor
}

// CancelInput voids a payout batch and frees its claims.
type CancelInput struct {
	PayoutID uuid.UUID
	Actor    escrow.Actor
}

// Service batches released seller balances into payout requests. A completed
// transaction is claimed by at most one request at a time; failed batches
// keep their claims so the money cannot be counted twice.
type Service interface {
	Request(ctx context.Context, input RequestInput) (*models.PayoutRequest, error)
	MarkProcessing(ctx context.Context, payoutID uuid.UUID, actor escrow.Actor) (*models.PayoutRequest, error)
	MarkProcessed(ctx context.Context, input ProcessedInput) (*models.PayoutRequest, error)
	Retry(ctx context.Context, input RetryInput) (*models.PayoutRequest, error)
	Cancel(ctx context.Context, input CancelInput) (*models.PayoutRequest, error)
}

type service struct {
	repo   Repository
	tx     txRunner
	outbox outboxPublisher
	now    func() time.Time
}

// ServiceParams collects the service dependencies.
type ServiceParams struct {
	Repo   Repository
	Tx     txRunner
	Outbox outboxPublisher
	Now    func() time.Time
}

// NewService validates dependencies and builds the payout service.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("payout repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:   params.Repo,
		tx:     params.Tx,
		outbox: params.Outbox,
		now:    now,
	}, nil
}

func (s *service) Request(ctx context.Context, input RequestInput) (*models.PayoutRequest, error) {
	if input.SellerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "seller id required")
	}
	if input.Actor.Role == enums.ActorRoleMember && input.Actor.UserID != input.SellerID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the seller may request their payout")
	}

	request := &models.PayoutRequest{
		ID:       uuid.New(),
		SellerID: input.SellerID,
		Status:   enums.PayoutStatusPending,
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		claimed, err := repo.ClaimCompleted(ctx, input.SellerID, request.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim completed transactions")
		}
		if len(claimed) == 0 {
			return pkgerrors.New(pkgerrors.CodeInsufficientPayout, "no released balance to pay out")
		}

		ids := make(dbtypes.UUIDArray, 0, len(claimed))
		var total int64
		for _, txn := range claimed {
			ids = append(ids, txn.ID)
			total += txn.SellerAmountCents
		}
		request.AmountCents = total
		request.TransactionIDs = ids

		if err := repo.Create(ctx, request); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payout request")
		}

		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPayoutRequested,
			AggregateType: enums.AggregatePayoutRequest,
			AggregateID:   request.ID,
			Version:       1,
			Actor:         actorRef(input.Actor),
			Data: payloads.PayoutRequestedEvent{
				PayoutID:         request.ID,
				SellerID:         request.SellerID,
				AmountCents:      request.AmountCents,
				TransactionIDs:   ids,
				TransactionCount: len(ids),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return request, nil
}

func (s *service) MarkProcessing(ctx context.Context, payoutID uuid.UUID, actor escrow.Actor) (*models.PayoutRequest, error) {
	if err := requireOperator(actor); err != nil {
		return nil, err
	}

	request, err := s.findRequest(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if request.Status != enums.PayoutStatusPending {
		return nil, statusConflict(request)
	}

	if err := s.repo.Update(ctx, request.ID, map[string]any{
		"status":        enums.PayoutStatusProcessing,
		"attempt_count": gorm.Expr("attempt_count + 1"),
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payout request")
	}

	request.Status = enums.PayoutStatusProcessing
	request.AttemptCount++
	return request, nil
}

func (s *service) MarkProcessed(ctx context.Context, input ProcessedInput) (*models.PayoutRequest, error) {
	if err := requireOperator(input.Actor); err != nil {
		return nil, err
	}

	request, err := s.findRequest(ctx, input.PayoutID)
	if err != nil {
		return nil, err
	}
	if request.Status != enums.PayoutStatusPending && request.Status != enums.PayoutStatusProcessing {
		return nil, statusConflict(request)
	}

	now := s.now()
	status := enums.PayoutStatusCompleted
	updates := map[string]any{
		"status":       status,
		"processed_at": now,
	}
	if input.Success {
		if input.PayoutRef == nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "payout reference required on success")
		}
		updates["payout_ref"] = input.PayoutRef
	} else {
		status = enums.PayoutStatusFailed
		updates["status"] = status
		updates["failure_reason"] = input.FailureReason
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Update(ctx, request.ID, updates); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payout request")
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPayoutProcessed,
			AggregateType: enums.AggregatePayoutRequest,
			AggregateID:   request.ID,
			Version:       1,
			Actor:         actorRef(input.Actor),
			Data: payloads.PayoutProcessedEvent{
				PayoutID:      request.ID,
				SellerID:      request.SellerID,
				AmountCents:   request.AmountCents,
				Status:        status,
				PayoutRef:     input.PayoutRef,
				FailureReason: input.FailureReason,
				ProcessedAt:   now,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	request.Status = status
	request.PayoutRef = input.PayoutRef
	request.FailureReason = input.FailureReason
	request.ProcessedAt = &now
	return request, nil
}

func (s *service) Retry(ctx context.Context, input RetryInput) (*models.PayoutRequest, error) {
	if err := requireOperator(input.Actor); err != nil {
		return nil, err
	}

	request, err := s.findRequest(ctx, input.PayoutID)
	if err != nil {
		return nil, err
	}
	if request.Status != enums.PayoutStatusFailed {
		return nil, statusConflict(request)
	}

	if err := s.repo.Update(ctx, request.ID, map[string]any{
		"status":         enums.PayoutStatusPending,
		"failure_reason": nil,
		"processed_at":   nil,
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payout request")
	}

	request.Status = enums.PayoutStatusPending
	request.FailureReason = nil
	request.ProcessedAt = nil
	return request, nil
}

func (s *service) Cancel(ctx context.Context, input CancelInput) (*models.PayoutRequest, error) {
	if err := requireOperator(input.Actor); err != nil {
		return nil, err
	}

	request, err := s.findRequest(ctx, input.PayoutID)
	if err != nil {
		return nil, err
	}
	if request.Status != enums.PayoutStatusPending && request.Status != enums.PayoutStatusFailed {
		return nil, statusConflict(request)
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.Update(ctx, request.ID, map[string]any{
			"status": enums.PayoutStatusCancelled,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payout request")
		}
		// The claimed transactions go back into the pool for the next batch.
		if _, err := repo.ReleaseClaims(ctx, request.ID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "release claims")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	request.Status = enums.PayoutStatusCancelled
	return request, nil
}

func (s *service) findRequest(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error) {
	request, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payout request not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payout request")
	}
	return request, nil
}

func statusConflict(request *models.PayoutRequest) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict, "payout request is not in an actionable state").
		WithDetails(map[string]string{"status": request.Status.String()})
}

func requireOperator(actor escrow.Actor) error {
	if actor.Role != enums.ActorRoleAdmin && actor.Role != enums.ActorRoleSystem {
		return pkgerrors.New(pkgerrors.CodeForbidden, "admin role required")
	}
	return nil
}

func actorRef(actor escrow.Actor) *outbox.ActorRef {
	if actor.UserID == uuid.Nil && actor.Role == "" {
		return nil
	}
	return &outbox.ActorRef{UserID: actor.UserID, Role: actor.Role.String()}
}
