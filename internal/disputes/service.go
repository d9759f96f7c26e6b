package disputes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"

	"github.com/nearmarket/escrow-engine/internal/commission"
	"github.com/nearmarket/escrow-engine/internal/escrow"
	"github.com/nearmarket/escrow-engine/pkg/db"
	"github.com/nearmarket/escrow-engine/pkg/db/models"
	"github.com/nearmarket/escrow-engine/pkg/enums"
	pkgerrors "github.com/nearmarket/escrow-engine/pkg/errors"
	"github.com/nearmarket/escrow-engine/pkg/outbox"
	"github.com/nearmarket/escrow-engine/pkg/outbox/payloads"
)

const (
	defaultTransitionRetries = 3
	retryBaseDelay           = 25 * time.Millisecond

	activeDisputeConstraint = "ux_disputes_one_active_per_transaction"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service arbitrates disputes over funded transactions. Opening a dispute
// freezes the escrow hold; resolution settles it with exactly one money
// effect, either a release to the seller or a refund instruction.
type Service interface {
	Open(ctx context.Context, input OpenInput) (*models.Dispute, error)
	StartReview(ctx context.Context, input ReviewInput) (*models.Dispute, error)
	Resolve(ctx context.Context, input ResolveInput) (*models.Dispute, error)
	Close(ctx context.Context, input CloseInput) (*models.Dispute, error)
}

type service struct {
	repo    Repository
	txns    escrow.Repository
	tx      txRunner
	outbox  outboxPublisher
	calc    *commission.Calculator
	retries int
	now     func() time.Time
}

// ServiceParams collects the service dependencies.
type ServiceParams struct {
	Repo    Repository
	Txns    escrow.Repository
	Tx      txRunner
	Outbox  outboxPublisher
	Calc    *commission.Calculator
	Retries int
	Now     func() time.Time
}

// NewService validates dependencies and builds the dispute service.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("dispute repository required")
	}
	if params.Txns == nil {
		return nil, fmt.Errorf("escrow repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if params.Calc == nil {
		return nil, fmt.Errorf("commission calculator required")
	}
	retries := params.Retries
	if retries <= 0 {
		retries = defaultTransitionRetries
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:    params.Repo,
		txns:    params.Txns,
		tx:      params.Tx,
		outbox:  params.Outbox,
		calc:    params.Calc,
		retries: retries,
		now:     now,
	}, nil
}

func (s *service) Open(ctx context.Context, input OpenInput) (*models.Dispute, error) {
	if !input.Reason.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid dispute reason")
	}
	if err := input.Evidence.Validate(); err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, err.Error())
	}
	if input.Actor.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "actor required")
	}

	if _, err := s.repo.FindActiveByTransaction(ctx, input.TransactionID); err == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDisputeAlreadyOpen, "transaction already has an active dispute")
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check active dispute")
	}

	var dispute *models.Dispute
	err := s.retryCAS(ctx, func(ctx context.Context) error {
		return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			txnRepo := s.txns.WithTx(tx)
			txn, err := txnRepo.FindByID(ctx, input.TransactionID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found")
				}
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load transaction")
			}

			now := s.now()
			if _, err := escrow.ApplyTransitionTx(ctx, txnRepo, txn, enums.EventOpenDispute, input.Actor, now, map[string]any{
				"dispute_reason": input.Reason,
			}); err != nil {
				return err
			}

			dispute = &models.Dispute{
				TransactionID: txn.ID,
				RaisedBy:      input.Actor.UserID,
				Reason:        input.Reason,
				Evidence:      input.Evidence,
				Status:        enums.DisputeStatusOpen,
			}
			if err := s.repo.WithTx(tx).Create(ctx, dispute); err != nil {
				if db.IsUniqueViolation(err, activeDisputeConstraint) {
					return pkgerrors.New(pkgerrors.CodeDisputeAlreadyOpen, "transaction already has an active dispute")
				}
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create dispute")
			}

			return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventDisputeOpened,
				AggregateType: enums.AggregateDispute,
				AggregateID:   dispute.ID,
				Version:       1,
				Actor:         actorRef(input.Actor),
				Data: payloads.DisputeEvent{
					DisputeID:     dispute.ID,
					TransactionID: txn.ID,
					RaisedBy:      input.Actor.UserID,
					Reason:        input.Reason,
					Status:        enums.DisputeStatusOpen,
				},
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return dispute, nil
}

func (s *service) StartReview(ctx context.Context, input ReviewInput) (*models.Dispute, error) {
	if err := requireAdmin(input.Actor); err != nil {
		return nil, err
	}

	dispute, err := s.findDispute(ctx, input.DisputeID)
	if err != nil {
		return nil, err
	}
	if dispute.Status != enums.DisputeStatusOpen {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "dispute is not open").
			WithDetails(map[string]string{"status": dispute.Status.String()})
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Update(ctx, dispute.ID, map[string]any{
			"status":      enums.DisputeStatusUnderReview,
			"reviewed_by": input.Actor.UserID,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update dispute")
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventDisputeUnderReview,
			AggregateType: enums.AggregateDispute,
			AggregateID:   dispute.ID,
			Version:       1,
			Actor:         actorRef(input.Actor),
			Data: payloads.DisputeEvent{
				DisputeID:     dispute.ID,
				TransactionID: dispute.TransactionID,
				RaisedBy:      dispute.RaisedBy,
				Reason:        dispute.Reason,
				Status:        enums.DisputeStatusUnderReview,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	dispute.Status = enums.DisputeStatusUnderReview
	dispute.ReviewedBy = &input.Actor.UserID
	return dispute, nil
}

func (s *service) Resolve(ctx context.Context, input ResolveInput) (*models.Dispute, error) {
	if err := requireAdmin(input.Actor); err != nil {
		return nil, err
	}
	if !input.Outcome.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid dispute outcome")
	}

	dispute, err := s.findDispute(ctx, input.DisputeID)
	if err != nil {
		return nil, err
	}
	if !dispute.Status.IsActive() {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "dispute is already settled").
			WithDetails(map[string]string{"status": dispute.Status.String()})
	}

	err = s.retryCAS(ctx, func(ctx context.Context) error {
		return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			txnRepo := s.txns.WithTx(tx)
			txn, err := txnRepo.FindByID(ctx, dispute.TransactionID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load transaction")
			}

			now := s.now()
			plan, err := s.resolutionPlan(dispute, txn, input, now)
			if err != nil {
				return err
			}

			if _, err := escrow.ApplyTransitionTx(ctx, txnRepo, txn, plan.event, input.Actor, now, plan.txnUpdates); err != nil {
				return err
			}

			if err := s.repo.WithTx(tx).Update(ctx, dispute.ID, map[string]any{
				"status":              enums.DisputeStatusResolved,
				"outcome":             input.Outcome,
				"refund_amount_cents": plan.refundCents,
				"admin_notes":         input.AdminNotes,
				"reviewed_by":         input.Actor.UserID,
				"resolved_at":         now,
			}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update dispute")
			}

			for _, event := range plan.events {
				if err := s.outbox.Emit(ctx, tx, event); err != nil {
					return err
				}
			}
			dispute.Status = enums.DisputeStatusResolved
			dispute.Outcome = &input.Outcome
			dispute.RefundAmountCents = plan.refundCents
			dispute.ResolvedAt = &now
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return dispute, nil
}

func (s *service) Close(ctx context.Context, input CloseInput) (*models.Dispute, error) {
	if err := requireAdmin(input.Actor); err != nil {
		return nil, err
	}

	dispute, err := s.findDispute(ctx, input.DisputeID)
	if err != nil {
		return nil, err
	}
	if dispute.Status != enums.DisputeStatusResolved {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "only resolved disputes can be closed").
			WithDetails(map[string]string{"status": dispute.Status.String()})
	}
	if dispute.RefundAmountCents > 0 && dispute.RefundIssuedAt == nil {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "refund has not been issued yet")
	}

	now := s.now()
	if err := s.repo.Update(ctx, dispute.ID, map[string]any{
		"status":    enums.DisputeStatusClosed,
		"closed_at": now,
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "close dispute")
	}

	dispute.Status = enums.DisputeStatusClosed
	dispute.ClosedAt = &now
	return dispute, nil
}

// resolutionPlan translates an outcome into the escrow event, ledger updates
// and outbox events it implies. Exactly one money effect leaves here, either
// funds_released or refund_requested.
type resolutionPlan struct {
	event       enums.TransactionEvent
	txnUpdates  map[string]any
	refundCents int64
	events      []outbox.DomainEvent
}

func (s *service) resolutionPlan(dispute *models.Dispute, txn *models.EscrowTransaction, input ResolveInput, now time.Time) (*resolutionPlan, error) {
	plan := &resolutionPlan{}

	switch input.Outcome {
	case enums.DisputeOutcomeReleaseToSeller:
		if input.RefundAmountCents != 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "release outcome cannot carry a refund amount")
		}
		plan.event = enums.EventResolveRelease
		plan.txnUpdates = map[string]any{"completed_at": now}
		plan.events = append(plan.events, outbox.DomainEvent{
			EventType:     enums.EventFundsReleased,
			AggregateType: enums.AggregateTransaction,
			AggregateID:   txn.ID,
			Version:       1,
			Actor:         actorRef(input.Actor),
			Data: payloads.FundsReleasedEvent{
				TransactionID:     txn.ID,
				SellerID:          txn.SellerID,
				SellerAmountCents: txn.SellerAmountCents,
				ReleasedAt:        now,
			},
		})

	case enums.DisputeOutcomeRefundToBuyer:
		refund := input.RefundAmountCents
		if refund == 0 {
			refund = txn.AmountCents
		}
		if refund != txn.AmountCents {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "full refund must return the whole amount")
		}
		plan.event = enums.EventResolveRefund
		plan.refundCents = refund
		reason := "dispute resolved in the buyer's favor"
		plan.txnUpdates = map[string]any{
			"cancelled_at":          now,
			"cancellation_reason":   reason,
			"seller_amount_cents":   int64(0),
			"commission_cents":      int64(0),
			"refunded_amount_cents": refund,
		}
		plan.events = append(plan.events, refundRequestedEvent(dispute, txn, refund, input.Actor))

	case enums.DisputeOutcomePartial:
		refund := input.RefundAmountCents
		original := commission.Split{
			AmountCents:       txn.AmountCents,
			CommissionBps:     txn.CommissionBps,
			CommissionCents:   txn.CommissionCents,
			SellerAmountCents: txn.SellerAmountCents,
		}
		sellerCents, commissionCents, err := s.calc.PartialRefund(original, refund)
		if err != nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, err.Error())
		}
		plan.event = enums.EventResolveRelease
		plan.refundCents = refund
		plan.txnUpdates = map[string]any{
			"completed_at":          now,
			"seller_amount_cents":   sellerCents,
			"commission_cents":      commissionCents,
			"refunded_amount_cents": refund,
		}
		plan.events = append(plan.events, refundRequestedEvent(dispute, txn, refund, input.Actor))

	default:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid dispute outcome")
	}

	plan.events = append(plan.events, outbox.DomainEvent{
		EventType:     enums.EventDisputeResolved,
		AggregateType: enums.AggregateDispute,
		AggregateID:   dispute.ID,
		Version:       1,
		Actor:         actorRef(input.Actor),
		Data: payloads.DisputeResolvedEvent{
			DisputeID:         dispute.ID,
			TransactionID:     txn.ID,
			Outcome:           input.Outcome,
			RefundAmountCents: plan.refundCents,
			ResolvedAt:        now,
		},
	})
	return plan, nil
}

func refundRequestedEvent(dispute *models.Dispute, txn *models.EscrowTransaction, refundCents int64, actor escrow.Actor) outbox.DomainEvent {
	reference := ""
	if txn.PaymentReference != nil {
		reference = *txn.PaymentReference
	}
	return outbox.DomainEvent{
		EventType:     enums.EventRefundRequested,
		AggregateType: enums.AggregateDispute,
		AggregateID:   dispute.ID,
		Version:       1,
		Actor:         actorRef(actor),
		Data: payloads.RefundRequestedEvent{
			DisputeID:         dispute.ID,
			TransactionID:     txn.ID,
			BuyerID:           txn.BuyerID,
			PaymentReference:  reference,
			RefundAmountCents: refundCents,
		},
	}
}

func (s *service) findDispute(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	dispute, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "dispute not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load dispute")
	}
	return dispute, nil
}

// retryCAS reruns fn while it loses the version race on the transaction row.
func (s *service) retryCAS(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(s.retries), retry.NewConstant(retryBaseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && pkgerrors.HasCode(err, pkgerrors.CodeConcurrentModify) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func requireAdmin(actor escrow.Actor) error {
	if actor.Role != enums.ActorRoleAdmin {
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
