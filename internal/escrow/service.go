package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"

	"github.com/nearmarket/escrow-engine/internal/commission"
	"github.com/nearmarket/escrow-engine/pkg/db/models"
	"github.com/nearmarket/escrow-engine/pkg/enums"
	pkgerrors "github.com/nearmarket/escrow-engine/pkg/errors"
	"github.com/nearmarket/escrow-engine/pkg/metrics"
	"github.com/nearmarket/escrow-engine/pkg/outbox"
	"github.com/nearmarket/escrow-engine/pkg/outbox/payloads"
)

const (
	defaultTransitionRetries = 3
	retryBaseDelay           = 25 * time.Millisecond
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service owns the escrow transaction lifecycle. Every mutation runs as a
// versioned compare-and-swap inside a DB transaction; the first committed
// writer wins and losers observe the refreshed state on retry.
type Service interface {
	Create(ctx context.Context, input CreateInput) (*models.EscrowTransaction, error)
	Cancel(ctx context.Context, input CancelInput) (*models.EscrowTransaction, error)
	MarkShipped(ctx context.Context, input ShipInput) (*models.EscrowTransaction, error)
	ConfirmDelivery(ctx context.Context, input ConfirmInput) (*models.EscrowTransaction, error)
	ConfirmSatisfaction(ctx context.Context, input ConfirmInput) (*models.EscrowTransaction, error)
}

type service struct {
	repo    Repository
	tx      txRunner
	outbox  outboxPublisher
	calc    *commission.Calculator
	metrics *metrics.TransitionMetrics
	retries int
	now     func() time.Time
}

// ServiceParams collects the service dependencies.
type ServiceParams struct {
	Repo    Repository
	Tx      txRunner
	Outbox  outboxPublisher
	Calc    *commission.Calculator
	Metrics *metrics.TransitionMetrics
	Retries int
	Now     func() time.Time
}

// NewService validates dependencies and builds the escrow service.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
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
		tx:      params.Tx,
		outbox:  params.Outbox,
		calc:    params.Calc,
		metrics: params.Metrics,
		retries: retries,
		now:     now,
	}, nil
}

func (s *service) Create(ctx context.Context, input CreateInput) (*models.EscrowTransaction, error) {
	if input.BuyerID == uuid.Nil || input.SellerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "buyer and seller are required")
	}
	if input.BuyerID == input.SellerID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "buyer and seller must differ")
	}
	if input.ListingID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "listing id required")
	}
	if input.Actor.Role == enums.ActorRoleMember && input.Actor.UserID != input.BuyerID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the buyer may open a transaction")
	}
	if !input.PaymentMethod.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid payment method")
	}
	if err := input.Delivery.Validate(); err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, err.Error())
	}

	split, err := s.calc.Split(input.AmountCents)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, err.Error())
	}

	txn := &models.EscrowTransaction{
		BuyerID:           input.BuyerID,
		SellerID:          input.SellerID,
		ListingID:         input.ListingID,
		Status:            enums.TransactionStatusPending,
		Version:           1,
		AmountCents:       split.AmountCents,
		CommissionBps:     split.CommissionBps,
		CommissionCents:   split.CommissionCents,
		SellerAmountCents: split.SellerAmountCents,
		PaymentMethod:     input.PaymentMethod,
		Delivery:          input.Delivery,
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.Create(ctx, txn); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create escrow transaction")
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventTransactionCreated,
			AggregateType: enums.AggregateTransaction,
			AggregateID:   txn.ID,
			Version:       1,
			Actor:         actorRef(input.Actor),
			Data: payloads.TransactionCreatedEvent{
				TransactionID: txn.ID,
				BuyerID:       txn.BuyerID,
				SellerID:      txn.SellerID,
				ListingID:     txn.ListingID,
				AmountCents:   txn.AmountCents,
				PaymentMethod: txn.PaymentMethod,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *service) Cancel(ctx context.Context, input CancelInput) (*models.EscrowTransaction, error) {
	return s.transition(ctx, input.TransactionID, enums.EventCancel, input.Actor,
		func(txn *models.EscrowTransaction, now time.Time) (map[string]any, []outbox.DomainEvent) {
			updates := map[string]any{
				"cancelled_at":        now,
				"cancellation_reason": input.Reason,
			}
			reason := ""
			if input.Reason != nil {
				reason = *input.Reason
			}
			events := []outbox.DomainEvent{{
				EventType:     enums.EventTransactionCancelled,
				AggregateType: enums.AggregateTransaction,
				AggregateID:   txn.ID,
				Version:       1,
				Actor:         actorRef(input.Actor),
				Data: payloads.TransactionCancelledEvent{
					TransactionID: txn.ID,
					BuyerID:       txn.BuyerID,
					SellerID:      txn.SellerID,
					CancelledAt:   now,
					Reason:        reason,
				},
			}}
			return updates, events
		})
}

func (s *service) MarkShipped(ctx context.Context, input ShipInput) (*models.EscrowTransaction, error) {
	return s.transition(ctx, input.TransactionID, enums.EventMarkShipped, input.Actor,
		func(txn *models.EscrowTransaction, now time.Time) (map[string]any, []outbox.DomainEvent) {
			delivery := txn.Delivery
			delivery.TrackingNumber = input.TrackingNumber
			updates := map[string]any{
				"shipped_at": now,
				"delivery":   delivery,
			}
			events := []outbox.DomainEvent{{
				EventType:     enums.EventTransactionShipped,
				AggregateType: enums.AggregateTransaction,
				AggregateID:   txn.ID,
				Version:       1,
				Actor:         actorRef(input.Actor),
				Data: payloads.TransactionStatusEvent{
					TransactionID: txn.ID,
					BuyerID:       txn.BuyerID,
					SellerID:      txn.SellerID,
					Status:        enums.TransactionStatusShipped,
					OccurredAt:    now,
					Message:       "Seller marked the item as shipped.",
				},
			}}
			return updates, events
		})
}

func (s *service) ConfirmDelivery(ctx context.Context, input ConfirmInput) (*models.EscrowTransaction, error) {
	return s.transition(ctx, input.TransactionID, enums.EventConfirmDelivery, input.Actor,
		func(txn *models.EscrowTransaction, now time.Time) (map[string]any, []outbox.DomainEvent) {
			updates := map[string]any{"delivered_at": now}
			events := []outbox.DomainEvent{{
				EventType:     enums.EventTransactionDelivered,
				AggregateType: enums.AggregateTransaction,
				AggregateID:   txn.ID,
				Version:       1,
				Actor:         actorRef(input.Actor),
				Data: payloads.TransactionStatusEvent{
					TransactionID: txn.ID,
					BuyerID:       txn.BuyerID,
					SellerID:      txn.SellerID,
					Status:        enums.TransactionStatusDelivered,
					OccurredAt:    now,
					Message:       "Delivery confirmed.",
				},
			}}
			return updates, events
		})
}

func (s *service) ConfirmSatisfaction(ctx context.Context, input ConfirmInput) (*models.EscrowTransaction, error) {
	return s.transition(ctx, input.TransactionID, enums.EventConfirmSatisfaction, input.Actor,
		func(txn *models.EscrowTransaction, now time.Time) (map[string]any, []outbox.DomainEvent) {
			updates := map[string]any{"completed_at": now}
			events := []outbox.DomainEvent{
				{
					EventType:     enums.EventTransactionCompleted,
					AggregateType: enums.AggregateTransaction,
					AggregateID:   txn.ID,
					Version:       1,
					Actor:         actorRef(input.Actor),
					Data: payloads.TransactionStatusEvent{
						TransactionID: txn.ID,
						BuyerID:       txn.BuyerID,
						SellerID:      txn.SellerID,
						Status:        enums.TransactionStatusCompleted,
						OccurredAt:    now,
						Message:       "Transaction completed. Funds released to the seller balance.",
					},
				},
				{
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
				},
			}
			return updates, events
		})
}

// stampFunc builds the column updates and outbox events for one transition
// attempt, given the freshly loaded row.
type stampFunc func(txn *models.EscrowTransaction, now time.Time) (map[string]any, []outbox.DomainEvent)

func (s *service) transition(ctx context.Context, id uuid.UUID, event enums.TransactionEvent, actor Actor, stamp stampFunc) (*models.EscrowTransaction, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction id required")
	}
	if actor.Role == enums.ActorRoleMember && actor.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}

	var result *models.EscrowTransaction
	backoff := retry.WithMaxRetries(uint64(s.retries), retry.NewConstant(retryBaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptErr := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)
			txn, err := repo.FindByID(ctx, id)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found")
				}
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load transaction")
			}

			now := s.now()
			var updates map[string]any
			var events []outbox.DomainEvent
			if stamp != nil {
				updates, events = stamp(txn, now)
			}

			applied, err := ApplyTransitionTx(ctx, repo, txn, event, actor, now, updates)
			if err != nil {
				return err
			}
			for _, evt := range events {
				if err := s.outbox.Emit(ctx, tx, evt); err != nil {
					return err
				}
			}
			result = applied
			return nil
		})
		if pkgerrors.HasCode(attemptErr, pkgerrors.CodeConcurrentModify) {
			s.metrics.IncConflict(event.String())
			return retry.RetryableError(attemptErr)
		}
		return attemptErr
	})
	if err != nil {
		if pkgerrors.HasCode(err, pkgerrors.CodeInvalidTransition) {
			s.metrics.IncRejected(event.String())
		}
		return nil, err
	}
	s.metrics.IncApplied(event.String())
	return result, nil
}

// ApplyTransitionTx validates (status, event, party) against the rule table
// and commits the CAS update inside the caller's DB transaction. The
// returned row reflects the applied status and bumped version.
func ApplyTransitionTx(ctx context.Context, repo Repository, txn *models.EscrowTransaction, event enums.TransactionEvent, actor Actor, now time.Time, updates map[string]any) (*models.EscrowTransaction, error) {
	party, err := ResolveParty(txn, actor)
	if err != nil {
		return nil, err
	}
	to, err := NextFor(txn.Status, event, party)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{"status": to}
	for k, v := range updates {
		merged[k] = v
	}

	ok, err := repo.UpdateStatusCAS(ctx, txn.ID, txn.Version, merged)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply transition")
	}
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeConcurrentModify, "transaction was modified concurrently")
	}

	applied := *txn
	applied.Status = to
	applied.Version = txn.Version + 1
	applied.UpdatedAt = now
	return &applied, nil
}

func actorRef(actor Actor) *outbox.ActorRef {
	if actor.UserID == uuid.Nil && actor.Role == "" {
		return nil
	}
	return &outbox.ActorRef{UserID: actor.UserID, Role: actor.Role.String()}
}
