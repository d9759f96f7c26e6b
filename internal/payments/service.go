package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"

	"github.com/nearmarket/escrow-engine/internal/disputes"
	"github.com/nearmarket/escrow-engine/internal/escrow"
	"github.com/nearmarket/escrow-engine/pkg/db"
	"github.com/nearmarket/escrow-engine/pkg/db/models"
	"github.com/nearmarket/escrow-engine/pkg/enums"
	pkgerrors "github.com/nearmarket/escrow-engine/pkg/errors"
	"github.com/nearmarket/escrow-engine/pkg/gateway"
	"github.com/nearmarket/escrow-engine/pkg/outbox"
	"github.com/nearmarket/escrow-engine/pkg/outbox/payloads"
)

const (
	defaultTransitionRetries = 3
	retryBaseDelay           = 25 * time.Millisecond

	paymentReferenceConstraint = "ux_escrow_transactions_payment_reference"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Verifier is the slice of the gateway client the service needs.
type Verifier interface {
	Verify(ctx context.Context, reference string) (*gateway.VerificationResult, error)
	Refund(ctx context.Context, reference string, amountCents int64, idempotencyKey string) (*gateway.RefundResult, error)
}

// VerifyInput binds a gateway payment reference to a pending transaction.
type VerifyInput struct {
	TransactionID uuid.UUID
	Reference     string
}

// Service verifies captured payments against the ledger and pushes refunds
// back through the gateway. The gateway holds the money; this service only
// decides whether the ledger may advance.
type Service interface {
	Verify(ctx context.Context, input VerifyInput) (*models.EscrowTransaction, error)
	IssueRefund(ctx context.Context, disputeID uuid.UUID) error
}

type service struct {
	txns     escrow.Repository
	disputes disputes.Repository
	flags    FlagRepository
	tx       txRunner
	outbox   outboxPublisher
	gateway  Verifier
	retries  int
	now      func() time.Time
}

// ServiceParams collects the service dependencies.
type ServiceParams struct {
	Txns     escrow.Repository
	Disputes disputes.Repository
	Flags    FlagRepository
	Tx       txRunner
	Outbox   outboxPublisher
	Gateway  Verifier
	Retries  int
	Now      func() time.Time
}

// NewService validates dependencies and builds the payment service.
func NewService(params ServiceParams) (Service, error) {
	if params.Txns == nil {
		return nil, fmt.Errorf("escrow repository required")
	}
	if params.Disputes == nil {
		return nil, fmt.Errorf("dispute repository required")
	}
	if params.Flags == nil {
		return nil, fmt.Errorf("flag repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("gateway client required")
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
		txns:     params.Txns,
		disputes: params.Disputes,
		flags:    params.Flags,
		tx:       params.Tx,
		outbox:   params.Outbox,
		gateway:  params.Gateway,
		retries:  retries,
		now:      now,
	}, nil
}

func (s *service) Verify(ctx context.Context, input VerifyInput) (*models.EscrowTransaction, error) {
	if input.Reference == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment reference required")
	}

	txn, err := s.txns.FindByID(ctx, input.TransactionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load transaction")
	}

	// Re-delivered webhook for an already verified payment is a no-op,
	// no matter how far the transaction has moved since.
	if txn.PaymentReference != nil && *txn.PaymentReference == input.Reference {
		return txn, nil
	}

	if other, err := s.txns.FindByPaymentReference(ctx, input.Reference); err == nil && other.ID != txn.ID {
		return nil, pkgerrors.New(pkgerrors.CodeReferenceAlreadyUsed, "payment reference belongs to another transaction")
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check payment reference")
	}

	result, err := s.gateway.Verify(ctx, input.Reference)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrReferenceNotFound):
			return nil, pkgerrors.New(pkgerrors.CodeReferenceNotFound, "gateway has no record of the payment reference")
		case errors.Is(err, gateway.ErrUnavailable):
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "gateway unavailable")
		default:
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "verify payment")
		}
	}

	switch result.Status {
	case gateway.PaymentStatusPending:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "gateway is still processing the payment")
	case gateway.PaymentStatusDeclined:
		return nil, s.recordDecline(ctx, txn, input.Reference, result.FailureCode)
	case gateway.PaymentStatusSucceeded:
		// fall through
	default:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "gateway returned an unknown payment status")
	}

	if result.AmountCents != txn.AmountCents {
		return nil, s.flagAmountMismatch(ctx, txn, input.Reference, result.AmountCents)
	}

	return s.applyVerified(ctx, txn.ID, input.Reference)
}

// recordDecline leaves the hold pending so the buyer can retry with another
// payment, and tells the buyer what happened.
func (s *service) recordDecline(ctx context.Context, txn *models.EscrowTransaction, reference, failureCode string) error {
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentFailed,
			AggregateType: enums.AggregateTransaction,
			AggregateID:   txn.ID,
			Version:       1,
			Data: payloads.PaymentFailedEvent{
				TransactionID:    txn.ID,
				BuyerID:          txn.BuyerID,
				PaymentReference: reference,
				Reason:           failureCode,
			},
		})
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record payment decline")
	}
	return pkgerrors.New(pkgerrors.CodePaymentFailed, "gateway declined the payment").
		WithDetails(map[string]string{"failureCode": failureCode})
}

// flagAmountMismatch queues the verification for an operator instead of
// guessing which amount is right. The transaction stays pending.
func (s *service) flagAmountMismatch(ctx context.Context, txn *models.EscrowTransaction, reference string, actualCents int64) error {
	flag := &models.ManualReviewFlag{
		TransactionID:       txn.ID,
		PaymentReference:    reference,
		ExpectedAmountCents: txn.AmountCents,
		ActualAmountCents:   actualCents,
		Note:                "gateway captured amount does not match the escrow hold",
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.flags.WithTx(tx).Create(ctx, flag); err != nil {
			return err
		}
		return s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventManualReviewFlagged,
			AggregateType: enums.AggregateManualReview,
			AggregateID:   flag.ID,
			Version:       1,
			Data: payloads.ManualReviewFlaggedEvent{
				FlagID:              flag.ID,
				TransactionID:       txn.ID,
				PaymentReference:    reference,
				ExpectedAmountCents: txn.AmountCents,
				ActualAmountCents:   actualCents,
			},
		})
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "flag amount mismatch")
	}
	return pkgerrors.New(pkgerrors.CodeAmountMismatch, "captured amount does not match the transaction").
		WithDetails(map[string]int64{
			"expectedAmountCents": txn.AmountCents,
			"actualAmountCents":   actualCents,
		})
}

// applyVerified binds the reference and advances the hold to paid under the
// version guard.
func (s *service) applyVerified(ctx context.Context, id uuid.UUID, reference string) (*models.EscrowTransaction, error) {
	var verified *models.EscrowTransaction

	backoff := retry.WithMaxRetries(uint64(s.retries), retry.NewConstant(retryBaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptErr := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			txnRepo := s.txns.WithTx(tx)
			txn, err := txnRepo.FindByID(ctx, id)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load transaction")
			}
			if txn.PaymentReference != nil && *txn.PaymentReference == reference {
				verified = txn
				return nil
			}

			now := s.now()
			applied, err := escrow.ApplyTransitionTx(ctx, txnRepo, txn, enums.EventPaymentVerified, escrow.SystemActor, now, map[string]any{
				"payment_reference": reference,
				"paid_at":           now,
			})
			if err != nil {
				if db.IsUniqueViolation(err, paymentReferenceConstraint) {
					return pkgerrors.New(pkgerrors.CodeReferenceAlreadyUsed, "payment reference belongs to another transaction")
				}
				return err
			}
			applied.PaymentReference = &reference
			applied.PaidAt = &now
			verified = applied

			return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventTransactionPaid,
				AggregateType: enums.AggregateTransaction,
				AggregateID:   applied.ID,
				Version:       1,
				Data: payloads.TransactionStatusEvent{
					TransactionID: applied.ID,
					BuyerID:       applied.BuyerID,
					SellerID:      applied.SellerID,
					Status:        enums.TransactionStatusPaid,
					OccurredAt:    now,
					Message:       "Payment received. The funds are held in escrow.",
				},
			})
		})
		if attemptErr != nil && pkgerrors.HasCode(attemptErr, pkgerrors.CodeConcurrentModify) {
			return retry.RetryableError(attemptErr)
		}
		return attemptErr
	})
	if err != nil {
		return nil, err
	}
	return verified, nil
}

func (s *service) IssueRefund(ctx context.Context, disputeID uuid.UUID) error {
	dispute, err := s.disputes.FindByID(ctx, disputeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "dispute not found")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load dispute")
	}
	if dispute.RefundIssuedAt != nil {
		return nil
	}
	if dispute.Status != enums.DisputeStatusResolved || dispute.RefundAmountCents <= 0 {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "dispute does not owe a refund").
			WithDetails(map[string]string{"status": dispute.Status.String()})
	}

	txn, err := s.txns.FindByID(ctx, dispute.TransactionID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load transaction")
	}
	if txn.PaymentReference == nil {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "transaction has no payment reference to refund against")
	}

	// The dispute ID keys the gateway call so a crashed sweep cannot double
	// refund on retry.
	if _, err := s.gateway.Refund(ctx, *txn.PaymentReference, dispute.RefundAmountCents, dispute.ID.String()); err != nil {
		if errors.Is(err, gateway.ErrUnavailable) {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "gateway unavailable")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "issue refund")
	}

	now := s.now()
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.disputes.WithTx(tx).MarkRefundIssued(ctx, dispute.ID, now); err != nil {
			return err
		}
		return s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventRefundIssued,
			AggregateType: enums.AggregateDispute,
			AggregateID:   dispute.ID,
			Version:       1,
			Data: payloads.RefundIssuedEvent{
				DisputeID:         dispute.ID,
				TransactionID:     txn.ID,
				BuyerID:           txn.BuyerID,
				RefundAmountCents: dispute.RefundAmountCents,
				IssuedAt:          now,
			},
		})
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record issued refund")
	}
	return nil
}
