package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/nearmarket/escrow-engine/internal/disputes"
	"github.com/nearmarket/escrow-engine/internal/escrow"
	"github.com/nearmarket/escrow-engine/pkg/db/models"
	"github.com/nearmarket/escrow-engine/pkg/enums"
	pkgerrors "github.com/nearmarket/escrow-engine/pkg/errors"
	"github.com/nearmarket/escrow-engine/pkg/gateway"
	"github.com/nearmarket/escrow-engine/pkg/outbox"
)

var testClock = func() time.Time { return time.Date(2025, 3, 11, 8, 0, 0, 0, time.UTC) }

type stubTxnRepo struct {
	txn        *models.EscrowTransaction
	byRef      *models.EscrowTransaction
	casResults []bool
	casCalls   int
	casUpdates []map[string]any
	casErr     error
}

func (s *stubTxnRepo) WithTx(tx *gorm.DB) escrow.Repository { return s }

func (s *stubTxnRepo) Create(ctx context.Context, txn *models.EscrowTransaction) error { return nil }

func (s *stubTxnRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	if s.txn == nil || s.txn.ID != id {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *s.txn
	return &clone, nil
}

func (s *stubTxnRepo) FindByPaymentReference(ctx context.Context, reference string) (*models.EscrowTransaction, error) {
	if s.byRef == nil {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *s.byRef
	return &clone, nil
}

func (s *stubTxnRepo) UpdateStatusCAS(ctx context.Context, id uuid.UUID, expectedVersion int64, updates map[string]any) (bool, error) {
	s.casUpdates = append(s.casUpdates, updates)
	if s.casErr != nil {
		return false, s.casErr
	}
	result := true
	if s.casCalls < len(s.casResults) {
		result = s.casResults[s.casCalls]
	}
	s.casCalls++
	if result && s.txn != nil {
		s.txn.Version++
	}
	return result, nil
}

func (s *stubTxnRepo) ListStatusOlderThan(ctx context.Context, status enums.TransactionStatus, field string, cutoff time.Time, limit int) ([]models.EscrowTransaction, error) {
	return nil, nil
}

type stubDisputeRepo struct {
	dispute       *models.Dispute
	refundsIssued []uuid.UUID
}

func (s *stubDisputeRepo) WithTx(tx *gorm.DB) disputes.Repository { return s }

func (s *stubDisputeRepo) Create(ctx context.Context, dispute *models.Dispute) error { return nil }

func (s *stubDisputeRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	if s.dispute == nil || s.dispute.ID != id {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *s.dispute
	return &clone, nil
}

func (s *stubDisputeRepo) FindActiveByTransaction(ctx context.Context, transactionID uuid.UUID) (*models.Dispute, error) {
	return nil, gorm.ErrRecordNotFound
}

func (s *stubDisputeRepo) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return nil
}

func (s *stubDisputeRepo) ListRefundsDue(ctx context.Context, limit int) ([]models.Dispute, error) {
	return nil, nil
}

func (s *stubDisputeRepo) MarkRefundIssued(ctx context.Context, id uuid.UUID, issuedAt time.Time) error {
	s.refundsIssued = append(s.refundsIssued, id)
	return nil
}

type stubFlagRepo struct {
	created []*models.ManualReviewFlag
}

func (s *stubFlagRepo) WithTx(tx *gorm.DB) FlagRepository { return s }

func (s *stubFlagRepo) Create(ctx context.Context, flag *models.ManualReviewFlag) error {
	if flag.ID == uuid.Nil {
		flag.ID = uuid.New()
	}
	s.created = append(s.created, flag)
	return nil
}

func (s *stubFlagRepo) ListUnresolved(ctx context.Context, limit int) ([]models.ManualReviewFlag, error) {
	return nil, nil
}

func (s *stubFlagRepo) Resolve(ctx context.Context, id, adminID uuid.UUID) error { return nil }

type stubTxRunner struct{}

func (stubTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type stubOutbox struct {
	events []outbox.DomainEvent
}

func (s *stubOutbox) Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	s.events = append(s.events, event)
	return nil
}

func (s *stubOutbox) EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	s.events = append(s.events, event)
	return nil
}

type stubGateway struct {
	result    *gateway.VerificationResult
	verifyErr error
	refundErr error
	refunds   []string
}

func (s *stubGateway) Verify(ctx context.Context, reference string) (*gateway.VerificationResult, error) {
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	return s.result, nil
}

func (s *stubGateway) Refund(ctx context.Context, reference string, amountCents int64, idempotencyKey string) (*gateway.RefundResult, error) {
	if s.refundErr != nil {
		return nil, s.refundErr
	}
	s.refunds = append(s.refunds, idempotencyKey)
	return &gateway.RefundResult{RefundID: "re_1", Reference: reference, AmountCents: amountCents}, nil
}

type testDeps struct {
	txns     *stubTxnRepo
	disputes *stubDisputeRepo
	flags    *stubFlagRepo
	sink     *stubOutbox
	gw       *stubGateway
}

func newTestService(t *testing.T, deps testDeps) Service {
	t.Helper()
	if deps.txns == nil {
		deps.txns = &stubTxnRepo{}
	}
	if deps.disputes == nil {
		deps.disputes = &stubDisputeRepo{}
	}
	if deps.flags == nil {
		deps.flags = &stubFlagRepo{}
	}
	if deps.sink == nil {
		deps.sink = &stubOutbox{}
	}
	if deps.gw == nil {
		deps.gw = &stubGateway{}
	}
	svc, err := NewService(ServiceParams{
		Txns:     deps.txns,
		Disputes: deps.disputes,
		Flags:    deps.flags,
		Tx:       stubTxRunner{},
		Outbox:   deps.sink,
		Gateway:  deps.gw,
		Now:      testClock,
	})
	require.NoError(t, err)
	return svc
}

func pendingTransaction() *models.EscrowTransaction {
	return &models.EscrowTransaction{
		ID:                uuid.New(),
		BuyerID:           uuid.New(),
		SellerID:          uuid.New(),
		ListingID:         uuid.New(),
		Status:            enums.TransactionStatusPending,
		Version:           1,
		AmountCents:       10000,
		CommissionBps:     200,
		CommissionCents:   200,
		SellerAmountCents: 9800,
		PaymentMethod:     enums.PaymentMethodCard,
	}
}

func TestVerifySuccessAdvancesToPaid(t *testing.T) {
	txns := &stubTxnRepo{txn: pendingTransaction()}
	gw := &stubGateway{result: &gateway.VerificationResult{
		Reference:   "pay_1",
		Status:      gateway.PaymentStatusSucceeded,
		AmountCents: 10000,
	}}
	sink := &stubOutbox{}
	svc := newTestService(t, testDeps{txns: txns, gw: gw, sink: sink})

	verified, err := svc.Verify(context.Background(), VerifyInput{TransactionID: txns.txn.ID, Reference: "pay_1"})
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatusPaid, verified.Status)
	require.NotNil(t, verified.PaymentReference)
	assert.Equal(t, "pay_1", *verified.PaymentReference)

	require.Len(t, txns.casUpdates, 1)
	updates := txns.casUpdates[0]
	assert.Equal(t, enums.TransactionStatusPaid, updates["status"])
	assert.Equal(t, "pay_1", updates["payment_reference"])

	require.Len(t, sink.events, 1)
	assert.Equal(t, enums.EventTransactionPaid, sink.events[0].EventType)
}

func TestVerifyIsIdempotentForSameReference(t *testing.T) {
	txn := pendingTransaction()
	ref := "pay_1"
	txn.Status = enums.TransactionStatusPaid
	txn.PaymentReference = &ref
	txns := &stubTxnRepo{txn: txn}
	sink := &stubOutbox{}
	svc := newTestService(t, testDeps{txns: txns, sink: sink})

	verified, err := svc.Verify(context.Background(), VerifyInput{TransactionID: txn.ID, Reference: ref})
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatusPaid, verified.Status)
	assert.Zero(t, txns.casCalls)
	assert.Empty(t, sink.events)
}

func TestVerifyIsIdempotentAfterShipment(t *testing.T) {
	txn := pendingTransaction()
	ref := "pay_1"
	txn.Status = enums.TransactionStatusShipped
	txn.PaymentReference = &ref
	txns := &stubTxnRepo{txn: txn}
	sink := &stubOutbox{}
	svc := newTestService(t, testDeps{txns: txns, sink: sink})

	verified, err := svc.Verify(context.Background(), VerifyInput{TransactionID: txn.ID, Reference: ref})
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatusShipped, verified.Status, "late webhook must not touch the state")
	assert.Zero(t, txns.casCalls)
	assert.Empty(t, sink.events)
}

func TestVerifyRejectsReferenceBoundElsewhere(t *testing.T) {
	txn := pendingTransaction()
	other := pendingTransaction()
	txns := &stubTxnRepo{txn: txn, byRef: other}
	svc := newTestService(t, testDeps{txns: txns})

	_, err := svc.Verify(context.Background(), VerifyInput{TransactionID: txn.ID, Reference: "pay_1"})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeReferenceAlreadyUsed))
}

func TestVerifyMapsUniqueViolationToReferenceConflict(t *testing.T) {
	txns := &stubTxnRepo{
		txn:    pendingTransaction(),
		casErr: errors.New(`duplicate key value violates unique constraint "ux_escrow_transactions_payment_reference"`),
	}
	gw := &stubGateway{result: &gateway.VerificationResult{
		Reference:   "pay_1",
		Status:      gateway.PaymentStatusSucceeded,
		AmountCents: 10000,
	}}
	svc := newTestService(t, testDeps{txns: txns, gw: gw})

	_, err := svc.Verify(context.Background(), VerifyInput{TransactionID: txns.txn.ID, Reference: "pay_1"})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeReferenceAlreadyUsed),
		"database race on the reference index must surface as a reference conflict, got %v", err)
}

func TestVerifyUnknownReference(t *testing.T) {
	txns := &stubTxnRepo{txn: pendingTransaction()}
	gw := &stubGateway{verifyErr: gateway.ErrReferenceNotFound}
	svc := newTestService(t, testDeps{txns: txns, gw: gw})

	_, err := svc.Verify(context.Background(), VerifyInput{TransactionID: txns.txn.ID, Reference: "pay_missing"})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeReferenceNotFound))
	assert.Zero(t, txns.casCalls)
}

func TestVerifyGatewayOutageLeavesStateUntouched(t *testing.T) {
	txns := &stubTxnRepo{txn: pendingTransaction()}
	gw := &stubGateway{verifyErr: gateway.ErrUnavailable}
	sink := &stubOutbox{}
	svc := newTestService(t, testDeps{txns: txns, gw: gw, sink: sink})

	_, err := svc.Verify(context.Background(), VerifyInput{TransactionID: txns.txn.ID, Reference: "pay_1"})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeDependency))
	assert.Zero(t, txns.casCalls)
	assert.Empty(t, sink.events)
}

func TestVerifyDeclineEmitsFailureAndStaysPending(t *testing.T) {
	txns := &stubTxnRepo{txn: pendingTransaction()}
	gw := &stubGateway{result: &gateway.VerificationResult{
		Reference:   "pay_1",
		Status:      gateway.PaymentStatusDeclined,
		FailureCode: "insufficient_funds",
	}}
	sink := &stubOutbox{}
	svc := newTestService(t, testDeps{txns: txns, gw: gw, sink: sink})

	_, err := svc.Verify(context.Background(), VerifyInput{TransactionID: txns.txn.ID, Reference: "pay_1"})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodePaymentFailed))
	assert.Zero(t, txns.casCalls)

	require.Len(t, sink.events, 1)
	assert.Equal(t, enums.EventPaymentFailed, sink.events[0].EventType)
}

func TestVerifyAmountMismatchFlagsForReview(t *testing.T) {
	txns := &stubTxnRepo{txn: pendingTransaction()}
	gw := &stubGateway{result: &gateway.VerificationResult{
		Reference:   "pay_1",
		Status:      gateway.PaymentStatusSucceeded,
		AmountCents: 9500,
	}}
	flags := &stubFlagRepo{}
	sink := &stubOutbox{}
	svc := newTestService(t, testDeps{txns: txns, gw: gw, flags: flags, sink: sink})

	_, err := svc.Verify(context.Background(), VerifyInput{TransactionID: txns.txn.ID, Reference: "pay_1"})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeAmountMismatch))
	assert.Zero(t, txns.casCalls, "transaction must stay pending")

	require.Len(t, flags.created, 1)
	assert.Equal(t, int64(10000), flags.created[0].ExpectedAmountCents)
	assert.Equal(t, int64(9500), flags.created[0].ActualAmountCents)

	require.Len(t, sink.events, 1)
	assert.Equal(t, enums.EventManualReviewFlagged, sink.events[0].EventType)
}

func TestVerifyRetriesOnVersionConflict(t *testing.T) {
	txns := &stubTxnRepo{txn: pendingTransaction(), casResults: []bool{false, true}}
	gw := &stubGateway{result: &gateway.VerificationResult{
		Reference:   "pay_1",
		Status:      gateway.PaymentStatusSucceeded,
		AmountCents: 10000,
	}}
	svc := newTestService(t, testDeps{txns: txns, gw: gw})

	verified, err := svc.Verify(context.Background(), VerifyInput{TransactionID: txns.txn.ID, Reference: "pay_1"})
	require.NoError(t, err)
	assert.Equal(t, 2, txns.casCalls)
	assert.Equal(t, enums.TransactionStatusPaid, verified.Status)
}

func TestIssueRefundMarksDisputeAndEmits(t *testing.T) {
	ref := "pay_1"
	txn := pendingTransaction()
	txn.Status = enums.TransactionStatusCancelled
	txn.PaymentReference = &ref
	resolvedAt := testClock().Add(-time.Hour)
	dispute := &models.Dispute{
		ID:                uuid.New(),
		TransactionID:     txn.ID,
		Status:            enums.DisputeStatusResolved,
		RefundAmountCents: 10000,
		ResolvedAt:        &resolvedAt,
	}
	txns := &stubTxnRepo{txn: txn}
	disputeRepo := &stubDisputeRepo{dispute: dispute}
	gw := &stubGateway{}
	sink := &stubOutbox{}
	svc := newTestService(t, testDeps{txns: txns, disputes: disputeRepo, gw: gw, sink: sink})

	require.NoError(t, svc.IssueRefund(context.Background(), dispute.ID))

	require.Len(t, gw.refunds, 1)
	assert.Equal(t, dispute.ID.String(), gw.refunds[0], "dispute id keys the gateway call")
	require.Len(t, disputeRepo.refundsIssued, 1)
	require.Len(t, sink.events, 1)
	assert.Equal(t, enums.EventRefundIssued, sink.events[0].EventType)
}

func TestIssueRefundIsIdempotent(t *testing.T) {
	issued := testClock().Add(-time.Hour)
	dispute := &models.Dispute{
		ID:                uuid.New(),
		Status:            enums.DisputeStatusResolved,
		RefundAmountCents: 10000,
		RefundIssuedAt:    &issued,
	}
	gw := &stubGateway{}
	svc := newTestService(t, testDeps{disputes: &stubDisputeRepo{dispute: dispute}, gw: gw})

	require.NoError(t, svc.IssueRefund(context.Background(), dispute.ID))
	assert.Empty(t, gw.refunds)
}

func TestIssueRefundGatewayOutage(t *testing.T) {
	ref := "pay_1"
	txn := pendingTransaction()
	txn.PaymentReference = &ref
	dispute := &models.Dispute{
		ID:                uuid.New(),
		TransactionID:     txn.ID,
		Status:            enums.DisputeStatusResolved,
		RefundAmountCents: 10000,
	}
	disputeRepo := &stubDisputeRepo{dispute: dispute}
	gw := &stubGateway{refundErr: gateway.ErrUnavailable}
	svc := newTestService(t, testDeps{txns: &stubTxnRepo{txn: txn}, disputes: disputeRepo, gw: gw})

	err := svc.IssueRefund(context.Background(), dispute.ID)
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeDependency))
	assert.Empty(t, disputeRepo.refundsIssued, "refund must not be marked issued")
}
