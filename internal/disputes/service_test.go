package disputes

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/nearmarket/escrow-engine/internal/commission"
	"github.com/nearmarket/escrow-engine/internal/escrow"
	"github.com/nearmarket/escrow-engine/pkg/db/models"
	"github.com/nearmarket/escrow-engine/pkg/enums"
	pkgerrors "github.com/nearmarket/escrow-engine/pkg/errors"
	"github.com/nearmarket/escrow-engine/pkg/outbox"
	"github.com/nearmarket/escrow-engine/pkg/types"
)

var testClock = func() time.Time { return time.Date(2025, 3, 12, 9, 30, 0, 0, time.UTC) }

type stubTxnRepo struct {
	txn        *models.EscrowTransaction
	casResults []bool
	casCalls   int
	casUpdates []map[string]any
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
	return nil, gorm.ErrRecordNotFound
}

func (s *stubTxnRepo) UpdateStatusCAS(ctx context.Context, id uuid.UUID, expectedVersion int64, updates map[string]any) (bool, error) {
	s.casUpdates = append(s.casUpdates, updates)
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
	dispute *models.Dispute
	active  *models.Dispute
	created []*models.Dispute
	updates []map[string]any
}

func (s *stubDisputeRepo) WithTx(tx *gorm.DB) Repository { return s }

func (s *stubDisputeRepo) Create(ctx context.Context, dispute *models.Dispute) error {
	if dispute.ID == uuid.Nil {
		dispute.ID = uuid.New()
	}
	s.created = append(s.created, dispute)
	return nil
}

func (s *stubDisputeRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	if s.dispute == nil || s.dispute.ID != id {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *s.dispute
	return &clone, nil
}

func (s *stubDisputeRepo) FindActiveByTransaction(ctx context.Context, transactionID uuid.UUID) (*models.Dispute, error) {
	if s.active == nil {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *s.active
	return &clone, nil
}

func (s *stubDisputeRepo) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	s.updates = append(s.updates, updates)
	return nil
}

func (s *stubDisputeRepo) ListRefundsDue(ctx context.Context, limit int) ([]models.Dispute, error) {
	return nil, nil
}

func (s *stubDisputeRepo) MarkRefundIssued(ctx context.Context, id uuid.UUID, issuedAt time.Time) error {
	return nil
}

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

func newTestService(t *testing.T, repo *stubDisputeRepo, txns *stubTxnRepo, sink *stubOutbox) Service {
	t.Helper()
	calc, err := commission.NewCalculator(200, false)
	require.NoError(t, err)
	svc, err := NewService(ServiceParams{
		Repo:   repo,
		Txns:   txns,
		Tx:     stubTxRunner{},
		Outbox: sink,
		Calc:   calc,
		Now:    testClock,
	})
	require.NoError(t, err)
	return svc
}

func paidTransaction(buyer, seller uuid.UUID) *models.EscrowTransaction {
	ref := "pay_9f2"
	paidAt := testClock().Add(-48 * time.Hour)
	return &models.EscrowTransaction{
		ID:                uuid.New(),
		BuyerID:           buyer,
		SellerID:          seller,
		ListingID:         uuid.New(),
		Status:            enums.TransactionStatusPaid,
		Version:           2,
		AmountCents:       10000,
		CommissionBps:     200,
		CommissionCents:   200,
		SellerAmountCents: 9800,
		PaymentMethod:     enums.PaymentMethodCard,
		PaymentReference:  &ref,
		PaidAt:            &paidAt,
	}
}

func evidence() types.DisputeEvidence {
	return types.DisputeEvidence{Description: "item never arrived"}
}

func eventTypes(events []outbox.DomainEvent) []enums.OutboxEventType {
	out := make([]enums.OutboxEventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventType)
	}
	return out
}

func TestOpenDisputeFreezesTransaction(t *testing.T) {
	buyer := uuid.New()
	txns := &stubTxnRepo{txn: paidTransaction(buyer, uuid.New())}
	repo := &stubDisputeRepo{}
	sink := &stubOutbox{}
	svc := newTestService(t, repo, txns, sink)

	dispute, err := svc.Open(context.Background(), OpenInput{
		TransactionID: txns.txn.ID,
		Reason:        enums.DisputeReasonItemNotReceived,
		Evidence:      evidence(),
		Actor:         escrow.Actor{UserID: buyer, Role: enums.ActorRoleMember},
	})
	require.NoError(t, err)
	require.Len(t, repo.created, 1)
	assert.Equal(t, enums.DisputeStatusOpen, dispute.Status)
	assert.Equal(t, buyer, dispute.RaisedBy)

	require.Len(t, txns.casUpdates, 1)
	assert.Equal(t, enums.TransactionStatusDisputed, txns.casUpdates[0]["status"])
	assert.Equal(t, enums.DisputeReasonItemNotReceived, txns.casUpdates[0]["dispute_reason"])

	require.Len(t, sink.events, 1)
	assert.Equal(t, enums.EventDisputeOpened, sink.events[0].EventType)
}

func TestOpenDisputeRejectsSecondActive(t *testing.T) {
	buyer := uuid.New()
	txns := &stubTxnRepo{txn: paidTransaction(buyer, uuid.New())}
	repo := &stubDisputeRepo{active: &models.Dispute{ID: uuid.New(), Status: enums.DisputeStatusOpen}}
	svc := newTestService(t, repo, txns, &stubOutbox{})

	_, err := svc.Open(context.Background(), OpenInput{
		TransactionID: txns.txn.ID,
		Reason:        enums.DisputeReasonItemNotReceived,
		Evidence:      evidence(),
		Actor:         escrow.Actor{UserID: buyer, Role: enums.ActorRoleMember},
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeDisputeAlreadyOpen))
	assert.Zero(t, txns.casCalls)
}

func TestOpenDisputeRejectsPendingTransaction(t *testing.T) {
	buyer := uuid.New()
	txn := paidTransaction(buyer, uuid.New())
	txn.Status = enums.TransactionStatusPending
	txns := &stubTxnRepo{txn: txn}
	svc := newTestService(t, &stubDisputeRepo{}, txns, &stubOutbox{})

	_, err := svc.Open(context.Background(), OpenInput{
		TransactionID: txn.ID,
		Reason:        enums.DisputeReasonItemNotReceived,
		Evidence:      evidence(),
		Actor:         escrow.Actor{UserID: buyer, Role: enums.ActorRoleMember},
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInvalidTransition))
}

func TestOpenDisputeRejectsOutsider(t *testing.T) {
	txns := &stubTxnRepo{txn: paidTransaction(uuid.New(), uuid.New())}
	svc := newTestService(t, &stubDisputeRepo{}, txns, &stubOutbox{})

	_, err := svc.Open(context.Background(), OpenInput{
		TransactionID: txns.txn.ID,
		Reason:        enums.DisputeReasonItemNotReceived,
		Evidence:      evidence(),
		Actor:         escrow.Actor{UserID: uuid.New(), Role: enums.ActorRoleMember},
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeForbidden))
}

func TestStartReviewRequiresAdmin(t *testing.T) {
	dispute := &models.Dispute{ID: uuid.New(), Status: enums.DisputeStatusOpen}
	svc := newTestService(t, &stubDisputeRepo{dispute: dispute}, &stubTxnRepo{}, &stubOutbox{})

	_, err := svc.StartReview(context.Background(), ReviewInput{
		DisputeID: dispute.ID,
		Actor:     escrow.Actor{UserID: uuid.New(), Role: enums.ActorRoleMember},
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeForbidden))
}

func TestStartReviewMovesOpenDispute(t *testing.T) {
	admin := uuid.New()
	dispute := &models.Dispute{ID: uuid.New(), TransactionID: uuid.New(), Status: enums.DisputeStatusOpen}
	repo := &stubDisputeRepo{dispute: dispute}
	sink := &stubOutbox{}
	svc := newTestService(t, repo, &stubTxnRepo{}, sink)

	updated, err := svc.StartReview(context.Background(), ReviewInput{
		DisputeID: dispute.ID,
		Actor:     escrow.Actor{UserID: admin, Role: enums.ActorRoleAdmin},
	})
	require.NoError(t, err)
	assert.Equal(t, enums.DisputeStatusUnderReview, updated.Status)
	require.Len(t, sink.events, 1)
	assert.Equal(t, enums.EventDisputeUnderReview, sink.events[0].EventType)
}

func TestResolveReleaseCompletesAndReleasesFunds(t *testing.T) {
	admin := uuid.New()
	buyer := uuid.New()
	txns := &stubTxnRepo{txn: paidTransaction(buyer, uuid.New())}
	txns.txn.Status = enums.TransactionStatusDisputed
	dispute := &models.Dispute{ID: uuid.New(), TransactionID: txns.txn.ID, Status: enums.DisputeStatusUnderReview}
	repo := &stubDisputeRepo{dispute: dispute}
	sink := &stubOutbox{}
	svc := newTestService(t, repo, txns, sink)

	resolved, err := svc.Resolve(context.Background(), ResolveInput{
		DisputeID: dispute.ID,
		Outcome:   enums.DisputeOutcomeReleaseToSeller,
		Actor:     escrow.Actor{UserID: admin, Role: enums.ActorRoleAdmin},
	})
	require.NoError(t, err)
	assert.Equal(t, enums.DisputeStatusResolved, resolved.Status)
	assert.Zero(t, resolved.RefundAmountCents)

	require.Len(t, txns.casUpdates, 1)
	assert.Equal(t, enums.TransactionStatusCompleted, txns.casUpdates[0]["status"])

	kinds := eventTypes(sink.events)
	assert.Contains(t, kinds, enums.EventFundsReleased)
	assert.Contains(t, kinds, enums.EventDisputeResolved)
	assert.NotContains(t, kinds, enums.EventRefundRequested)
}

func TestResolveFullRefundCancelsAndZeroesSeller(t *testing.T) {
	admin := uuid.New()
	txns := &stubTxnRepo{txn: paidTransaction(uuid.New(), uuid.New())}
	txns.txn.Status = enums.TransactionStatusDisputed
	dispute := &models.Dispute{ID: uuid.New(), TransactionID: txns.txn.ID, Status: enums.DisputeStatusUnderReview}
	sink := &stubOutbox{}
	svc := newTestService(t, &stubDisputeRepo{dispute: dispute}, txns, sink)

	resolved, err := svc.Resolve(context.Background(), ResolveInput{
		DisputeID: dispute.ID,
		Outcome:   enums.DisputeOutcomeRefundToBuyer,
		Actor:     escrow.Actor{UserID: admin, Role: enums.ActorRoleAdmin},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10000), resolved.RefundAmountCents)

	require.Len(t, txns.casUpdates, 1)
	updates := txns.casUpdates[0]
	assert.Equal(t, enums.TransactionStatusCancelled, updates["status"])
	assert.Equal(t, int64(0), updates["seller_amount_cents"])
	assert.Equal(t, int64(0), updates["commission_cents"])
	assert.Equal(t, int64(10000), updates["refunded_amount_cents"])

	kinds := eventTypes(sink.events)
	assert.Contains(t, kinds, enums.EventRefundRequested)
	assert.NotContains(t, kinds, enums.EventFundsReleased)
}

func TestResolvePartialSplitsTheDifference(t *testing.T) {
	admin := uuid.New()
	txns := &stubTxnRepo{txn: paidTransaction(uuid.New(), uuid.New())}
	txns.txn.Status = enums.TransactionStatusDisputed
	dispute := &models.Dispute{ID: uuid.New(), TransactionID: txns.txn.ID, Status: enums.DisputeStatusUnderReview}
	sink := &stubOutbox{}
	svc := newTestService(t, &stubDisputeRepo{dispute: dispute}, txns, sink)

	resolved, err := svc.Resolve(context.Background(), ResolveInput{
		DisputeID:         dispute.ID,
		Outcome:           enums.DisputeOutcomePartial,
		RefundAmountCents: 3000,
		Actor:             escrow.Actor{UserID: admin, Role: enums.ActorRoleAdmin},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3000), resolved.RefundAmountCents)

	require.Len(t, txns.casUpdates, 1)
	updates := txns.casUpdates[0]
	assert.Equal(t, enums.TransactionStatusCompleted, updates["status"])
	// Seller absorbs the refund, the platform keeps its commission.
	assert.Equal(t, int64(6800), updates["seller_amount_cents"])
	assert.Equal(t, int64(200), updates["commission_cents"])
	assert.Equal(t, int64(3000), updates["refunded_amount_cents"])
}

func TestResolveRejectsOverRefund(t *testing.T) {
	admin := uuid.New()
	txns := &stubTxnRepo{txn: paidTransaction(uuid.New(), uuid.New())}
	txns.txn.Status = enums.TransactionStatusDisputed
	dispute := &models.Dispute{ID: uuid.New(), TransactionID: txns.txn.ID, Status: enums.DisputeStatusUnderReview}
	svc := newTestService(t, &stubDisputeRepo{dispute: dispute}, txns, &stubOutbox{})

	_, err := svc.Resolve(context.Background(), ResolveInput{
		DisputeID:         dispute.ID,
		Outcome:           enums.DisputeOutcomePartial,
		RefundAmountCents: 20000,
		Actor:             escrow.Actor{UserID: admin, Role: enums.ActorRoleAdmin},
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))
}

func TestResolveRejectsSettledDispute(t *testing.T) {
	admin := uuid.New()
	dispute := &models.Dispute{ID: uuid.New(), Status: enums.DisputeStatusResolved}
	svc := newTestService(t, &stubDisputeRepo{dispute: dispute}, &stubTxnRepo{}, &stubOutbox{})

	_, err := svc.Resolve(context.Background(), ResolveInput{
		DisputeID: dispute.ID,
		Outcome:   enums.DisputeOutcomeReleaseToSeller,
		Actor:     escrow.Actor{UserID: admin, Role: enums.ActorRoleAdmin},
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeStateConflict))
}

func TestCloseRequiresIssuedRefund(t *testing.T) {
	admin := uuid.New()
	dispute := &models.Dispute{
		ID:                uuid.New(),
		Status:            enums.DisputeStatusResolved,
		RefundAmountCents: 5000,
	}
	svc := newTestService(t, &stubDisputeRepo{dispute: dispute}, &stubTxnRepo{}, &stubOutbox{})

	_, err := svc.Close(context.Background(), CloseInput{
		DisputeID: dispute.ID,
		Actor:     escrow.Actor{UserID: admin, Role: enums.ActorRoleAdmin},
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeStateConflict))
}

func TestCloseResolvedDispute(t *testing.T) {
	admin := uuid.New()
	issued := testClock().Add(-time.Hour)
	dispute := &models.Dispute{
		ID:                uuid.New(),
		Status:            enums.DisputeStatusResolved,
		RefundAmountCents: 5000,
		RefundIssuedAt:    &issued,
	}
	repo := &stubDisputeRepo{dispute: dispute}
	svc := newTestService(t, repo, &stubTxnRepo{}, &stubOutbox{})

	closed, err := svc.Close(context.Background(), CloseInput{
		DisputeID: dispute.ID,
		Actor:     escrow.Actor{UserID: admin, Role: enums.ActorRoleAdmin},
	})
	require.NoError(t, err)
	assert.Equal(t, enums.DisputeStatusClosed, closed.Status)
	require.Len(t, repo.updates, 1)
}
