package query

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/nearmarket/escrow-engine/internal/escrow"
	"github.com/nearmarket/escrow-engine/pkg/db/models"
	"github.com/nearmarket/escrow-engine/pkg/enums"
	pkgerrors "github.com/nearmarket/escrow-engine/pkg/errors"
	"github.com/nearmarket/escrow-engine/pkg/pagination"
)

type stubQueryRepo struct {
	txn      *models.EscrowTransaction
	disputes []models.Dispute
	flags    []models.ManualReviewFlag
	lastQ    listQuery
}

func (s *stubQueryRepo) ListTransactions(ctx context.Context, q listQuery) ([]models.EscrowTransaction, *pagination.Cursor, error) {
	s.lastQ = q
	if s.txn == nil {
		return nil, nil, nil
	}
	return []models.EscrowTransaction{*s.txn}, nil, nil
}

func (s *stubQueryRepo) FindTransaction(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	if s.txn == nil || s.txn.ID != id {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *s.txn
	return &clone, nil
}

func (s *stubQueryRepo) ListDisputesByTransaction(ctx context.Context, transactionID uuid.UUID) ([]models.Dispute, error) {
	return s.disputes, nil
}

func (s *stubQueryRepo) ListUnresolvedFlags(ctx context.Context, limit int) ([]models.ManualReviewFlag, error) {
	return s.flags, nil
}

func completedTxn() *models.EscrowTransaction {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	paid := created.Add(time.Hour)
	shipped := paid.Add(24 * time.Hour)
	delivered := shipped.Add(48 * time.Hour)
	completed := delivered.Add(24 * time.Hour)
	return &models.EscrowTransaction{
		ID:          uuid.New(),
		BuyerID:     uuid.New(),
		SellerID:    uuid.New(),
		Status:      enums.TransactionStatusCompleted,
		CreatedAt:   created,
		PaidAt:      &paid,
		ShippedAt:   &shipped,
		DeliveredAt: &delivered,
		CompletedAt: &completed,
	}
}

func TestTransactionDetailBuildsTimeline(t *testing.T) {
	txn := completedTxn()
	svc, err := NewService(&stubQueryRepo{txn: txn})
	require.NoError(t, err)

	detail, err := svc.TransactionDetail(context.Background(), txn.ID, escrow.Actor{
		UserID: txn.BuyerID,
		Role:   enums.ActorRoleMember,
	})
	require.NoError(t, err)

	require.Len(t, detail.Timeline, 5)
	assert.Equal(t, enums.TransactionStatusPending, detail.Timeline[0].Status)
	assert.Equal(t, enums.TransactionStatusCompleted, detail.Timeline[4].Status)
	for i := 1; i < len(detail.Timeline); i++ {
		assert.False(t, detail.Timeline[i].OccurredAt.Before(detail.Timeline[i-1].OccurredAt))
	}
}

func TestTransactionDetailHidesOtherPeoplesDeals(t *testing.T) {
	txn := completedTxn()
	svc, err := NewService(&stubQueryRepo{txn: txn})
	require.NoError(t, err)

	_, err = svc.TransactionDetail(context.Background(), txn.ID, escrow.Actor{
		UserID: uuid.New(),
		Role:   enums.ActorRoleMember,
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeForbidden))

	_, err = svc.TransactionDetail(context.Background(), txn.ID, escrow.Actor{
		UserID: uuid.New(),
		Role:   enums.ActorRoleAdmin,
	})
	require.NoError(t, err, "admins see everything")
}

func TestManualReviewQueueIsAdminOnly(t *testing.T) {
	svc, err := NewService(&stubQueryRepo{flags: []models.ManualReviewFlag{{ID: uuid.New()}}})
	require.NoError(t, err)

	_, err = svc.ManualReviewQueue(context.Background(), escrow.Actor{UserID: uuid.New(), Role: enums.ActorRoleMember})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeForbidden))

	flags, err := svc.ManualReviewQueue(context.Background(), escrow.Actor{UserID: uuid.New(), Role: enums.ActorRoleAdmin})
	require.NoError(t, err)
	assert.Len(t, flags, 1)
}

func TestHistoryDecodesCursorForRepo(t *testing.T) {
	repo := &stubQueryRepo{}
	svc, err := NewService(repo)
	require.NoError(t, err)

	want := pagination.Cursor{
		CreatedAt: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
		ID:        uuid.New(),
	}
	_, err = svc.BuyerHistory(context.Background(), HistoryParams{
		UserID: uuid.New(),
		Cursor: pagination.EncodeCursor(want),
	})
	require.NoError(t, err)

	require.NotNil(t, repo.lastQ.cursor)
	assert.True(t, want.CreatedAt.Equal(repo.lastQ.cursor.CreatedAt))
	assert.Equal(t, want.ID, repo.lastQ.cursor.ID)
}

func TestHistoryRejectsMalformedCursor(t *testing.T) {
	svc, err := NewService(&stubQueryRepo{})
	require.NoError(t, err)

	_, err = svc.BuyerHistory(context.Background(), HistoryParams{
		UserID: uuid.New(),
		Cursor: "not-base64!",
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))

	_, err = svc.AdminList(context.Background(), AdminListParams{Cursor: "not-base64!"})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))
}

func TestHistoryRejectsBadStatusFilter(t *testing.T) {
	svc, err := NewService(&stubQueryRepo{})
	require.NoError(t, err)

	_, err = svc.BuyerHistory(context.Background(), HistoryParams{
		UserID:   uuid.New(),
		Statuses: []enums.TransactionStatus{"bogus"},
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))
}
