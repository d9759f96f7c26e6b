package query

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nearmarket/escrow-engine/pkg/db/models"
	"github.com/nearmarket/escrow-engine/pkg/enums"
	"github.com/nearmarket/escrow-engine/pkg/pagination"
)

type listQuery struct {
	buyerID      *uuid.UUID
	sellerID     *uuid.UUID
	statuses     []enums.TransactionStatus
	disputedOnly bool
	limit        int
	cursor       *pagination.Cursor
}

// Repository is the read-side access surface. It never writes.
type Repository interface {
	ListTransactions(ctx context.Context, q listQuery) ([]models.EscrowTransaction, *pagination.Cursor, error)
	FindTransaction(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error)
	ListDisputesByTransaction(ctx context.Context, transactionID uuid.UUID) ([]models.Dispute, error)
	ListUnresolvedFlags(ctx context.Context, limit int) ([]models.ManualReviewFlag, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a read repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) ListTransactions(ctx context.Context, q listQuery) ([]models.EscrowTransaction, *pagination.Cursor, error) {
	limit := pagination.LimitWithBuffer(q.limit)
	normalized := pagination.NormalizeLimit(q.limit)

	query := r.db.WithContext(ctx).Model(&models.EscrowTransaction{})
	if q.buyerID != nil {
		query = query.Where("buyer_id = ?", *q.buyerID)
	}
	if q.sellerID != nil {
		query = query.Where("seller_id = ?", *q.sellerID)
	}
	if len(q.statuses) > 0 {
		query = query.Where("status IN ?", q.statuses)
	}
	if q.disputedOnly {
		query = query.Where("status = ?", enums.TransactionStatusDisputed)
	}
	if q.cursor != nil {
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			q.cursor.CreatedAt, q.cursor.CreatedAt, q.cursor.ID)
	}

	var txns []models.EscrowTransaction
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&txns).Error; err != nil {
		return nil, nil, err
	}

	if len(txns) > normalized {
		next := txns[normalized]
		txns = txns[:normalized]
		return txns, &pagination.Cursor{CreatedAt: next.CreatedAt, ID: next.ID}, nil
	}
	return txns, nil, nil
}

func (r *repository) FindTransaction(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	var txn models.EscrowTransaction
	if err := r.db.WithContext(ctx).First(&txn, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *repository) ListDisputesByTransaction(ctx context.Context, transactionID uuid.UUID) ([]models.Dispute, error) {
	var disputes []models.Dispute
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("created_at ASC").
		Find(&disputes).Error
	if err != nil {
		return nil, err
	}
	return disputes, nil
}

func (r *repository) ListUnresolvedFlags(ctx context.Context, limit int) ([]models.ManualReviewFlag, error) {
	var flags []models.ManualReviewFlag
	err := r.db.WithContext(ctx).
		Where("resolved_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&flags).Error
	if err != nil {
		return nil, err
	}
	return flags, nil
}
