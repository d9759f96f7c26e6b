package escrow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nearmarket/escrow-engine/pkg/db/models"
	"github.com/nearmarket/escrow-engine/pkg/enums"
)

// Repository is the ledger access surface for escrow transactions.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, txn *models.EscrowTransaction) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error)
	FindByPaymentReference(ctx context.Context, reference string) (*models.EscrowTransaction, error)
	// UpdateStatusCAS applies updates guarded by the version column and
	// bumps the version. Returns false when another writer got there first.
	UpdateStatusCAS(ctx context.Context, id uuid.UUID, expectedVersion int64, updates map[string]any) (bool, error)
	ListStatusOlderThan(ctx context.Context, status enums.TransactionStatus, field string, cutoff time.Time, limit int) ([]models.EscrowTransaction, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds an escrow repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, txn *models.EscrowTransaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	var txn models.EscrowTransaction
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&txn).Error
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *repository) FindByPaymentReference(ctx context.Context, reference string) (*models.EscrowTransaction, error) {
	var txn models.EscrowTransaction
	err := r.db.WithContext(ctx).Where("payment_reference = ?", reference).First(&txn).Error
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *repository) UpdateStatusCAS(ctx context.Context, id uuid.UUID, expectedVersion int64, updates map[string]any) (bool, error) {
	merged := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		merged[k] = v
	}
	merged["version"] = gorm.Expr("version + 1")

	res := r.db.WithContext(ctx).Model(&models.EscrowTransaction{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(merged)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListStatusOlderThan powers the timeout sweeps. field names the timestamp
// column the window is measured from (shipped_at, delivered_at).
func (r *repository) ListStatusOlderThan(ctx context.Context, status enums.TransactionStatus, field string, cutoff time.Time, limit int) ([]models.EscrowTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.EscrowTransaction
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Where(field+" IS NOT NULL AND "+field+" < ?", cutoff).
		Order(field + " ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
