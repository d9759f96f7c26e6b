package payouts

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nearmarket/escrow-engine/pkg/db/models"
	"github.com/nearmarket/escrow-engine/pkg/enums"
)

// Repository stores payout requests and manages the claims they hold on
// completed escrow transactions.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, request *models.PayoutRequest) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error)
	ListBySeller(ctx context.Context, sellerID uuid.UUID, limit int) ([]models.PayoutRequest, error)
	Update(ctx context.Context, id uuid.UUID, updates map[string]any) error
	// ClaimCompleted stamps payout_request_id on every completed, unclaimed
	// transaction of the seller and returns the claimed rows. The set-where-
	// null predicate makes concurrent requests carve up disjoint sets.
	ClaimCompleted(ctx context.Context, sellerID, payoutID uuid.UUID) ([]models.EscrowTransaction, error)
	// ReleaseClaims frees every transaction held by the payout request.
	ReleaseClaims(ctx context.Context, payoutID uuid.UUID) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a payout repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, request *models.PayoutRequest) error {
	return r.db.WithContext(ctx).Create(request).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error) {
	var request models.PayoutRequest
	if err := r.db.WithContext(ctx).First(&request, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &request, nil
}

func (r *repository) ListBySeller(ctx context.Context, sellerID uuid.UUID, limit int) ([]models.PayoutRequest, error) {
	var requests []models.PayoutRequest
	err := r.db.WithContext(ctx).
		Where("seller_id = ?", sellerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&requests).Error
	if err != nil {
		return nil, err
	}
	return requests, nil
}

func (r *repository) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return r.db.WithContext(ctx).
		Model(&models.PayoutRequest{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repository) ClaimCompleted(ctx context.Context, sellerID, payoutID uuid.UUID) ([]models.EscrowTransaction, error) {
	result := r.db.WithContext(ctx).
		Model(&models.EscrowTransaction{}).
		Where("seller_id = ?", sellerID).
		Where("status = ?", enums.TransactionStatusCompleted).
		Where("payout_request_id IS NULL").
		Update("payout_request_id", payoutID)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	var claimed []models.EscrowTransaction
	err := r.db.WithContext(ctx).
		Where("payout_request_id = ?", payoutID).
		Order("completed_at ASC").
		Find(&claimed).Error
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *repository) ReleaseClaims(ctx context.Context, payoutID uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.EscrowTransaction{}).
		Where("payout_request_id = ?", payoutID).
		Update("payout_request_id", nil)
	return result.RowsAffected, result.Error
}
