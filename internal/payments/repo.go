package payments

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nearmarket/escrow-engine/pkg/db/models"
)

// FlagRepository stores manual review flags raised when a verification
// cannot be applied automatically.
type FlagRepository interface {
	WithTx(tx *gorm.DB) FlagRepository
	Create(ctx context.Context, flag *models.ManualReviewFlag) error
	ListUnresolved(ctx context.Context, limit int) ([]models.ManualReviewFlag, error)
	Resolve(ctx context.Context, id, adminID uuid.UUID) error
}

type flagRepository struct {
	db *gorm.DB
}

// NewFlagRepository builds a manual review flag repository.
func NewFlagRepository(db *gorm.DB) FlagRepository {
	return &flagRepository{db: db}
}

func (r *flagRepository) WithTx(tx *gorm.DB) FlagRepository {
	return &flagRepository{db: tx}
}

func (r *flagRepository) Create(ctx context.Context, flag *models.ManualReviewFlag) error {
	return r.db.WithContext(ctx).Create(flag).Error
}

func (r *flagRepository) ListUnresolved(ctx context.Context, limit int) ([]models.ManualReviewFlag, error) {
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

func (r *flagRepository) Resolve(ctx context.Context, id, adminID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.ManualReviewFlag{}).
		Where("id = ?", id).
		Where("resolved_at IS NULL").
		Updates(map[string]any{
			"resolved_by": adminID,
			"resolved_at": gorm.Expr("CURRENT_TIMESTAMP"),
		}).Error
}
