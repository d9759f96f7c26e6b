package cron

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/nearmarket/escrow-engine/pkg/db/models"
	"github.com/nearmarket/escrow-engine/pkg/enums"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// staleTransactionReader lists transactions that have sat in a status past
// the sweep cutoff.
type staleTransactionReader interface {
	ListStatusOlderThan(ctx context.Context, status enums.TransactionStatus, field string, cutoff time.Time, limit int) ([]models.EscrowTransaction, error)
}
