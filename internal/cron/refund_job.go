package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/nearmarket/escrow-engine/pkg/db/models"
	"github.com/nearmarket/escrow-engine/pkg/logger"
)

const refundBatchSize = 50

type refundsDueReader interface {
	ListRefundsDue(ctx context.Context, limit int) ([]models.Dispute, error)
}

type refundIssuer interface {
	IssueRefund(ctx context.Context, disputeID uuid.UUID) error
}

// RefundJobParams configure the refund sweep.
type RefundJobParams struct {
	Logger   *logger.Logger
	Disputes refundsDueReader
	Payments refundIssuer
}

// NewRefundJob builds the sweep that pushes owed refunds through the
// gateway. The payment service keys each call by dispute ID, so reruns
// after a crash are safe.
func NewRefundJob(params RefundJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Disputes == nil {
		return nil, fmt.Errorf("dispute repository required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payment service required")
	}
	return &refundJob{
		logg:     params.Logger,
		disputes: params.Disputes,
		payments: params.Payments,
		now:      time.Now,
	}, nil
}

type refundJob struct {
	logg     *logger.Logger
	disputes refundsDueReader
	payments refundIssuer
	now      func() time.Time
}

func (j *refundJob) Name() string { return "issue-refunds" }

func (j *refundJob) Run(ctx context.Context) error {
	due, err := j.disputes.ListRefundsDue(ctx, refundBatchSize)
	if err != nil {
		return fmt.Errorf("list refunds due: %w", err)
	}

	var errs error
	issued := 0
	for _, dispute := range due {
		if err := j.payments.IssueRefund(ctx, dispute.ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("issue refund for dispute %s: %w", dispute.ID, err))
			continue
		}
		issued++
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"due":    len(due),
		"issued": issued,
	})
	j.logg.Info(logCtx, "refund sweep complete")
	return errs
}
