package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/nearmarket/escrow-engine/internal/escrow"
	"github.com/nearmarket/escrow-engine/pkg/enums"
	pkgerrors "github.com/nearmarket/escrow-engine/pkg/errors"
	"github.com/nearmarket/escrow-engine/pkg/logger"
)

const defaultAutoReleaseWindow = 3 * 24 * time.Hour

// AutoReleaseJobParams configure the delivered-transaction sweep.
type AutoReleaseJobParams struct {
	Logger *logger.Logger
	Reader staleTransactionReader
	Escrow escrow.Service
	Window time.Duration
}

// NewAutoReleaseJob builds the sweep that completes delivered transactions
// whose buyers never confirmed satisfaction.
func NewAutoReleaseJob(params AutoReleaseJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Reader == nil {
		return nil, fmt.Errorf("transaction reader required")
	}
	if params.Escrow == nil {
		return nil, fmt.Errorf("escrow service required")
	}
	window := params.Window
	if window <= 0 {
		window = defaultAutoReleaseWindow
	}
	return &autoReleaseJob{
		logg:   params.Logger,
		reader: params.Reader,
		escrow: params.Escrow,
		window: window,
		now:    time.Now,
	}, nil
}

type autoReleaseJob struct {
	logg   *logger.Logger
	reader staleTransactionReader
	escrow escrow.Service
	window time.Duration
	now    func() time.Time
}

func (j *autoReleaseJob) Name() string { return "auto-release-funds" }

func (j *autoReleaseJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.window)
	stale, err := j.reader.ListStatusOlderThan(ctx, enums.TransactionStatusDelivered, "delivered_at", cutoff, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("list delivered transactions: %w", err)
	}

	var errs error
	released := 0
	for _, txn := range stale {
		_, err := j.escrow.ConfirmSatisfaction(ctx, escrow.ConfirmInput{
			TransactionID: txn.ID,
			Actor:         escrow.SystemActor,
		})
		if err != nil {
			if pkgerrors.HasCode(err, pkgerrors.CodeInvalidTransition) {
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("confirm satisfaction %s: %w", txn.ID, err))
			continue
		}
		released++
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":     cutoff,
		"candidates": len(stale),
		"released":   released,
	})
	j.logg.Info(logCtx, "auto release sweep complete")
	return errs
}
