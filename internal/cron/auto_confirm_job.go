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

const (
	defaultAutoConfirmWindow = 7 * 24 * time.Hour
	sweepBatchSize           = 100
)

// AutoConfirmJobParams configure the shipped-transaction sweep.
type AutoConfirmJobParams struct {
	Logger *logger.Logger
	Reader staleTransactionReader
	Escrow escrow.Service
	Window time.Duration
}

// NewAutoConfirmJob builds the sweep that confirms delivery on behalf of
// buyers who never did.
func NewAutoConfirmJob(params AutoConfirmJobParams) (Job, error) {
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
		window = defaultAutoConfirmWindow
	}
	return &autoConfirmJob{
		logg:   params.Logger,
		reader: params.Reader,
		escrow: params.Escrow,
		window: window,
		now:    time.Now,
	}, nil
}

type autoConfirmJob struct {
	logg   *logger.Logger
	reader staleTransactionReader
	escrow escrow.Service
	window time.Duration
	now    func() time.Time
}

func (j *autoConfirmJob) Name() string { return "auto-confirm-delivery" }

func (j *autoConfirmJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.window)
	stale, err := j.reader.ListStatusOlderThan(ctx, enums.TransactionStatusShipped, "shipped_at", cutoff, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("list shipped transactions: %w", err)
	}

	var errs error
	confirmed := 0
	for _, txn := range stale {
		_, err := j.escrow.ConfirmDelivery(ctx, escrow.ConfirmInput{
			TransactionID: txn.ID,
			Actor:         escrow.SystemActor,
		})
		if err != nil {
			// A dispute opened mid-sweep takes the row out of shipped;
			// that is not a sweep failure.
			if pkgerrors.HasCode(err, pkgerrors.CodeInvalidTransition) {
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("confirm delivery %s: %w", txn.ID, err))
			continue
		}
		confirmed++
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":     cutoff,
		"candidates": len(stale),
		"confirmed":  confirmed,
	})
	j.logg.Info(logCtx, "auto confirm sweep complete")
	return errs
}
