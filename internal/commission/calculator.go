package commission

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const bpsDenominator = 10000

// Split is the immutable commission breakdown computed when a transaction
// is created. All values are integer minor units.
type Split struct {
	AmountCents       int64
	CommissionBps     int
	CommissionCents   int64
	SellerAmountCents int64
}

// Calculator derives the platform commission from a configured basis-point
// rate. 200 bps is the 2% marketplace default.
type Calculator struct {
	bps                   int
	refundCommissionShare bool
}

// NewCalculator validates the rate and builds a calculator.
// refundCommissionShare controls whether partial refunds claw back a
// proportional slice of the platform commission or come entirely out of
// the seller's share.
func NewCalculator(bps int, refundCommissionShare bool) (*Calculator, error) {
	if bps < 0 {
		return nil, fmt.Errorf("commission bps must not be negative, got %d", bps)
	}
	if bps > bpsDenominator {
		return nil, fmt.Errorf("commission bps must not exceed %d, got %d", bpsDenominator, bps)
	}
	return &Calculator{bps: bps, refundCommissionShare: refundCommissionShare}, nil
}

// Bps returns the configured basis-point rate.
func (c *Calculator) Bps() int {
	return c.bps
}

// Split computes the commission for amountCents with half-up rounding.
// The seller amount is the exact remainder, so the parts always sum to
// the original amount.
func (c *Calculator) Split(amountCents int64) (Split, error) {
	if amountCents <= 0 {
		return Split{}, fmt.Errorf("amount must be positive, got %d", amountCents)
	}

	commission := decimal.NewFromInt(amountCents).
		Mul(decimal.NewFromInt(int64(c.bps))).
		DivRound(decimal.NewFromInt(bpsDenominator), 0).
		IntPart()

	return Split{
		AmountCents:       amountCents,
		CommissionBps:     c.bps,
		CommissionCents:   commission,
		SellerAmountCents: amountCents - commission,
	}, nil
}

// PartialRefund recomputes the seller's share after refunding
// refundCents from an original split. The refund always reduces the
// seller amount; when refundCommissionShare is set, the platform also
// gives back the commission slice attributable to the refunded portion.
func (c *Calculator) PartialRefund(original Split, refundCents int64) (sellerCents, commissionCents int64, err error) {
	if refundCents <= 0 {
		return 0, 0, fmt.Errorf("refund must be positive, got %d", refundCents)
	}
	if refundCents >= original.AmountCents {
		return 0, 0, fmt.Errorf("refund %d must be below the transaction amount %d", refundCents, original.AmountCents)
	}

	if !c.refundCommissionShare {
		seller := original.SellerAmountCents - refundCents
		if seller < 0 {
			seller = 0
		}
		return seller, original.CommissionCents, nil
	}

	// Recompute both shares over the retained amount.
	retained := original.AmountCents - refundCents
	commission := decimal.NewFromInt(retained).
		Mul(decimal.NewFromInt(int64(original.CommissionBps))).
		DivRound(decimal.NewFromInt(bpsDenominator), 0).
		IntPart()
	return retained - commission, commission, nil
}
