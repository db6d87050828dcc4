package proration

import (
	"time"

	"github.com/shopspring/decimal"
)

// minorUnitPlaces is the rounding precision applied at the output boundary.
// Two decimal places cover every currency this engine bills in today.
const minorUnitPlaces = 2

// Input describes a plan change within a billing period.
type Input struct {
	OldAmount   decimal.Decimal // full-period price of the current plan
	NewAmount   decimal.Decimal // full-period price of the target plan
	PeriodStart time.Time
	PeriodEnd   time.Time
	Now         time.Time // moment of the change; clamped into the period
}

// Result holds the financial effects of a prorated plan change.
// Credit and ImmediateCharge are rounded to currency minor units;
// they are the only values callers should persist or bill.
type Result struct {
	TotalDays         int             `json:"total_days"`
	UnusedDays        int             `json:"unused_days"`
	Credit            decimal.Decimal `json:"credit"`              // unused portion of the old plan
	ImmediateCharge   decimal.Decimal `json:"immediate_charge"`    // due now for the remainder on the new plan
	NextBillingAmount decimal.Decimal `json:"next_billing_amount"` // full new-plan price for the next period
}

// Prorate computes the credit for the unused remainder of the current plan and
// the immediate charge for the same remainder on the new plan.
//
// Day counts use whole days. Now outside [PeriodStart, PeriodEnd] clamps the
// unused window to [0, TotalDays]. A zero-length period is invalid input:
// plan changes at exact period boundaries must be rejected by the caller.
func Prorate(in Input) (Result, error) {
	if in.PeriodEnd.Before(in.PeriodStart) {
		return Result{}, ErrInvalidPeriod
	}
	if in.OldAmount.IsNegative() || in.NewAmount.IsNegative() {
		return Result{}, ErrNegativeAmount
	}

	totalDays := daysBetween(in.PeriodStart, in.PeriodEnd)
	if totalDays == 0 {
		return Result{}, ErrZeroLengthPeriod
	}

	unusedDays := daysBetween(in.Now, in.PeriodEnd)
	if unusedDays < 0 {
		unusedDays = 0
	}
	if unusedDays > totalDays {
		unusedDays = totalDays
	}

	total := decimal.NewFromInt(int64(totalDays))
	unused := decimal.NewFromInt(int64(unusedDays))

	// Full precision throughout; rounding happens once, at the boundary.
	// The charge is derived from the already-rounded figures so that
	// credit + charge always equals the rounded remaining new-plan cost
	// to the cent.
	credit := in.OldAmount.Div(total).Mul(unused).Round(minorUnitPlaces)
	remaining := in.NewAmount.Div(total).Mul(unused).Round(minorUnitPlaces)
	charge := remaining.Sub(credit)
	if charge.IsNegative() {
		charge = decimal.Zero
	}

	return Result{
		TotalDays:         totalDays,
		UnusedDays:        unusedDays,
		Credit:            credit,
		ImmediateCharge:   charge,
		NextBillingAmount: in.NewAmount.Round(minorUnitPlaces),
	}, nil
}

// ProrateCredit computes only the unused-time credit for the current plan,
// used when a subscription pauses or cancels mid-period and no replacement
// charge applies.
func ProrateCredit(amount decimal.Decimal, periodStart, periodEnd, now time.Time) (decimal.Decimal, error) {
	res, err := Prorate(Input{
		OldAmount:   amount,
		NewAmount:   decimal.Zero,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Now:         now,
	})
	if err != nil {
		return decimal.Zero, err
	}
	return res.Credit, nil
}

// daysBetween returns whole days from a to b, negative when b precedes a.
func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}
