// Package proration computes prorated charges and credits for mid-cycle
// subscription plan changes.
//
// The calculator is a pure function over decimal amounts: it performs no I/O,
// never consults the clock, and is fully deterministic given its inputs. All
// intermediate arithmetic runs at full decimal precision; rounding to currency
// minor units happens exactly once, at the output boundary, so repeated
// calculations never accumulate rounding drift.
//
// Basic usage:
//
//	result, err := proration.Prorate(proration.Input{
//	    OldAmount:   decimal.NewFromInt(20),
//	    NewAmount:   decimal.NewFromInt(40),
//	    PeriodStart: periodStart,
//	    PeriodEnd:   periodEnd,
//	    Now:         time.Now().UTC(),
//	})
//	if err != nil {
//	    // zero-length period or negative amount
//	}
//	// result.Credit and result.ImmediateCharge are rounded to 2 decimal places
package proration
