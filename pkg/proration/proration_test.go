package proration_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingcore/pkg/proration"
)

func day(d int) time.Time {
	return time.Date(2025, time.January, d, 0, 0, 0, 0, time.UTC)
}

func TestProrate(t *testing.T) {
	t.Parallel()

	t.Run("upgrade ten days into a thirty day period", func(t *testing.T) {
		t.Parallel()

		res, err := proration.Prorate(proration.Input{
			OldAmount:   decimal.NewFromInt(20),
			NewAmount:   decimal.NewFromInt(40),
			PeriodStart: day(1),
			PeriodEnd:   day(31),
			Now:         day(11),
		})

		require.NoError(t, err)
		assert.Equal(t, 30, res.TotalDays)
		assert.Equal(t, 20, res.UnusedDays)
		assert.True(t, res.Credit.Equal(decimal.RequireFromString("13.33")), "credit = %s", res.Credit)
		assert.True(t, res.ImmediateCharge.Equal(decimal.RequireFromString("13.34")), "charge = %s", res.ImmediateCharge)

		// Credit and charge together cover the remaining new-plan cost exactly.
		sum := res.Credit.Add(res.ImmediateCharge)
		assert.True(t, sum.Equal(decimal.RequireFromString("26.67")), "sum = %s", sum)
	})

	t.Run("downgrade yields zero immediate charge", func(t *testing.T) {
		t.Parallel()

		res, err := proration.Prorate(proration.Input{
			OldAmount:   decimal.NewFromInt(40),
			NewAmount:   decimal.NewFromInt(20),
			PeriodStart: day(1),
			PeriodEnd:   day(31),
			Now:         day(16),
		})

		require.NoError(t, err)
		assert.True(t, res.ImmediateCharge.IsZero(), "charge = %s", res.ImmediateCharge)
		assert.True(t, res.Credit.Equal(decimal.NewFromInt(20)), "credit = %s", res.Credit)
	})

	t.Run("now before period start clamps to full period", func(t *testing.T) {
		t.Parallel()

		res, err := proration.Prorate(proration.Input{
			OldAmount:   decimal.NewFromInt(30),
			NewAmount:   decimal.NewFromInt(30),
			PeriodStart: day(10),
			PeriodEnd:   day(20),
			Now:         day(1),
		})

		require.NoError(t, err)
		assert.Equal(t, res.TotalDays, res.UnusedDays)
		assert.True(t, res.Credit.Equal(decimal.NewFromInt(30)))
	})

	t.Run("now after period end yields zero credit and charge", func(t *testing.T) {
		t.Parallel()

		res, err := proration.Prorate(proration.Input{
			OldAmount:   decimal.NewFromInt(30),
			NewAmount:   decimal.NewFromInt(60),
			PeriodStart: day(1),
			PeriodEnd:   day(11),
			Now:         day(25),
		})

		require.NoError(t, err)
		assert.Equal(t, 0, res.UnusedDays)
		assert.True(t, res.Credit.IsZero())
		assert.True(t, res.ImmediateCharge.IsZero())
	})

	t.Run("zero length period is rejected", func(t *testing.T) {
		t.Parallel()

		_, err := proration.Prorate(proration.Input{
			OldAmount:   decimal.NewFromInt(10),
			NewAmount:   decimal.NewFromInt(20),
			PeriodStart: day(1),
			PeriodEnd:   day(1),
			Now:         day(1),
		})

		assert.ErrorIs(t, err, proration.ErrZeroLengthPeriod)
	})

	t.Run("inverted period is rejected", func(t *testing.T) {
		t.Parallel()

		_, err := proration.Prorate(proration.Input{
			OldAmount:   decimal.NewFromInt(10),
			NewAmount:   decimal.NewFromInt(20),
			PeriodStart: day(20),
			PeriodEnd:   day(1),
			Now:         day(10),
		})

		assert.ErrorIs(t, err, proration.ErrInvalidPeriod)
	})

	t.Run("negative amounts are rejected", func(t *testing.T) {
		t.Parallel()

		_, err := proration.Prorate(proration.Input{
			OldAmount:   decimal.NewFromInt(-5),
			NewAmount:   decimal.NewFromInt(20),
			PeriodStart: day(1),
			PeriodEnd:   day(31),
			Now:         day(10),
		})

		assert.ErrorIs(t, err, proration.ErrNegativeAmount)
	})

	t.Run("no rounding drift on awkward divisions", func(t *testing.T) {
		t.Parallel()

		// 10/31 is a non-terminating decimal; the result must still round
		// to exactly two places with credit+charge covering the remainder.
		res, err := proration.Prorate(proration.Input{
			OldAmount:   decimal.NewFromInt(10),
			NewAmount:   decimal.NewFromInt(70),
			PeriodStart: day(1),
			PeriodEnd:   day(32),
			Now:         day(8),
		})

		require.NoError(t, err)
		remaining := decimal.NewFromInt(70).
			Div(decimal.NewFromInt(31)).
			Mul(decimal.NewFromInt(int64(res.UnusedDays))).
			Round(2)
		assert.True(t, res.Credit.Add(res.ImmediateCharge).Equal(remaining))
	})
}

func TestProrateCredit(t *testing.T) {
	t.Parallel()

	t.Run("half used period credits half the amount", func(t *testing.T) {
		t.Parallel()

		credit, err := proration.ProrateCredit(decimal.NewFromInt(30), day(1), day(31), day(16))

		require.NoError(t, err)
		assert.True(t, credit.Equal(decimal.NewFromInt(15)), "credit = %s", credit)
	})

	t.Run("propagates period validation", func(t *testing.T) {
		t.Parallel()

		_, err := proration.ProrateCredit(decimal.NewFromInt(30), day(5), day(5), day(5))
		assert.ErrorIs(t, err, proration.ErrZeroLengthPeriod)
	})
}
