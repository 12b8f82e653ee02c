// Package money provides integer minor-unit arithmetic for installment plans.
//
// Amounts are int64 minor units (centavos, cents). Nothing here uses floating
// point for money; the annuity formula goes through shopspring/decimal and is
// rounded back to a whole minor unit.
package money

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned when a total or installment count is not
// positive, or when a computed amount does not fit in int64.
var ErrInvalidAmount = errors.New("invalid amount")

// BasisPoints is the denominator for rates expressed in bps (1 bps = 0.01%).
const BasisPoints = 10_000

var maxMinorUnits = decimal.NewFromInt(math.MaxInt64)

// toMinor converts a whole-valued decimal to int64, rejecting values that
// IntPart would silently truncate.
func toMinor(d decimal.Decimal) (int64, error) {
	if d.IsNegative() || d.GreaterThan(maxMinorUnits) {
		return 0, ErrInvalidAmount
	}
	return d.IntPart(), nil
}

// CeilDiv returns ceil(a / b) for a >= 0 and b > 0.
func CeilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}

// SplitEvenly splits total into n installments. The first n-1 entries equal
// ceil(total/n) and the last absorbs the remainder, so the slice always sums
// to total.
//
// When the ceiling shape would push the last entry below zero (total=5, n=4
// gives 2+2+2-1), the split falls back to floor plus remainder: the first
// total%n entries receive one extra unit.
func SplitEvenly(total int64, n int) ([]int64, error) {
	if total <= 0 || n <= 0 {
		return nil, ErrInvalidAmount
	}

	count := int64(n)
	per := CeilDiv(total, count)
	out := make([]int64, n)

	last := total - (count-1)*per
	if last >= 0 {
		for i := 0; i < n-1; i++ {
			out[i] = per
		}
		out[n-1] = last
		return out, nil
	}

	floor := total / count
	rem := total % count
	for i := range out {
		out[i] = floor
		if int64(i) < rem {
			out[i]++
		}
	}
	return out, nil
}

// CompoundInstallment computes a fixed annuity schedule:
//
//	payment = total * r * (1+r)^n / ((1+r)^n - 1),  r = rateBps / 10000
//
// The payment is rounded up to a whole minor unit for the first n-1
// installments. The last installment absorbs the difference against the exact
// annuity total (payment * n, rounded half-up), mirroring SplitEvenly.
// A zero rate degenerates to SplitEvenly.
func CompoundInstallment(total int64, n int, rateBps int64) ([]int64, error) {
	if total <= 0 || n <= 0 || rateBps < 0 {
		return nil, ErrInvalidAmount
	}
	if rateBps == 0 {
		return SplitEvenly(total, n)
	}

	principal := decimal.NewFromInt(total)
	rate := decimal.NewFromInt(rateBps).Div(decimal.NewFromInt(BasisPoints))
	factor := decimal.NewFromInt(1).Add(rate).Pow(decimal.NewFromInt(int64(n)))

	exact := principal.Mul(rate).Mul(factor).Div(factor.Sub(decimal.NewFromInt(1)))
	payment, err := toMinor(exact.Ceil())
	if err != nil {
		return nil, err
	}
	financed, err := toMinor(exact.Mul(decimal.NewFromInt(int64(n))).Round(0))
	if err != nil {
		return nil, err
	}

	out := make([]int64, n)
	for i := 0; i < n-1; i++ {
		out[i] = payment
	}
	out[n-1] = financed - int64(n-1)*payment
	if out[n-1] < 0 {
		// Only reachable for absurd rates on tiny totals; keep the sum exact.
		return SplitEvenly(financed, n)
	}
	return out, nil
}

// SimpleInterest returns ceil(principal * rateBps * periods / 10000).
func SimpleInterest(principal, rateBps int64, periods int) (int64, error) {
	if principal <= 0 || periods <= 0 || rateBps < 0 {
		return 0, ErrInvalidAmount
	}
	if rateBps == 0 {
		return 0, nil
	}
	interest := decimal.NewFromInt(principal).
		Mul(decimal.NewFromInt(rateBps)).
		Mul(decimal.NewFromInt(int64(periods))).
		Div(decimal.NewFromInt(BasisPoints))
	return toMinor(interest.Ceil())
}

// Sum adds up a slice of minor-unit amounts.
func Sum(amounts []int64) int64 {
	var total int64
	for _, a := range amounts {
		total += a
	}
	return total
}
