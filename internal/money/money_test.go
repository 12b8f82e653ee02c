package money

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitEvenly_Exact(t *testing.T) {
	got, err := SplitEvenly(100000, 4)
	require.NoError(t, err)
	assert.Equal(t, []int64{25000, 25000, 25000, 25000}, got)
}

func TestSplitEvenly_Uneven(t *testing.T) {
	got, err := SplitEvenly(10000, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{3334, 3334, 3332}, got)
	assert.Equal(t, int64(10000), Sum(got))
}

func TestSplitEvenly_SingleInstallment(t *testing.T) {
	got, err := SplitEvenly(777, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{777}, got)
}

func TestSplitEvenly_DegenerateFallsBackToFloor(t *testing.T) {
	// ceil(5/4)=2 would leave the last installment at -1.
	got, err := SplitEvenly(5, 4)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1, 1, 1}, got)

	got, err = SplitEvenly(1, 24)
	require.NoError(t, err)
	assert.Equal(t, int64(1), Sum(got))
	assert.Equal(t, int64(1), got[0])
}

func TestSplitEvenly_Invalid(t *testing.T) {
	for _, tc := range []struct {
		total int64
		n     int
	}{
		{0, 3}, {-100, 3}, {100, 0}, {100, -1},
	} {
		_, err := SplitEvenly(tc.total, tc.n)
		assert.ErrorIs(t, err, ErrInvalidAmount, "total=%d n=%d", tc.total, tc.n)
	}
}

func TestSplitEvenly_SumProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		total := rng.Int63n(10_000_000) + 1
		n := rng.Intn(24) + 1

		got, err := SplitEvenly(total, n)
		require.NoError(t, err)
		require.Len(t, got, n)
		require.Equal(t, total, Sum(got), "total=%d n=%d", total, n)
		for _, a := range got {
			require.GreaterOrEqual(t, a, int64(0), "total=%d n=%d", total, n)
		}
	}

	// Small totals exercise the fallback path.
	for total := int64(1); total <= 30; total++ {
		for n := 1; n <= 24; n++ {
			got, err := SplitEvenly(total, n)
			require.NoError(t, err)
			require.Equal(t, total, Sum(got))
			for _, a := range got {
				require.GreaterOrEqual(t, a, int64(0))
			}
		}
	}
}

func TestCompoundInstallment_ZeroRateIsEvenSplit(t *testing.T) {
	got, err := CompoundInstallment(10000, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{3334, 3334, 3332}, got)
}

func TestCompoundInstallment_Annuity(t *testing.T) {
	// 100000 at 2% per period over 4 periods: exact payment 26262.375...
	got, err := CompoundInstallment(100000, 4, 200)
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, int64(26263), got[0])
	assert.Equal(t, got[0], got[1])
	assert.Equal(t, got[0], got[2])
	assert.LessOrEqual(t, got[3], got[0])

	total := Sum(got)
	assert.Equal(t, int64(105050), total)
	assert.Greater(t, total, int64(100000))
}

func TestCompoundInstallment_Invalid(t *testing.T) {
	_, err := CompoundInstallment(0, 3, 100)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = CompoundInstallment(100, 0, 100)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = CompoundInstallment(100, 3, -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCompoundInstallment_LastNeverNegative(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		total := rng.Int63n(5_000_000) + 1
		n := rng.Intn(24) + 1
		rate := rng.Int63n(1000)

		got, err := CompoundInstallment(total, n, rate)
		require.NoError(t, err)
		require.Len(t, got, n)
		for _, a := range got {
			require.GreaterOrEqual(t, a, int64(0), "total=%d n=%d rate=%d", total, n, rate)
		}
		require.GreaterOrEqual(t, Sum(got), total)
	}
}

func TestSimpleInterest(t *testing.T) {
	got, err := SimpleInterest(100000, 150, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), got)

	got, err = SimpleInterest(333, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got, "fractional interest rounds up")

	got, err = SimpleInterest(100000, 0, 12)
	require.NoError(t, err)
	assert.Zero(t, got)

	_, err = SimpleInterest(0, 100, 1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCeilDiv(t *testing.T) {
	assert.Equal(t, int64(3334), CeilDiv(10000, 3))
	assert.Equal(t, int64(25000), CeilDiv(100000, 4))
	assert.Equal(t, int64(1), CeilDiv(1, 24))
	assert.Equal(t, int64(0), CeilDiv(10, 0))
	assert.Equal(t, int64(math.MaxInt64/2+1), CeilDiv(math.MaxInt64, 2))
}

func TestOverflowIsRejected(t *testing.T) {
	_, err := SimpleInterest(math.MaxInt64, 10_000, 2)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = CompoundInstallment(math.MaxInt64, 4, 100)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = CompoundInstallment(math.MaxInt64/2, 24, 5_000)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	got, err := SplitEvenly(math.MaxInt64, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), Sum(got))
	for _, a := range got {
		assert.Positive(t, a)
	}

	interest, err := SimpleInterest(math.MaxInt64/4, 100, 4)
	require.NoError(t, err)
	assert.Positive(t, interest)
}
