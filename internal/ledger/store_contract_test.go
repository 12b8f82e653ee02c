package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeContract exercises the behavior both Store implementations must share.
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("ReserveWithinLimit", func(t *testing.T) { testReserveWithinLimit(t, newStore(t)) })
	t.Run("ReserveHugeAmount", func(t *testing.T) { testReserveHugeAmount(t, newStore(t)) })
	t.Run("ReserveRejectsInactive", func(t *testing.T) { testReserveRejectsInactive(t, newStore(t)) })
	t.Run("ReleaseClampsAtZero", func(t *testing.T) { testReleaseClampsAtZero(t, newStore(t)) })
	t.Run("OneLiveTokenPerOwner", func(t *testing.T) { testOneLiveTokenPerOwner(t, newStore(t)) })
	t.Run("TransitionGuards", func(t *testing.T) { testTransitionGuards(t, newStore(t)) })
	t.Run("SettleLifecycle", func(t *testing.T) { testSettleLifecycle(t, newStore(t)) })
	t.Run("SettleTwice", func(t *testing.T) { testSettleTwice(t, newStore(t)) })
	t.Run("DuplicatePurchase", func(t *testing.T) { testDuplicatePurchase(t, newStore(t)) })
	t.Run("MarkOverdue", func(t *testing.T) { testMarkOverdue(t, newStore(t)) })
	t.Run("Reschedule", func(t *testing.T) { testReschedule(t, newStore(t)) })
	t.Run("ListPlansByToken", func(t *testing.T) { testListPlansByToken(t, newStore(t)) })
	t.Run("ConcurrentReserveRelease", func(t *testing.T) { testConcurrentReserveRelease(t, newStore(t)) })
	t.Run("ConcurrentSettleSamePayment", func(t *testing.T) { testConcurrentSettle(t, newStore(t)) })
}

var fixtureSeq atomic.Int64

func newTestToken(owner string, limit int64) *Token {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Token{
		ID:              fmt.Sprintf("tok_%d", fixtureSeq.Add(1)),
		OwnerID:         owner,
		CreditLimit:     limit,
		MaxInstallments: 12,
		Status:          TokenActive,
		ExpiresAt:       now.Add(365 * 24 * time.Hour),
		IssuedAt:        now,
		UpdatedAt:       now,
	}
}

// seedPlan reserves the financed amount and stores a plan with n equal
// payments due every 30 days from start.
func seedPlan(t *testing.T, s Store, tok *Token, amount int64, n int, start time.Time) (*Plan, []*Payment) {
	t.Helper()
	ctx := context.Background()

	_, err := s.ReserveCredit(ctx, tok.ID, amount, time.Now())
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	seq := fixtureSeq.Add(1)
	plan := &Plan{
		ID:                fmt.Sprintf("pln_%d", seq),
		PurchaseID:        fmt.Sprintf("pur_%d", seq),
		TokenID:           tok.ID,
		OwnerID:           tok.OwnerID,
		TotalInstallments: n,
		InstallmentAmount: amount / int64(n),
		TotalAmount:       amount,
		Status:            PlanActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	payments := make([]*Payment, n)
	for i := 0; i < n; i++ {
		payments[i] = &Payment{
			ID:                fmt.Sprintf("pay_%d_%d", seq, i+1),
			PlanID:            plan.ID,
			InstallmentNumber: i + 1,
			Amount:            amount / int64(n),
			DueDate:           start.AddDate(0, 0, 30*i),
			Status:            PaymentPending,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
	}
	first := payments[0].DueDate
	plan.NextDueDate = &first

	require.NoError(t, s.CreatePlan(ctx, plan, payments))
	return plan, payments
}

func testReserveWithinLimit(t *testing.T, s Store) {
	ctx := context.Background()
	tok := newTestToken("owner-a", 50000)
	require.NoError(t, s.CreateToken(ctx, tok))

	got, err := s.ReserveCredit(ctx, tok.ID, 40000, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(40000), got.UsedAmount)
	assert.Equal(t, int64(10000), got.Available())

	_, err = s.ReserveCredit(ctx, tok.ID, 15000, time.Now())
	assert.ErrorIs(t, err, ErrInsufficientCredit)

	_, err = s.ReserveCredit(ctx, tok.ID, 0, time.Now())
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = s.ReserveCredit(ctx, "tok_missing", 1, time.Now())
	assert.ErrorIs(t, err, ErrTokenNotFound)

	after, err := s.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40000), after.UsedAmount)
	assert.Greater(t, after.Version, tok.Version)
}

func testReserveHugeAmount(t *testing.T, s Store) {
	ctx := context.Background()
	tok := newTestToken("owner-huge", 50000)
	require.NoError(t, s.CreateToken(ctx, tok))
	_, err := s.ReserveCredit(ctx, tok.ID, 40000, time.Now())
	require.NoError(t, err)

	// used + amount would wrap past MaxInt64.
	_, err = s.ReserveCredit(ctx, tok.ID, math.MaxInt64, time.Now())
	assert.ErrorIs(t, err, ErrInsufficientCredit)

	_, err = s.ReserveCredit(ctx, tok.ID, math.MaxInt64-39999, time.Now())
	assert.ErrorIs(t, err, ErrInsufficientCredit)

	after, err := s.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40000), after.UsedAmount)
	assert.Equal(t, int64(10000), after.Available())
}

func testReserveRejectsInactive(t *testing.T, s Store) {
	ctx := context.Background()
	tok := newTestToken("owner-b", 10000)
	require.NoError(t, s.CreateToken(ctx, tok))

	_, err := s.ReserveCredit(ctx, tok.ID, 100, tok.ExpiresAt.Add(time.Second))
	assert.ErrorIs(t, err, ErrTokenNotActive)

	_, err = s.TransitionToken(ctx, tok.ID, TokenActive, TokenFrozen)
	require.NoError(t, err)
	_, err = s.ReserveCredit(ctx, tok.ID, 100, time.Now())
	assert.ErrorIs(t, err, ErrTokenNotActive)
}

func testReleaseClampsAtZero(t *testing.T, s Store) {
	ctx := context.Background()
	tok := newTestToken("owner-c", 10000)
	require.NoError(t, s.CreateToken(ctx, tok))

	_, err := s.ReserveCredit(ctx, tok.ID, 3000, time.Now())
	require.NoError(t, err)

	got, released, err := s.ReleaseCredit(ctx, tok.ID, 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.UsedAmount)
	assert.Equal(t, int64(3000), released)

	_, released, err = s.ReleaseCredit(ctx, tok.ID, 100)
	require.NoError(t, err)
	assert.Zero(t, released)

	_, _, err = s.ReleaseCredit(ctx, tok.ID, -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, _, err = s.ReleaseCredit(ctx, "tok_missing", 1)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func testOneLiveTokenPerOwner(t *testing.T, s Store) {
	ctx := context.Background()
	first := newTestToken("owner-d", 10000)
	require.NoError(t, s.CreateToken(ctx, first))

	err := s.CreateToken(ctx, newTestToken("owner-d", 20000))
	assert.ErrorIs(t, err, ErrDuplicateActiveToken)

	_, err = s.TransitionToken(ctx, first.ID, TokenActive, TokenFrozen)
	require.NoError(t, err)
	err = s.CreateToken(ctx, newTestToken("owner-d", 20000))
	assert.ErrorIs(t, err, ErrDuplicateActiveToken, "frozen tokens still count as live")

	_, err = s.TransitionToken(ctx, first.ID, TokenFrozen, TokenExpired)
	require.NoError(t, err)
	require.NoError(t, s.CreateToken(ctx, newTestToken("owner-d", 20000)))

	live, err := s.GetLiveTokenByOwner(ctx, "owner-d")
	require.NoError(t, err)
	assert.Equal(t, int64(20000), live.CreditLimit)
}

func testTransitionGuards(t *testing.T, s Store) {
	ctx := context.Background()
	tok := newTestToken("owner-e", 10000)
	require.NoError(t, s.CreateToken(ctx, tok))

	_, err := s.TransitionToken(ctx, tok.ID, TokenFrozen, TokenActive)
	assert.ErrorIs(t, err, ErrInvalidTransition, "stale from-status")

	_, err = s.TransitionToken(ctx, tok.ID, TokenExpired, TokenActive)
	assert.ErrorIs(t, err, ErrInvalidTransition, "expired is terminal")

	_, err = s.TransitionToken(ctx, "tok_missing", TokenActive, TokenFrozen)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func testSettleLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	tok := newTestToken("owner-f", 200000)
	require.NoError(t, s.CreateToken(ctx, tok))

	start := time.Now().UTC().Truncate(time.Microsecond).AddDate(0, 0, 30)
	plan, payments := seedPlan(t, s, tok, 100000, 4, start)

	for i, pay := range payments {
		st, err := s.SettlePayment(ctx, pay.ID, time.Now())
		require.NoError(t, err)
		assert.Equal(t, PaymentPaid, st.Payment.Status)
		assert.NotNil(t, st.Payment.PaidAt)
		assert.Equal(t, int64(25000), st.Released)
		assert.Equal(t, i+1, st.Plan.PaidInstallments)
		assert.Equal(t, int64(25000*(i+1)), st.Plan.PaidAmount)
		assert.Equal(t, int64(100000-25000*(i+1)), st.Token.UsedAmount)
		if i < len(payments)-1 {
			assert.Equal(t, PlanActive, st.Plan.Status)
			require.NotNil(t, st.Plan.NextDueDate)
			assert.True(t, st.Plan.NextDueDate.Equal(payments[i+1].DueDate))
		} else {
			assert.Equal(t, PlanCompleted, st.Plan.Status)
			assert.Nil(t, st.Plan.NextDueDate)
		}
	}

	final, err := s.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, final.TotalAmount, final.PaidAmount)

	tokAfter, err := s.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tokAfter.UsedAmount)
}

func testSettleTwice(t *testing.T, s Store) {
	ctx := context.Background()
	tok := newTestToken("owner-g", 100000)
	require.NoError(t, s.CreateToken(ctx, tok))
	_, payments := seedPlan(t, s, tok, 40000, 2, time.Now().UTC().AddDate(0, 0, 30))

	_, err := s.SettlePayment(ctx, payments[0].ID, time.Now())
	require.NoError(t, err)
	_, err = s.SettlePayment(ctx, payments[0].ID, time.Now())
	assert.ErrorIs(t, err, ErrAlreadyPaid)

	got, err := s.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), got.UsedAmount, "second settle must not release again")

	_, err = s.SettlePayment(ctx, "pay_missing", time.Now())
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func testDuplicatePurchase(t *testing.T, s Store) {
	ctx := context.Background()
	tok := newTestToken("owner-h", 100000)
	require.NoError(t, s.CreateToken(ctx, tok))
	plan, _ := seedPlan(t, s, tok, 10000, 2, time.Now().UTC().AddDate(0, 0, 30))

	dup := *plan
	dup.ID = "pln_dup_" + plan.ID
	err := s.CreatePlan(ctx, &dup, nil)
	assert.ErrorIs(t, err, ErrDuplicatePurchase)

	byPurchase, err := s.GetPlanByPurchase(ctx, plan.PurchaseID)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, byPurchase.ID)
}

func testMarkOverdue(t *testing.T, s Store) {
	ctx := context.Background()
	tok := newTestToken("owner-i", 100000)
	require.NoError(t, s.CreateToken(ctx, tok))

	start := time.Now().UTC().Truncate(time.Microsecond).AddDate(0, 0, -45)
	_, payments := seedPlan(t, s, tok, 30000, 3, start) // due -45d, -15d, +15d

	_, err := s.SettlePayment(ctx, payments[0].ID, time.Now())
	require.NoError(t, err)

	flipped, err := s.MarkOverdue(ctx, time.Now(), 100)
	require.NoError(t, err)
	require.Len(t, flipped, 1)
	assert.Equal(t, payments[1].ID, flipped[0].Payment.ID)
	assert.Equal(t, PaymentOverdue, flipped[0].Payment.Status)
	assert.Equal(t, tok.ID, flipped[0].TokenID)
	assert.Equal(t, "owner-i", flipped[0].OwnerID)

	again, err := s.MarkOverdue(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Empty(t, again, "overdue transition happens once")

	count, err := s.CountOverdue(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Overdue payments are still settleable.
	st, err := s.SettlePayment(ctx, payments[1].ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, st.Payment.Status)
}

func testReschedule(t *testing.T, s Store) {
	ctx := context.Background()
	tok := newTestToken("owner-j", 100000)
	require.NoError(t, s.CreateToken(ctx, tok))
	start := time.Now().UTC().Truncate(time.Microsecond).AddDate(0, 0, 30)
	plan, payments := seedPlan(t, s, tok, 40000, 4, start)

	_, err := s.SettlePayment(ctx, payments[0].ID, time.Now())
	require.NoError(t, err)

	base := start.AddDate(0, 3, 0)
	_, _, err = s.ReschedulePending(ctx, plan.ID, []time.Time{base, base.AddDate(0, 1, 0)})
	assert.ErrorIs(t, err, ErrCountMismatch)

	_, _, err = s.ReschedulePending(ctx, plan.ID, []time.Time{base, base, base.AddDate(0, 1, 0)})
	assert.ErrorIs(t, err, ErrInvalidDueDates)

	dates := []time.Time{base, base.AddDate(0, 1, 0), base.AddDate(0, 2, 0)}
	updated, moved, err := s.ReschedulePending(ctx, plan.ID, dates)
	require.NoError(t, err)
	require.Len(t, moved, 3)
	for i, p := range moved {
		assert.Equal(t, i+2, p.InstallmentNumber)
		assert.True(t, p.DueDate.Equal(dates[i]))
	}
	require.NotNil(t, updated.NextDueDate)
	assert.True(t, updated.NextDueDate.Equal(base))

	all, err := s.ListPayments(ctx, plan.ID)
	require.NoError(t, err)
	assert.True(t, all[0].DueDate.Equal(payments[0].DueDate), "paid payment keeps its date")

	_, _, err = s.ReschedulePending(ctx, "pln_missing", dates)
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func testListPlansByToken(t *testing.T, s Store) {
	ctx := context.Background()
	tok := newTestToken("owner-k", 1000000)
	require.NoError(t, s.CreateToken(ctx, tok))

	var ids []string
	for i := 0; i < 5; i++ {
		plan, _ := seedPlan(t, s, tok, 1000, 1, time.Now().UTC().AddDate(0, 0, 30))
		ids = append(ids, plan.ID)
		time.Sleep(2 * time.Millisecond)
	}

	page, err := s.ListPlansByToken(ctx, tok.ID, 3, nil)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[4], page[0].ID, "newest first")

	last := page[2]
	rest, err := s.ListPlansByToken(ctx, tok.ID, 10, cursorFor(last))
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, ids[1], rest[0].ID)
	assert.Equal(t, ids[0], rest[1].ID)
}

// testConcurrentReserveRelease hammers one token with random reserves and
// releases; used_amount must stay within bounds and equal the net of the
// successful calls.
func testConcurrentReserveRelease(t *testing.T, s Store) {
	ctx := context.Background()
	const limit = 100000
	tok := newTestToken("owner-l", limit)
	require.NoError(t, s.CreateToken(ctx, tok))

	var (
		wg       sync.WaitGroup
		reserved atomic.Int64
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var mine int64
			for i := 0; i < 50; i++ {
				amt := int64(rng.Intn(9000) + 1)
				if rng.Intn(3) > 0 {
					if _, err := s.ReserveCredit(ctx, tok.ID, amt, time.Now()); err == nil {
						mine += amt
						reserved.Add(amt)
					} else if !errors.Is(err, ErrInsufficientCredit) {
						t.Errorf("reserve: %v", err)
						return
					}
				} else if mine > 0 {
					rel := amt
					if rel > mine {
						rel = mine
					}
					if _, _, err := s.ReleaseCredit(ctx, tok.ID, rel); err != nil {
						t.Errorf("release: %v", err)
						return
					}
					mine -= rel
					reserved.Add(-rel)
				}
			}
		}(int64(w))
	}
	wg.Wait()

	got, err := s.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.UsedAmount, int64(0))
	assert.LessOrEqual(t, got.UsedAmount, int64(limit))
	assert.Equal(t, reserved.Load(), got.UsedAmount)
}

func testConcurrentSettle(t *testing.T, s Store) {
	ctx := context.Background()
	tok := newTestToken("owner-m", 100000)
	require.NoError(t, s.CreateToken(ctx, tok))
	_, payments := seedPlan(t, s, tok, 50000, 2, time.Now().UTC().AddDate(0, 0, 30))

	var (
		wg  sync.WaitGroup
		ok  atomic.Int32
		dup atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SettlePayment(ctx, payments[0].ID, time.Now())
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrAlreadyPaid):
				dup.Add(1)
			default:
				t.Errorf("settle: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(7), dup.Load())

	got, err := s.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25000), got.UsedAmount)
}
