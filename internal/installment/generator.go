package installment

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/revolve/internal/idgen"
	"github.com/mbd888/revolve/internal/ledger"
	"github.com/mbd888/revolve/internal/money"
)

// Quote is a computed installment schedule that has not been persisted.
type Quote struct {
	Principal         int64       `json:"principal"`
	Installments      int         `json:"installments"`
	InterestRateBps   int64       `json:"interestRateBps"`
	InstallmentAmount int64       `json:"installmentAmount"` // nominal, pre-interest
	Amounts           []int64     `json:"amounts"`
	Total             int64       `json:"total"`
	DueDates          []time.Time `json:"dueDates"`
}

// GenerateRequest describes a reserved purchase to turn into a plan.
type GenerateRequest struct {
	PurchaseID      string
	TokenID         string
	OwnerID         string
	Amount          int64
	Installments    int
	InterestRateBps int64
}

// Generator computes installment schedules and persists them as plans.
type Generator struct {
	store  ledger.PlanStore
	mode   InterestMode
	period time.Duration
	now    func() time.Time
}

// NewGenerator creates a generator. A zero period uses DefaultPeriod and an
// empty mode uses compound interest.
func NewGenerator(store ledger.PlanStore, mode InterestMode, period time.Duration) *Generator {
	if period <= 0 {
		period = DefaultPeriod
	}
	if mode == "" {
		mode = InterestCompound
	}
	return &Generator{store: store, mode: mode, period: period, now: time.Now}
}

// Quote computes the schedule for amount split into n installments at
// rateBps per period, with due dates starting one period from now.
func (g *Generator) Quote(amount int64, n int, rateBps int64) (*Quote, error) {
	if amount <= 0 || n < 1 || rateBps < 0 {
		return nil, ledger.ErrInvalidAmount
	}
	// Every installment must be at least one minor unit.
	if int64(n) > amount {
		return nil, ledger.ErrInvalidAmount
	}

	nominal, err := money.SplitEvenly(amount, n)
	if err != nil {
		return nil, err
	}

	amounts := nominal
	if rateBps > 0 {
		switch g.mode {
		case InterestSimple:
			interest, err := money.SimpleInterest(amount, rateBps, n)
			if err != nil {
				return nil, err
			}
			if interest > math.MaxInt64-amount {
				return nil, ledger.ErrInvalidAmount
			}
			amounts, err = money.SplitEvenly(amount+interest, n)
			if err != nil {
				return nil, err
			}
		default:
			amounts, err = money.CompoundInstallment(amount, n, rateBps)
			if err != nil {
				return nil, err
			}
		}
	}

	start := g.now().UTC().Truncate(time.Microsecond)
	due := make([]time.Time, n)
	for i := range due {
		due[i] = start.Add(time.Duration(i+1) * g.period)
	}

	return &Quote{
		Principal:         amount,
		Installments:      n,
		InterestRateBps:   rateBps,
		InstallmentAmount: nominal[0],
		Amounts:           amounts,
		Total:             money.Sum(amounts),
		DueDates:          due,
	}, nil
}

// Generate creates one active plan and n pending payments atomically.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (*ledger.Plan, []*ledger.Payment, error) {
	q, err := g.Quote(req.Amount, req.Installments, req.InterestRateBps)
	if err != nil {
		return nil, nil, err
	}

	now := g.now().UTC().Truncate(time.Microsecond)
	plan := &ledger.Plan{
		ID:                idgen.WithPrefix(idgen.PrefixPlan),
		PurchaseID:        req.PurchaseID,
		TokenID:           req.TokenID,
		OwnerID:           req.OwnerID,
		TotalInstallments: q.Installments,
		InstallmentAmount: q.InstallmentAmount,
		TotalAmount:       q.Total,
		InterestRateBps:   q.InterestRateBps,
		Status:            ledger.PlanActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	first := q.DueDates[0]
	plan.NextDueDate = &first

	payments := make([]*ledger.Payment, q.Installments)
	for i := range payments {
		payments[i] = &ledger.Payment{
			ID:                idgen.WithPrefix(idgen.PrefixPayment),
			PlanID:            plan.ID,
			InstallmentNumber: i + 1,
			Amount:            q.Amounts[i],
			DueDate:           q.DueDates[i],
			Status:            ledger.PaymentPending,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
	}

	if err := g.store.CreatePlan(ctx, plan, payments); err != nil {
		if ledger.KindOf(err) != ledger.KindTransient {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("failed to create plan: %w", err)
	}
	return plan, payments, nil
}
