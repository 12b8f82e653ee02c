package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/revolve/internal/pagination"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory ledger store for demo/development mode.
// Each method holds the store lock for its whole body, which makes every
// call one atomic step across tokens, plans, and payments.
type MemoryStore struct {
	tokens         map[string]*Token
	plans          map[string]*Plan
	planByPurchase map[string]string   // purchaseID -> planID
	payments       map[string]*Payment // by ID
	paymentsByPlan map[string][]string // planID -> payment IDs in installment order
	mu             sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:         make(map[string]*Token),
		plans:          make(map[string]*Plan),
		planByPurchase: make(map[string]string),
		payments:       make(map[string]*Payment),
		paymentsByPlan: make(map[string][]string),
	}
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

func (m *MemoryStore) CreateToken(ctx context.Context, token *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.tokens {
		if existing.OwnerID == token.OwnerID && existing.Status.Live() {
			return ErrDuplicateActiveToken
		}
	}

	cp := *token
	m.tokens[token.ID] = &cp
	return nil
}

func (m *MemoryStore) GetToken(ctx context.Context, id string) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tok, ok := m.tokens[id]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *tok
	return &cp, nil
}

func (m *MemoryStore) GetLiveTokenByOwner(ctx context.Context, ownerID string) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tok := range m.tokens {
		if tok.OwnerID == ownerID && tok.Status.Live() {
			cp := *tok
			return &cp, nil
		}
	}
	return nil, ErrTokenNotFound
}

func (m *MemoryStore) ReserveCredit(ctx context.Context, tokenID string, amount int64, now time.Time) (*Token, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[tokenID]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if tok.Status != TokenActive || tok.IsExpired(now) {
		return nil, ErrTokenNotActive
	}
	if amount > tok.CreditLimit-tok.UsedAmount {
		return nil, ErrInsufficientCredit
	}

	tok.UsedAmount += amount
	tok.Version++
	tok.UpdatedAt = time.Now()
	cp := *tok
	return &cp, nil
}

func (m *MemoryStore) ReleaseCredit(ctx context.Context, tokenID string, amount int64) (*Token, int64, error) {
	if amount <= 0 {
		return nil, 0, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[tokenID]
	if !ok {
		return nil, 0, ErrTokenNotFound
	}
	released := releaseLocked(tok, amount)
	cp := *tok
	return &cp, released, nil
}

// releaseLocked lowers usedAmount, never below zero, and returns how much
// was actually released.
func releaseLocked(tok *Token, amount int64) int64 {
	released := amount
	if released > tok.UsedAmount {
		released = tok.UsedAmount
	}
	tok.UsedAmount -= released
	tok.Version++
	tok.UpdatedAt = time.Now()
	return released
}

func (m *MemoryStore) TransitionToken(ctx context.Context, tokenID string, from, to TokenStatus) (*Token, error) {
	if !from.CanTransition(to) {
		return nil, ErrInvalidTransition
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[tokenID]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if tok.Status != from {
		return nil, ErrInvalidTransition
	}

	tok.Status = to
	tok.Version++
	tok.UpdatedAt = time.Now()
	cp := *tok
	return &cp, nil
}

func (m *MemoryStore) ListExpiringTokens(ctx context.Context, now time.Time, limit int) ([]*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Token
	for _, tok := range m.tokens {
		if tok.Status.Live() && tok.IsExpired(now) {
			cp := *tok
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Plans and payments
// ---------------------------------------------------------------------------

func (m *MemoryStore) CreatePlan(ctx context.Context, plan *Plan, payments []*Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.planByPurchase[plan.PurchaseID]; ok {
		return ErrDuplicatePurchase
	}
	if _, ok := m.tokens[plan.TokenID]; !ok {
		return ErrTokenNotFound
	}

	sorted := make([]*Payment, len(payments))
	copy(sorted, payments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].InstallmentNumber < sorted[j].InstallmentNumber })

	ids := make([]string, 0, len(sorted))
	for _, p := range sorted {
		m.payments[p.ID] = copyPayment(p)
		ids = append(ids, p.ID)
	}
	m.plans[plan.ID] = copyPlan(plan)
	m.planByPurchase[plan.PurchaseID] = plan.ID
	m.paymentsByPlan[plan.ID] = ids
	return nil
}

func (m *MemoryStore) GetPlan(ctx context.Context, id string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	plan, ok := m.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return copyPlan(plan), nil
}

func (m *MemoryStore) GetPlanByPurchase(ctx context.Context, purchaseID string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.planByPurchase[purchaseID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return copyPlan(m.plans[id]), nil
}

func (m *MemoryStore) ListPlansByToken(ctx context.Context, tokenID string, limit int, after *pagination.Cursor) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Plan
	for _, plan := range m.plans {
		if plan.TokenID != tokenID {
			continue
		}
		if after != nil && !pagination.Before(plan.CreatedAt, plan.ID, after) {
			continue
		}
		result = append(result, copyPlan(plan))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return copyPayment(p), nil
}

func (m *MemoryStore) ListPayments(ctx context.Context, planID string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.plans[planID]; !ok {
		return nil, ErrPlanNotFound
	}
	ids := m.paymentsByPlan[planID]
	result := make([]*Payment, 0, len(ids))
	for _, id := range ids {
		result = append(result, copyPayment(m.payments[id]))
	}
	return result, nil
}

func (m *MemoryStore) SettlePayment(ctx context.Context, paymentID string, paidAt time.Time) (*Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pay, ok := m.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if pay.Status == PaymentPaid {
		return nil, ErrAlreadyPaid
	}
	if !pay.Status.Settleable() {
		return nil, ErrInvalidTransition
	}
	plan, ok := m.plans[pay.PlanID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	tok, ok := m.tokens[plan.TokenID]
	if !ok {
		return nil, ErrTokenNotFound
	}

	now := time.Now()
	paid := paidAt
	pay.Status = PaymentPaid
	pay.PaidAt = &paid
	pay.UpdatedAt = now

	plan.PaidAmount += pay.Amount
	plan.PaidInstallments++
	if plan.PaidInstallments >= plan.TotalInstallments {
		plan.Status = PlanCompleted
	}
	plan.NextDueDate = nextDue(m.planPaymentsLocked(plan.ID))
	plan.UpdatedAt = now

	released := releaseLocked(tok, pay.Amount)

	tokCopy := *tok
	return &Settlement{
		Payment:  copyPayment(pay),
		Plan:     copyPlan(plan),
		Token:    &tokCopy,
		Released: released,
	}, nil
}

func (m *MemoryStore) MarkOverdue(ctx context.Context, before time.Time, limit int) ([]*OverdueTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Payment
	for _, p := range m.payments {
		if p.Status == PaymentPending && p.DueDate.Before(before) {
			due = append(due, p)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueDate.Before(due[j].DueDate) })
	if len(due) > limit {
		due = due[:limit]
	}

	now := time.Now()
	result := make([]*OverdueTransition, 0, len(due))
	for _, p := range due {
		p.Status = PaymentOverdue
		p.UpdatedAt = now
		plan := m.plans[p.PlanID]
		result = append(result, &OverdueTransition{
			Payment: copyPayment(p),
			TokenID: plan.TokenID,
			OwnerID: plan.OwnerID,
		})
	}
	return result, nil
}

func (m *MemoryStore) ReschedulePending(ctx context.Context, planID string, dueDates []time.Time) (*Plan, []*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.plans[planID]
	if !ok {
		return nil, nil, ErrPlanNotFound
	}

	all := m.planPaymentsLocked(planID)
	var pending []*Payment
	for _, p := range all {
		if p.Status == PaymentPending {
			pending = append(pending, p)
		}
	}
	if len(pending) == 0 {
		return nil, nil, ErrNothingToReschedule
	}
	if len(dueDates) != len(pending) {
		return nil, nil, ErrCountMismatch
	}
	if err := validateDueDates(dueDates); err != nil {
		return nil, nil, err
	}

	now := time.Now()
	updated := make([]*Payment, 0, len(pending))
	for i, p := range pending {
		p.DueDate = dueDates[i]
		p.UpdatedAt = now
		updated = append(updated, copyPayment(p))
	}
	plan.NextDueDate = nextDue(all)
	plan.UpdatedAt = now

	return copyPlan(plan), updated, nil
}

func (m *MemoryStore) CountOverdue(ctx context.Context, tokenID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, p := range m.payments {
		if p.Status != PaymentOverdue {
			continue
		}
		if plan := m.plans[p.PlanID]; plan != nil && plan.TokenID == tokenID {
			count++
		}
	}
	return count, nil
}

// planPaymentsLocked returns the live payment records of a plan in
// installment order. Caller must hold m.mu.
func (m *MemoryStore) planPaymentsLocked(planID string) []*Payment {
	ids := m.paymentsByPlan[planID]
	out := make([]*Payment, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.payments[id])
	}
	return out
}

func copyPlan(p *Plan) *Plan {
	cp := *p
	if p.NextDueDate != nil {
		d := *p.NextDueDate
		cp.NextDueDate = &d
	}
	return &cp
}

func copyPayment(p *Payment) *Payment {
	cp := *p
	if p.PaidAt != nil {
		t := *p.PaidAt
		cp.PaidAt = &t
	}
	return &cp
}
