// Package ledger persists revolving credit tokens, installment plans, and
// installment payments.
//
// Every mutation is a single guarded write (or one transaction of guarded
// writes) so that concurrent callers can never observe or produce a state
// that breaks the core invariants:
//
//	0 <= token.usedAmount <= token.creditLimit
//	plan.paidAmount <= plan.totalAmount
//	plan.status == completed  <=>  plan.paidInstallments == plan.totalInstallments
//
// Services in internal/credit and internal/installment build on Store; they
// never read a row and write it back.
package ledger

import (
	"context"
	"time"

	"github.com/mbd888/revolve/internal/pagination"
)

// TokenStore persists credit tokens.
type TokenStore interface {
	// CreateToken inserts a token. Fails with ErrDuplicateActiveToken if the
	// owner already holds a live (active or frozen) token.
	CreateToken(ctx context.Context, token *Token) error
	GetToken(ctx context.Context, id string) (*Token, error)
	GetLiveTokenByOwner(ctx context.Context, ownerID string) (*Token, error)

	// ReserveCredit adds amount to usedAmount if and only if the token is
	// active, unexpired at now, and has room under its limit.
	ReserveCredit(ctx context.Context, tokenID string, amount int64, now time.Time) (*Token, error)
	// ReleaseCredit subtracts amount from usedAmount, clamped at zero, and
	// reports how much was actually released.
	ReleaseCredit(ctx context.Context, tokenID string, amount int64) (*Token, int64, error)
	// TransitionToken moves a token from one status to another, failing with
	// ErrInvalidTransition if the token is no longer in from.
	TransitionToken(ctx context.Context, tokenID string, from, to TokenStatus) (*Token, error)
	// ListExpiringTokens returns live tokens whose expiry is at or before now.
	ListExpiringTokens(ctx context.Context, now time.Time, limit int) ([]*Token, error)
}

// PlanStore persists installment plans and their payments.
type PlanStore interface {
	// CreatePlan inserts a plan and all of its payments atomically.
	CreatePlan(ctx context.Context, plan *Plan, payments []*Payment) error
	GetPlan(ctx context.Context, id string) (*Plan, error)
	GetPlanByPurchase(ctx context.Context, purchaseID string) (*Plan, error)
	// ListPlansByToken returns plans newest first, starting after the cursor.
	ListPlansByToken(ctx context.Context, tokenID string, limit int, after *pagination.Cursor) ([]*Plan, error)
	GetPayment(ctx context.Context, id string) (*Payment, error)
	ListPayments(ctx context.Context, planID string) ([]*Payment, error)

	// SettlePayment marks a pending or overdue payment paid, adds it to the
	// plan aggregates, and releases its amount on the token, all in one
	// atomic step. Credit is released only when this call performed the
	// transition to paid.
	SettlePayment(ctx context.Context, paymentID string, paidAt time.Time) (*Settlement, error)
	// MarkOverdue moves up to limit pending payments due before the cutoff
	// to overdue. Rows that stopped being pending are skipped.
	MarkOverdue(ctx context.Context, before time.Time, limit int) ([]*OverdueTransition, error)
	// ReschedulePending assigns dueDates positionally to the plan's pending
	// payments ordered by installment number.
	ReschedulePending(ctx context.Context, planID string, dueDates []time.Time) (*Plan, []*Payment, error)
	// CountOverdue counts overdue payments across all plans of a token.
	CountOverdue(ctx context.Context, tokenID string) (int, error)
}

// Store is the full persistence surface of the credit ledger.
type Store interface {
	TokenStore
	PlanStore
}

// validateDueDates checks that dates are set and strictly increasing.
func validateDueDates(dates []time.Time) error {
	for i, d := range dates {
		if d.IsZero() {
			return ErrInvalidDueDates
		}
		if i > 0 && !d.After(dates[i-1]) {
			return ErrInvalidDueDates
		}
	}
	return nil
}

// nextDue returns the earliest due date among unpaid payments.
func nextDue(payments []*Payment) *time.Time {
	var next *time.Time
	for _, p := range payments {
		if p.Status != PaymentPending && p.Status != PaymentOverdue {
			continue
		}
		if next == nil || p.DueDate.Before(*next) {
			d := p.DueDate
			next = &d
		}
	}
	return next
}
