package ledger

import (
	"errors"

	"github.com/mbd888/revolve/internal/money"
)

// Validation errors: the caller's input violates a precondition.
var (
	ErrInvalidAmount       = money.ErrInvalidAmount
	ErrCountMismatch       = errors.New("due date count does not match pending payments")
	ErrTooManyInstallments = errors.New("installments exceed token maximum")
	ErrInvalidDueDates     = errors.New("due dates must be set and strictly increasing")
	ErrAmountMismatch      = errors.New("paid amount does not cover installment")
	ErrReasonRequired      = errors.New("a reason is required")
)

// State-conflict errors: well-formed request, current state forbids it.
var (
	ErrInsufficientCredit   = errors.New("insufficient credit")
	ErrTokenNotActive       = errors.New("token is not active")
	ErrTokenExpired         = errors.New("token has expired")
	ErrAlreadyPaid          = errors.New("payment already paid")
	ErrNothingToReschedule  = errors.New("plan has no pending payments")
	ErrDuplicateActiveToken = errors.New("owner already has an active token")
	ErrDuplicatePurchase    = errors.New("purchase already has a plan")
	ErrInvalidTransition    = errors.New("invalid status transition")
)

// Not-found and authorization errors.
var (
	ErrTokenNotFound   = errors.New("token not found")
	ErrPlanNotFound    = errors.New("plan not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrNotOwner        = errors.New("caller does not own this token")
)

// Kind groups errors by how a caller should react to them.
type Kind int

const (
	KindTransient Kind = iota // storage or unknown failure; safe to retry idempotent calls
	KindValidation
	KindConflict
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	default:
		return "transient"
	}
}

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidAmount, KindValidation},
	{ErrCountMismatch, KindValidation},
	{ErrTooManyInstallments, KindValidation},
	{ErrInvalidDueDates, KindValidation},
	{ErrAmountMismatch, KindValidation},
	{ErrReasonRequired, KindValidation},

	{ErrInsufficientCredit, KindConflict},
	{ErrTokenNotActive, KindConflict},
	{ErrTokenExpired, KindConflict},
	{ErrAlreadyPaid, KindConflict},
	{ErrNothingToReschedule, KindConflict},
	{ErrDuplicateActiveToken, KindConflict},
	{ErrDuplicatePurchase, KindConflict},
	{ErrInvalidTransition, KindConflict},

	{ErrTokenNotFound, KindNotFound},
	{ErrPlanNotFound, KindNotFound},
	{ErrPaymentNotFound, KindNotFound},
	{ErrNotOwner, KindNotFound},
}

// KindOf classifies err. Unrecognized errors are treated as transient.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindTransient
}

// Code returns a stable snake_case identifier for API responses.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrCountMismatch):
		return "count_mismatch"
	case errors.Is(err, ErrTooManyInstallments):
		return "too_many_installments"
	case errors.Is(err, ErrInvalidDueDates):
		return "invalid_due_dates"
	case errors.Is(err, ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, ErrReasonRequired):
		return "reason_required"
	case errors.Is(err, ErrInsufficientCredit):
		return "insufficient_credit"
	case errors.Is(err, ErrTokenNotActive):
		return "token_not_active"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrAlreadyPaid):
		return "already_paid"
	case errors.Is(err, ErrNothingToReschedule):
		return "nothing_to_reschedule"
	case errors.Is(err, ErrDuplicateActiveToken):
		return "duplicate_active_token"
	case errors.Is(err, ErrDuplicatePurchase):
		return "duplicate_purchase"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrTokenNotFound), errors.Is(err, ErrPlanNotFound), errors.Is(err, ErrPaymentNotFound):
		return "not_found"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	default:
		return "internal_error"
	}
}
