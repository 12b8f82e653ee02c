package ledger

import "time"

// TokenStatus is the lifecycle state of a credit token.
type TokenStatus string

const (
	TokenActive  TokenStatus = "active"
	TokenFrozen  TokenStatus = "frozen"  // rejects reservations, still accepts payments
	TokenExpired TokenStatus = "expired" // terminal
)

var tokenTransitions = map[TokenStatus][]TokenStatus{
	TokenActive:  {TokenFrozen, TokenExpired},
	TokenFrozen:  {TokenActive, TokenExpired},
	TokenExpired: nil,
}

// CanTransition reports whether a token may move from s to next.
func (s TokenStatus) CanTransition(next TokenStatus) bool {
	for _, allowed := range tokenTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Live reports whether the token still counts as the owner's current line.
func (s TokenStatus) Live() bool {
	return s == TokenActive || s == TokenFrozen
}

// PlanStatus is the lifecycle state of an installment plan.
type PlanStatus string

const (
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanDefaulted PlanStatus = "defaulted"
)

// PaymentStatus is the lifecycle state of a single installment.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentOverdue PaymentStatus = "overdue"
	PaymentExpired PaymentStatus = "expired"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending: {PaymentPaid, PaymentOverdue, PaymentExpired},
	PaymentOverdue: {PaymentPaid, PaymentExpired},
	PaymentPaid:    nil,
	PaymentExpired: nil,
}

// CanTransition reports whether a payment may move from s to next.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Settleable reports whether a payment in this state can be marked paid.
func (s PaymentStatus) Settleable() bool {
	return s.CanTransition(PaymentPaid)
}

// Token is a revolving credit line issued to one owner. Amounts are in
// minor currency units.
type Token struct {
	ID              string      `json:"id"`
	OwnerID         string      `json:"ownerId"`
	CreditLimit     int64       `json:"creditLimit"`
	UsedAmount      int64       `json:"usedAmount"`
	MaxInstallments int         `json:"maxInstallments"`
	InterestRateBps int64       `json:"interestRateBps"`
	Status          TokenStatus `json:"status"`
	Version         int64       `json:"version"`
	ExpiresAt       time.Time   `json:"expiresAt"`
	IssuedAt        time.Time   `json:"issuedAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// Available returns the unreserved part of the credit limit.
func (t *Token) Available() int64 {
	return t.CreditLimit - t.UsedAmount
}

// IsExpired reports whether the token's expiry has passed at now.
func (t *Token) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// Plan is the set of installments generated for one purchase.
type Plan struct {
	ID                string     `json:"id"`
	PurchaseID        string     `json:"purchaseId"`
	TokenID           string     `json:"tokenId"`
	OwnerID           string     `json:"ownerId"`
	TotalInstallments int        `json:"totalInstallments"`
	InstallmentAmount int64      `json:"installmentAmount"` // nominal, pre-interest
	TotalAmount       int64      `json:"totalAmount"`
	PaidAmount        int64      `json:"paidAmount"`
	PaidInstallments  int        `json:"paidInstallments"`
	InterestRateBps   int64      `json:"interestRateBps"`
	Status            PlanStatus `json:"status"`
	NextDueDate       *time.Time `json:"nextDueDate,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Remaining returns the unpaid part of the plan.
func (p *Plan) Remaining() int64 {
	return p.TotalAmount - p.PaidAmount
}

// Payment is one dated installment of a plan.
type Payment struct {
	ID                string        `json:"id"`
	PlanID            string        `json:"planId"`
	InstallmentNumber int           `json:"installmentNumber"`
	Amount            int64         `json:"amount"`
	DueDate           time.Time     `json:"dueDate"`
	Status            PaymentStatus `json:"status"`
	PaidAt            *time.Time    `json:"paidAt,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// Settlement is the committed result of settling one payment.
type Settlement struct {
	Payment  *Payment `json:"payment"`
	Plan     *Plan    `json:"plan"`
	Token    *Token   `json:"token"`
	Released int64    `json:"released"` // credit actually returned to the token
}

// OverdueTransition is a payment moved to overdue by a sweep, with the
// owning token and owner attached for notification fan-out.
type OverdueTransition struct {
	Payment *Payment `json:"payment"`
	TokenID string   `json:"tokenId"`
	OwnerID string   `json:"ownerId"`
}
