// Package rail accepts payment confirmations from the external payment rail
// and settles the matching installment.
package rail

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/revolve/internal/circuitbreaker"
	"github.com/mbd888/revolve/internal/ledger"
	"github.com/mbd888/revolve/internal/retry"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Rail-Signature"

// ErrInvalidSignature is returned for unsigned or mis-signed webhooks.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// resolverKey names the charge resolver in the circuit breaker.
const resolverKey = "charge_resolver"

// Confirmation is the rail's payment-confirmed payload.
type Confirmation struct {
	PaymentID        string    `json:"paymentId"`
	ExternalChargeID string    `json:"externalChargeId"`
	PaidAmount       int64     `json:"paidAmount"`
	PaidAt           time.Time `json:"paidAt"`
}

// Result reports what a confirmation did.
type Result struct {
	PaymentID  string             `json:"paymentId"`
	Duplicate  bool               `json:"duplicate"`
	Settlement *ledger.Settlement `json:"settlement,omitempty"`
}

// ChargeResolver maps a rail charge ID to the installment payment it pays.
type ChargeResolver interface {
	ResolveCharge(ctx context.Context, externalChargeID string) (string, error)
}

// ResolverFunc adapts a function to ChargeResolver.
type ResolverFunc func(ctx context.Context, externalChargeID string) (string, error)

// ResolveCharge calls f.
func (f ResolverFunc) ResolveCharge(ctx context.Context, externalChargeID string) (string, error) {
	return f(ctx, externalChargeID)
}

// Settler settles one payment. installment.Reconciler satisfies it.
type Settler interface {
	Settle(ctx context.Context, paymentID string, paidAt time.Time) (*ledger.Settlement, error)
}

// PaymentReader looks up payments. ledger.Store satisfies it.
type PaymentReader interface {
	GetPayment(ctx context.Context, id string) (*ledger.Payment, error)
}

// Service applies confirmations.
type Service struct {
	payments PaymentReader
	settler  Settler
	resolver ChargeResolver
	breaker  *circuitbreaker.Breaker
	policy   retry.Policy
	logger   *slog.Logger
}

// NewService creates a rail service. resolver may be nil, in which case
// confirmations must name the payment directly.
func NewService(payments PaymentReader, settler Settler, resolver ChargeResolver, logger *slog.Logger) *Service {
	policy := retry.DefaultPolicy
	policy.Retryable = isTransient
	return &Service{
		payments: payments,
		settler:  settler,
		resolver: resolver,
		breaker:  circuitbreaker.New(5, 30*time.Second),
		policy:   policy,
		logger:   logger,
	}
}

// Confirm settles the payment named by c. A payment that is already paid is
// acknowledged as a duplicate rather than an error, so the rail can retry
// freely.
func (s *Service) Confirm(ctx context.Context, c Confirmation) (*Result, error) {
	paymentID := c.PaymentID
	if paymentID == "" {
		if c.ExternalChargeID == "" || s.resolver == nil {
			return nil, ledger.ErrPaymentNotFound
		}
		id, err := s.resolveCharge(ctx, c.ExternalChargeID)
		if err != nil {
			return nil, err
		}
		paymentID = id
	}
	if c.PaidAmount <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	payment, err := s.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if c.PaidAmount < payment.Amount {
		return nil, ledger.ErrAmountMismatch
	}
	if payment.Status == ledger.PaymentPaid {
		return &Result{PaymentID: paymentID, Duplicate: true}, nil
	}

	var settlement *ledger.Settlement
	err = s.policy.Do(ctx, func() error {
		var err error
		settlement, err = s.settler.Settle(ctx, paymentID, c.PaidAt)
		if err != nil {
			s.logger.Warn("settle attempt failed", "paymentId", paymentID, "error", err)
		}
		return err
	})
	if errors.Is(err, ledger.ErrAlreadyPaid) {
		return &Result{PaymentID: paymentID, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Result{PaymentID: paymentID, Settlement: settlement}, nil
}

// resolveCharge asks the resolver for the payment behind a charge. Repeated
// infrastructure failures open the breaker so confirmations fail fast
// until the resolver recovers; unknown charges do not count against it.
func (s *Service) resolveCharge(ctx context.Context, chargeID string) (string, error) {
	var id string
	err := s.breaker.Execute(resolverKey, isTransient, func() error {
		var err error
		id, err = s.resolver.ResolveCharge(ctx, chargeID)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		s.logger.Warn("charge resolver circuit open", "externalChargeId", chargeID)
		return "", fmt.Errorf("charge resolver unavailable: %w", err)
	}
	return id, err
}

func isTransient(err error) bool {
	return ledger.KindOf(err) == ledger.KindTransient
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks signature against body in constant time.
func Verify(body []byte, signature, secret string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hmac.Equal(got, h.Sum(nil))
}
