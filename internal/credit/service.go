package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/revolve/internal/idgen"
	"github.com/mbd888/revolve/internal/ledger"
	"github.com/mbd888/revolve/internal/metrics"
	"github.com/mbd888/revolve/internal/notify"
	"github.com/mbd888/revolve/internal/traces"
)

// expiryBatch bounds how many tokens one expiry sweep touches.
const expiryBatch = 100

// Service provides credit token business logic on top of a ledger.TokenStore.
type Service struct {
	store  ledger.TokenStore
	events notify.Publisher
	policy Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new credit service.
func NewService(store ledger.TokenStore, events notify.Publisher, policy Policy, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		events: events,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// Issue creates an active token for an owner with no live token.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*ledger.Token, error) {
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" || req.ApprovedLimit <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	maxInst := req.MaxInstallments
	if maxInst == 0 {
		maxInst = s.policy.DefaultMaxInstallments
	}
	if maxInst < 1 {
		return nil, ledger.ErrTooManyInstallments
	}
	rate := s.policy.DefaultInterestRateBps
	if req.InterestRateBps != nil {
		rate = *req.InterestRateBps
	}
	if rate < 0 {
		return nil, ledger.ErrInvalidAmount
	}

	now := s.now()
	tok := &ledger.Token{
		ID:              idgen.WithPrefix(idgen.PrefixToken),
		OwnerID:         owner,
		CreditLimit:     req.ApprovedLimit,
		MaxInstallments: maxInst,
		InterestRateBps: rate,
		Status:          ledger.TokenActive,
		ExpiresAt:       now.Add(s.policy.TokenTTL),
		IssuedAt:        now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateToken(ctx, tok); err != nil {
		if errors.Is(err, ledger.ErrDuplicateActiveToken) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create token: %w", err)
	}

	s.events.Publish(ctx, &notify.Event{
		Type:     notify.EventTokenIssued,
		OwnerID:  tok.OwnerID,
		EntityID: tok.ID,
		Amount:   tok.CreditLimit,
	})
	return tok, nil
}

// Get returns a token by ID.
func (s *Service) Get(ctx context.Context, id string) (*ledger.Token, error) {
	return s.store.GetToken(ctx, id)
}

// GetByOwner returns the owner's live (active or frozen) token.
func (s *Service) GetByOwner(ctx context.Context, ownerID string) (*ledger.Token, error) {
	return s.store.GetLiveTokenByOwner(ctx, ownerID)
}

// Reserve holds amount against the token and returns the remaining
// available credit.
func (s *Service) Reserve(ctx context.Context, tokenID string, amount int64) (*ReserveResult, error) {
	ctx, span := traces.StartSpan(ctx, "credit.reserve", traces.TokenID(tokenID), traces.Amount(amount))
	tok, err := s.store.ReserveCredit(ctx, tokenID, amount, s.now())
	traces.End(span, err)

	if err != nil {
		metrics.ReservationsTotal.WithLabelValues(ledger.Code(err)).Inc()
		return nil, err
	}
	metrics.ReservationsTotal.WithLabelValues("ok").Inc()
	return &ReserveResult{TokenID: tok.ID, Used: tok.UsedAmount, Available: tok.Available()}, nil
}

// Release returns amount to the token, clamped at zero used. It backs the
// compensation path of a failed purchase.
func (s *Service) Release(ctx context.Context, tokenID string, amount int64) (*ledger.Token, error) {
	tok, _, err := s.release(ctx, tokenID, amount)
	return tok, err
}

// AdjustRelease is an operator correction: it releases amount with a
// mandatory reason, logs it, and publishes a credit.released audit event
// carrying the amount actually released.
func (s *Service) AdjustRelease(ctx context.Context, tokenID string, amount int64, reason string) (*ledger.Token, int64, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, 0, ledger.ErrReasonRequired
	}
	tok, released, err := s.release(ctx, tokenID, amount)
	if err != nil {
		return nil, 0, err
	}

	s.logger.Warn("credit released by operator",
		"tokenId", tokenID, "requested", amount, "released", released, "reason", reason)
	s.events.Publish(ctx, &notify.Event{
		Type:     notify.EventCreditReleased,
		OwnerID:  tok.OwnerID,
		EntityID: tok.ID,
		Amount:   released,
		Reason:   reason,
	})
	return tok, released, nil
}

func (s *Service) release(ctx context.Context, tokenID string, amount int64) (*ledger.Token, int64, error) {
	tok, released, err := s.store.ReleaseCredit(ctx, tokenID, amount)
	if err != nil {
		return nil, 0, err
	}
	metrics.CreditReleasedTotal.Add(float64(released))
	return tok, released, nil
}

// Freeze moves an active token to frozen.
func (s *Service) Freeze(ctx context.Context, tokenID, reason string) (*ledger.Token, error) {
	tok, err := s.store.TransitionToken(ctx, tokenID, ledger.TokenActive, ledger.TokenFrozen)
	if err != nil {
		return nil, err
	}
	metrics.TokensFrozenTotal.WithLabelValues(reason).Inc()
	s.logger.Info("token frozen", "tokenId", tokenID, "reason", reason)
	s.events.Publish(ctx, &notify.Event{
		Type:     notify.EventTokenFrozen,
		OwnerID:  tok.OwnerID,
		EntityID: tok.ID,
	})
	return tok, nil
}

// Unfreeze moves a frozen token back to active. An expired-by-time token
// stays frozen until the expiry sweep retires it.
func (s *Service) Unfreeze(ctx context.Context, tokenID string) (*ledger.Token, error) {
	current, err := s.store.GetToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if current.IsExpired(s.now()) {
		return nil, ledger.ErrTokenExpired
	}

	tok, err := s.store.TransitionToken(ctx, tokenID, ledger.TokenFrozen, ledger.TokenActive)
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, &notify.Event{
		Type:     notify.EventTokenUnfrozen,
		OwnerID:  tok.OwnerID,
		EntityID: tok.ID,
	})
	return tok, nil
}

// ExpireDue moves live tokens past their expiry to expired and returns how
// many changed. Outstanding plans keep settling against an expired token.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	due, err := s.store.ListExpiringTokens(ctx, s.now(), expiryBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list expiring tokens: %w", err)
	}

	expired := 0
	for _, tok := range due {
		updated, err := s.store.TransitionToken(ctx, tok.ID, tok.Status, ledger.TokenExpired)
		if err != nil {
			// A concurrent freeze or unfreeze changed the status; the next
			// sweep picks it up.
			s.logger.Warn("failed to expire token", "tokenId", tok.ID, "error", err)
			continue
		}
		expired++
		s.events.Publish(ctx, &notify.Event{
			Type:     notify.EventTokenExpired,
			OwnerID:  updated.OwnerID,
			EntityID: updated.ID,
		})
	}
	return expired, nil
}
