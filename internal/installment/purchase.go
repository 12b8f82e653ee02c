package installment

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/revolve/internal/ledger"
	"github.com/mbd888/revolve/internal/metrics"
	"github.com/mbd888/revolve/internal/notify"
	"github.com/mbd888/revolve/internal/traces"
)

// PurchaseRequest finances a purchase against an existing token.
type PurchaseRequest struct {
	PurchaseID   string `json:"purchaseId"`
	TokenID      string `json:"tokenId"`
	Amount       int64  `json:"amount"`
	Installments int    `json:"installments"`
}

// PurchaseResult is the created plan and the token's remaining credit.
type PurchaseResult struct {
	Plan      *ledger.Plan      `json:"plan"`
	Payments  []*ledger.Payment `json:"payments"`
	Reserved  int64             `json:"reserved"`
	Available int64             `json:"available"`
}

// PurchaseFlow reuses a live token for a new purchase: it checks the
// token, reserves credit, and generates the plan, releasing the
// reservation again if generation fails.
type PurchaseFlow struct {
	store     ledger.Store
	reserver  Reserver
	generator *Generator
	plans     PlanGenerator
	events    notify.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewPurchaseFlow creates a purchase flow.
func NewPurchaseFlow(store ledger.Store, reserver Reserver, gen *Generator, events notify.Publisher, logger *slog.Logger) *PurchaseFlow {
	return &PurchaseFlow{
		store:     store,
		reserver:  reserver,
		generator: gen,
		plans:     gen,
		events:    events,
		logger:    logger,
		now:       time.Now,
	}
}

// Purchase finances req on behalf of callerID. When callerID is empty the
// ownership check is skipped.
//
// The amount reserved is the schedule total, interest included, so that
// settling every installment returns exactly what was reserved.
func (f *PurchaseFlow) Purchase(ctx context.Context, callerID string, req PurchaseRequest) (result *PurchaseResult, err error) {
	ctx, span := traces.StartSpan(ctx, "installment.purchase",
		traces.TokenID(req.TokenID),
		traces.PurchaseID(req.PurchaseID),
		traces.Amount(req.Amount),
		traces.Installments(req.Installments))
	defer func() { traces.End(span, err) }()

	req.PurchaseID = strings.TrimSpace(req.PurchaseID)
	if req.PurchaseID == "" || req.Amount <= 0 || req.Installments < 1 {
		return nil, ledger.ErrInvalidAmount
	}

	tok, err := f.store.GetToken(ctx, req.TokenID)
	if err != nil {
		return nil, err
	}
	if callerID != "" && tok.OwnerID != callerID {
		return nil, ledger.ErrNotOwner
	}
	if tok.Status != ledger.TokenActive {
		return nil, ledger.ErrTokenNotActive
	}
	if tok.IsExpired(f.now()) {
		return nil, ledger.ErrTokenExpired
	}

	// The principal alone must fit before interest is priced on it.
	if req.Amount > tok.Available() {
		return nil, ledger.ErrInsufficientCredit
	}

	quote, err := f.generator.Quote(req.Amount, req.Installments, tok.InterestRateBps)
	if err != nil {
		return nil, err
	}
	if quote.Total > tok.Available() {
		return nil, ledger.ErrInsufficientCredit
	}
	if req.Installments > tok.MaxInstallments {
		return nil, ledger.ErrTooManyInstallments
	}

	if _, err := f.store.GetPlanByPurchase(ctx, req.PurchaseID); err == nil {
		return nil, ledger.ErrDuplicatePurchase
	} else if !errors.Is(err, ledger.ErrPlanNotFound) {
		return nil, err
	}

	reserved, err := f.reserver.Reserve(ctx, tok.ID, quote.Total)
	if err != nil {
		return nil, err
	}

	plan, payments, err := f.plans.Generate(ctx, GenerateRequest{
		PurchaseID:      req.PurchaseID,
		TokenID:         tok.ID,
		OwnerID:         tok.OwnerID,
		Amount:          req.Amount,
		Installments:    req.Installments,
		InterestRateBps: tok.InterestRateBps,
	})
	if err != nil {
		f.compensate(ctx, tok.ID, quote.Total, err)
		return nil, err
	}

	f.events.Publish(ctx, &notify.Event{
		Type:     notify.EventPlanCreated,
		OwnerID:  plan.OwnerID,
		EntityID: plan.ID,
		Amount:   plan.TotalAmount,
		DueDate:  plan.NextDueDate,
	})

	return &PurchaseResult{
		Plan:      plan,
		Payments:  payments,
		Reserved:  quote.Total,
		Available: reserved.Available,
	}, nil
}

// compensate releases a reservation whose plan could not be created. It
// runs even if the caller has gone away.
func (f *PurchaseFlow) compensate(ctx context.Context, tokenID string, amount int64, cause error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := f.reserver.Release(ctx, tokenID, amount); err != nil {
		metrics.CompensationsTotal.WithLabelValues("failed").Inc()
		f.logger.Error("failed to release reservation after plan failure",
			"tokenId", tokenID, "amount", amount, "cause", cause, "error", err)
		return
	}
	metrics.CompensationsTotal.WithLabelValues("released").Inc()
	f.logger.Warn("released reservation after plan failure",
		"tokenId", tokenID, "amount", amount, "cause", cause)
}
