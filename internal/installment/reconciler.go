package installment

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/revolve/internal/ledger"
	"github.com/mbd888/revolve/internal/metrics"
	"github.com/mbd888/revolve/internal/notify"
	"github.com/mbd888/revolve/internal/traces"
)

// Reconciler applies confirmed payments to plans and tokens.
type Reconciler struct {
	store  ledger.PlanStore
	events notify.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(store ledger.PlanStore, events notify.Publisher, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, events: events, logger: logger, now: time.Now}
}

// Settle marks a payment paid at paidAt (now when zero), folds it into the
// plan, and releases its amount on the token. Settling a payment twice
// returns ledger.ErrAlreadyPaid and releases nothing.
func (r *Reconciler) Settle(ctx context.Context, paymentID string, paidAt time.Time) (*ledger.Settlement, error) {
	if paidAt.IsZero() {
		paidAt = r.now()
	}
	paidAt = paidAt.UTC().Truncate(time.Microsecond)

	ctx, span := traces.StartSpan(ctx, "installment.settle", traces.PaymentID(paymentID))
	s, err := r.store.SettlePayment(ctx, paymentID, paidAt)
	traces.End(span, err)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues(ledger.Code(err)).Inc()
		return nil, err
	}
	metrics.SettlementsTotal.WithLabelValues("ok").Inc()
	metrics.CreditReleasedTotal.Add(float64(s.Released))

	r.logger.Info("payment settled",
		"paymentId", s.Payment.ID,
		"planId", s.Plan.ID,
		"amount", s.Payment.Amount,
		"released", s.Released,
		"paidInstallments", s.Plan.PaidInstallments)

	r.events.Publish(ctx, &notify.Event{
		Type:     notify.EventPaymentSettled,
		OwnerID:  s.Plan.OwnerID,
		EntityID: s.Payment.ID,
		Amount:   s.Payment.Amount,
	})
	if s.Plan.Status == ledger.PlanCompleted {
		r.events.Publish(ctx, &notify.Event{
			Type:     notify.EventPlanCompleted,
			OwnerID:  s.Plan.OwnerID,
			EntityID: s.Plan.ID,
			Amount:   s.Plan.PaidAmount,
		})
	}
	return s, nil
}
