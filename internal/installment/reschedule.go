package installment

import (
	"context"
	"time"

	"github.com/mbd888/revolve/internal/ledger"
	"github.com/mbd888/revolve/internal/notify"
	"github.com/mbd888/revolve/internal/traces"
)

// Rescheduler moves the due dates of a plan's pending payments.
type Rescheduler struct {
	store  ledger.PlanStore
	events notify.Publisher
}

// NewRescheduler creates a rescheduler.
func NewRescheduler(store ledger.PlanStore, events notify.Publisher) *Rescheduler {
	return &Rescheduler{store: store, events: events}
}

// Reschedule assigns dueDates, in order, to the plan's pending payments by
// installment number. Amounts and statuses are unchanged. When callerID is
// non-empty the plan must belong to that owner.
func (r *Rescheduler) Reschedule(ctx context.Context, callerID, planID string, dueDates []time.Time) (plan *ledger.Plan, payments []*ledger.Payment, err error) {
	ctx, span := traces.StartSpan(ctx, "installment.reschedule", traces.PlanID(planID))
	defer func() { traces.End(span, err) }()

	if callerID != "" {
		current, err := r.store.GetPlan(ctx, planID)
		if err != nil {
			return nil, nil, err
		}
		if current.OwnerID != callerID {
			return nil, nil, ledger.ErrNotOwner
		}
	}

	dates := make([]time.Time, len(dueDates))
	for i, d := range dueDates {
		dates[i] = d.UTC().Truncate(time.Microsecond)
	}

	plan, payments, err = r.store.ReschedulePending(ctx, planID, dates)
	if err != nil {
		return nil, nil, err
	}

	r.events.Publish(ctx, &notify.Event{
		Type:     notify.EventPlanRescheduled,
		OwnerID:  plan.OwnerID,
		EntityID: plan.ID,
		DueDate:  plan.NextDueDate,
	})
	return plan, payments, nil
}
