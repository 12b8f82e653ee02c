// Package notify publishes ledger lifecycle events to downstream sinks.
//
// Publishing is fire-and-forget: callers publish only after their store
// transaction has committed, and a failing sink never fails the caller.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/revolve/internal/idgen"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventTokenIssued     EventType = "token.issued"
	EventTokenFrozen     EventType = "token.frozen"
	EventTokenUnfrozen   EventType = "token.unfrozen"
	EventTokenExpired    EventType = "token.expired"
	EventCreditReleased  EventType = "credit.released"
	EventPlanCreated     EventType = "plan.created"
	EventPlanCompleted   EventType = "plan.completed"
	EventPlanRescheduled EventType = "plan.rescheduled"
	EventPaymentSettled  EventType = "payment.settled"
	EventPaymentOverdue  EventType = "payment.overdue"
)

// Event is the payload handed to every sink.
type Event struct {
	ID        string     `json:"id"`
	Type      EventType  `json:"type"`
	OwnerID   string     `json:"ownerId"`
	EntityID  string     `json:"entityId"`
	Amount    int64      `json:"amount,omitempty"`
	DueDate   *time.Time `json:"dueDate,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Publisher is what the domain services depend on.
type Publisher interface {
	Publish(ctx context.Context, event *Event)
}

// Sink receives published events.
type Sink interface {
	Send(ctx context.Context, event *Event) error
}

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "revolve",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total events emitted by type.",
	}, []string{"event_type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "revolve",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total sink delivery failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors)
}

// Emitter fans events out to its sinks. A nil *Emitter drops everything.
type Emitter struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewEmitter creates an emitter over the given sinks.
func NewEmitter(logger *slog.Logger, sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks, logger: logger}
}

// Publish stamps the event and delivers it to every sink.
func (e *Emitter) Publish(ctx context.Context, event *Event) {
	if e == nil || event == nil {
		return
	}
	if event.ID == "" {
		event.ID = idgen.WithPrefix(idgen.PrefixEvent)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	emitTotal.WithLabelValues(string(event.Type)).Inc()

	for _, sink := range e.sinks {
		if err := sink.Send(ctx, event); err != nil {
			emitErrors.WithLabelValues(string(event.Type)).Inc()
			e.logger.Warn("event delivery failed",
				"event", event.Type, "entityId", event.EntityID, "error", err)
		}
	}
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(ctx context.Context, event *Event) error {
	attrs := []any{
		"eventId", event.ID,
		"type", string(event.Type),
		"ownerId", event.OwnerID,
		"entityId", event.EntityID,
	}
	if event.Amount != 0 {
		attrs = append(attrs, "amount", event.Amount)
	}
	if event.DueDate != nil {
		attrs = append(attrs, "dueDate", event.DueDate.Format(time.RFC3339))
	}
	s.logger.InfoContext(ctx, "ledger event", attrs...)
	return nil
}
