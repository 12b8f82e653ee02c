package installment

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the overdue sweep once a day at midnight.
const DefaultSchedule = "@daily"

// Timer runs the overdue scanner on a cron schedule.
type Timer struct {
	scanner  *Scanner
	schedule string
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a timer, rejecting unparseable schedules up front.
func NewTimer(scanner *Scanner, schedule string, logger *slog.Logger) (*Timer, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid overdue scan schedule %q: %w", schedule, err)
	}
	return &Timer{
		scanner:  scanner,
		schedule: schedule,
		logger:   logger,
		stop:     make(chan struct{}),
	}, nil
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start schedules the sweep and blocks until ctx is done or Stop is
// called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	c := cron.New()
	if _, err := c.AddFunc(t.schedule, func() { t.safeScan(ctx) }); err != nil {
		t.logger.Error("failed to schedule overdue scan", "schedule", t.schedule, "error", err)
		return
	}

	t.running.Store(true)
	defer t.running.Store(false)

	c.Start()
	select {
	case <-ctx.Done():
	case <-t.stop:
	}
	// Wait for an in-flight sweep to finish.
	<-c.Stop().Done()
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in overdue scan timer", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.scanner.Run(ctx); err != nil {
		t.logger.Warn("overdue scan failed", "error", err)
	}
}
