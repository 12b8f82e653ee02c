package installment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTimer_RejectsBadSchedule(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := NewTimer(f.engine.Scanner, "not a schedule", f.engine.Scanner.logger)
	assert.Error(t, err)

	timer, err := NewTimer(f.engine.Scanner, "", f.engine.Scanner.logger)
	require.NoError(t, err)
	assert.Equal(t, DefaultSchedule, timer.schedule)
}

func TestTimer_RunsScanOnSchedule(t *testing.T) {
	f := newFixture(t, Options{})
	tok := f.issue(t, "owner-1", 100000)
	res := f.purchase(t, tok, "order-1", 20000, 2)
	f.engine.Scanner.now = func() time.Time { return res.Payments[1].DueDate.Add(time.Minute) }

	timer, err := NewTimer(f.engine.Scanner, "@every 1s", f.engine.Scanner.logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := f.store.CountOverdue(context.Background(), tok.ID)
		return err == nil && n == 2
	}, 5*time.Second, 50*time.Millisecond)

	timer.Stop()
	require.Eventually(t, func() bool { return !timer.Running() }, 2*time.Second, 10*time.Millisecond)
}
