package installment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mbd888/revolve/internal/credit"
	"github.com/mbd888/revolve/internal/ledger"
	"github.com/mbd888/revolve/internal/metrics"
	"github.com/mbd888/revolve/internal/notify"
	"github.com/mbd888/revolve/internal/traces"
)

// DefaultScanBatch bounds how many payments one MarkOverdue call flips.
const DefaultScanBatch = 500

// ScanResult summarizes one overdue sweep.
type ScanResult struct {
	Overdue      int      `json:"overdue"`
	FrozenTokens []string `json:"frozenTokens"`
}

// Scanner moves past-due pending payments to overdue and freezes tokens
// that accumulate too many of them.
type Scanner struct {
	store     ledger.PlanStore
	freezer   TokenFreezer
	events    notify.Publisher
	threshold int
	batch     int
	logger    *slog.Logger
	now       func() time.Time
}

// NewScanner creates a scanner. A nil freezer or zero threshold disables
// auto-freeze.
func NewScanner(store ledger.PlanStore, freezer TokenFreezer, events notify.Publisher, threshold, batch int, logger *slog.Logger) *Scanner {
	if batch <= 0 {
		batch = DefaultScanBatch
	}
	return &Scanner{
		store:     store,
		freezer:   freezer,
		events:    events,
		threshold: threshold,
		batch:     batch,
		logger:    logger,
		now:       time.Now,
	}
}

// Run performs one sweep. Re-running it is harmless: payments already
// overdue or paid are not touched again.
func (s *Scanner) Run(ctx context.Context) (result *ScanResult, err error) {
	ctx, span := traces.StartSpan(ctx, "installment.overdue_scan")
	defer func() { traces.End(span, err) }()

	cutoff := s.now()
	result = &ScanResult{FrozenTokens: []string{}}
	touched := make(map[string]bool)

	for {
		batch, err := s.store.MarkOverdue(ctx, cutoff, s.batch)
		if err != nil {
			return result, fmt.Errorf("failed to mark overdue: %w", err)
		}
		for _, tr := range batch {
			due := tr.Payment.DueDate
			metrics.OverdueTransitionsTotal.Inc()
			s.events.Publish(ctx, &notify.Event{
				Type:     notify.EventPaymentOverdue,
				OwnerID:  tr.OwnerID,
				EntityID: tr.Payment.ID,
				Amount:   tr.Payment.Amount,
				DueDate:  &due,
			})
			touched[tr.TokenID] = true
		}
		result.Overdue += len(batch)
		if len(batch) < s.batch {
			break
		}
	}

	if s.freezer == nil || s.threshold <= 0 {
		return result, nil
	}

	tokenIDs := make([]string, 0, len(touched))
	for id := range touched {
		tokenIDs = append(tokenIDs, id)
	}
	sort.Strings(tokenIDs)

	for _, tokenID := range tokenIDs {
		count, err := s.store.CountOverdue(ctx, tokenID)
		if err != nil {
			s.logger.Warn("failed to count overdue payments", "tokenId", tokenID, "error", err)
			continue
		}
		if count < s.threshold {
			continue
		}
		if _, err := s.freezer.Freeze(ctx, tokenID, credit.ReasonOverdue); err != nil {
			// Already frozen or expired.
			if !errors.Is(err, ledger.ErrInvalidTransition) {
				s.logger.Warn("failed to freeze token", "tokenId", tokenID, "error", err)
			}
			continue
		}
		result.FrozenTokens = append(result.FrozenTokens, tokenID)
	}

	if result.Overdue > 0 {
		s.logger.Info("overdue sweep complete",
			"overdue", result.Overdue, "frozen", len(result.FrozenTokens))
	}
	return result, nil
}
