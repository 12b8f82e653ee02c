// Package installment turns purchases against a credit token into dated
// installment plans and drives those plans through settlement, overdue
// detection, and rescheduling.
package installment

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/revolve/internal/credit"
	"github.com/mbd888/revolve/internal/ledger"
	"github.com/mbd888/revolve/internal/notify"
)

// InterestMode selects how a nonzero token rate turns into installments.
type InterestMode string

const (
	InterestCompound InterestMode = "compound" // fixed annuity payment
	InterestSimple   InterestMode = "simple"   // flat interest spread evenly
)

// DefaultPeriod is the spacing between due dates.
const DefaultPeriod = 30 * 24 * time.Hour

// Reserver holds and returns credit on a token. credit.Service satisfies it.
type Reserver interface {
	Reserve(ctx context.Context, tokenID string, amount int64) (*credit.ReserveResult, error)
	Release(ctx context.Context, tokenID string, amount int64) (*ledger.Token, error)
}

// TokenFreezer freezes a token administratively. credit.Service satisfies it.
type TokenFreezer interface {
	Freeze(ctx context.Context, tokenID, reason string) (*ledger.Token, error)
}

// PlanGenerator creates a plan and its payments for a reserved purchase.
type PlanGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (*ledger.Plan, []*ledger.Payment, error)
}

// Options configures an Engine.
type Options struct {
	Mode            InterestMode
	Period          time.Duration
	FreezeThreshold int // overdue payments that freeze a token; 0 disables
	ScanBatch       int
}

// Engine wires the installment components over one store.
type Engine struct {
	Store       ledger.Store
	Generator   *Generator
	Purchases   *PurchaseFlow
	Reconciler  *Reconciler
	Scanner     *Scanner
	Rescheduler *Rescheduler
}

// NewEngine builds every installment component. tokens is typically a
// *credit.Service and serves as both Reserver and TokenFreezer.
func NewEngine(store ledger.Store, tokens interface {
	Reserver
	TokenFreezer
}, events notify.Publisher, opts Options, logger *slog.Logger) *Engine {
	gen := NewGenerator(store, opts.Mode, opts.Period)
	return &Engine{
		Store:       store,
		Generator:   gen,
		Purchases:   NewPurchaseFlow(store, tokens, gen, events, logger),
		Reconciler:  NewReconciler(store, events, logger),
		Scanner:     NewScanner(store, tokens, events, opts.FreezeThreshold, opts.ScanBatch, logger),
		Rescheduler: NewRescheduler(store, events),
	}
}
