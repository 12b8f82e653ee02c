package installment

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/revolve/internal/credit"
	"github.com/mbd888/revolve/internal/ledger"
	"github.com/mbd888/revolve/internal/notify"
)

type fixture struct {
	store  *ledger.MemoryStore
	tokens *credit.Service
	engine *Engine
	events *notify.Recorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	rec := &notify.Recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := credit.NewService(store, rec, credit.DefaultPolicy, logger)
	return &fixture{
		store:  store,
		tokens: tokens,
		engine: NewEngine(store, tokens, rec, opts, logger),
		events: rec,
	}
}

func (f *fixture) issue(t *testing.T, owner string, limit int64) *ledger.Token {
	t.Helper()
	tok, err := f.tokens.Issue(context.Background(), credit.IssueRequest{OwnerID: owner, ApprovedLimit: limit})
	require.NoError(t, err)
	return tok
}

func (f *fixture) issueWithRate(t *testing.T, owner string, limit, rateBps int64) *ledger.Token {
	t.Helper()
	tok, err := f.tokens.Issue(context.Background(), credit.IssueRequest{
		OwnerID:         owner,
		ApprovedLimit:   limit,
		InterestRateBps: &rateBps,
	})
	require.NoError(t, err)
	return tok
}

func (f *fixture) purchase(t *testing.T, tok *ledger.Token, purchaseID string, amount int64, n int) *PurchaseResult {
	t.Helper()
	res, err := f.engine.Purchases.Purchase(context.Background(), tok.OwnerID, PurchaseRequest{
		PurchaseID:   purchaseID,
		TokenID:      tok.ID,
		Amount:       amount,
		Installments: n,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) used(t *testing.T, tokenID string) int64 {
	t.Helper()
	tok, err := f.store.GetToken(context.Background(), tokenID)
	require.NoError(t, err)
	return tok.UsedAmount
}

// scanAt runs the overdue scanner as if the clock read at.
func (f *fixture) scanAt(t *testing.T, at time.Time) *ScanResult {
	t.Helper()
	f.engine.Scanner.now = func() time.Time { return at }
	res, err := f.engine.Scanner.Run(context.Background())
	require.NoError(t, err)
	return res
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}
