package installment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/revolve/internal/auth"
	"github.com/mbd888/revolve/internal/ledger"
)

func setupHandlerTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	gin.SetMode(gin.TestMode)

	f := newFixture(t, Options{})
	handler := NewHandler(f.engine)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	// Simulate the gateway by lifting X-Owner-ID into the context
	protected := v1.Group("")
	protected.Use(func(c *gin.Context) {
		if owner := c.GetHeader("X-Owner-ID"); owner != "" {
			c.Set(auth.ContextKeyOwnerID, owner)
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(protected)
	handler.RegisterAdminRoutes(protected)

	return r, f
}

func doJSON(r http.Handler, method, path, owner string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_PurchaseAndPayoff(t *testing.T) {
	router, f := setupHandlerTestRouter(t)
	tok := f.issue(t, "owner-1", 200000)

	w := doJSON(router, http.MethodPost, "/v1/purchases", "owner-1", PurchaseRequest{
		PurchaseID:   "order-1",
		TokenID:      tok.ID,
		Amount:       100000,
		Installments: 4,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created PurchaseResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, int64(100000), created.Available)
	require.Len(t, created.Payments, 4)

	w = doJSON(router, http.MethodGet, "/v1/plans/"+created.Plan.ID, "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	for _, p := range created.Payments {
		w = doJSON(router, http.MethodPost, "/v1/payments/"+p.ID+"/settle", "admin", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w = doJSON(router, http.MethodPost, "/v1/payments/"+created.Payments[0].ID+"/settle", "admin", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "already_paid")

	w = doJSON(router, http.MethodGet, "/v1/payments/"+created.Payments[0].ID, "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"paid"`)

	assert.Zero(t, f.used(t, tok.ID))
}

func TestHandler_PurchaseErrors(t *testing.T) {
	router, f := setupHandlerTestRouter(t)
	tok := f.issue(t, "owner-1", 50000)

	tests := []struct {
		name   string
		owner  string
		req    PurchaseRequest
		status int
		code   string
	}{
		{"missing purchase id", "owner-1", PurchaseRequest{TokenID: tok.ID, Amount: 100, Installments: 1}, http.StatusBadRequest, "validation_error"},
		{"bad token id", "owner-1", PurchaseRequest{PurchaseID: "p", TokenID: "nope", Amount: 100, Installments: 1}, http.StatusBadRequest, "validation_error"},
		{"not owner", "owner-2", PurchaseRequest{PurchaseID: "p", TokenID: tok.ID, Amount: 100, Installments: 1}, http.StatusForbidden, "not_owner"},
		{"over limit", "owner-1", PurchaseRequest{PurchaseID: "p", TokenID: tok.ID, Amount: 60000, Installments: 2}, http.StatusConflict, "insufficient_credit"},
		{"too many installments", "owner-1", PurchaseRequest{PurchaseID: "p", TokenID: tok.ID, Amount: 1000, Installments: 48}, http.StatusBadRequest, "too_many_installments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, http.MethodPost, "/v1/purchases", tt.owner, tt.req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), tt.code)
		})
	}
}

func TestHandler_PlanOwnership(t *testing.T) {
	router, f := setupHandlerTestRouter(t)
	tok := f.issue(t, "owner-1", 100000)
	res := f.purchase(t, tok, "order-1", 10000, 2)

	w := doJSON(router, http.MethodGet, "/v1/plans/"+res.Plan.ID, "owner-2", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/payments/"+res.Payments[0].ID, "owner-2", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/tokens/"+tok.ID+"/plans", "owner-2", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/plans/pln_0123456789abcdef0123456789abcdef", "owner-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ListPlansPaginates(t *testing.T) {
	router, f := setupHandlerTestRouter(t)
	tok := f.issue(t, "owner-1", 100000)
	for i := 0; i < 3; i++ {
		f.purchase(t, tok, fmt.Sprintf("order-%d", i), 1000, 1)
	}

	var page struct {
		Plans      []*ledger.Plan `json:"plans"`
		NextCursor string         `json:"nextCursor"`
		HasMore    bool           `json:"hasMore"`
	}

	w := doJSON(router, http.MethodGet, "/v1/tokens/"+tok.ID+"/plans?limit=2", "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Plans, 2)
	assert.True(t, page.HasMore)
	seen := map[string]bool{page.Plans[0].ID: true, page.Plans[1].ID: true}

	w = doJSON(router, http.MethodGet, "/v1/tokens/"+tok.ID+"/plans?limit=2&cursor="+page.NextCursor, "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page.Plans, page.HasMore = nil, false
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Plans, 1)
	assert.False(t, page.HasMore)
	assert.False(t, seen[page.Plans[0].ID])

	w = doJSON(router, http.MethodGet, "/v1/tokens/"+tok.ID+"/plans?cursor=!!", "owner-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Reschedule(t *testing.T) {
	router, f := setupHandlerTestRouter(t)
	tok := f.issue(t, "owner-1", 100000)
	res := f.purchase(t, tok, "order-1", 30000, 3)
	base := time.Now().UTC().Add(60 * 24 * time.Hour)

	w := doJSON(router, http.MethodPost, "/v1/plans/"+res.Plan.ID+"/reschedule", "owner-1", map[string]any{
		"dueDates": []time.Time{base, base.Add(24 * time.Hour)},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "count_mismatch")

	w = doJSON(router, http.MethodPost, "/v1/plans/"+res.Plan.ID+"/reschedule", "owner-1", map[string]any{
		"dueDates": []time.Time{base, base.Add(24 * time.Hour), base.Add(48 * time.Hour)},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHandler_OverdueScan(t *testing.T) {
	router, f := setupHandlerTestRouter(t)
	tok := f.issue(t, "owner-1", 100000)
	res := f.purchase(t, tok, "order-1", 20000, 2)
	f.engine.Scanner.now = func() time.Time { return res.Payments[0].DueDate.Add(time.Hour) }

	w := doJSON(router, http.MethodPost, "/v1/admin/overdue/scan", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result ScanResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Overdue)

	n, err := f.store.CountOverdue(context.Background(), tok.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandler_Quote(t *testing.T) {
	router, _ := setupHandlerTestRouter(t)

	w := doJSON(router, http.MethodGet, "/v1/quote?amount=10000&installments=3", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Quote Quote `json:"quote"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []int64{3334, 3334, 3332}, body.Quote.Amounts)

	w = doJSON(router, http.MethodGet, "/v1/quote?amount=abc&installments=3", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/quote?amount=2&installments=3", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_amount")
}
