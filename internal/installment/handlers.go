package installment

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/revolve/internal/auth"
	"github.com/mbd888/revolve/internal/idgen"
	"github.com/mbd888/revolve/internal/ledger"
	"github.com/mbd888/revolve/internal/pagination"
	"github.com/mbd888/revolve/internal/validation"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxInstallments = 360
)

// Handler provides HTTP endpoints for purchases, plans, and payments.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new installment handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up public routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/quote", h.GetQuote)
}

// RegisterProtectedRoutes sets up routes that require a caller identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/purchases", h.CreatePurchase)
	r.GET("/plans/:id", validation.IDParamMiddleware("id", idgen.PrefixPlan), h.GetPlan)
	r.POST("/plans/:id/reschedule", validation.IDParamMiddleware("id", idgen.PrefixPlan), h.ReschedulePlan)
	r.GET("/tokens/:id/plans", validation.IDParamMiddleware("id", idgen.PrefixToken), h.ListPlans)
	r.GET("/payments/:id", validation.IDParamMiddleware("id", idgen.PrefixPayment), h.GetPayment)
}

// RegisterAdminRoutes sets up settlement and sweep routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/payments/:id/settle", validation.IDParamMiddleware("id", idgen.PrefixPayment), h.SettlePayment)
	r.POST("/admin/overdue/scan", h.RunOverdueScan)
}

// CreatePurchase handles POST /v1/purchases
func (h *Handler) CreatePurchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("purchaseId", req.PurchaseID),
		validation.MaxLength("purchaseId", req.PurchaseID, validation.MaxStringLength),
		validation.Required("tokenId", req.TokenID),
		validation.ValidID("tokenId", req.TokenID, idgen.PrefixToken),
		validation.PositiveAmount("amount", req.Amount),
		validation.IntRange("installments", req.Installments, 1, maxInstallments),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	result, err := h.engine.Purchases.Purchase(c.Request.Context(), auth.CallerID(c), req)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// GetPlan handles GET /v1/plans/:id
func (h *Handler) GetPlan(c *gin.Context) {
	ctx := c.Request.Context()
	plan, err := h.engine.Store.GetPlan(ctx, c.Param("id"))
	if err != nil {
		httpError(c, err)
		return
	}
	if plan.OwnerID != auth.CallerID(c) {
		httpError(c, ledger.ErrNotOwner)
		return
	}

	payments, err := h.engine.Store.ListPayments(ctx, plan.ID)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": plan, "payments": payments, "remaining": plan.Remaining()})
}

// ListPlans handles GET /v1/tokens/:id/plans
func (h *Handler) ListPlans(c *gin.Context) {
	ctx := c.Request.Context()
	tok, err := h.engine.Store.GetToken(ctx, c.Param("id"))
	if err != nil {
		httpError(c, err)
		return
	}
	if tok.OwnerID != auth.CallerID(c) {
		httpError(c, ledger.ErrNotOwner)
		return
	}

	limit := pagination.ParseLimit(c.Query("limit"), defaultPageSize, maxPageSize)
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": err.Error(),
		})
		return
	}

	plans, err := h.engine.Store.ListPlansByToken(ctx, tok.ID, limit+1, cursor)
	if err != nil {
		httpError(c, err)
		return
	}
	plans, next, hasMore := pagination.ComputePage(plans, limit, func(p *ledger.Plan) (time.Time, string) {
		return p.CreatedAt, p.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"plans":      plans,
		"count":      len(plans),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	ctx := c.Request.Context()
	payment, err := h.engine.Store.GetPayment(ctx, c.Param("id"))
	if err != nil {
		httpError(c, err)
		return
	}
	plan, err := h.engine.Store.GetPlan(ctx, payment.PlanID)
	if err != nil {
		httpError(c, err)
		return
	}
	if plan.OwnerID != auth.CallerID(c) {
		httpError(c, ledger.ErrNotOwner)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

type rescheduleRequest struct {
	DueDates []time.Time `json:"dueDates"`
}

// ReschedulePlan handles POST /v1/plans/:id/reschedule
func (h *Handler) ReschedulePlan(c *gin.Context) {
	var req rescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	plan, payments, err := h.engine.Rescheduler.Reschedule(c.Request.Context(), auth.CallerID(c), c.Param("id"), req.DueDates)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": plan, "payments": payments, "remaining": plan.Remaining()})
}

type settleRequest struct {
	PaidAt *time.Time `json:"paidAt"`
}

// SettlePayment handles POST /v1/payments/:id/settle
func (h *Handler) SettlePayment(c *gin.Context) {
	var req settleRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	var paidAt time.Time
	if req.PaidAt != nil {
		paidAt = *req.PaidAt
	}

	s, err := h.engine.Reconciler.Settle(c.Request.Context(), c.Param("id"), paidAt)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": s})
}

// RunOverdueScan handles POST /v1/admin/overdue/scan
func (h *Handler) RunOverdueScan(c *gin.Context) {
	result, err := h.engine.Scanner.Run(c.Request.Context())
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetQuote handles GET /v1/quote?amount=&installments=&rateBps=
func (h *Handler) GetQuote(c *gin.Context) {
	amount, err1 := strconv.ParseInt(c.Query("amount"), 10, 64)
	n, err2 := strconv.Atoi(c.Query("installments"))
	var rate int64
	var err3 error
	if s := c.Query("rateBps"); s != "" {
		rate, err3 = strconv.ParseInt(s, 10, 64)
	}
	if err1 != nil || err2 != nil || err3 != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount and installments must be integers",
		})
		return
	}
	if n > maxInstallments {
		httpError(c, ledger.ErrTooManyInstallments)
		return
	}

	q, err := h.engine.Generator.Quote(amount, n, rate)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": q})
}

// httpError maps ledger errors to HTTP responses.
func httpError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := err.Error()
	switch ledger.KindOf(err) {
	case ledger.KindValidation:
		status = http.StatusBadRequest
	case ledger.KindConflict:
		status = http.StatusConflict
	case ledger.KindNotFound:
		status = http.StatusNotFound
		if errors.Is(err, ledger.ErrNotOwner) {
			status = http.StatusForbidden
		}
	default:
		message = "Internal server error"
	}
	c.JSON(status, gin.H{"error": ledger.Code(err), "message": message})
}
