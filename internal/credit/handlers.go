package credit

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/revolve/internal/auth"
	"github.com/mbd888/revolve/internal/idgen"
	"github.com/mbd888/revolve/internal/ledger"
	"github.com/mbd888/revolve/internal/validation"
)

// Handler provides HTTP endpoints for credit token operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new credit handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes that require a caller identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/tokens/:id", validation.IDParamMiddleware("id", idgen.PrefixToken), h.GetToken)
	r.GET("/owners/:owner/token", h.GetOwnerToken)
}

// RegisterAdminRoutes sets up underwriting and token administration routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tokens", h.IssueToken)

	admin := r.Group("/tokens/:id", validation.IDParamMiddleware("id", idgen.PrefixToken))
	admin.POST("/freeze", h.FreezeToken)
	admin.POST("/unfreeze", h.UnfreezeToken)
	admin.POST("/release", h.ReleaseCredit)
}

// IssueToken handles POST /v1/tokens
func (h *Handler) IssueToken(c *gin.Context) {
	var req IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("ownerId", req.OwnerID),
		validation.MaxLength("ownerId", req.OwnerID, validation.MaxStringLength),
		validation.PositiveAmount("approvedLimit", req.ApprovedLimit),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	tok, err := h.service.Issue(c.Request.Context(), req)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": tok})
}

// GetToken handles GET /v1/tokens/:id
func (h *Handler) GetToken(c *gin.Context) {
	tok, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpError(c, err)
		return
	}
	if tok.OwnerID != auth.CallerID(c) {
		httpError(c, ledger.ErrNotOwner)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok, "available": tok.Available()})
}

// GetOwnerToken handles GET /v1/owners/:owner/token
func (h *Handler) GetOwnerToken(c *gin.Context) {
	owner := c.Param("owner")
	if owner != auth.CallerID(c) {
		httpError(c, ledger.ErrNotOwner)
		return
	}

	tok, err := h.service.GetByOwner(c.Request.Context(), owner)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok, "available": tok.Available()})
}

type freezeRequest struct {
	Reason string `json:"reason"`
}

// FreezeToken handles POST /v1/tokens/:id/freeze
func (h *Handler) FreezeToken(c *gin.Context) {
	var req freezeRequest
	_ = c.ShouldBindJSON(&req) // body is optional
	reason := validation.SanitizeString(req.Reason, 64)
	if reason == "" {
		reason = ReasonAdmin
	}

	tok, err := h.service.Freeze(c.Request.Context(), c.Param("id"), reason)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok})
}

// UnfreezeToken handles POST /v1/tokens/:id/unfreeze
func (h *Handler) UnfreezeToken(c *gin.Context) {
	tok, err := h.service.Unfreeze(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok})
}

type releaseRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// ReleaseCredit handles POST /v1/tokens/:id/release. It is an operator
// correction and must name a reason, which is audited.
func (h *Handler) ReleaseCredit(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	reason := validation.SanitizeString(req.Reason, 256)
	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.Required("reason", reason),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	tok, released, err := h.service.AdjustRelease(c.Request.Context(), c.Param("id"), req.Amount, reason)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok, "released": released, "available": tok.Available()})
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
