package rail

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/revolve/internal/ledger"
	"github.com/mbd888/revolve/internal/validation"
)

// Handler receives rail webhooks.
type Handler struct {
	service *Service
	secret  string
}

// NewHandler creates a webhook handler. An empty secret accepts unsigned
// requests.
func NewHandler(service *Service, secret string) *Handler {
	return &Handler{service: service, secret: secret}
}

// RegisterRoutes sets up the webhook route. It authenticates by signature,
// not caller identity.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/rail/payment-confirmed", validation.RequestSizeMiddleware(validation.MaxRequestSize), h.PaymentConfirmed)
}

// PaymentConfirmed handles POST /v1/rail/payment-confirmed
func (h *Handler) PaymentConfirmed(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read request body",
		})
		return
	}

	if h.secret != "" && !Verify(body, c.GetHeader(SignatureHeader), h.secret) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": ErrInvalidSignature.Error(),
		})
		return
	}

	var conf Confirmation
	if err := json.Unmarshal(body, &conf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.service.Confirm(c.Request.Context(), conf)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
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
