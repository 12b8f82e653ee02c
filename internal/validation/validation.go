// Package validation provides input validation helpers for the revolve API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-form string fields
const MaxStringLength = 256

// entityIDRegex matches prefixed entity IDs such as tok_<32 hex>.
var entityIDRegex = regexp.MustCompile(`^[a-z]{3}_[a-f0-9]{32}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether id is a well-formed entity ID with the given
// prefix (e.g. "tok_").
func IsValidID(id, prefix string) bool {
	return strings.HasPrefix(id, prefix) && entityIDRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidID checks that a non-empty field is a well-formed entity ID.
func ValidID(field, value, prefix string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidID(value, prefix) {
			return &ValidationError{Field: field, Message: "must be a valid " + prefix + " ID"}
		}
		return nil
	}
}

// PositiveAmount checks that a minor-unit amount is greater than zero.
func PositiveAmount(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// IntRange checks that value lies in [min, max].
func IntRange(field string, value, min, max int) func() *ValidationError {
	return func() *ValidationError {
		if value < min || value > max {
			return &ValidationError{Field: field, Message: "out of range"}
		}
		return nil
	}
}

// IDParamMiddleware rejects requests whose URL parameter param is not a
// well-formed ID with the given prefix.
func IDParamMiddleware(param, prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param(param)
		if id != "" && !IsValidID(id, prefix) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": param + " must be a valid " + prefix + " ID",
			})
			return
		}
		c.Next()
	}
}
