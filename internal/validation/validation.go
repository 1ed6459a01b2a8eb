// Package validation provides input validation helpers and middleware for the API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxMessageLength is the maximum length of a payment request message.
const MaxMessageLength = 500

var (
	// friendlyAddrRegex validates user-friendly TON addresses: 48 chars of
	// base64url, starting with a known flag byte prefix (EQ/UQ bounceable,
	// kQ/0Q testnet).
	friendlyAddrRegex = regexp.MustCompile(`^(EQ|UQ|kQ|0Q)[A-Za-z0-9_-]{46}$`)

	// rawAddrRegex validates raw TON addresses: workchain:hex256.
	rawAddrRegex = regexp.MustCompile(`^-?[0-9]:[a-fA-F0-9]{64}$`)

	// txHashRegex validates chain transaction hashes (64 hex chars).
	txHashRegex = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidTONAddress checks if a string is a TON address in either the
// user-friendly or the raw form.
func IsValidTONAddress(addr string) bool {
	return friendlyAddrRegex.MatchString(addr) || rawAddrRegex.MatchString(addr)
}

// IsValidTxHash checks if a string is a chain transaction hash.
func IsValidTxHash(s string) bool {
	return txHashRegex.MatchString(s)
}

// SanitizeString trims whitespace, caps length, and strips null bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
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

// Validate runs the given validators and collects their errors.
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

// ValidAddress checks if a field is a valid TON address. Empty values
// pass; combine with Required for required fields.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidTONAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid TON address"}
		}
		return nil
	}
}

// PositiveAmount checks that an integer satoshi amount is positive.
func PositiveAmount(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
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

// AddressParamMiddleware validates the :address URL parameter on routes
// that use it, rejecting malformed addresses before any handler runs.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidTONAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid TON address",
			})
			return
		}
		c.Next()
	}
}
