// Package validation provides input validation helpers for the marketplace API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

// userIDRegex matches the marketplace's user/listing identifiers
// (prefix + lowercase alphanumerics, e.g. "usr_3f1a...", "lst_9b2c...").
var userIDRegex = regexp.MustCompile(`^[a-z]{3}_[a-z0-9]{4,64}$`)

// supportedCurrencies is the closed set of settlement currencies.
var supportedCurrencies = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "CAD": true, "AUD": true,
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUserID checks if a string looks like a platform entity ID.
func IsValidUserID(id string) bool {
	return userIDRegex.MatchString(id)
}

// IsSupportedCurrency checks a currency code against the supported set.
func IsSupportedCurrency(code string) bool {
	return supportedCurrencies[strings.ToUpper(code)]
}

// SanitizeString removes dangerous characters and limits length
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

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
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

// PositiveAmount checks a cent amount is strictly positive.
func PositiveAmount(field string, cents int64) func() *ValidationError {
	return func() *ValidationError {
		if cents <= 0 {
			return &ValidationError{Field: field, Message: "must be a positive amount"}
		}
		return nil
	}
}

// ValidCurrency checks a currency code against the supported set.
func ValidCurrency(field, code string) func() *ValidationError {
	return func() *ValidationError {
		if code == "" {
			return nil // Use Required for required fields
		}
		if !IsSupportedCurrency(code) {
			return &ValidationError{Field: field, Message: "unsupported currency"}
		}
		return nil
	}
}

// PositiveQuantity checks an order quantity is at least 1.
func PositiveQuantity(field string, qty int) func() *ValidationError {
	return func() *ValidationError {
		if qty < 1 {
			return &ValidationError{Field: field, Message: "must be at least 1"}
		}
		return nil
	}
}
