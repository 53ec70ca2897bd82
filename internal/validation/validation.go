// Package validation provides request validation helpers for the walletd API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/auwntech/walletd/internal/money"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// MaxNoteLength bounds admin adjustment notes.
const MaxNoteLength = 256

// MaxRequestTokenLength bounds caller-supplied idempotency keys.
const MaxRequestTokenLength = 128

var (
	pinRegex   = regexp.MustCompile(`^[0-9]{4,6}$`)
	tokenRegex = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPIN reports whether pin is 4 to 6 ASCII digits.
func IsValidPIN(pin string) bool {
	return pinRegex.MatchString(pin)
}

// IsValidAccountID reports whether id is a canonical UUID.
func IsValidAccountID(id string) bool {
	parsed, err := uuid.Parse(id)
	return err == nil && parsed.String() == strings.ToLower(id)
}

// SanitizeString trims whitespace, drops NUL bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
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

// Validate runs every validator and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
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

// ValidPIN checks the PIN format.
func ValidPIN(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidPIN(value) {
			return &ValidationError{Field: field, Message: "must be 4 to 6 digits"}
		}
		return nil
	}
}

// ValidAccountID checks that a field holds an account UUID.
func ValidAccountID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidAccountID(value) {
			return &ValidationError{Field: field, Message: "must be a valid account id"}
		}
		return nil
	}
}

// ValidDirection checks for "credit" or "debit".
func ValidDirection(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "credit" && value != "debit" {
			return &ValidationError{Field: field, Message: "must be credit or debit"}
		}
		return nil
	}
}

// PositiveAmount checks that amount is greater than zero.
func PositiveAmount(field string, amount money.Amount) func() *ValidationError {
	return func() *ValidationError {
		if !amount.IsPositive() {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// ValidRequestToken checks an optional idempotency key.
func ValidRequestToken(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if len(value) > MaxRequestTokenLength || !tokenRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be at most 128 characters of [A-Za-z0-9._:-]"}
		}
		return nil
	}
}
