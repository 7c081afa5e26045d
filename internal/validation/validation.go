// Package validation provides input validation helpers and middleware for the escrow API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowbot/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-text fields (descriptions, evidence)
const MaxStringLength = 4000

var (
	currencyRegex = regexp.MustCompile(`^[A-Z]{2,10}$`)
	// Chat handles: 3-32 chars of letters, digits and underscores, optional leading @
	handleRegex = regexp.MustCompile(`^@?[A-Za-z0-9_]{3,32}$`)
)

// BTCParams selects the bitcoin network addresses are validated against.
var BTCParams = &chaincfg.MainNetParams

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidBTCAddress reports whether addr decodes as an address on BTCParams.
func IsValidBTCAddress(addr string) bool {
	decoded, err := btcutil.DecodeAddress(addr, BTCParams)
	if err != nil {
		return false
	}
	return decoded.IsForNet(BTCParams)
}

// IsValidAddress checks an on-chain address for the given currency.
// ETH and ERC-20 tokens share the hex address format; currencies without a
// known format only get a length sanity check.
func IsValidAddress(currency, addr string) bool {
	switch strings.ToUpper(currency) {
	case "BTC":
		return IsValidBTCAddress(addr)
	case "ETH", "USDT":
		return common.IsHexAddress(addr) && strings.HasPrefix(addr, "0x")
	default:
		n := len(strings.TrimSpace(addr))
		return n >= 26 && n <= 128
	}
}

// IsValidCurrency checks a ticker such as "BTC".
func IsValidCurrency(currency string) bool {
	return currencyRegex.MatchString(currency)
}

// IsValidHandle checks a chat handle, with or without the leading @.
func IsValidHandle(handle string) bool {
	return handleRegex.MatchString(handle)
}

// NormalizeHandle strips whitespace and the leading @ from a chat handle.
// Handles are stored in this form and compared case-insensitively.
func NormalizeHandle(handle string) string {
	return strings.TrimPrefix(strings.TrimSpace(handle), "@")
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

// ValidAddress checks an on-chain address for currency.
func ValidAddress(field, currency, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidAddress(currency, value) {
			return &ValidationError{Field: field, Message: "must be a valid " + strings.ToUpper(currency) + " address"}
		}
		return nil
	}
}

// ValidCurrency checks an upper-case currency ticker.
func ValidCurrency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidCurrency(value) {
			return &ValidationError{Field: field, Message: "must be an upper-case currency ticker"}
		}
		return nil
	}
}

// ValidHandle checks an optional chat handle.
func ValidHandle(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidHandle(value) {
			return &ValidationError{Field: field, Message: "must be 3-32 letters, digits or underscores"}
		}
		return nil
	}
}

// ValidAmount checks that value is a positive amount in currency.
func ValidAmount(field, currency, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, ok := money.Parse(value, currency); !ok {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if _, ok := money.ParsePositive(value, currency); !ok {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
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
