package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowbot/internal/auth"
	"github.com/mbd888/escrowbot/internal/money"
	"github.com/mbd888/escrowbot/internal/pagination"
	"github.com/mbd888/escrowbot/internal/validation"
)

// Converter converts balances into a display currency.
type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// Handler provides HTTP endpoints for wallets
type Handler struct {
	ledger    *Ledger
	converter Converter // nil = no display conversion
	logger    *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// WithConverter enables ?display= conversion on balance reads.
func (h *Handler) WithConverter(c Converter) *Handler {
	h.converter = c
	return h
}

// RegisterRoutes sets up wallet routes. All of them act on behalf of the
// authenticated user.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets", h.CreateWallet)
	r.GET("/wallets/:id", h.GetWallet)
	r.GET("/wallets/:id/history", h.GetHistory)
	r.GET("/users/:id/wallets", auth.RequireSelf("id"), h.ListWallets)
}

// CreateWallet handles POST /v1/wallets
func (h *Handler) CreateWallet(c *gin.Context) {
	caller, _ := auth.UserID(c)

	var req CreateWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if errs := validation.Validate(validation.ValidCurrency("currency", req.Currency)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.OwnerID = caller

	w, err := h.ledger.CreateWallet(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"wallet": w})
}

// GetWallet handles GET /v1/wallets/:id
func (h *Handler) GetWallet(c *gin.Context) {
	w, ok := h.ownedWallet(c)
	if !ok {
		return
	}

	resp := gin.H{
		"wallet": w,
		"balance": gin.H{
			"available": money.Format(w.Available, w.Currency),
			"pending":   money.Format(w.Pending, w.Currency),
		},
	}

	if display := strings.ToUpper(c.Query("display")); display != "" && h.converter != nil {
		ctx := c.Request.Context()
		avail, err1 := h.converter.Convert(ctx, w.Available, w.Currency, display)
		pend, err2 := h.converter.Convert(ctx, w.Pending, w.Currency, display)
		if err := errors.Join(err1, err2); err != nil {
			// Display conversion is best effort.
			h.logger.Warn("balance conversion failed", "walletId", w.ID, "display", display, "error", err)
		} else {
			resp["display"] = gin.H{
				"currency":  display,
				"available": avail.StringFixed(2),
				"pending":   pend.StringFixed(2),
			}
		}
	}

	c.JSON(http.StatusOK, resp)
}

// GetHistory handles GET /v1/wallets/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	w, ok := h.ownedWallet(c)
	if !ok {
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	entries, next, err := h.ledger.History(c.Request.Context(), w.ID, cursor, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries":    entries,
		"count":      len(entries),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// ListWallets handles GET /v1/users/:id/wallets
func (h *Handler) ListWallets(c *gin.Context) {
	ownerID, _ := strconv.ParseInt(c.Param("id"), 10, 64)

	wallets, err := h.ledger.ListByOwner(c.Request.Context(), ownerID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"wallets": wallets,
		"count":   len(wallets),
	})
}

func (h *Handler) ownedWallet(c *gin.Context) (*Wallet, bool) {
	w, err := h.ledger.Wallet(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	caller, _ := auth.UserID(c)
	if w.OwnerID != caller && !auth.IsAdmin(c) {
		// Same answer as a missing wallet so IDs cannot be probed.
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": ErrWalletNotFound.Error(),
		})
		return nil, false
	}
	return w, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrWalletExists):
		c.JSON(http.StatusConflict, gin.H{"error": "wallet_exists", "message": err.Error()})
	case errors.Is(err, ErrInvalidMultisig), errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient_funds", "message": err.Error()})
	default:
		h.logger.Error("ledger request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     "ledger_error",
			"message":   "Wallet operation failed",
			"retryable": true,
		})
	}
}
