package escrow

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowbot/internal/auth"
	"github.com/mbd888/escrowbot/internal/ledger"
	"github.com/mbd888/escrowbot/internal/money"
	"github.com/mbd888/escrowbot/internal/validation"
)

// Refresher brings a user's stored balance up to the chain before it is
// spent.
type Refresher func(ctx context.Context, ownerID int64, currency string) error

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	refresh Refresher // nil = no pre-trade reconciliation
	logger  *slog.Logger
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// WithRefresher reconciles the buyer's wallet before every Initiate.
func (h *Handler) WithRefresher(r Refresher) *Handler {
	h.refresh = r
	return h
}

// RegisterRoutes sets up escrow routes for authenticated users.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.Initiate)
	r.GET("/transactions/:id", h.GetTransaction)
	r.POST("/transactions/:id/release", h.Release)
	r.GET("/users/:id/transactions", auth.RequireSelf("id"), h.ListTransactions)
	r.GET("/users/:id/transactions/latest-pending", auth.RequireSelf("id"), h.LatestPending)
	r.GET("/users/:id/pending", auth.RequireSelf("id"), h.PendingBalance)
}

// RegisterAdminRoutes sets up admin-only escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/sweep", h.Sweep)
}

// Initiate handles POST /v1/transactions
func (h *Handler) Initiate(c *gin.Context) {
	caller, _ := auth.UserID(c)

	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if errs := validation.Validate(
		validation.ValidCurrency("currency", req.Currency),
		validation.ValidAmount("amount", req.Currency, req.Amount.String()),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.BuyerID = caller

	ctx := c.Request.Context()
	if h.refresh != nil {
		if err := h.refresh(ctx, caller, req.Currency); err != nil {
			// Stale balances only make the debit stricter.
			h.logger.Warn("pre-trade refresh failed", "userId", caller, "currency", req.Currency, "error", err)
		}
	}

	tx, err := h.service.Initiate(ctx, req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	caller, _ := auth.UserID(c)
	if !tx.InvolvesUser(caller) && !auth.IsAdmin(c) {
		h.writeError(c, ErrTransactionNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// Release handles POST /v1/transactions/:id/release
func (h *Handler) Release(c *gin.Context) {
	caller, _ := auth.UserID(c)

	tx, err := h.service.Release(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ListTransactions handles GET /v1/users/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, _ := strconv.ParseInt(c.Param("id"), 10, 64)
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	txs, err := h.service.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// LatestPending handles GET /v1/users/:id/transactions/latest-pending
func (h *Handler) LatestPending(c *gin.Context) {
	userID, _ := strconv.ParseInt(c.Param("id"), 10, 64)

	tx, err := h.service.LatestPending(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// PendingBalance handles GET /v1/users/:id/pending?currency=BTC
func (h *Handler) PendingBalance(c *gin.Context) {
	userID, _ := strconv.ParseInt(c.Param("id"), 10, 64)
	currency := strings.ToUpper(c.Query("currency"))
	if !validation.IsValidCurrency(currency) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "currency query parameter is required",
		})
		return
	}

	sum, err := h.service.PendingBalance(c.Request.Context(), userID, currency)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":   userID,
		"currency": currency,
		"pending":  money.Format(sum, currency),
	})
}

// Sweep handles POST /v1/admin/sweep
func (h *Handler) Sweep(c *gin.Context) {
	n, err := h.service.ExpirePending(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"expired": n})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, body := ErrorResponse(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("escrow request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, body)
}

// ErrorResponse maps an escrow error to an HTTP status and JSON body.
func ErrorResponse(err error) (int, gin.H) {
	body := func(code string, err error) gin.H {
		return gin.H{"error": code, "message": err.Error()}
	}

	switch {
	case errors.Is(err, ErrTransactionNotFound):
		return http.StatusNotFound, body("not_found", ErrTransactionNotFound)
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, body("forbidden", err)
	case errors.Is(err, ErrExpired):
		return http.StatusConflict, body("expired", err)
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrStatusConflict):
		return http.StatusConflict, body("invalid_transition", err)
	case errors.Is(err, ErrRecipientWalletMissing):
		return http.StatusConflict, body("recipient_wallet_missing", err)
	case errors.Is(err, ErrSourceWalletMissing):
		return http.StatusBadRequest, body("wallet_missing", err)
	case errors.Is(err, ErrUnknownRecipient):
		return http.StatusBadRequest, body("unknown_recipient", err)
	case errors.Is(err, ErrSelfTrade), errors.Is(err, ErrInvalidRecipient),
		errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidResolution):
		return http.StatusBadRequest, body("invalid_request", err)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusBadRequest, body("insufficient_funds", err)
	case IsRetryable(err):
		return http.StatusBadGateway, gin.H{
			"error":     "payout_unavailable",
			"message":   "Payout could not be completed, try again",
			"retryable": true,
		}
	case errors.Is(err, ErrPayoutFailed):
		return http.StatusBadGateway, gin.H{
			"error":     "payout_failed",
			"message":   err.Error(),
			"retryable": false,
		}
	default:
		return http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		}
	}
}
