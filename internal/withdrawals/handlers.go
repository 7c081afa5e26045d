package withdrawals

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowbot/internal/auth"
	"github.com/mbd888/escrowbot/internal/escrow"
	"github.com/mbd888/escrowbot/internal/ledger"
	"github.com/mbd888/escrowbot/internal/validation"
)

// Handler provides HTTP endpoints for withdrawals.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new withdrawal handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up withdrawal routes for authenticated users.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals", h.Withdraw)
	r.GET("/withdrawals/:id", h.Get)
	r.POST("/withdrawals/:id/retry", h.Retry)
	r.GET("/users/:id/withdrawals", auth.RequireSelf("id"), h.List)
}

// Withdraw handles POST /v1/withdrawals
func (h *Handler) Withdraw(c *gin.Context) {
	caller, _ := auth.UserID(c)

	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "currency, amount and toAddress are required",
		})
		return
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if errs := validation.Validate(
		validation.ValidCurrency("currency", req.Currency),
		validation.ValidAmount("amount", req.Currency, req.Amount.String()),
		validation.ValidAddress("toAddress", req.Currency, req.ToAddress),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.UserID = caller

	w, err := h.service.Withdraw(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err, w)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"withdrawal": w})
}

// Get handles GET /v1/withdrawals/:id
func (h *Handler) Get(c *gin.Context) {
	w, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	caller, _ := auth.UserID(c)
	if w.UserID != caller && !auth.IsAdmin(c) {
		h.writeError(c, ErrWithdrawalNotFound, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// Retry handles POST /v1/withdrawals/:id/retry
func (h *Handler) Retry(c *gin.Context) {
	w, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	caller, _ := auth.UserID(c)
	if w.UserID != caller && !auth.IsAdmin(c) {
		h.writeError(c, ErrWithdrawalNotFound, nil)
		return
	}

	w, err = h.service.Retry(c.Request.Context(), w.ID)
	if err != nil {
		h.writeError(c, err, w)
		return
	}

	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// List handles GET /v1/users/:id/withdrawals
func (h *Handler) List(c *gin.Context) {
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

	ws, err := h.service.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"withdrawals": ws,
		"count":       len(ws),
	})
}

func (h *Handler) writeError(c *gin.Context, err error, w *Withdrawal) {
	var (
		status int
		body   gin.H
	)
	switch {
	case errors.Is(err, ErrWithdrawalNotFound):
		status, body = http.StatusNotFound, gin.H{"error": "not_found", "message": ErrWithdrawalNotFound.Error()}
	case errors.Is(err, ErrOpenTransactions):
		status, body = http.StatusConflict, gin.H{
			"error":   "open_transactions",
			"message": "Release or resolve your open transactions before withdrawing",
		}
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidAddress):
		status, body = http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()}
	case errors.Is(err, ledger.ErrWalletNotFound):
		status, body = http.StatusNotFound, gin.H{"error": "wallet_not_found", "message": err.Error()}
	case errors.Is(err, ErrNotPending):
		status, body = http.StatusConflict, gin.H{"error": "not_pending", "message": err.Error()}
	case errors.Is(err, ErrSendUnconfirmed):
		status, body = http.StatusBadGateway, gin.H{
			"error":     "withdrawal_unconfirmed",
			"message":   "Withdrawal was not confirmed, retry it before checking your balance",
			"retryable": true,
		}
		if w != nil {
			body["withdrawal"] = w
		}
	case errors.Is(err, ErrSendFailed):
		status, body = http.StatusBadGateway, gin.H{
			"error":     "withdrawal_failed",
			"message":   "Withdrawal could not be sent, your balance was not changed",
			"retryable": escrow.IsRetryable(err),
		}
		if w != nil {
			body["withdrawal"] = w
		}
	default:
		status, body = escrow.ErrorResponse(err)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("withdrawal request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, body)
}
