package reconciliation

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowbot/internal/auth"
	"github.com/mbd888/escrowbot/internal/ledger"
)

// Handler provides HTTP endpoints for balance refreshes.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up refresh routes for authenticated users.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/:id/reconcile", h.ReconcileWallet)
	r.POST("/users/:id/refresh", auth.RequireSelf("id"), h.RefreshUser)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/reconcile", h.RunAll)
}

// ReconcileWallet handles POST /v1/wallets/:id/reconcile
func (h *Handler) ReconcileWallet(c *gin.Context) {
	ctx := c.Request.Context()

	w, err := h.service.ledger.Wallet(ctx, c.Param("id"))
	caller, _ := auth.UserID(c)
	if errors.Is(err, ledger.ErrWalletNotFound) || (err == nil && w.OwnerID != caller && !auth.IsAdmin(c)) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Wallet not found",
		})
		return
	}
	if err != nil {
		h.internalError(c, err)
		return
	}

	res, err := h.service.reconcile(ctx, w)
	if err != nil && !errors.Is(err, ErrReconciliationSkipped) {
		h.internalError(c, err)
		return
	}

	resp := gin.H{"result": res}
	if err != nil {
		resp["warning"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// RefreshUser handles POST /v1/users/:id/refresh
func (h *Handler) RefreshUser(c *gin.Context) {
	userID, _ := strconv.ParseInt(c.Param("id"), 10, 64)

	results, err := h.service.RefreshOwner(c.Request.Context(), userID)
	if results == nil && err != nil {
		h.internalError(c, err)
		return
	}

	resp := gin.H{
		"results": results,
		"count":   len(results),
	}
	if err != nil {
		// Individual wallets that could not be refreshed keep their stored balance.
		resp["warning"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// RunAll handles POST /v1/admin/reconcile
func (h *Handler) RunAll(c *gin.Context) {
	report, err := h.service.RunAll(c.Request.Context())
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (h *Handler) internalError(c *gin.Context, err error) {
	h.logger.Error("reconciliation request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Internal server error",
	})
}
