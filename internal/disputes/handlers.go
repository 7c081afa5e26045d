package disputes

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowbot/internal/auth"
	"github.com/mbd888/escrowbot/internal/escrow"
	"github.com/mbd888/escrowbot/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up dispute routes for authenticated users.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/dispute", h.Open)
	r.GET("/transactions/:id/disputes", h.ListForTransaction)
	r.GET("/disputes/:id", h.Get)
}

// RegisterAdminRoutes sets up admin-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/disputes", h.ListOpen)
	r.POST("/admin/disputes/:id/resolve", h.Resolve)
}

// Open handles POST /v1/transactions/:id/dispute
func (h *Handler) Open(c *gin.Context) {
	caller, _ := auth.UserID(c)

	var req OpenRequest
	// An empty body opens a dispute without a reason.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
		validation.MaxLength("evidence", req.Evidence, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.TransactionID = c.Param("id")
	req.InitiatorID = caller

	d, err := h.service.Open(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Get handles GET /v1/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	d, err := h.service.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !auth.IsAdmin(c) {
		caller, _ := auth.UserID(c)
		ok, err := h.service.CanView(ctx, d, caller)
		if err != nil {
			h.writeError(c, err)
			return
		}
		if !ok {
			h.writeError(c, ErrDisputeNotFound)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListForTransaction handles GET /v1/transactions/:id/disputes
func (h *Handler) ListForTransaction(c *gin.Context) {
	ctx := c.Request.Context()
	txID := c.Param("id")

	if !auth.IsAdmin(c) {
		caller, _ := auth.UserID(c)
		tx, err := h.service.escrow.Get(ctx, txID)
		if err != nil {
			h.writeError(c, err)
			return
		}
		if !tx.InvolvesUser(caller) {
			h.writeError(c, escrow.ErrTransactionNotFound)
			return
		}
	}

	ds, err := h.service.ForTransaction(ctx, txID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"disputes": ds,
		"count":    len(ds),
	})
}

// ListOpen handles GET /v1/admin/disputes
func (h *Handler) ListOpen(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	ds, err := h.service.ListOpen(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"disputes": ds,
		"count":    len(ds),
	})
}

// Resolve handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution is required",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("notes", req.Notes, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		status int
		body   gin.H
	)
	switch {
	case errors.Is(err, ErrDisputeNotFound):
		status, body = http.StatusNotFound, gin.H{"error": "not_found", "message": ErrDisputeNotFound.Error()}
	case errors.Is(err, ErrAlreadyDisputed):
		status, body = http.StatusConflict, gin.H{"error": "already_disputed", "message": err.Error()}
	case errors.Is(err, ErrNotOpen):
		status, body = http.StatusConflict, gin.H{"error": "dispute_closed", "message": err.Error()}
	default:
		status, body = escrow.ErrorResponse(err)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("dispute request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, body)
}
