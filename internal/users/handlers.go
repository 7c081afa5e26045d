package users

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowbot/internal/auth"
)

// Handler provides HTTP endpoints for the user registry
type Handler struct {
	registry *Registry
}

// NewHandler creates a new users handler
func NewHandler(r *Registry) *Handler {
	return &Handler{registry: r}
}

// RegisterRoutes sets up user routes behind auth.RequireAuth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/contacts", h.Touch)
	r.GET("/users/:id", auth.RequireSelf("id"), h.GetUser)
	r.PUT("/users/:id/locale", auth.RequireSelf("id"), h.SetLocale)
}

// Touch handles POST /v1/contacts
func (h *Handler) Touch(c *gin.Context) {
	var req Contact
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	caller, _ := auth.UserID(c)
	if req.ID != caller && !auth.IsAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "contact id must match the acting user",
		})
		return
	}

	result, err := h.registry.Touch(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}

// GetUser handles GET /v1/users/:id
func (h *Handler) GetUser(c *gin.Context) {
	id, _ := strconv.ParseInt(c.Param("id"), 10, 64)
	u, err := h.registry.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// SetLocaleRequest changes the user's language.
type SetLocaleRequest struct {
	Locale string `json:"locale" binding:"required"`
}

// SetLocale handles PUT /v1/users/:id/locale
func (h *Handler) SetLocale(c *gin.Context) {
	id, _ := strconv.ParseInt(c.Param("id"), 10, 64)

	var req SetLocaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "locale is required",
		})
		return
	}

	if err := h.registry.SetLocale(c.Request.Context(), id, req.Locale); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locale": strings.ToLower(strings.TrimSpace(req.Locale))})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidUser), errors.Is(err, ErrInvalidHandle):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrInvalidLocale):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "invalid_locale",
			"message":   err.Error(),
			"supported": SupportedLocales,
		})
	case errors.Is(err, ErrHandleConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "handle_conflict", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "User operation failed",
		})
	}
}
