package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tmarkov/timebank/internal/handshake"
)

// Handler provides HTTP endpoints for dispute reporting and resolution.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up protected (auth-required) report routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/reports", h.File)
	r.GET("/reports/:id", h.Get)
	r.GET("/handshakes/:id/reports", h.ListByHandshake)
}

// RegisterAdminRoutes sets up admin-only resolution routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reports", h.ListOpen)
	r.POST("/reports/:id/pause", h.Pause)
	r.POST("/reports/:id/resolve", h.Resolve)
}

// File handles POST /v1/reports
func (h *Handler) File(c *gin.Context) {
	var req FileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	r, err := h.service.File(c.Request.Context(), c.GetString("authUserID"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"report": r})
}

// Get handles GET /v1/reports/:id
func (h *Handler) Get(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": r})
}

// ListByHandshake handles GET /v1/handshakes/:id/reports
func (h *Handler) ListByHandshake(c *gin.Context) {
	reports, err := h.service.ListByHandshake(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reports": reports,
		"count":   len(reports),
	})
}

// ListOpen handles GET /admin/reports
func (h *Handler) ListOpen(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}
	reports, err := h.service.ListOpen(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reports": reports,
		"count":   len(reports),
	})
}

// Pause handles POST /admin/reports/:id/pause
func (h *Handler) Pause(c *gin.Context) {
	r, err := h.service.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": r})
}

// Resolve handles POST /admin/reports/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	r, err := h.service.Resolve(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": r})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrReportNotFound), errors.Is(err, handshake.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, handshake.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Only a party to the handshake may report it",
		})
	case errors.Is(err, ErrOpenReportExists), errors.Is(err, ErrAlreadyResolved),
		errors.Is(err, ErrNotReportable), errors.Is(err, handshake.ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidAction):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
