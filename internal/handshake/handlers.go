package handshake

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the negotiation protocol.
type Handler struct {
	service *Service
}

// NewHandler creates a new handshake handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up protected (auth-required) handshake routes.
// Every state-bearing read returns the authoritative current record so
// polling clients can reconcile safely.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/handshakes", h.ExpressInterest)
	r.GET("/handshakes", h.List)
	r.GET("/handshakes/:id", h.Get)
	r.POST("/handshakes/:id/accept", h.Accept)
	r.POST("/handshakes/:id/deny", h.Deny)
	r.POST("/handshakes/:id/cancel", h.Cancel)
	r.POST("/handshakes/:id/details", h.ProposeDetails)
	r.POST("/handshakes/:id/approve", h.Approve)
	r.POST("/handshakes/:id/request-changes", h.RequestChanges)
	r.POST("/handshakes/:id/confirm", h.Confirm)
}

// ExpressInterest handles POST /v1/handshakes
func (h *Handler) ExpressInterest(c *gin.Context) {
	var req ExpressInterestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	hs, err := h.service.ExpressInterest(c.Request.Context(), actorID(c), req)
	if err != nil {
		respondError(c, hs, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"handshake": hs})
}

// Get handles GET /v1/handshakes/:id
func (h *Handler) Get(c *gin.Context) {
	hs, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handshake": hs})
}

// List handles GET /v1/handshakes
func (h *Handler) List(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50, 200)

	var (
		hss []*Handshake
		err error
	)
	if serviceID := c.Query("serviceId"); serviceID != "" {
		hss, err = h.service.ListByService(c.Request.Context(), serviceID, limit)
	} else {
		hss, err = h.service.ListByParty(c.Request.Context(), actorID(c), limit)
	}
	if err != nil {
		respondError(c, nil, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"handshakes": hss,
		"count":      len(hss),
	})
}

// Accept handles POST /v1/handshakes/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	hs, err := h.service.Accept(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		respondError(c, hs, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handshake": hs})
}

// Deny handles POST /v1/handshakes/:id/deny
func (h *Handler) Deny(c *gin.Context) {
	hs, err := h.service.Deny(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		respondError(c, hs, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handshake": hs})
}

// Cancel handles POST /v1/handshakes/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelReq
	_ = c.ShouldBindJSON(&req) // reason is optional

	hs, err := h.service.Cancel(c.Request.Context(), c.Param("id"), actorID(c), req.Reason)
	if err != nil {
		respondError(c, hs, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handshake": hs})
}

// ProposeDetails handles POST /v1/handshakes/:id/details
func (h *Handler) ProposeDetails(c *gin.Context) {
	var req ProposeDetailsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	hs, err := h.service.ProposeDetails(c.Request.Context(), c.Param("id"), actorID(c), req)
	if err != nil {
		respondError(c, hs, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handshake": hs})
}

// Approve handles POST /v1/handshakes/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	hs, err := h.service.Approve(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		respondError(c, hs, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handshake": hs})
}

// RequestChanges handles POST /v1/handshakes/:id/request-changes
func (h *Handler) RequestChanges(c *gin.Context) {
	hs, err := h.service.RequestChanges(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		respondError(c, hs, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handshake": hs})
}

// Confirm handles POST /v1/handshakes/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var req ConfirmRequest
	_ = c.ShouldBindJSON(&req) // hours is optional

	hs, err := h.service.Confirm(c.Request.Context(), c.Param("id"), actorID(c), req)
	if err != nil {
		respondError(c, hs, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handshake": hs})
}

// actorID returns the authenticated member identity set by the auth
// middleware.
func actorID(c *gin.Context) string {
	return c.GetString("authUserID")
}

// respondError maps protocol errors to HTTP statuses. Guard violations
// carry the current authoritative record so the caller can resync
// instead of retrying blind.
func respondError(c *gin.Context, hs *Handshake, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Handshake not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "You are not a party to this operation",
		})
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrStaleRevision),
		errors.Is(err, ErrApprovalPending):
		c.JSON(http.StatusConflict, gin.H{
			"error":     "guard_violation",
			"message":   err.Error() + "; refresh to see the current status",
			"handshake": hs,
		})
	case errors.Is(err, ErrDuplicateActive):
		c.JSON(http.StatusConflict, gin.H{
			"error":     "duplicate_active_handshake",
			"message":   err.Error(),
			"handshake": hs,
		})
	case errors.Is(err, ErrDisputeOpen):
		c.JSON(http.StatusLocked, gin.H{
			"error":     "dispute_open",
			"message":   "This handshake is frozen while a report is being investigated",
			"handshake": hs,
		})
	case errors.Is(err, ErrHoursTooSmall), errors.Is(err, ErrSelfInterest),
		errors.Is(err, ErrListingInactive):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInsufficientHours):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "insufficient_hours",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}

func parseLimit(s string, def, max int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
