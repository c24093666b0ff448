package ledger

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tmarkov/timebank/internal/pagination"
	"github.com/tmarkov/timebank/internal/validation"
)

// Handler provides HTTP endpoints for balances and transaction history.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up authenticated ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/balance", h.GetBalance)
	r.GET("/users/:id/transactions", h.ListTransactions)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/ledger/grants", h.Grant)
	r.POST("/ledger/:id/verify", h.VerifyChain)
	r.POST("/ledger/:id/clear-halt", h.ClearHalt)
}

// GetBalance handles GET /v1/users/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.ledger.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// ListTransactions handles GET /v1/users/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50, 200)

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	before := time.Time{}
	beforeID := ""
	if cursor != nil {
		before = cursor.CreatedAt
		beforeID = cursor.ID
	}

	entries, err := h.ledger.History(c.Request.Context(), c.Param("id"), limit+1, before, beforeID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"transactions": page,
		"nextCursor":   next,
		"hasMore":      hasMore,
	})
}

// Grant handles POST /admin/ledger/grants
func (h *Handler) Grant(c *gin.Context) {
	var req struct {
		UserID      string `json:"userId" binding:"required"`
		Hours       string `json:"hours" binding:"required"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.ValidHours("hours", req.Hours),
		validation.MaxLength("description", req.Description, 500),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
		})
		return
	}
	if req.Description == "" {
		req.Description = "admin_grant"
	}

	if err := h.ledger.Grant(c.Request.Context(), req.UserID, req.Hours, req.Description); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrWritesHalted) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{
			"error":   "grant_failed",
			"message": err.Error(),
		})
		return
	}

	bal, _ := h.ledger.GetBalance(c.Request.Context(), req.UserID)
	c.JSON(http.StatusCreated, gin.H{"balance": bal})
}

// VerifyChain handles POST /admin/ledger/:id/verify
func (h *Handler) VerifyChain(c *gin.Context) {
	if err := h.ledger.VerifyChain(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrChainBroken) {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "chain_broken",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ClearHalt handles POST /admin/ledger/:id/clear-halt
func (h *Handler) ClearHalt(c *gin.Context) {
	if err := h.ledger.ClearHalt(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func parseLimit(s string, def, max int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
