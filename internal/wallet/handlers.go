package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/obike/campuspay/internal/money"
)

// Handler provides HTTP endpoints for wallet reads.
// Mutations never come in through this surface; they arrive via the escrow
// engine, the payment reconciliation path, and the reward issuer.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:userID", h.GetWallet)
	r.GET("/wallets/:userID/transactions", h.ListTransactions)
}

// GetWallet handles GET /v1/wallets/:userID
func (h *Handler) GetWallet(c *gin.Context) {
	userID := c.Param("userID")

	w, err := h.service.GetOrCreate(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_unavailable",
			"message": "Failed to load wallet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"wallet": gin.H{
			"userId":        w.UserID,
			"balance":       money.Format(w.Balance),
			"escrowBalance": money.Format(w.EscrowBalance),
			"totalEarned":   money.Format(w.TotalEarned),
			"updatedAt":     w.UpdatedAt,
		},
	})
}

// ListTransactions handles GET /v1/wallets/:userID/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	userID := c.Param("userID")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	txns, next, more, err := h.service.HistoryPage(c.Request.Context(), userID, limit, c.Query("cursor"))
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCursor):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "Cursor is not valid",
			})
		case errors.Is(err, ErrWalletNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "wallet_not_found",
				"message": "No wallet for this user",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "history_unavailable",
				"message": "Failed to load transactions",
			})
		}
		return
	}

	out := make([]gin.H, 0, len(txns))
	for _, t := range txns {
		out = append(out, gin.H{
			"id":          t.ID,
			"type":        t.Type,
			"amount":      money.Format(t.Amount),
			"description": t.Description,
			"reference":   t.Reference,
			"status":      t.Status,
			"createdAt":   t.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": out,
		"nextCursor":   next,
		"hasMore":      more,
	})
}
