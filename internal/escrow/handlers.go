package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/obike/campuspay/internal/money"
	"github.com/obike/campuspay/internal/validation"
	"github.com/obike/campuspay/internal/wallet"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/users/:userID/escrows", h.ListEscrows)
	r.POST("/escrows/:id/confirm-buyer", h.ConfirmBuyer)
	r.POST("/escrows/:id/confirm-seller", h.ConfirmSeller)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
	r.POST("/escrows/:id/dispute", h.DisputeEscrow)
}

type createEscrowRequest struct {
	BuyerID    string  `json:"buyerId" binding:"required"`
	SellerID   string  `json:"sellerId" binding:"required"`
	ProductRef string  `json:"productRef"`
	Amount     string  `json:"amount" binding:"required"`
	FeePercent float64 `json:"feePercent"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req createEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidUserID("buyerId", req.BuyerID),
		validation.ValidUserID("sellerId", req.SellerID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	kobo, _ := money.Parse(req.Amount)
	esc, err := h.service.Create(c.Request.Context(), CreateRequest{
		BuyerID:    req.BuyerID,
		SellerID:   req.SellerID,
		ProductRef: validation.SanitizeString(req.ProductRef, 128),
		Amount:     kobo,
		FeePercent: req.FeePercent,
	})
	if err != nil {
		writeEscrowError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": esc})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	esc, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

// ListEscrows handles GET /v1/users/:userID/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	escrows, err := h.service.ListByUser(c.Request.Context(), c.Param("userID"), limit)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows)})
}

type confirmRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// ConfirmBuyer handles POST /v1/escrows/:id/confirm-buyer
func (h *Handler) ConfirmBuyer(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId is required"})
		return
	}
	esc, err := h.service.ConfirmBuyer(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

// ConfirmSeller handles POST /v1/escrows/:id/confirm-seller
func (h *Handler) ConfirmSeller(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId is required"})
		return
	}
	esc, err := h.service.ConfirmSeller(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	esc, err := h.service.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

// RefundEscrow handles POST /v1/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	esc, err := h.service.Refund(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

type disputeEscrowRequest struct {
	UserID string `json:"userId" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

// DisputeEscrow handles POST /v1/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req disputeEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId and reason are required"})
		return
	}
	esc, err := h.service.Dispute(c.Request.Context(), c.Param("id"), req.UserID,
		validation.SanitizeString(req.Reason, 500))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

func writeEscrowError(c *gin.Context, err error) {
	var insufficient *wallet.InsufficientFundsError
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": "Escrow is not in a state that allows this operation"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": "Caller is not a party to this escrow"})
	case errors.Is(err, ErrSameParty), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrFeePercentOutOfRange):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": insufficient.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "escrow_failed", "message": "Escrow operation failed"})
	}
}
