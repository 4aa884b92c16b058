package rewards

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/obike/campuspay/internal/money"
	"github.com/obike/campuspay/internal/validation"
)

// Handler provides HTTP endpoints for reward issuance.
type Handler struct {
	service *Service
}

// NewHandler creates a new rewards handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up reward routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/rewards/welcome", h.GrantWelcome)
	r.POST("/rewards/referral", h.GrantReferral)
	r.POST("/rewards/streak", h.ClaimStreak)
}

type welcomeRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// GrantWelcome handles POST /v1/rewards/welcome
func (h *Handler) GrantWelcome(c *gin.Context) {
	var req welcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId is required"})
		return
	}
	if errs := validation.Validate(
		validation.ValidUserID("userId", req.UserID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error()})
		return
	}

	amount, err := h.service.GrantWelcomeBonus(c.Request.Context(), req.UserID)
	if err != nil {
		writeRewardError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"amount": money.Format(amount)})
}

type referralRequest struct {
	ReferrerID string `json:"referrerId" binding:"required"`
	ReferredID string `json:"referredId" binding:"required"`
}

// GrantReferral handles POST /v1/rewards/referral
func (h *Handler) GrantReferral(c *gin.Context) {
	var req referralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "referrerId and referredId are required"})
		return
	}
	if errs := validation.Validate(
		validation.ValidUserID("referrerId", req.ReferrerID),
		validation.ValidUserID("referredId", req.ReferredID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error()})
		return
	}

	amount, err := h.service.GrantReferralBonus(c.Request.Context(), req.ReferrerID, req.ReferredID)
	if err != nil {
		writeRewardError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"amount": money.Format(amount)})
}

type streakRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// ClaimStreak handles POST /v1/rewards/streak
func (h *Handler) ClaimStreak(c *gin.Context) {
	var req streakRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId is required"})
		return
	}
	if errs := validation.Validate(
		validation.ValidUserID("userId", req.UserID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error()})
		return
	}

	result, err := h.service.ClaimStreak(c.Request.Context(), req.UserID, c.ClientIP())
	if err != nil {
		writeRewardError(c, err)
		return
	}
	if result.AlreadyClaimed {
		c.JSON(http.StatusOK, gin.H{"streak": result})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"streak": result})
}

func writeRewardError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAlreadyGranted), errors.Is(err, ErrAlreadyPaid):
		c.JSON(http.StatusConflict, gin.H{"error": "already_granted", "message": err.Error()})
	case errors.Is(err, ErrDuplicateReferral):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_referral", "message": err.Error()})
	case errors.Is(err, ErrSelfReferral):
		c.JSON(http.StatusBadRequest, gin.H{"error": "self_referral", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reward_failed", "message": "Reward operation failed"})
	}
}
