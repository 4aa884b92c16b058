package payments

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/obike/campuspay/internal/gateway"
	"github.com/obike/campuspay/internal/logging"
	"github.com/obike/campuspay/internal/money"
	"github.com/obike/campuspay/internal/validation"
	"github.com/obike/campuspay/internal/wallet"
)

// Handler provides HTTP endpoints for deposits, withdrawals and the
// gateway webhook.
type Handler struct {
	service *Service
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/:userID/deposit", h.InitializeDeposit)
	r.POST("/wallets/:userID/withdrawals", h.RequestWithdrawal)
	r.POST("/gateway/webhook", h.Webhook)
	r.POST("/payments/:ref/verify", h.VerifyPayment)
	r.GET("/payments/:ref", h.GetPayment)
}

type depositRequest struct {
	Amount  string `json:"amount" binding:"required"`
	Email   string `json:"email" binding:"required"`
	Channel string `json:"channel"`
}

// InitializeDeposit handles POST /v1/wallets/:userID/deposit
func (h *Handler) InitializeDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount and email are required"})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error()})
		return
	}

	channel := req.Channel
	if channel == "" {
		channel = gateway.ChannelBank
	}

	kobo, _ := money.Parse(req.Amount)
	p, err := h.service.InitializeDeposit(c.Request.Context(), c.Param("userID"), req.Email, kobo, channel)
	if err != nil {
		writePaymentError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"reference":   p.TransactionRef,
		"checkoutUrl": p.CheckoutURL,
		"provider":    p.Provider,
		"amount":      money.Format(p.Amount),
	})
}

type withdrawalRequest struct {
	Amount        string `json:"amount" binding:"required"`
	BankCode      string `json:"bankCode" binding:"required"`
	AccountNumber string `json:"accountNumber" binding:"required"`
}

// RequestWithdrawal handles POST /v1/wallets/:userID/withdrawals
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount, bankCode and accountNumber are required"})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error()})
		return
	}

	kobo, _ := money.Parse(req.Amount)
	w, err := h.service.RequestWithdrawal(c.Request.Context(), c.Param("userID"), kobo, req.BankCode, req.AccountNumber)
	if err != nil {
		writePaymentError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"withdrawal": w})
}

// Webhook handles POST /v1/gateway/webhook.
//
// The gateway retries until it sees a 2xx, so duplicates and unknown
// references are acknowledged with 200. Only a signature mismatch gets
// 401, and an unparseable body 400.
func (h *Handler) Webhook(c *gin.Context) {
	rawBody, err := io.ReadAll(io.LimitReader(c.Request.Body, validation.MaxRequestSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}

	signature := c.GetHeader("X-Gateway-Signature")
	if signature == "" {
		signature = c.GetHeader("x-paystack-signature")
	}

	err = h.service.HandleWebhook(c.Request.Context(), rawBody, signature)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true})
	case errors.Is(err, ErrBadSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
	case errors.Is(err, ErrBadPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
	default:
		logging.L(c.Request.Context()).Error("webhook processing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook_failed"})
	}
}

// VerifyPayment handles POST /v1/payments/:ref/verify
func (h *Handler) VerifyPayment(c *gin.Context) {
	p, err := h.service.VerifyPayment(c.Request.Context(), c.Param("ref"))
	if err != nil {
		writePaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// GetPayment handles GET /v1/payments/:ref
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.service.GetPayment(c.Request.Context(), c.Param("ref"))
	if err != nil {
		writePaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

func writePaymentError(c *gin.Context, err error) {
	var insufficient *wallet.InsufficientFundsError
	var gwErr *gateway.Error
	switch {
	case errors.Is(err, ErrPaymentNotFound), errors.Is(err, ErrWithdrawalNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Record not found"})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, gateway.ErrNoProvider):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_channel", "message": "No provider serves this channel"})
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": insufficient.Error()})
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_unavailable", "message": "Payment service is unavailable, please try again"})
	case errors.As(err, &gwErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_error", "message": gwErr.UserMessage})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payment_failed", "message": "Payment operation failed"})
	}
}
