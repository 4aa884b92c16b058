package notify

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/obike/campuspay/internal/idgen"
	"github.com/obike/campuspay/internal/security"
	"github.com/obike/campuspay/internal/validation"
)

// Handler provides HTTP endpoints for webhook subscription management.
type Handler struct {
	store Store
}

// NewHandler creates a new notify handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up subscription routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users/:userID/webhooks", h.CreateSubscription)
	r.GET("/users/:userID/webhooks", h.ListSubscriptions)
	r.DELETE("/users/:userID/webhooks/:webhookID", h.DeleteSubscription)
}

type createSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateSubscription handles POST /v1/users/:userID/webhooks
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "url and events are required"})
		return
	}

	if errs := validation.Validate(
		validation.ValidUserID("userId", c.Param("userID")),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error()})
		return
	}

	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		switch et := EventType(e); et {
		case EventPaymentConfirmed, EventEscrowReleased, EventStreakAwarded:
			events = append(events, et)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "unknown event type: " + e})
			return
		}
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		UserID:    c.Param("userID"),
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed", "message": "Failed to create webhook"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		// Shown once. Receivers verify X-Campuspay-Signature with
		// HMAC-SHA256(payload, secret).
		"secret": secret,
	})
}

// ListSubscriptions handles GET /v1/users/:userID/webhooks
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.store.GetByUser(c.Request.Context(), c.Param("userID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": "Failed to list webhooks"})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteSubscription handles DELETE /v1/users/:userID/webhooks/:webhookID
func (h *Handler) DeleteSubscription(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("webhookID"))
	if errors.Is(err, ErrSubscriptionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed", "message": "Failed to delete webhook"})
		return
	}
	if sub.UserID != c.Param("userID") {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Webhook belongs to another user"})
		return
	}

	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed", "message": "Failed to delete webhook"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
