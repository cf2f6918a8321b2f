package notify

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/freeflowhq/marketplace/internal/idgen"
	"github.com/freeflowhq/marketplace/internal/security"
	"github.com/freeflowhq/marketplace/internal/validation"
)

// Handler exposes webhook subscription management over HTTP.
type Handler struct {
	store SubscriptionStore
}

func NewHandler(store SubscriptionStore) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts the subscription routes on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/webhooks", h.ListSubscriptions)
	r.POST("/webhooks", h.CreateSubscription)
	r.DELETE("/webhooks/:webhookId", h.DeleteSubscription)
}

// CreateSubscription handles POST /webhooks
func (h *Handler) CreateSubscription(c *gin.Context) {
	caller := c.GetString("authUserID")

	var req struct {
		URL        string   `json:"url" binding:"required"`
		Secret     string   `json:"secret"`
		Categories []string `json:"categories"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}
	for _, cat := range req.Categories {
		if cat != CategoryOrder && cat != CategoryDispute && cat != CategoryPayment {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_category",
				"message": "categories must be order, dispute, or payment",
			})
			return
		}
	}

	sub := &Subscription{
		ID:         idgen.WithPrefix(idgen.PrefixWebhook),
		UserID:     caller,
		URL:        validation.SanitizeString(req.URL, 2048),
		Secret:     req.Secret,
		Categories: req.Categories,
		Active:     true,
		CreatedAt:  time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create subscription",
		})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

// ListSubscriptions handles GET /webhooks
func (h *Handler) ListSubscriptions(c *gin.Context) {
	caller := c.GetString("authUserID")

	subs, err := h.store.GetByUser(c.Request.Context(), caller)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list subscriptions",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// DeleteSubscription handles DELETE /webhooks/:webhookId
func (h *Handler) DeleteSubscription(c *gin.Context) {
	caller := c.GetString("authUserID")
	id := c.Param("webhookId")

	// Ownership check: the subscription must belong to the caller.
	subs, err := h.store.GetByUser(c.Request.Context(), caller)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load subscriptions",
		})
		return
	}
	for _, sub := range subs {
		if sub.ID == id {
			if err := h.store.Delete(c.Request.Context(), id); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   "internal_error",
					"message": "Failed to delete subscription",
				})
				return
			}
			c.JSON(http.StatusOK, gin.H{"deleted": id})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"message": "Webhook subscription not found",
	})
}
