package order

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/freeflowhq/marketplace/internal/listing"
	"github.com/freeflowhq/marketplace/internal/validation"
)

// Handler provides HTTP endpoints for order operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up order routes. The caller identity is set by the
// identity middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/orders/:id/deliveries", h.ListDeliveries)
	r.POST("/orders/:id/requirements", h.SubmitRequirements)
	r.POST("/orders/:id/start", h.StartWork)
	r.POST("/orders/:id/deliver", h.Deliver)
	r.POST("/orders/:id/revision", h.RequestRevision)
	r.POST("/orders/:id/accept", h.AcceptDelivery)
	r.POST("/orders/:id/cancel", h.RequestCancellation)
	r.POST("/orders/:id/cancel/approve", h.ApproveCancellation)
	r.POST("/orders/:id/cancel/decline", h.DeclineCancellation)
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.BuyerID = c.GetString("authUserID")
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	o, err := h.service.CreateOrder(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListOrders handles GET /v1/orders
func (h *Handler) ListOrders(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	orders, err := h.service.ListByParticipant(c.Request.Context(), c.GetString("authUserID"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"count":  len(orders),
	})
}

// ListDeliveries handles GET /v1/orders/:id/deliveries
func (h *Handler) ListDeliveries(c *gin.Context) {
	deliveries, err := h.service.ListDeliveries(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deliveries": deliveries,
		"count":      len(deliveries),
	})
}

// SubmitRequirements handles POST /v1/orders/:id/requirements
func (h *Handler) SubmitRequirements(c *gin.Context) {
	var req struct {
		Requirements string   `json:"requirements"`
		Files        []string `json:"files,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.SubmitRequirements(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Requirements, req.Files)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// StartWork handles POST /v1/orders/:id/start
func (h *Handler) StartWork(c *gin.Context) {
	o, err := h.service.StartWork(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// Deliver handles POST /v1/orders/:id/deliver
func (h *Handler) Deliver(c *gin.Context) {
	var req struct {
		Message string   `json:"message"`
		Files   []string `json:"files,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, d, err := h.service.Deliver(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Message, req.Files)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o, "delivery": d})
}

// RequestRevision handles POST /v1/orders/:id/revision
func (h *Handler) RequestRevision(c *gin.Context) {
	var req struct {
		Note string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.RequestRevision(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// AcceptDelivery handles POST /v1/orders/:id/accept
func (h *Handler) AcceptDelivery(c *gin.Context) {
	o, err := h.service.AcceptDelivery(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// RequestCancellation handles POST /v1/orders/:id/cancel
func (h *Handler) RequestCancellation(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.RequestCancellation(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ApproveCancellation handles POST /v1/orders/:id/cancel/approve
func (h *Handler) ApproveCancellation(c *gin.Context) {
	o, err := h.service.ApproveCancellation(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// DeclineCancellation handles POST /v1/orders/:id/cancel/decline
func (h *Handler) DeclineCancellation(c *gin.Context) {
	o, err := h.service.DeclineCancellation(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// writeError maps service errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verrs.Error(),
			"details": verrs,
		})
		return
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrDeliveryNotFound),
		errors.Is(err, listing.ErrListingNotFound), errors.Is(err, listing.ErrPackageNotFound),
		errors.Is(err, listing.ErrExtraNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrSelfApproval), errors.Is(err, ErrSelfPurchase):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrCancellationPending),
		errors.Is(err, ErrNoCancellationPending), errors.Is(err, ErrRevisionQuotaExceeded),
		errors.Is(err, ErrListingUnavailable):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrPaymentHoldFailed):
		status = http.StatusPaymentRequired
		code = "payment_failed"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
