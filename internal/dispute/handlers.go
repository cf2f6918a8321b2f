package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/freeflowhq/marketplace/internal/order"
	"github.com/freeflowhq/marketplace/internal/validation"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes. The caller identity is set by
// the identity middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.Open)
	r.GET("/disputes", h.List)
	r.GET("/disputes/:id", h.Get)
	r.POST("/disputes/:id/respond", h.Respond)
	r.GET("/disputes/:id/messages", h.ListMessages)
	r.POST("/disputes/:id/messages", h.PostMessage)
	r.GET("/disputes/:id/evidence", h.ListEvidence)
	r.POST("/disputes/:id/evidence", h.SubmitEvidence)
	r.POST("/disputes/:id/evidence/:evidenceId/verify", h.VerifyEvidence)
	r.GET("/disputes/:id/proposals", h.ListProposals)
	r.POST("/disputes/:id/proposals", h.Propose)
	r.POST("/disputes/:id/proposals/:proposalId/respond", h.RespondToProposal)
	r.POST("/disputes/:id/proposals/:proposalId/recommend", h.Recommend)
	r.POST("/disputes/:id/escalate", h.Escalate)
	r.POST("/disputes/:id/appeal", h.Appeal)
	r.POST("/disputes/:id/close", h.Close)
	r.GET("/disputes/:id/activity", h.ListActivity)
}

// RegisterAdminRoutes sets up the mediator assignment route, mounted
// behind the admin guard.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/mediator", h.AssignMediator)
}

// Open handles POST /v1/disputes
func (h *Handler) Open(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	req.InitiatorID = c.GetString("authUserID")

	d, err := h.service.Open(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Get handles GET /v1/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// List handles GET /v1/disputes
func (h *Handler) List(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	disputes, err := h.service.ListByParticipant(c.Request.Context(), c.GetString("authUserID"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// Respond handles POST /v1/disputes/:id/respond
func (h *Handler) Respond(c *gin.Context) {
	var req struct {
		Response string `json:"response"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	d, err := h.service.Respond(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Response)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// PostMessage handles POST /v1/disputes/:id/messages
func (h *Handler) PostMessage(c *gin.Context) {
	var req struct {
		Body              string `json:"body"`
		PrivateToMediator bool   `json:"privateToMediator"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	m, err := h.service.PostMessage(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Body, req.PrivateToMediator)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": m})
}

// ListMessages handles GET /v1/disputes/:id/messages
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.service.ListMessages(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": msgs,
		"count":    len(msgs),
	})
}

// SubmitEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
		FileURL     string `json:"fileUrl,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	e, err := h.service.SubmitEvidence(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Title, req.Description, req.FileURL)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"evidence": e})
}

// VerifyEvidence handles POST /v1/disputes/:id/evidence/:evidenceId/verify
func (h *Handler) VerifyEvidence(c *gin.Context) {
	var req struct {
		Relevance int `json:"relevance"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	e, err := h.service.VerifyEvidence(c.Request.Context(), c.Param("id"), c.Param("evidenceId"), c.GetString("authUserID"), req.Relevance)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evidence": e})
}

// ListEvidence handles GET /v1/disputes/:id/evidence
func (h *Handler) ListEvidence(c *gin.Context) {
	evidence, err := h.service.ListEvidence(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"evidence": evidence,
		"count":    len(evidence),
	})
}

// Propose handles POST /v1/disputes/:id/proposals
func (h *Handler) Propose(c *gin.Context) {
	var req ProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	p, err := h.service.Propose(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"proposal": p})
}

// RespondToProposal handles POST /v1/disputes/:id/proposals/:proposalId/respond
func (h *Handler) RespondToProposal(c *gin.Context) {
	var req struct {
		Action  string           `json:"action"`
		Counter *ProposalRequest `json:"counter,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	p, err := h.service.RespondToProposal(c.Request.Context(), c.Param("id"), c.Param("proposalId"), c.GetString("authUserID"), req.Action, req.Counter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": p})
}

// Recommend handles POST /v1/disputes/:id/proposals/:proposalId/recommend
func (h *Handler) Recommend(c *gin.Context) {
	p, err := h.service.Recommend(c.Request.Context(), c.Param("id"), c.Param("proposalId"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": p})
}

// ListProposals handles GET /v1/disputes/:id/proposals
func (h *Handler) ListProposals(c *gin.Context) {
	proposals, err := h.service.ListProposals(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"proposals": proposals,
		"count":     len(proposals),
	})
}

// Escalate handles POST /v1/disputes/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	_ = c.ShouldBindJSON(&req) // reason is optional

	d, err := h.service.Escalate(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// AssignMediator handles POST /v1/admin/disputes/:id/mediator
func (h *Handler) AssignMediator(c *gin.Context) {
	var req struct {
		MediatorID string `json:"mediatorId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	d, err := h.service.AssignMediator(c.Request.Context(), c.Param("id"), req.MediatorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Appeal handles POST /v1/disputes/:id/appeal
func (h *Handler) Appeal(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	d, err := h.service.Appeal(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Close handles POST /v1/disputes/:id/close
func (h *Handler) Close(c *gin.Context) {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	_ = c.ShouldBindJSON(&req) // reason is optional

	d, err := h.service.Close(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListActivity handles GET /v1/disputes/:id/activity
func (h *Handler) ListActivity(c *gin.Context) {
	activity, err := h.service.ListActivity(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"activity": activity,
		"count":    len(activity),
	})
}

func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
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
	case errors.Is(err, ErrDisputeNotFound), errors.Is(err, ErrMessageNotFound),
		errors.Is(err, ErrEvidenceNotFound), errors.Is(err, ErrProposalNotFound),
		errors.Is(err, order.ErrOrderNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrAmountExceedsOrder), errors.Is(err, ErrAmountExceedsDispute):
		status = http.StatusBadRequest
		code = "invalid_amount"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrActiveDispute),
		errors.Is(err, ErrProposalPending), errors.Is(err, ErrProposalNotPending),
		errors.Is(err, ErrProposalExpired), errors.Is(err, ErrAppealLimitExceeded),
		errors.Is(err, ErrNoMediator), errors.Is(err, ErrOrderNotDisputable),
		errors.Is(err, ErrNotAwaitingResponse):
		status = http.StatusConflict
		code = "invalid_state"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
