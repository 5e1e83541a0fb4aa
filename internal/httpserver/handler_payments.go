package httpserver

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"milestonepay/internal/milestone"
	"milestonepay/internal/model"
)

type PaymentHandler struct {
	engine *milestone.Engine
	logger *zap.Logger
}

func NewPaymentHandler(engine *milestone.Engine, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{engine: engine, logger: logger}
}

// AcceptProposal POST /api/projects/:id/proposals/:proposalId/accept
func (h *PaymentHandler) AcceptProposal(c *gin.Context) {
	caller, _ := callerFrom(c)
	project, err := h.engine.AcceptProposal(c.Request.Context(), caller, c.Param("id"), c.Param("proposalId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, newProjectView(project))
}

type requestPaymentBody struct {
	MilestoneKind string `json:"milestone_kind" binding:"required"`
}

// RequestPayment POST /api/projects/:id/payments
func (h *PaymentHandler) RequestPayment(c *gin.Context) {
	var body requestPaymentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, h.logger, fmt.Errorf("request body: %v: %w", err, model.ErrInvalidArgument))
		return
	}
	kind, ok := model.ParseMilestoneKind(body.MilestoneKind)
	if !ok {
		respondError(c, h.logger, fmt.Errorf("milestone_kind %q: %w", body.MilestoneKind, model.ErrInvalidArgument))
		return
	}

	caller, _ := callerFrom(c)
	handle, err := h.engine.RequestPayment(c.Request.Context(), caller, c.Param("id"), kind)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"client_payment_handle": handle.ClientSecret,
		"payment_intent_id":     handle.PaymentIntentID,
		"amount":                handle.Amount,
		"fee":                   handle.Fee,
		"milestone_kind":        handle.Kind,
	})
}

// GetPayments GET /api/projects/:id/payments
func (h *PaymentHandler) GetPayments(c *gin.Context) {
	caller, _ := callerFrom(c)
	status, err := h.engine.Status(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, newPaymentsView(status))
}
