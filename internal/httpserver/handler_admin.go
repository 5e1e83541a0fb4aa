package httpserver

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"milestonepay/internal/reconcile"
	"milestonepay/internal/webhook"
)

type Reconciler interface {
	RunOnce(ctx context.Context) reconcile.Report
}

// OutboxReplayer 由 outbox.ReplayService 实现
type OutboxReplayer interface {
	ReplayEvent(ctx context.Context, eventID int64) error
	ReplayFailedEvents(ctx context.Context, limit int) (int, error)
}

type WebhookReplayer interface {
	Replay(ctx context.Context, eventID string) (webhook.Result, error)
}

type AdminHandler struct {
	reconciler Reconciler
	outbox     OutboxReplayer
	webhooks   WebhookReplayer
	logger     *zap.Logger
}

func NewAdminHandler(reconciler Reconciler, outbox OutboxReplayer, webhooks WebhookReplayer, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		reconciler: reconciler,
		outbox:     outbox,
		webhooks:   webhooks,
		logger:     logger,
	}
}

// Reconcile POST /admin/reconcile
func (h *AdminHandler) Reconcile(c *gin.Context) {
	r := h.reconciler.RunOnce(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"intents_checked":   r.IntentsChecked,
		"intents_confirmed": r.IntentsConfirmed,
		"intents_failed":    r.IntentsFailed,
		"intents_pending":   r.IntentsPending,
		"events_replayed":   r.EventsReplayed,
		"events_failed":     r.EventsFailed,
		"transfers_paid":    r.TransfersPaid,
		"errors":            r.Errors,
	})
}

// ReplayOutboxEvent POST /admin/outbox/replay?id=xxx
func (h *AdminHandler) ReplayOutboxEvent(c *gin.Context) {
	idStr := c.Query("id")
	if idStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing id parameter"})
		return
	}
	eventID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id parameter"})
		return
	}

	if err := h.outbox.ReplayEvent(c.Request.Context(), eventID); err != nil {
		h.logger.Error("Failed to replay outbox event", zap.Int64("event_id", eventID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to replay event", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "replayed", "event_id": eventID})
}

// ReplayFailedOutboxEvents POST /admin/outbox/replay-failed?limit=100
func (h *AdminHandler) ReplayFailedOutboxEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}

	n, err := h.outbox.ReplayFailedEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to replay failed outbox events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to replay failed events", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed", "success_count": n, "limit": limit})
}

// ReplayWebhook POST /admin/webhooks/:eventId/replay
func (h *AdminHandler) ReplayWebhook(c *gin.Context) {
	eventID := c.Param("eventId")
	res, err := h.webhooks.Replay(c.Request.Context(), eventID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if res.Err != nil {
		respondError(c, h.logger, res.Err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"event_id": eventID,
		"handled":  res.Handled,
		"applied":  res.Applied,
	})
}
