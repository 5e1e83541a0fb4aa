package httpserver

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"milestonepay/internal/webhook"
	"milestonepay/pkg/logger"
)

const signatureHeader = "Processor-Signature"

type WebhookHandler struct {
	ingestor *webhook.Ingestor
	maxBody  int64
	logger   *zap.Logger
}

func NewWebhookHandler(ingestor *webhook.Ingestor, maxBody int64, logger *zap.Logger) *WebhookHandler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &WebhookHandler{ingestor: ingestor, maxBody: maxBody, logger: logger}
}

// Receive POST /webhooks/processor
// 验签需要原始字节，不能先做 JSON 绑定
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	out := h.ingestor.Ingest(c.Request.Context(), body, c.GetHeader(signatureHeader))
	switch out.Stage {
	case webhook.StageRejected:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
	case webhook.StageUnavailable:
		// 事件没有落库，让处理方重投
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily_unavailable"})
	default:
		if out.Err != nil {
			logger.WithTrace(c.Request.Context(), h.logger).Warn("Webhook acknowledged with dispatch error",
				zap.String("event_id", out.EventID),
				zap.Error(out.Err),
			)
		}
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}
