package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/gin-gonic/gin"
)

type ctxKey struct{}

const headerName = "X-Trace-ID"

// GenerateTraceID 生成一个新的 trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// FromContext 从 context 中获取 trace_id
func FromContext(ctx context.Context) string {
	if traceID, ok := ctx.Value(ctxKey{}).(string); ok {
		return traceID
	}
	return ""
}

// WithContext 将 trace_id 添加到 context 中
func WithContext(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, traceID)
}

// HeaderName 返回 trace ID 的 HTTP header 名称
func HeaderName() string {
	return headerName
}

// GinMiddleware 读取或生成 X-Trace-ID，写回响应头并放入 request context
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(headerName)
		if traceID == "" {
			traceID = c.GetHeader("X-Request-ID")
		}
		if traceID == "" {
			traceID = GenerateTraceID()
		}
		c.Request = c.Request.WithContext(WithContext(c.Request.Context(), traceID))
		c.Writer.Header().Set(headerName, traceID)
		c.Next()
	}
}
