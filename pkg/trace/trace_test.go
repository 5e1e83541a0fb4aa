package trace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := WithContext(context.Background(), "abc")
	assert.Equal(t, "abc", FromContext(ctx))
	assert.Empty(t, FromContext(context.Background()))
	assert.Len(t, GenerateTraceID(), 32)
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware())
	var seen string
	r.GET("/", func(c *gin.Context) {
		seen = FromContext(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	t.Run("propagates incoming header", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderName(), "incoming")
		r.ServeHTTP(w, req)
		assert.Equal(t, "incoming", seen)
		assert.Equal(t, "incoming", w.Header().Get(HeaderName()))
	})

	t.Run("generates when absent", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Len(t, seen, 32)
		assert.Equal(t, seen, w.Header().Get(HeaderName()))
	})
}
