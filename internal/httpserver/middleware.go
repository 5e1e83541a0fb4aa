package httpserver

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"milestonepay/internal/model"
	"milestonepay/pkg/logger"
	"milestonepay/pkg/rbac"
	"milestonepay/pkg/util"
)

const callerKey = "caller"

// AuthMiddleware 校验 Bearer JWT，把调用方身份放进 gin context
func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := util.ExtractToken(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		claims, err := util.ParseJWT(token, jwtSecret)
		if err != nil || !rbac.ValidRole(claims.Role) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(callerKey, model.Caller{UserID: claims.UserID, Role: model.Role(claims.Role)})
		c.Next()
	}
}

// RequirePermission 要求调用方角色具有指定权限
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
			return
		}

		if err := rbac.CheckPermission(caller.UserID, string(caller.Role), permission); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
			return
		}
		c.Next()
	}
}

func callerFrom(c *gin.Context) (model.Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return model.Caller{}, false
	}
	caller, ok := v.(model.Caller)
	return caller, ok
}

// RequestLogger 每个请求一行访问日志，带 trace_id
func RequestLogger(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		log := logger.WithTrace(c.Request.Context(), base)
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("took", time.Since(start)),
		}
		if status >= http.StatusInternalServerError {
			log.Error("HTTP request failed", fields...)
			return
		}
		log.Info("HTTP request", fields...)
	}
}
