package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"milestonepay/pkg/otel"
	"milestonepay/pkg/rbac"
	"milestonepay/pkg/trace"
)

// ReadinessCheck /readyz 依赖检查项
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Dependencies struct {
	Payments   *PaymentHandler
	Onboarding *OnboardingHandler
	Webhooks   *WebhookHandler
	Admin      *AdminHandler
	Checks     []ReadinessCheck
	JWTSecret  string
	Logger     *zap.Logger
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(deps Dependencies) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), trace.GinMiddleware(), otel.GinMiddleware(), RequestLogger(deps.Logger))

	// Health endpoints
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", readiness(deps.Checks))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 处理方回调只靠签名鉴权
	r.POST("/webhooks/processor", deps.Webhooks.Receive)

	// 处理方把浏览器重定向回来，没有 Authorization 头，由 URL 里的 state 鉴权
	callbacks := r.Group("/api/payouts")
	callbacks.GET("/return", deps.Onboarding.Return)
	callbacks.GET("/refresh", deps.Onboarding.Refresh)

	api := r.Group("/api")
	api.Use(AuthMiddleware(deps.JWTSecret))
	{
		payouts := api.Group("/payouts", RequirePermission(rbac.PermissionOnboardPayout))
		payouts.POST("/onboarding", deps.Onboarding.Start)

		projects := api.Group("/projects/:id")
		projects.POST("/proposals/:proposalId/accept", RequirePermission(rbac.PermissionAcceptProposal), deps.Payments.AcceptProposal)
		projects.POST("/payments", RequirePermission(rbac.PermissionRequestPayment), deps.Payments.RequestPayment)
		projects.GET("/payments", RequirePermission(rbac.PermissionViewPayments), deps.Payments.GetPayments)
	}

	admin := r.Group("/admin")
	admin.Use(AuthMiddleware(deps.JWTSecret))
	{
		admin.POST("/reconcile", RequirePermission(rbac.PermissionReconcile), deps.Admin.Reconcile)
		admin.POST("/webhooks/:eventId/replay", RequirePermission(rbac.PermissionReconcile), deps.Admin.ReplayWebhook)
		admin.POST("/outbox/replay", RequirePermission(rbac.PermissionOutbox), deps.Admin.ReplayOutboxEvent)
		admin.POST("/outbox/replay-failed", RequirePermission(rbac.PermissionOutbox), deps.Admin.ReplayFailedOutboxEvents)
	}

	return &Router{Engine: r}
}

func readiness(checks []ReadinessCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		for _, chk := range checks {
			if err := chk.Check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": chk.Name + "_not_ready",
					"error":  err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// Server 是带优雅关闭的 http.Server
func (r *Router) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
