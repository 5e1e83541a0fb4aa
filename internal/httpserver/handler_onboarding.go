package httpserver

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"milestonepay/internal/model"
	"milestonepay/internal/onboarding"
)

type OnboardingHandler struct {
	service *onboarding.Service
	logger  *zap.Logger
}

func NewOnboardingHandler(service *onboarding.Service, logger *zap.Logger) *OnboardingHandler {
	return &OnboardingHandler{service: service, logger: logger}
}

type startOnboardingBody struct {
	Email        string `json:"email"`
	ReturnLocale string `json:"return_locale"`
}

// Start POST /api/payouts/onboarding
func (h *OnboardingHandler) Start(c *gin.Context) {
	var body startOnboardingBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			respondError(c, h.logger, fmt.Errorf("request body: %v: %w", err, model.ErrInvalidArgument))
			return
		}
	}

	caller, _ := callerFrom(c)
	link, err := h.service.StartOnboarding(c.Request.Context(), caller, body.Email, body.ReturnLocale)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"onboarding_url": link.URL,
		"account_ref":    link.AccountRef,
	})
}

// Return GET /api/payouts/return?account_ref=&state=&locale=
// 浏览器从处理方跳回，身份由 state 证明
func (h *OnboardingHandler) Return(c *gin.Context) {
	ref, ok := accountRefParam(c, h.logger)
	if !ok {
		return
	}
	target, err := h.service.HandleReturn(c.Request.Context(), ref, c.Query("state"), c.Query("locale"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Redirect(http.StatusFound, target)
}

// Refresh GET /api/payouts/refresh?account_ref=&state=&locale=
func (h *OnboardingHandler) Refresh(c *gin.Context) {
	ref, ok := accountRefParam(c, h.logger)
	if !ok {
		return
	}
	target, err := h.service.HandleRefresh(c.Request.Context(), ref, c.Query("state"), c.Query("locale"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Redirect(http.StatusFound, target)
}

func accountRefParam(c *gin.Context, logger *zap.Logger) (string, bool) {
	ref := c.Query("account_ref")
	if ref == "" || c.Query("state") == "" {
		respondError(c, logger, fmt.Errorf("missing account_ref or state: %w", model.ErrInvalidArgument))
		return "", false
	}
	return ref, true
}
