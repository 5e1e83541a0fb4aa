package httpserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"milestonepay/internal/model"
	"milestonepay/pkg/logger"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

// 顺序有意义：ErrDuplicateMilestone 常常同时包裹 ErrConflict
var errorMappings = []errorMapping{
	{model.ErrInvalidSignature, http.StatusBadRequest, "invalid_signature"},
	{model.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
	{model.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{model.ErrAccountNotReady, http.StatusConflict, "account_not_ready"},
	{model.ErrDuplicateMilestone, http.StatusConflict, "duplicate_milestone"},
	{model.ErrMilestoneOrder, http.StatusConflict, "milestone_order"},
	{model.ErrProjectClosed, http.StatusConflict, "project_closed"},
	{model.ErrConflict, http.StatusConflict, "conflict"},
	{model.ErrProposalNotAccepted, http.StatusUnprocessableEntity, "proposal_not_accepted"},
	{model.ErrForbidden, http.StatusForbidden, "forbidden"},
	{model.ErrNotFound, http.StatusNotFound, "not_found"},
	{model.ErrInsufficientFunds, http.StatusPaymentRequired, "insufficient_funds"},
	{model.ErrProcessorUnavailable, http.StatusServiceUnavailable, "processor_unavailable"},
}

// statusFor 把领域错误映射为 HTTP 状态码和错误码
func statusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

func respondError(c *gin.Context, base *zap.Logger, err error) {
	status, code := statusFor(err)
	log := logger.WithTrace(c.Request.Context(), base)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
	} else {
		log.Info("Request rejected", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
	}

	body := gin.H{"error": code}
	if status != http.StatusInternalServerError {
		body["message"] = err.Error()
	}
	c.AbortWithStatusJSON(status, body)
}
