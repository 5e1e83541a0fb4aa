package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"milestonepay/internal/model"
)

// ProcessorError 处理方返回的错误，Unwrap 到对应的领域错误
type ProcessorError struct {
	Status  int
	Type    string
	Code    string
	Message string
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processor error (status %d, code %q): %s", e.Status, e.Code, e.Message)
}

func (e *ProcessorError) Unwrap() error {
	switch {
	case e.Status >= http.StatusInternalServerError, e.Status == http.StatusTooManyRequests:
		return model.ErrProcessorUnavailable
	case e.Code == "insufficient_funds", e.Code == "balance_insufficient":
		return model.ErrInsufficientFunds
	case e.Code == "account_not_ready",
		e.Code == "account_invalid",
		e.Code == "insufficient_capabilities_for_transfer",
		e.Code == "charges_not_enabled":
		return model.ErrAccountNotReady
	case e.Status == http.StatusConflict, e.Code == "idempotency_key_in_use":
		return model.ErrConflict
	case e.Status == http.StatusNotFound, e.Code == "resource_missing":
		return model.ErrNotFound
	}
	return nil
}

// Retryable 只有处理方不可用时重试才有意义
func (e *ProcessorError) Retryable() bool {
	return errors.Is(e, model.ErrProcessorUnavailable)
}

// unavailable 把传输层错误包装成 ErrProcessorUnavailable，保留原始错误便于日志
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, model.ErrProcessorUnavailable, err)
}

// isBreakerFailure 只有可用性问题会让熔断器计数
func isBreakerFailure(err error) bool {
	return errors.Is(err, model.ErrProcessorUnavailable)
}
