package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	jobdomain "github.com/smallbiznis/creditgate/internal/job/domain"
	meteringdomain "github.com/smallbiznis/creditgate/internal/metering/domain"
	paymentdomain "github.com/smallbiznis/creditgate/internal/payment/domain"
	"github.com/smallbiznis/creditgate/internal/provider"
	"github.com/smallbiznis/creditgate/internal/ratelimit"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// errorResponse always reports credits_used 0: a failed request is never
// charged (held credits are released before the handler aborts).
type errorResponse struct {
	Error       errorPayload `json:"error"`
	CreditsUsed int64        `json:"credits_used"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrInternal           = errors.New("internal_error")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, meteringdomain.ErrInsufficientBalance):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_balance",
			Message: "insufficient credit balance",
		}
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, meteringdomain.ErrInvalidAmount),
		errors.Is(err, jobdomain.ErrNoItems),
		errors.Is(err, jobdomain.ErrTooManyItems),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent),
		errors.Is(err, provider.ErrBadRequest):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: "invalid request",
		}
	case errors.Is(err, meteringdomain.ErrAccountNotFound),
		errors.Is(err, jobdomain.ErrJobNotFound),
		errors.Is(err, provider.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, jobdomain.ErrJobTerminal):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "job already finished",
		}
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, provider.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "rate limited",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, provider.ErrProviderUnavailable),
		errors.Is(err, ratelimit.ErrAcquireTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	_, payload := mapError(err)
	return payload.Type, err.Error()
}
