package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditgate/internal/observability/logger"
	"go.uber.org/zap"
)

// UserRateLimit throttles the metered public endpoints per authenticated
// user. Redis trouble fails open: metering already bounds spend.
func (s *Server) UserRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.userLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		userID := s.currentUserID(c)

		res, err := s.userLimiter.Allow(ctx, userID.String())
		if err != nil {
			logger.FromContext(ctx).Warn("user rate limit check failed", zap.Error(err))
			c.Next()
			return
		}

		if !res.Allowed {
			endpoint := normalizeEndpoint(c)
			logger.FromContext(ctx).Warn("user rate limit exceeded",
				zap.String("endpoint", endpoint),
			)
			if s.obsMetrics != nil {
				s.obsMetrics.RecordRateLimitDenied(ctx, endpoint)
			}
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter.Seconds())))
			AbortWithError(c, ErrRateLimited)
			return
		}

		c.Next()
	}
}

func retryAfterSeconds(seconds float64) int {
	value := int(math.Ceil(seconds))
	if value < 1 {
		value = 1
	}
	return value
}

func normalizeEndpoint(c *gin.Context) string {
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
