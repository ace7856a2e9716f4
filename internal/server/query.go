package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditgate/internal/cache"
	jobdomain "github.com/smallbiznis/creditgate/internal/job/domain"
	"github.com/smallbiznis/creditgate/internal/observability/logger"
	"github.com/smallbiznis/creditgate/internal/provider"
	"go.uber.org/zap"
)

type queryRequest struct {
	Identifier  string `json:"identifier"`
	Marketplace string `json:"marketplace"`
	Op          string `json:"op"`
}

type queryResponse struct {
	Data        json.RawMessage `json:"data"`
	CreditsUsed int64           `json:"credits_used"`
}

// Query serves a single metered point lookup or conversion. Credits are
// held before the provider call and only kept on success.
func (s *Server) Query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	identifier := strings.TrimSpace(req.Identifier)
	marketplace := strings.TrimSpace(req.Marketplace)
	op := strings.ToLower(strings.TrimSpace(req.Op))
	if op == "" {
		op = string(jobdomain.OpLookup)
	}
	if identifier == "" || marketplace == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if op != string(jobdomain.OpLookup) && op != string(jobdomain.OpConvert) {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	userID := s.currentUserID(c)
	cost := s.costs.CostFor(op)
	reference := fmt.Sprintf("query:%s:%s", marketplace, identifier)

	reservation, err := s.metering.Reserve(ctx, userID, cost, reference)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	data, err := s.fetchData(ctx, op, identifier, marketplace)
	if err != nil {
		if relErr := s.metering.Release(ctx, reservation.ID, reference); relErr != nil {
			logger.FromContext(ctx).Warn("release after failed query",
				zap.Error(relErr),
				zap.Int64("reservation_id", int64(reservation.ID)),
			)
		}
		if hint := provider.RetryAfterHint(err); hint > 0 {
			s.provLimiter.Throttle(hint)
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(hint.Seconds())))
		}
		AbortWithError(c, err)
		return
	}

	if err := s.metering.Commit(ctx, reservation.ID, reference); err != nil {
		// Work was delivered; a swept hold means the user was refunded.
		logger.FromContext(ctx).Warn("commit after successful query failed",
			zap.Error(err),
			zap.Int64("reservation_id", int64(reservation.ID)),
		)
	}

	c.JSON(http.StatusOK, queryResponse{Data: data, CreditsUsed: cost})
}

// fetchData resolves the payload, consulting the cache for plain lookups.
func (s *Server) fetchData(ctx context.Context, op, identifier, marketplace string) (json.RawMessage, error) {
	var key string
	if op == string(jobdomain.OpLookup) {
		key = cache.Key(marketplace, identifier)
		if payload, hit, err := s.cache.Get(ctx, key); err == nil && hit {
			return payload, nil
		}
	}

	if err := s.provLimiter.Acquire(ctx); err != nil {
		return nil, err
	}

	if op == string(jobdomain.OpConvert) {
		conversion, err := s.provider.Convert(ctx, identifier, marketplace)
		if err != nil {
			return nil, err
		}
		return json.Marshal(conversion)
	}

	data, err := s.provider.Fetch(ctx, identifier, marketplace)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, data); err != nil {
		logger.FromContext(ctx).Warn("cache populate failed", zap.Error(err))
	}
	return data, nil
}
