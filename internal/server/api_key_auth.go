package server

import (
	"crypto/subtle"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	meteringdomain "github.com/smallbiznis/creditgate/internal/metering/domain"
	obscontext "github.com/smallbiznis/creditgate/internal/observability/context"
)

const contextUserIDKey = "user_id"

// APIKeyRequired authenticates requests with a bearer API key.
// User identity is derived solely from the accounts table.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		parts := strings.Fields(header)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		hash := meteringdomain.HashAPIKey(parts[1])

		var record struct {
			UserID  snowflake.ID `gorm:"column:user_id"`
			KeyHash string       `gorm:"column:api_key_hash"`
		}
		if err := s.db.WithContext(c.Request.Context()).Raw(
			`SELECT user_id, api_key_hash
			 FROM accounts
			 WHERE api_key_hash = ?
			 LIMIT 1`,
			hash,
		).Scan(&record).Error; err != nil {
			AbortWithError(c, err)
			return
		}

		if record.UserID == 0 || subtle.ConstantTimeCompare([]byte(record.KeyHash), []byte(hash)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := obscontext.WithUserID(c.Request.Context(), record.UserID.String())
		c.Set(contextUserIDKey, record.UserID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) currentUserID(c *gin.Context) snowflake.ID {
	value, ok := c.Get(contextUserIDKey)
	if !ok {
		return 0
	}
	userID, ok := value.(snowflake.ID)
	if !ok {
		return 0
	}
	return userID
}
