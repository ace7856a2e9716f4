package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditgate/pkg/db/pagination"
)

const maxTransactionPageSize = 100

type transactionView struct {
	ID        string    `json:"id"`
	Amount    int64     `json:"amount"`
	Kind      string    `json:"kind"`
	Reference string    `json:"reference"`
	CreatedAt time.Time `json:"created_at"`
}

// GetBalance reports the authenticated user's current credit balance.
func (s *Server) GetBalance(c *gin.Context) {
	balance, err := s.metering.Balance(c.Request.Context(), s.currentUserID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// ListTransactions pages through the user's ledger in insertion order.
func (s *Server) ListTransactions(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	limit := page.PageSize
	if limit <= 0 {
		limit = 10
	}
	if limit > maxTransactionPageSize {
		limit = maxTransactionPageSize
	}

	var afterID snowflake.ID
	if token := strings.TrimSpace(page.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		afterID, err = snowflake.ParseString(cursor.ID)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	// Fetch one extra row to learn whether another page exists.
	rows, err := s.metering.ListTransactions(c.Request.Context(), s.currentUserID(c), afterID, limit+1)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	views := make([]transactionView, 0, len(rows))
	for _, row := range rows {
		views = append(views, transactionView{
			ID:        row.ID.String(),
			Amount:    row.Amount,
			Kind:      string(row.Kind),
			Reference: row.Reference,
			CreatedAt: row.CreatedAt,
		})
	}

	pageInfo := pagination.PageInfo{HasMore: hasMore}
	if hasMore && len(rows) > 0 {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: rows[len(rows)-1].ID.String()})
		if err == nil {
			pageInfo.NextPageToken = token
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": views,
		"page_info":    pageInfo,
	})
}
