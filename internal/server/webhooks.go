package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/creditgate/internal/payment/domain"
)

const maxWebhookBody = 1 << 20

// HandlePaymentWebhook ingests payment-processor notifications. Replays
// of an already-granted event still answer 200 so the processor stops
// retrying.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	signature := c.GetHeader("X-Signature")

	err = s.payments.Ingest(c.Request.Context(), body, signature)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "processed"})
	case errors.Is(err, paymentdomain.ErrEventAlreadyProcessed):
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
	default:
		AbortWithError(c, err)
	}
}
