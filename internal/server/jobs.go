package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	jobdomain "github.com/smallbiznis/creditgate/internal/job/domain"
	"gorm.io/datatypes"
)

type bulkJobRequest struct {
	Items       []string `json:"items"`
	Marketplace string   `json:"marketplace"`
	Op          string   `json:"op"`
}

type jobItemView struct {
	ItemID   string         `json:"item_id"`
	State    string         `json:"state"`
	Attempts int            `json:"attempts"`
	Result   datatypes.JSON `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type jobView struct {
	JobID          string        `json:"job_id"`
	Status         string        `json:"status"`
	TotalItems     int           `json:"total_items"`
	CompletedItems int           `json:"completed_items"`
	FailedItems    int           `json:"failed_items"`
	CreatedAt      time.Time     `json:"created_at"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
	Items          []jobItemView `json:"items,omitempty"`
}

// SubmitBulkJob enqueues a batch of metered operations and returns
// immediately with the job handle.
func (s *Server) SubmitBulkJob(c *gin.Context) {
	var req bulkJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	marketplace := strings.TrimSpace(req.Marketplace)
	op := strings.ToLower(strings.TrimSpace(req.Op))
	if op == "" {
		op = string(jobdomain.OpLookup)
	}
	if marketplace == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if op != string(jobdomain.OpLookup) && op != string(jobdomain.OpConvert) {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	job, err := s.jobs.Submit(c.Request.Context(), s.currentUserID(c), req.Items, jobdomain.Op(op), marketplace)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":      job.ID.String(),
		"status":      string(job.Status),
		"total_items": job.TotalItems,
	})
}

// GetJob reports live progress; the per-item manifest appears once the
// job reaches a terminal state.
func (s *Server) GetJob(c *gin.Context) {
	jobID, err := parseJobID(c.Param("job_id"))
	if err != nil {
		AbortWithError(c, jobdomain.ErrJobNotFound)
		return
	}

	status, err := s.jobs.GetStatus(c.Request.Context(), s.currentUserID(c), jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	view := jobView{
		JobID:          status.Job.ID.String(),
		Status:         string(status.Job.Status),
		TotalItems:     status.Job.TotalItems,
		CompletedItems: status.Job.CompletedItems,
		FailedItems:    status.Job.FailedItems,
		CreatedAt:      status.Job.CreatedAt,
		FinishedAt:     status.Job.FinishedAt,
	}
	if len(status.Items) > 0 {
		view.Items = make([]jobItemView, 0, len(status.Items))
		for _, item := range status.Items {
			view.Items = append(view.Items, jobItemView{
				ItemID:   item.ItemID,
				State:    string(item.State),
				Attempts: item.AttemptCount,
				Result:   item.Result,
				Error:    item.LastError,
			})
		}
	}

	c.JSON(http.StatusOK, view)
}

// CancelJob is cooperative and idempotent: pending work is dropped,
// in-flight items finish their current attempt.
func (s *Server) CancelJob(c *gin.Context) {
	jobID, err := parseJobID(c.Param("job_id"))
	if err != nil {
		AbortWithError(c, jobdomain.ErrJobNotFound)
		return
	}

	if err := s.jobs.Cancel(c.Request.Context(), s.currentUserID(c), jobID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID.String(),
		"status": string(jobdomain.JobCancelled),
	})
}

func parseJobID(raw string) (snowflake.ID, error) {
	return snowflake.ParseString(strings.TrimSpace(raw))
}
