package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stakeordie/jobqueue/internal/connhub"
	"github.com/stakeordie/jobqueue/internal/domain/job"
)

// JobSubmitter is the slice of the Job Broker the Admission Gateway needs.
type JobSubmitter interface {
	Submit(ctx context.Context, req job.CreateRequest) (string, error)
	GetJob(ctx context.Context, jobID string) (job.Job, error)
	Cancel(ctx context.Context, jobID, reason string) error
}

// JobLister is the read side of GET /api/jobs, backed by the store's
// cursor-based snapshot primitives (spec §4.6).
type JobLister interface {
	ListJobsByStatus(ctx context.Context, status string, limit, offset int) ([]json.RawMessage, int, error)
}

type JobsHandler struct {
	broker JobSubmitter
	lister JobLister
	hub    *connhub.Hub
}

func NewJobsHandler(broker JobSubmitter, lister JobLister, hub *connhub.Hub) *JobsHandler {
	return &JobsHandler{broker: broker, lister: lister, hub: hub}
}

// SubmitJob implements POST /api/jobs.
func (h *JobsHandler) SubmitJob(ctx *gin.Context) {
	var req job.CreateRequest
	if !BindJSON(ctx, &req) {
		return
	}

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	jobID, err := h.broker.Submit(cctx, req)
	if err != nil {
		RespondInternal(ctx, "could not submit job")
		return
	}

	if clientID := ctx.Query("clientId"); clientID != "" && h.hub != nil {
		h.hub.BindSubmitter(jobID, clientID)
	}

	ctx.JSON(http.StatusCreated, gin.H{
		"success":   true,
		"job_id":    jobID,
		"timestamp": time.Now().UnixMilli(),
	})
}

// GetJob implements GET /api/jobs/:id.
func (h *JobsHandler) GetJob(ctx *gin.Context) {
	id := ctx.Param("id")

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	j, err := h.broker.GetJob(cctx, id)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			RespondNotFound(ctx, "job not found")
			return
		}
		RespondInternal(ctx, "could not fetch job")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"success":   true,
		"job":       j,
		"timestamp": time.Now().UnixMilli(),
	})
}

// ListJobs implements GET /api/jobs?status=&limit=&offset=, paginating over
// the store via the Snapshot Builder's cursoring primitives (spec §4.6).
func (h *JobsHandler) ListJobs(ctx *gin.Context) {
	status := ctx.Query("status")

	limit := queryInt(ctx, "limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := queryInt(ctx, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 3*time.Second)
	defer cancel()

	jobs, total, err := h.lister.ListJobsByStatus(cctx, status, limit, offset)
	if err != nil {
		RespondInternal(ctx, "could not list jobs")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"success":   true,
		"jobs":      jobs,
		"total":     total,
		"timestamp": time.Now().UnixMilli(),
	})
}

func queryInt(ctx *gin.Context, key string, def int) int {
	raw := ctx.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// CancelJob implements DELETE /api/jobs/:id.
func (h *JobsHandler) CancelJob(ctx *gin.Context) {
	id := ctx.Param("id")

	var body struct {
		Reason string `json:"reason"`
	}
	_ = ctx.ShouldBindJSON(&body) // cancellation reason is optional

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.broker.Cancel(cctx, id, body.Reason); err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			RespondNotFound(ctx, "job not found")
			return
		}
		RespondInternal(ctx, "could not cancel job")
		return
	}

	ctx.Status(http.StatusNoContent)
}
