package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stakeordie/jobqueue/internal/domain/job"
	"github.com/stakeordie/jobqueue/internal/domain/worker"
	"github.com/stakeordie/jobqueue/internal/store"
)

// WorkerRegistry is the slice of internal/registry.Registry the Worker API
// handler needs.
type WorkerRegistry interface {
	Register(ctx context.Context, w worker.Worker) error
	Heartbeat(ctx context.Context, workerID string) error
	UpdateStatus(ctx context.Context, workerID string, status worker.Status, currentJobID string) error
	Remove(ctx context.Context, workerID string) error
}

// JobDispatcher is the slice of internal/broker.Broker the Worker API
// handler needs for poll/progress/complete/fail/release.
type JobDispatcher interface {
	NextForWorker(ctx context.Context, workerID string, caps worker.Capabilities) (job.Job, bool, error)
	Release(ctx context.Context, jobID string) error
	Complete(ctx context.Context, jobID string, result map[string]any) error
	Fail(ctx context.Context, jobID, reason string, canRetry bool) error
}

type WorkersHandler struct {
	registry WorkerRegistry
	broker   JobDispatcher
	rdb      *store.Store
}

func NewWorkersHandler(registry WorkerRegistry, broker JobDispatcher, s *store.Store) *WorkersHandler {
	return &WorkersHandler{registry: registry, broker: broker, rdb: s}
}

// RegisterWorker implements POST /api/workers/register.
func (h *WorkersHandler) RegisterWorker(ctx *gin.Context) {
	var req struct {
		WorkerID     string               `json:"workerId" binding:"required"`
		Capabilities worker.Capabilities  `json:"capabilities"`
	}
	if !BindJSON(ctx, &req) {
		return
	}

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	w := worker.Worker{
		WorkerID:      req.WorkerID,
		Capabilities:  req.Capabilities,
		ConnectedAt:   time.Now().UnixMilli(),
		LastHeartbeat: time.Now().UnixMilli(),
	}
	if err := h.registry.Register(cctx, w); err != nil {
		RespondInternal(ctx, "could not register worker")
		return
	}

	ctx.JSON(http.StatusCreated, gin.H{"workerId": w.WorkerID, "status": worker.StatusIdle})
}

// Heartbeat implements POST /api/workers/:worker_id/heartbeat.
func (h *WorkersHandler) Heartbeat(ctx *gin.Context) {
	workerID := ctx.Param("worker_id")

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.registry.Heartbeat(cctx, workerID); err != nil {
		if err == worker.ErrWorkerNotFound {
			RespondNotFound(ctx, "worker not found")
			return
		}
		RespondInternal(ctx, "could not record heartbeat")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}

// UpdateStatus implements POST /api/workers/:worker_id/status.
func (h *WorkersHandler) UpdateStatus(ctx *gin.Context) {
	workerID := ctx.Param("worker_id")

	var req struct {
		Status       string `json:"status" binding:"required"`
		CurrentJobID string `json:"currentJobId"`
	}
	if !BindJSON(ctx, &req) {
		return
	}

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.registry.UpdateStatus(cctx, workerID, worker.Status(req.Status), req.CurrentJobID); err != nil {
		if err == worker.ErrWorkerNotFound {
			RespondNotFound(ctx, "worker not found")
			return
		}
		RespondInternal(ctx, "could not update status")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}

// Poll implements POST /api/workers/:worker_id/poll — the pull a worker
// issues between jobs, matching the Job Broker's scan order. It answers at
// once: the claimed job, or 204 when nothing matches.
func (h *WorkersHandler) Poll(ctx *gin.Context) {
	workerID := ctx.Param("worker_id")

	var caps worker.Capabilities
	_ = ctx.ShouldBindJSON(&caps) // registered capabilities are not looked up: an empty body leaves caps empty, which matches no job

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	j, ok, err := h.broker.NextForWorker(cctx, workerID, caps)
	if err != nil {
		RespondInternal(ctx, "could not poll for work")
		return
	}
	if !ok {
		ctx.JSON(http.StatusNoContent, nil)
		return
	}

	ctx.JSON(http.StatusOK, j)
}

// Progress implements POST /api/workers/:worker_id/jobs/:job_id/progress.
// Progress reporting only publishes; it does not mutate persisted job state
// (spec §4.1 treats progress as transient, not a stored field).
func (h *WorkersHandler) Progress(ctx *gin.Context) {
	jobID := ctx.Param("job_id")
	workerID := ctx.Param("worker_id")

	var req struct {
		Progress int    `json:"progress"`
		Message  string `json:"message"`
	}
	if !BindJSON(ctx, &req) {
		return
	}

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.rdb.Raw().Publish(cctx, store.ChannelUpdateJobProgress, progressPayload(jobID, workerID, req.Progress, req.Message)).Err(); err != nil {
		RespondInternal(ctx, "could not publish progress")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}

// Complete implements POST /api/workers/:worker_id/jobs/:job_id/complete.
func (h *WorkersHandler) Complete(ctx *gin.Context) {
	jobID := ctx.Param("job_id")

	var req struct {
		Result map[string]any `json:"result"`
	}
	_ = ctx.ShouldBindJSON(&req)

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.broker.Complete(cctx, jobID, req.Result); err != nil {
		RespondInternal(ctx, "could not complete job")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}

// Fail implements POST /api/workers/:worker_id/jobs/:job_id/fail.
func (h *WorkersHandler) Fail(ctx *gin.Context) {
	jobID := ctx.Param("job_id")

	var req struct {
		Reason   string `json:"reason"`
		CanRetry bool   `json:"canRetry"`
	}
	if !BindJSON(ctx, &req) {
		return
	}

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.broker.Fail(cctx, jobID, req.Reason, req.CanRetry); err != nil {
		RespondInternal(ctx, "could not fail job")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}

// Release implements POST /api/workers/:worker_id/jobs/:job_id/release — a
// worker giving up a job without it counting as a failure (spec §4.1's
// "voluntary release", e.g. on graceful worker shutdown).
func (h *WorkersHandler) Release(ctx *gin.Context) {
	jobID := ctx.Param("job_id")

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.broker.Release(cctx, jobID); err != nil {
		RespondInternal(ctx, "could not release job")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}

// Unregister implements DELETE /api/workers/:worker_id.
func (h *WorkersHandler) Unregister(ctx *gin.Context) {
	workerID := ctx.Param("worker_id")

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.registry.Remove(cctx, workerID); err != nil {
		RespondInternal(ctx, "could not remove worker")
		return
	}
	ctx.Status(http.StatusNoContent)
}

func progressPayload(jobID, workerID string, progress int, message string) []byte {
	data, _ := json.Marshal(map[string]any{
		"jobId":     jobID,
		"workerId":  workerID,
		"progress":  progress,
		"message":   message,
		"timestamp": time.Now().UnixMilli(),
	})
	return data
}
