// Package broker implements the Job Broker (spec §4.1): admission with
// workflow priority inheritance, the atomic claim protocol, and the
// release/complete/fail/cancel lifecycle transitions. It performs every
// job-state write in the Store except one: the Janitor moves stale pending
// jobs to the unworkable set itself (internal/janitor).
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stakeordie/jobqueue/internal/domain/job"
	"github.com/stakeordie/jobqueue/internal/domain/worker"
	"github.com/stakeordie/jobqueue/internal/domain/workflow"
	"github.com/stakeordie/jobqueue/internal/observability"
	"github.com/stakeordie/jobqueue/internal/store"
)

// WorkerLister is the read-only slice of the Worker Registry the broker
// needs to decide whether a pending job is workable by anyone currently
// connected. Kept as a narrow interface so broker tests can fake it.
type WorkerLister interface {
	ListActive(ctx context.Context) ([]worker.Worker, error)
}

// ScanWidth is how many top-scored pending jobs next_for_worker peeks per
// attempt, per spec §4.1 "Scanning order" (recommended 10-20).
const ScanWidth = 20

type Broker struct {
	rdb     *redis.Client
	workers WorkerLister
	prom    *observability.Prom
	nowFn   func() time.Time
}

func New(s *store.Store, workers WorkerLister, prom *observability.Prom) *Broker {
	return &Broker{rdb: s.Raw(), workers: workers, prom: prom, nowFn: time.Now}
}

func (b *Broker) now() time.Time {
	if b.nowFn != nil {
		return b.nowFn()
	}
	return time.Now()
}

func (b *Broker) observe(op string, fn func() error) error {
	if b.prom != nil {
		return b.prom.ObserveDB(op, fn)
	}
	return fn()
}

// --- job hash I/O -----------------------------------------------------

func (b *Broker) writeJob(ctx context.Context, j job.Job) error {
	data, err := j.MarshalSnapshot()
	if err != nil {
		return err
	}
	return b.rdb.HSet(ctx, store.JobKey(j.ID), map[string]any{
		"data":   data,
		"status": string(j.Status),
	}).Err()
}

func (b *Broker) readJob(ctx context.Context, jobID string) (job.Job, error) {
	data, err := b.rdb.HGet(ctx, store.JobKey(jobID), "data").Result()
	if errors.Is(err, redis.Nil) {
		// Complete and Fail move the record into the retained
		// completed/failed hashes and delete job:<id>.
		for _, key := range []string{store.KeyJobsCompleted, store.KeyJobsFailed} {
			if data, err = b.rdb.HGet(ctx, key, jobID).Result(); !errors.Is(err, redis.Nil) {
				break
			}
		}
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return job.Job{}, job.ErrJobNotFound
		}
		return job.Job{}, err
	}
	return job.UnmarshalSnapshot([]byte(data))
}

// --- workflow inheritance ----------------------------------------------

// resolveWorkflow implements spec §4.1 "Workflow inheritance (submit)".
func (b *Broker) resolveWorkflow(ctx context.Context, req job.CreateRequest, now time.Time) (priority int, datetimeMs int64, err error) {
	if req.WorkflowID == "" {
		return req.Priority, now.UnixMilli(), nil
	}

	key := store.WorkflowMetadataKey(req.WorkflowID)
	vals, err := b.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}

	if len(vals) > 0 {
		var meta workflow.Metadata
		if err := json.Unmarshal([]byte(vals["data"]), &meta); err != nil {
			return 0, 0, fmt.Errorf("decode workflow metadata: %w", err)
		}
		return meta.Priority, meta.SubmittedAt, nil
	}

	meta := workflow.Metadata{
		WorkflowID:  req.WorkflowID,
		Priority:    req.Priority,
		SubmittedAt: now.UnixMilli(),
		Status:      workflow.StatusActive,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return 0, 0, err
	}

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{"data": data})
	pipe.Expire(ctx, key, store.WorkflowTTL*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}

	return meta.Priority, meta.SubmittedAt, nil
}

// Submit admits a job: resolves workflow inheritance, persists the job
// record, inserts it into the pending sorted set at its computed score, and
// publishes job_submitted. Returns the new job id.
func (b *Broker) Submit(ctx context.Context, req job.CreateRequest) (string, error) {
	now := b.now()

	wfPriority, wfDatetime, err := b.resolveWorkflow(ctx, req, now)
	if err != nil {
		return "", fmt.Errorf("resolve workflow: %w", err)
	}

	j := job.New(req, now)
	j.WorkflowPriority = wfPriority
	j.WorkflowDatetime = wfDatetime

	score := Score(wfPriority, wfDatetime)

	err = b.observe("broker.submit", func() error {
		if err := b.writeJob(ctx, j); err != nil {
			return err
		}
		return b.rdb.ZAdd(ctx, store.KeyJobsPending, redis.Z{Score: score, Member: j.ID}).Err()
	})
	if err != nil {
		return "", err
	}

	b.publish(ctx, store.ChannelJobSubmitted, map[string]any{"jobId": j.ID, "timestamp": now.UnixMilli()})

	return j.ID, nil
}

func (b *Broker) publish(ctx context.Context, channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	// Fire-and-forget: a publish failure is dropped here, neither logged
	// nor surfaced to the submitter (spec §7, "Transient store" errors are
	// best-effort here).
	_ = b.rdb.Publish(ctx, channel, data).Err()
}

// Claim attempts the atomic remove-from-pending transition for a job a
// caller already knows the id of. It returns true iff this caller won the
// race; see NextForWorker for the scan-and-claim path workers actually use.
func (b *Broker) Claim(ctx context.Context, jobID, workerID string) (bool, error) {
	removed, err := b.rdb.ZRem(ctx, store.KeyJobsPending, jobID).Result()
	if err != nil {
		return false, err
	}
	if removed == 0 {
		return false, nil
	}

	j, err := b.readJob(ctx, jobID)
	if err != nil {
		return false, err
	}

	if err := b.assign(ctx, j, workerID); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Broker) assign(ctx context.Context, j job.Job, workerID string) error {
	now := b.now().UnixMilli()
	j.WorkerID = workerID
	j.Status = job.StatusAssigned
	j.AssignedAt = &now

	snapshot, err := j.MarshalSnapshot()
	if err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, store.JobKey(j.ID), map[string]any{"data": snapshot, "status": string(j.Status)})
	pipe.HSet(ctx, store.JobsActiveKey(workerID), j.ID, snapshot)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	if b.prom != nil {
		b.prom.JobsInFlight.Inc()
	}

	b.publish(ctx, store.ChannelJobAssigned, map[string]any{"jobId": j.ID, "workerId": workerID, "timestamp": now})
	return nil
}

// observeJobResult records the per-job-type duration histogram and outcome
// counter once a job leaves the in-flight set (done, retried, or failed).
func (b *Broker) observeJobResult(j job.Job, result string, assignedAt *int64) {
	if b.prom == nil {
		return
	}
	b.prom.JobsInFlight.Dec()
	b.prom.JobResults.WithLabelValues(j.ServiceRequired, result).Inc()
	if assignedAt != nil {
		d := b.now().Sub(time.UnixMilli(*assignedAt))
		b.prom.JobDuration.WithLabelValues(j.ServiceRequired, result).Observe(d.Seconds())
	}
}

// NextForWorker implements spec §4.1 "Scanning order for next_for_worker":
// peek the top ScanWidth pending jobs in score-descending order, attempt
// claim on the first capability match, keep scanning past lost races.
func (b *Broker) NextForWorker(ctx context.Context, workerID string, caps worker.Capabilities) (job.Job, bool, error) {
	candidates, err := b.rdb.ZRevRangeWithScores(ctx, store.KeyJobsPending, 0, ScanWidth-1).Result()
	if err != nil {
		return job.Job{}, false, err
	}

	jobs := make([]job.Job, 0, len(candidates))
	for _, z := range candidates {
		jobID, ok := z.Member.(string)
		if !ok {
			continue
		}

		j, err := b.readJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, job.ErrJobNotFound) {
				continue // evicted between ZREVRANGE and HGET; keep scanning
			}
			return job.Job{}, false, err
		}
		jobs = append(jobs, j)
	}

	// Steps of one workflow share a score, and Redis orders equal scores by
	// member id; break such ties by submission time instead.
	sort.SliceStable(jobs, func(x, y int) bool {
		sx := Score(jobs[x].WorkflowPriority, jobs[x].WorkflowDatetime)
		sy := Score(jobs[y].WorkflowPriority, jobs[y].WorkflowDatetime)
		if sx != sy {
			return sx > sy
		}
		return jobs[x].CreatedAt < jobs[y].CreatedAt
	})

	for _, j := range jobs {
		if !Matches(j, workerID, caps) {
			continue
		}

		won, err := b.Claim(ctx, j.ID, workerID)
		if err != nil {
			return job.Job{}, false, err
		}
		if !won {
			continue // another worker claimed it first; keep scanning
		}

		j.WorkerID = workerID
		j.Status = job.StatusAssigned
		return j, true, nil
	}

	return job.Job{}, false, nil
}

// reinsertPending re-scores and re-inserts a job using its (unchanged)
// workflow fields — the score formula depends only on workflow_priority and
// workflow_datetime, so "re-score" never perturbs a job's logical slot.
func (b *Broker) reinsertPending(ctx context.Context, j job.Job) error {
	score := Score(j.WorkflowPriority, j.WorkflowDatetime)

	pipe := b.rdb.TxPipeline()
	pipe.HDel(ctx, store.JobsActiveKey(j.WorkerID), j.ID)
	pipe.ZAdd(ctx, store.KeyJobsPending, redis.Z{Score: score, Member: j.ID})

	snapshot, err := j.MarshalSnapshot()
	if err != nil {
		return err
	}
	pipe.HSet(ctx, store.JobKey(j.ID), map[string]any{"data": snapshot, "status": string(j.Status)})

	_, err = pipe.Exec(ctx)
	return err
}

// Release resets the worker binding and returns the job to pending at its
// unchanged score.
func (b *Broker) Release(ctx context.Context, jobID string) error {
	j, err := b.readJob(ctx, jobID)
	if err != nil {
		return err
	}
	if isTerminal(j.Status) {
		return nil // idempotent no-op on terminal jobs
	}

	prevWorker := j.WorkerID
	j.WorkerID = ""
	j.Status = job.StatusPending
	j.AssignedAt = nil
	j.StartedAt = nil

	if prevWorker == "" {
		// Nothing to clear from an active bucket; just re-insert.
		score := Score(j.WorkflowPriority, j.WorkflowDatetime)
		snapshot, err := j.MarshalSnapshot()
		if err != nil {
			return err
		}
		pipe := b.rdb.TxPipeline()
		pipe.HSet(ctx, store.JobKey(j.ID), map[string]any{"data": snapshot, "status": string(j.Status)})
		pipe.ZAdd(ctx, store.KeyJobsPending, redis.Z{Score: score, Member: j.ID})
		_, err = pipe.Exec(ctx)
		return err
	}

	j.WorkerID = prevWorker // releaseFrom clears the active bucket using this
	return b.releaseFrom(ctx, j)
}

func (b *Broker) releaseFrom(ctx context.Context, j job.Job) error {
	activeWorker := j.WorkerID
	j.WorkerID = ""
	j.Status = job.StatusPending
	j.AssignedAt = nil
	j.StartedAt = nil

	score := Score(j.WorkflowPriority, j.WorkflowDatetime)
	snapshot, err := j.MarshalSnapshot()
	if err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	pipe.HDel(ctx, store.JobsActiveKey(activeWorker), j.ID)
	pipe.ZAdd(ctx, store.KeyJobsPending, redis.Z{Score: score, Member: j.ID})
	pipe.HSet(ctx, store.JobKey(j.ID), map[string]any{"data": snapshot, "status": string(j.Status)})
	_, err = pipe.Exec(ctx)
	return err
}

// Complete performs the terminal completion transition. A no-op (not an
// error) if the job is already terminal.
func (b *Broker) Complete(ctx context.Context, jobID string, result map[string]any) error {
	j, err := b.readJob(ctx, jobID)
	if err != nil {
		return err
	}
	if isTerminal(j.Status) {
		return nil
	}

	now := b.now().UnixMilli()
	workerID := j.WorkerID
	assignedAt := j.AssignedAt
	j.Status = job.StatusCompleted
	j.CompletedAt = &now
	j.Result = result

	snapshot, err := j.MarshalSnapshot()
	if err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	if workerID != "" {
		pipe.HDel(ctx, store.JobsActiveKey(workerID), j.ID)
	}
	pipe.HSet(ctx, store.KeyJobsCompleted, j.ID, snapshot)
	pipe.Expire(ctx, store.KeyJobsCompleted, store.CompletedTTL*time.Second)
	pipe.Del(ctx, store.JobKey(j.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	b.observeJobResult(j, "done", assignedAt)
	b.publish(ctx, store.ChannelCompleteJob, map[string]any{"jobId": j.ID, "workerId": workerID, "timestamp": now, "result": result})
	return nil
}

// Fail recycles the job to pending (preserving its workflow_priority and
// workflow_datetime, per spec §4.1 "Retry semantics") when retries remain
// and the caller permits a retry; otherwise performs the terminal failure
// transition. A no-op if the job is already cancelled.
func (b *Broker) Fail(ctx context.Context, jobID, reason string, canRetry bool) error {
	j, err := b.readJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status == job.StatusCancelled {
		return nil
	}
	if isTerminal(j.Status) {
		return nil
	}

	failingWorker := j.WorkerID
	assignedAt := j.AssignedAt

	if canRetry && j.RetryCount+1 < j.MaxRetries {
		j.RetryCount++
		j.LastFailedWorker = failingWorker
		j.Error = reason
		if err := b.releaseFrom(ctx, j); err != nil {
			return err
		}
		b.observeJobResult(j, "retry", assignedAt)
		b.publish(ctx, store.ChannelJobStatusChanged, map[string]any{"jobId": j.ID, "status": "pending", "timestamp": b.now().UnixMilli()})
		return nil
	}

	now := b.now().UnixMilli()
	j.Status = job.StatusFailed
	j.FailedAt = &now
	j.Error = reason
	j.LastFailedWorker = failingWorker

	snapshot, err := j.MarshalSnapshot()
	if err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	if failingWorker != "" {
		pipe.HDel(ctx, store.JobsActiveKey(failingWorker), j.ID)
	}
	pipe.HSet(ctx, store.KeyJobsFailed, j.ID, snapshot)
	pipe.Expire(ctx, store.KeyJobsFailed, store.FailedTTL*time.Second)
	pipe.Del(ctx, store.JobKey(j.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	b.observeJobResult(j, "failed", assignedAt)
	b.publish(ctx, store.ChannelWorkerStatus, map[string]any{"jobId": j.ID, "workerId": failingWorker, "status": "failed", "timestamp": now, "error": reason})
	return nil
}

// Cancel is a terminal transition. If the job is currently assigned to a
// worker, cancel_job is published so that worker can abort in-flight work.
// Idempotent: cancelling an already-terminal job never re-fails it.
func (b *Broker) Cancel(ctx context.Context, jobID, reason string) error {
	j, err := b.readJob(ctx, jobID)
	if err != nil {
		return err
	}
	if isTerminal(j.Status) || j.Status == job.StatusCancelled {
		return nil
	}

	workerID := j.WorkerID
	wasPending := j.Status == job.StatusPending
	assignedAt := j.AssignedAt

	j.Status = job.StatusCancelled
	j.Error = reason

	snapshot, err := j.MarshalSnapshot()
	if err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	if wasPending {
		pipe.ZRem(ctx, store.KeyJobsPending, j.ID)
	} else if workerID != "" {
		pipe.HDel(ctx, store.JobsActiveKey(workerID), j.ID)
	}
	pipe.HSet(ctx, store.JobKey(j.ID), map[string]any{"data": snapshot, "status": string(j.Status)})
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	if workerID != "" {
		b.observeJobResult(j, "cancelled", assignedAt)
		b.publish(ctx, store.ChannelCancelJob, map[string]any{"jobId": j.ID, "workerId": workerID, "reason": reason, "timestamp": b.now().UnixMilli()})
	}
	return nil
}

// RequeueUnworkable moves a job from the unworkable set back to pending,
// preserving its score, but only if a live worker can now match it.
func (b *Broker) RequeueUnworkable(ctx context.Context, jobID string) error {
	j, err := b.readJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != job.StatusUnworkable {
		return nil
	}

	if b.workers != nil {
		workers, err := b.workers.ListActive(ctx)
		if err != nil {
			return err
		}
		if !anyMatches(j, workers) {
			return nil
		}
	}

	score := Score(j.WorkflowPriority, j.WorkflowDatetime)
	j.Status = job.StatusPending

	snapshot, err := j.MarshalSnapshot()
	if err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, store.KeyJobsUnworkable, j.ID)
	pipe.ZAdd(ctx, store.KeyJobsPending, redis.Z{Score: score, Member: j.ID})
	pipe.HSet(ctx, store.JobKey(j.ID), map[string]any{"data": snapshot, "status": string(j.Status)})
	_, err = pipe.Exec(ctx)
	return err
}

// GetJob is a read API used by the Admission Gateway (spec §4.6).
func (b *Broker) GetJob(ctx context.Context, jobID string) (job.Job, error) {
	return b.readJob(ctx, jobID)
}

func anyMatches(j job.Job, workers []worker.Worker) bool {
	for _, w := range workers {
		if Matches(j, w.WorkerID, w.Capabilities) {
			return true
		}
	}
	return false
}

func isTerminal(s job.Status) bool {
	switch s {
	case job.StatusCompleted, job.StatusFailed, job.StatusCancelled:
		return true
	default:
		return false
	}
}
