// Package janitor implements periodic and on-demand cleanup (spec §4.7):
// orphan recovery for jobs whose worker heartbeat lapsed, and stale-age
// eviction of pending jobs to the unworkable set. It does not reset
// individual workers, and it does not check pending jobs against the
// capabilities of live workers.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stakeordie/jobqueue/internal/broker"
	"github.com/stakeordie/jobqueue/internal/domain/job"
	"github.com/stakeordie/jobqueue/internal/registry"
	"github.com/stakeordie/jobqueue/internal/store"
)

// Config tunes the sweep cadence and eviction thresholds, mirroring the
// teacher's worker.Config tunables for its own background loops.
type Config struct {
	SweepInterval time.Duration
	StaleAge      time.Duration // jobs pending longer than this move to unworkable
}

func defaultConfig(cfg Config) Config {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.StaleAge <= 0 {
		cfg.StaleAge = 24 * time.Hour
	}
	return cfg
}

type Janitor struct {
	cfg      Config
	rdb      *redis.Client
	broker   *broker.Broker
	registry *registry.Registry
	log      *slog.Logger
}

func New(s *store.Store, b *broker.Broker, reg *registry.Registry, cfg Config, log *slog.Logger) *Janitor {
	return &Janitor{
		cfg:      defaultConfig(cfg),
		rdb:      s.Raw(),
		broker:   b,
		registry: reg,
		log:      log,
	}
}

// Run ticks until ctx is cancelled, performing one full sweep per tick.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs every cleanup pass once; also reachable from the on-demand
// /api/cleanup endpoint (spec §11's supplemented operational surface).
func (j *Janitor) Sweep(ctx context.Context) {
	if err := j.recoverOrphans(ctx); err != nil && j.log != nil {
		j.log.Error("janitor: orphan recovery failed", "err", err)
	}
	if err := j.evictStalePending(ctx); err != nil && j.log != nil {
		j.log.Error("janitor: stale eviction failed", "err", err)
	}
}

// recoverOrphans scans jobs:active:<worker_id> hashes whose worker no
// longer has a live heartbeat key and releases those jobs back to pending,
// per spec §4.7 "orphan recovery".
func (j *Janitor) recoverOrphans(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := j.rdb.Scan(ctx, cursor, "jobs:active:*", 100).Result()
		if err != nil {
			return err
		}

		for _, key := range keys {
			workerID := key[len("jobs:active:"):]

			alive, err := j.rdb.Exists(ctx, store.WorkerHeartbeatKey(workerID)).Result()
			if err != nil {
				return err
			}
			if alive == 1 {
				continue
			}

			jobIDs, err := j.rdb.HKeys(ctx, key).Result()
			if err != nil {
				return err
			}
			for _, jobID := range jobIDs {
				if err := j.broker.Release(ctx, jobID); err != nil && j.log != nil {
					j.log.Error("janitor: release orphaned job failed", "jobId", jobID, "workerId", workerID, "err", err)
				}
			}

			if j.registry != nil {
				_ = j.registry.MarkOffline(ctx, workerID)
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// evictStalePending moves pending jobs older than cfg.StaleAge to the
// unworkable set, per spec §4.7 "stale-age cleanup". Age is read from the
// workflow_datetime the score is derived from, not wall-clock submission
// time, so a job's displayed age matches the ordering it actually queued at.
func (j *Janitor) evictStalePending(ctx context.Context) error {
	ids, err := j.rdb.ZRange(ctx, store.KeyJobsPending, 0, -1).Result()
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-j.cfg.StaleAge).UnixMilli()

	for _, jobID := range ids {
		jb, err := j.broker.GetJob(ctx, jobID)
		if err != nil {
			continue // evicted or completed concurrently
		}
		if jb.WorkflowDatetime > cutoff {
			continue
		}
		if err := j.markUnworkable(ctx, jb); err != nil && j.log != nil {
			j.log.Error("janitor: mark unworkable failed", "jobId", jobID, "err", err)
		}
	}
	return nil
}

func (j *Janitor) markUnworkable(ctx context.Context, jb job.Job) error {
	jb.Status = job.StatusUnworkable

	snapshot, err := jb.MarshalSnapshot()
	if err != nil {
		return err
	}

	score := broker.Score(jb.WorkflowPriority, jb.WorkflowDatetime)

	pipe := j.rdb.TxPipeline()
	pipe.ZRem(ctx, store.KeyJobsPending, jb.ID)
	pipe.ZAdd(ctx, store.KeyJobsUnworkable, redis.Z{Score: score, Member: jb.ID})
	pipe.HSet(ctx, store.JobKey(jb.ID), map[string]any{"data": snapshot, "status": string(jb.Status)})
	_, err = pipe.Exec(ctx)
	return err
}
