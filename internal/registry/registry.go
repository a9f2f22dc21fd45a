// Package registry implements the Worker Registry (spec §4.2): register,
// heartbeat, status updates, and the active/offline worker listings the
// broker's match predicate and the Janitor both depend on.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stakeordie/jobqueue/internal/domain/worker"
	"github.com/stakeordie/jobqueue/internal/store"
)

type Registry struct {
	rdb *redis.Client
	log *slog.Logger
}

func New(s *store.Store, log *slog.Logger) *Registry {
	return &Registry{rdb: s.Raw(), log: log}
}

// Register persists a new (or re-registering) worker record and opens its
// heartbeat lease.
func (r *Registry) Register(ctx context.Context, w worker.Worker) error {
	w.Status = worker.StatusIdle
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, store.WorkerKey(w.WorkerID), map[string]any{"data": data})
	pipe.SAdd(ctx, store.KeyWorkersActive, w.WorkerID)
	pipe.SRem(ctx, store.KeyWorkersOffline, w.WorkerID)
	pipe.Set(ctx, store.WorkerHeartbeatKey(w.WorkerID), "1", store.HeartbeatTTL*time.Second)
	_, err = pipe.Exec(ctx)
	return err
}

// Heartbeat refreshes the worker's TTL lease. Liveness is decided solely by
// whether this key exists, never by the cached Status field, so a crashed
// worker is detected by TTL expiry regardless of what status it last wrote.
func (r *Registry) Heartbeat(ctx context.Context, workerID string) error {
	w, err := r.Get(ctx, workerID)
	if err != nil {
		return err
	}
	w.LastHeartbeat = time.Now().UnixMilli()
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, store.WorkerHeartbeatKey(workerID), "1", store.HeartbeatTTL*time.Second)
	pipe.HSet(ctx, store.WorkerKey(workerID), map[string]any{"data": data})
	_, err = pipe.Exec(ctx)
	return err
}

// UpdateStatus atomically rewrites the worker's cached status/current-job
// fields and publishes worker_status so monitors see the transition live.
func (r *Registry) UpdateStatus(ctx context.Context, workerID string, status worker.Status, currentJobID string) error {
	w, err := r.Get(ctx, workerID)
	if err != nil {
		return err
	}

	w.Status = status
	w.CurrentJobID = currentJobID

	data, err := json.Marshal(w)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"workerId":  workerID,
		"status":    status,
		"jobId":     currentJobID,
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, store.WorkerKey(workerID), map[string]any{"data": data})
	pipe.Publish(ctx, store.ChannelWorkerStatus, payload)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Registry) Get(ctx context.Context, workerID string) (worker.Worker, error) {
	data, err := r.rdb.HGet(ctx, store.WorkerKey(workerID), "data").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return worker.Worker{}, worker.ErrWorkerNotFound
		}
		return worker.Worker{}, err
	}

	var w worker.Worker
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return worker.Worker{}, err
	}
	return w, nil
}

// ListActive returns every worker whose heartbeat lease has not expired.
// Implements the WorkerLister interface the broker uses for requeue checks.
func (r *Registry) ListActive(ctx context.Context) ([]worker.Worker, error) {
	ids, err := r.rdb.SMembers(ctx, store.KeyWorkersActive).Result()
	if err != nil {
		return nil, err
	}

	workers := make([]worker.Worker, 0, len(ids))
	for _, id := range ids {
		alive, err := r.rdb.Exists(ctx, store.WorkerHeartbeatKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if alive == 0 {
			continue // heartbeat lapsed; set membership is left as it is here
		}

		w, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, worker.ErrWorkerNotFound) {
				continue
			}
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// Remove drops a worker from both sets and deletes its record, used by the
// explicit unregister API. (The Janitor's orphan-recovery sweep calls
// MarkOffline instead.)
func (r *Registry) Remove(ctx context.Context, workerID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.SRem(ctx, store.KeyWorkersActive, workerID)
	pipe.SRem(ctx, store.KeyWorkersOffline, workerID)
	pipe.Del(ctx, store.WorkerKey(workerID))
	pipe.Del(ctx, store.WorkerHeartbeatKey(workerID))
	_, err := pipe.Exec(ctx)
	return err
}

// MarkOffline moves a worker from active to offline without deleting its
// record, so its final known state remains visible to monitors.
func (r *Registry) MarkOffline(ctx context.Context, workerID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.SRem(ctx, store.KeyWorkersActive, workerID)
	pipe.SAdd(ctx, store.KeyWorkersOffline, workerID)
	_, err := pipe.Exec(ctx)
	return err
}
