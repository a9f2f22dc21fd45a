package store

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// SnapshotBuilder assembles the full-state payload a freshly connected
// monitor receives, per spec §4.4. It uses SCAN (never KEYS) to cursor
// through the job-hash keyspace so a large backlog never blocks Redis.
type SnapshotBuilder struct {
	rdb *Store
}

func NewSnapshotBuilder(s *Store) *SnapshotBuilder {
	return &SnapshotBuilder{rdb: s}
}

type Snapshot struct {
	Pending    []json.RawMessage `json:"pending"`
	Active     []json.RawMessage `json:"active"`
	Completed  []json.RawMessage `json:"completed"`
	Failed     []json.RawMessage `json:"failed"`
	Unworkable []json.RawMessage `json:"unworkable"`
	Workers    []json.RawMessage `json:"workers"`
}

func (b *SnapshotBuilder) BuildSnapshot(ctx context.Context) (Snapshot, error) {
	rdb := b.rdb.Raw()

	pendingIDs, err := rdb.ZRevRange(ctx, KeyJobsPending, 0, -1).Result()
	if err != nil {
		return Snapshot{}, err
	}
	pending, err := b.hydrateJobs(ctx, pendingIDs)
	if err != nil {
		return Snapshot{}, err
	}

	completed, err := b.hydrateHash(ctx, KeyJobsCompleted)
	if err != nil {
		return Snapshot{}, err
	}
	failed, err := b.hydrateHash(ctx, KeyJobsFailed)
	if err != nil {
		return Snapshot{}, err
	}

	unworkableIDs, err := rdb.ZRange(ctx, KeyJobsUnworkable, 0, -1).Result()
	if err != nil {
		return Snapshot{}, err
	}
	unworkable, err := b.hydrateJobs(ctx, unworkableIDs)
	if err != nil {
		return Snapshot{}, err
	}

	active, err := b.scanActiveJobs(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	workers, err := b.scanWorkers(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Pending:    pending,
		Active:     active,
		Completed:  completed,
		Failed:     failed,
		Unworkable: unworkable,
		Workers:    workers,
	}, nil
}

// ListJobsByStatus serves the Admission Gateway's GET /api/jobs read API
// (spec §4.6): paginate over the store using the same cursoring primitives
// as BuildSnapshot — ZREVRANGE/HGETALL/SCAN, never KEYS or a blocking
// full-namespace enumeration. status selects which bucket(s) to read;
// empty status reads every bucket. Each selected bucket is read whole
// (pending/unworkable by a full ZREVRANGE/ZRANGE, completed/failed by
// HGETALL, active by SCAN), and limit/offset then slice the combined result.
func (b *SnapshotBuilder) ListJobsByStatus(ctx context.Context, status string, limit, offset int) ([]json.RawMessage, int, error) {
	var all []json.RawMessage

	fetchPending := status == "" || status == "pending"
	fetchActive := status == "" || status == "assigned" || status == "in_progress"
	fetchCompleted := status == "" || status == "completed"
	fetchFailed := status == "" || status == "failed"
	fetchUnworkable := status == "" || status == "unworkable"

	if fetchPending {
		ids, err := b.rdb.Raw().ZRevRange(ctx, KeyJobsPending, 0, -1).Result()
		if err != nil {
			return nil, 0, err
		}
		jobs, err := b.hydrateJobs(ctx, ids)
		if err != nil {
			return nil, 0, err
		}
		all = append(all, jobs...)
	}

	if fetchActive {
		jobs, err := b.scanActiveJobs(ctx)
		if err != nil {
			return nil, 0, err
		}
		if status != "" {
			jobs = filterByStatus(jobs, status)
		}
		all = append(all, jobs...)
	}

	if fetchCompleted {
		jobs, err := b.hydrateHash(ctx, KeyJobsCompleted)
		if err != nil {
			return nil, 0, err
		}
		all = append(all, jobs...)
	}

	if fetchFailed {
		jobs, err := b.hydrateHash(ctx, KeyJobsFailed)
		if err != nil {
			return nil, 0, err
		}
		all = append(all, jobs...)
	}

	if fetchUnworkable {
		ids, err := b.rdb.Raw().ZRange(ctx, KeyJobsUnworkable, 0, -1).Result()
		if err != nil {
			return nil, 0, err
		}
		jobs, err := b.hydrateJobs(ctx, ids)
		if err != nil {
			return nil, 0, err
		}
		all = append(all, jobs...)
	}

	total := len(all)

	if offset >= total {
		return []json.RawMessage{}, total, nil
	}
	end := offset + limit
	if end > total || limit <= 0 {
		end = total
	}
	return all[offset:end], total, nil
}

func filterByStatus(jobs []json.RawMessage, status string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(jobs))
	for _, raw := range jobs {
		var probe struct {
			Status string `json:"status"`
		}
		if json.Unmarshal(raw, &probe) == nil && probe.Status == status {
			out = append(out, raw)
		}
	}
	return out
}

func (b *SnapshotBuilder) hydrateJobs(ctx context.Context, ids []string) ([]json.RawMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rdb := b.rdb.Raw()
	pipe := rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, JobKey(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	out := make([]json.RawMessage, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			continue // evicted between the id scan and the hydrate pipeline
		}
		out = append(out, json.RawMessage(data))
	}
	return out, nil
}

func (b *SnapshotBuilder) hydrateHash(ctx context.Context, key string) ([]json.RawMessage, error) {
	vals, err := b.rdb.Raw().HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(vals))
	for _, v := range vals {
		out = append(out, json.RawMessage(v))
	}
	return out, nil
}

// scanActiveJobs cursors jobs:active:* with SCAN rather than KEYS, per spec
// §4.4's pagination note, since the number of active workers (and thus
// active-job hashes) is unbounded across a long-lived cluster.
func (b *SnapshotBuilder) scanActiveJobs(ctx context.Context) ([]json.RawMessage, error) {
	rdb := b.rdb.Raw()
	var out []json.RawMessage
	var cursor uint64

	for {
		keys, next, err := rdb.Scan(ctx, cursor, "jobs:active:*", 100).Result()
		if err != nil {
			return nil, err
		}

		for _, key := range keys {
			vals, err := rdb.HGetAll(ctx, key).Result()
			if err != nil {
				return nil, err
			}
			for _, v := range vals {
				out = append(out, json.RawMessage(v))
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (b *SnapshotBuilder) scanWorkers(ctx context.Context) ([]json.RawMessage, error) {
	rdb := b.rdb.Raw()
	ids, err := rdb.SMembers(ctx, KeyWorkersActive).Result()
	if err != nil {
		return nil, err
	}

	out := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		data, err := rdb.HGet(ctx, WorkerKey(id), "data").Result()
		if err != nil {
			continue
		}
		out = append(out, json.RawMessage(data))
	}
	return out, nil
}
