package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stakeordie/jobqueue/internal/domain/worker"
	"github.com/stakeordie/jobqueue/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	s := store.New(store.Config{Addr: mr.Addr()})
	t.Cleanup(func() { _ = s.Close() })

	return New(s, nil), mr
}

func TestRegister_AddsToActiveSet(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	w := worker.Worker{WorkerID: "worker-1", Capabilities: worker.Capabilities{Services: []string{"comfyui"}}}
	if err := r.Register(ctx, w); err != nil {
		t.Fatalf("register: %v", err)
	}

	active, err := r.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].WorkerID != "worker-1" {
		t.Fatalf("expected worker-1 active, got %+v", active)
	}
}

func TestListActive_ExcludesExpiredHeartbeat(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()

	w := worker.Worker{WorkerID: "worker-1"}
	if err := r.Register(ctx, w); err != nil {
		t.Fatalf("register: %v", err)
	}

	mr.FastForward(store.HeartbeatTTL*time.Second + time.Second)

	active, err := r.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active workers after heartbeat TTL expiry, got %+v", active)
	}
}

func TestHeartbeat_UnknownWorkerErrors(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Heartbeat(ctx, "ghost"); err != worker.ErrWorkerNotFound {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
}

func TestUpdateStatus_PersistsCurrentJob(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Register(ctx, worker.Worker{WorkerID: "worker-1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.UpdateStatus(ctx, "worker-1", worker.StatusBusy, "job-123"); err != nil {
		t.Fatalf("update status: %v", err)
	}

	got, err := r.Get(ctx, "worker-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != worker.StatusBusy || got.CurrentJobID != "job-123" {
		t.Fatalf("unexpected worker state: %+v", got)
	}
}

func TestRemove_ClearsBothSetsAndRecord(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Register(ctx, worker.Worker{WorkerID: "worker-1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Remove(ctx, "worker-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if _, err := r.Get(ctx, "worker-1"); err != worker.ErrWorkerNotFound {
		t.Fatalf("expected ErrWorkerNotFound after remove, got %v", err)
	}
}
