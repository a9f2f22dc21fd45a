package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stakeordie/jobqueue/internal/broker"
	"github.com/stakeordie/jobqueue/internal/domain/job"
	"github.com/stakeordie/jobqueue/internal/domain/worker"
	"github.com/stakeordie/jobqueue/internal/registry"
	"github.com/stakeordie/jobqueue/internal/store"
)

func TestRecoverOrphans_ReleasesJobsOfDeadWorker(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()

	s := store.New(store.Config{Addr: mr.Addr()})
	defer s.Close()

	reg := registry.New(s, nil)
	b := broker.New(s, reg, nil)
	jan := New(s, b, reg, Config{}, nil)

	ctx := context.Background()

	if err := reg.Register(ctx, worker.Worker{WorkerID: "worker-1", Capabilities: worker.Capabilities{Services: []string{"comfyui"}}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	jobID, err := b.Submit(ctx, job.CreateRequest{ServiceRequired: "comfyui", Priority: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := b.Claim(ctx, jobID, "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	mr.FastForward(store.HeartbeatTTL*time.Second + time.Second)

	jan.Sweep(ctx)

	got, err := b.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("getjob: %v", err)
	}
	if got.Status != job.StatusPending {
		t.Fatalf("expected job released back to pending after orphan sweep, got %s", got.Status)
	}
}

func TestEvictStalePending_MarksOldJobsUnworkable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()

	s := store.New(store.Config{Addr: mr.Addr()})
	defer s.Close()

	b := broker.New(s, nil, nil)
	jan := New(s, b, nil, Config{StaleAge: time.Millisecond}, nil)

	ctx := context.Background()

	jobID, err := b.Submit(ctx, job.CreateRequest{ServiceRequired: "comfyui", Priority: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	jan.Sweep(ctx)

	got, err := b.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("getjob: %v", err)
	}
	if got.Status != job.StatusUnworkable {
		t.Fatalf("expected job marked unworkable, got %s", got.Status)
	}
}
