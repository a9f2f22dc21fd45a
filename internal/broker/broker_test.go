package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stakeordie/jobqueue/internal/domain/job"
	"github.com/stakeordie/jobqueue/internal/domain/worker"
	"github.com/stakeordie/jobqueue/internal/store"
)

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	s := store.New(store.Config{Addr: mr.Addr()})
	t.Cleanup(func() { _ = s.Close() })

	b := New(s, nil, nil)
	return b, mr
}

func fixedClock(b *Broker, t time.Time) {
	b.nowFn = func() time.Time { return t }
}

func TestSubmit_AssignsPendingScoreByPriority(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	fixedClock(b, base)

	lowID, err := b.Submit(ctx, job.CreateRequest{ServiceRequired: "comfyui", Priority: 10})
	if err != nil {
		t.Fatalf("submit low: %v", err)
	}
	highID, err := b.Submit(ctx, job.CreateRequest{ServiceRequired: "comfyui", Priority: 90})
	if err != nil {
		t.Fatalf("submit high: %v", err)
	}

	next, ok, err := b.NextForWorker(ctx, "worker-1", worker.Capabilities{Services: []string{"comfyui"}})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !ok {
		t.Fatalf("expected a job to be claimable")
	}
	if next.ID != highID {
		t.Fatalf("expected higher priority job %s claimed first, got %s", highID, next.ID)
	}

	next2, ok, err := b.NextForWorker(ctx, "worker-1", worker.Capabilities{Services: []string{"comfyui"}})
	if err != nil {
		t.Fatalf("next2: %v", err)
	}
	if !ok || next2.ID != lowID {
		t.Fatalf("expected remaining job %s claimed second", lowID)
	}
}

func TestSubmit_FIFOWithinSamePriority(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	fixedClock(b, time.UnixMilli(1_700_000_000_000))
	firstID, err := b.Submit(ctx, job.CreateRequest{ServiceRequired: "comfyui", Priority: 50})
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}

	fixedClock(b, time.UnixMilli(1_700_000_010_000))
	_, err = b.Submit(ctx, job.CreateRequest{ServiceRequired: "comfyui", Priority: 50})
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}

	next, ok, err := b.NextForWorker(ctx, "worker-1", worker.Capabilities{Services: []string{"comfyui"}})
	if err != nil || !ok {
		t.Fatalf("next: ok=%v err=%v", ok, err)
	}
	if next.ID != firstID {
		t.Fatalf("expected earlier-submitted job %s claimed first under equal priority", firstID)
	}
}

func TestWorkflowInheritance_LaterStepsClusterAtFirstSubmission(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	fixedClock(b, time.UnixMilli(1_700_000_000_000))
	step1, err := b.Submit(ctx, job.CreateRequest{ServiceRequired: "comfyui", Priority: 5, WorkflowID: "wf-1"})
	if err != nil {
		t.Fatalf("submit step1: %v", err)
	}

	// A later, much-higher-priority standalone job submitted after step1 but
	// before step2 should still be outranked once step2 inherits wf-1's
	// original priority and timestamp.
	fixedClock(b, time.UnixMilli(1_700_000_005_000))
	_, err = b.Submit(ctx, job.CreateRequest{ServiceRequired: "comfyui", Priority: 4})
	if err != nil {
		t.Fatalf("submit filler: %v", err)
	}

	fixedClock(b, time.UnixMilli(1_700_001_000_000)) // much later wall-clock
	step2, err := b.Submit(ctx, job.CreateRequest{ServiceRequired: "comfyui", Priority: 1, WorkflowID: "wf-1"})
	if err != nil {
		t.Fatalf("submit step2: %v", err)
	}

	next, ok, err := b.NextForWorker(ctx, "worker-1", worker.Capabilities{Services: []string{"comfyui"}})
	if err != nil || !ok {
		t.Fatalf("next: ok=%v err=%v", ok, err)
	}
	if next.ID != step1 {
		t.Fatalf("expected wf-1 step1 %s claimed first (priority 5 inherited)", step1)
	}
	if next.WorkflowPriority != 5 {
		t.Fatalf("expected inherited priority 5, got %d", next.WorkflowPriority)
	}

	next2, ok, err := b.NextForWorker(ctx, "worker-1", worker.Capabilities{Services: []string{"comfyui"}})
	if err != nil || !ok {
		t.Fatalf("next2: ok=%v err=%v", ok, err)
	}
	if next2.ID != step2 {
		t.Fatalf("expected wf-1 step2 %s claimed second despite submitted priority=1", step2)
	}
	if next2.WorkflowPriority != 5 {
		t.Fatalf("expected step2 to inherit priority 5 from step1, got %d", next2.WorkflowPriority)
	}
}

func TestClaim_SecondCallerLosesRace(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	jobID, err := b.Submit(ctx, job.CreateRequest{ServiceRequired: "comfyui", Priority: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	won1, err := b.Claim(ctx, jobID, "worker-a")
	if err != nil {
		t.Fatalf("claim1: %v", err)
	}
	if !won1 {
		t.Fatalf("expected first claim to win")
	}

	won2, err := b.Claim(ctx, jobID, "worker-b")
	if err != nil {
		t.Fatalf("claim2: %v", err)
	}
	if won2 {
		t.Fatalf("expected second claim on the same job to lose")
	}
}

func TestCapabilityMatch_ExcludesLastFailedWorker(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	jobID, err := b.Submit(ctx, job.CreateRequest{ServiceRequired: "comfyui", Priority: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	won, err := b.Claim(ctx, jobID, "worker-a")
	if err != nil || !won {
		t.Fatalf("claim: won=%v err=%v", won, err)
	}

	if err := b.Fail(ctx, jobID, "boom", true); err != nil {
		t.Fatalf("fail: %v", err)
	}

	caps := worker.Capabilities{Services: []string{"comfyui"}}
	next, ok, err := b.NextForWorker(ctx, "worker-a", caps)
	if err != nil {
		t.Fatalf("next on excluded worker: %v", err)
	}
	if ok {
		t.Fatalf("expected worker-a to be excluded after its own failure, got job %s", next.ID)
	}

	next2, ok, err := b.NextForWorker(ctx, "worker-b", caps)
	if err != nil || !ok {
		t.Fatalf("next on worker-b: ok=%v err=%v", ok, err)
	}
	if next2.ID != jobID {
		t.Fatalf("expected worker-b to claim retried job %s", jobID)
	}
}

func TestFail_ExhaustedRetriesGoesTerminal(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	jobID, err := b.Submit(ctx, job.CreateRequest{ServiceRequired: "comfyui", Priority: 1, MaxRetries: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	won, err := b.Claim(ctx, jobID, "worker-a")
	if err != nil || !won {
		t.Fatalf("claim: won=%v err=%v", won, err)
	}

	if err := b.Fail(ctx, jobID, "boom", true); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := b.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("getjob: %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("expected terminal failed status with retries exhausted, got %s", got.Status)
	}
}

func TestComplete_IsIdempotent(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	jobID, err := b.Submit(ctx, job.CreateRequest{ServiceRequired: "comfyui", Priority: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := b.Claim(ctx, jobID, "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := b.Complete(ctx, jobID, map[string]any{"ok": true}); err != nil {
		t.Fatalf("complete1: %v", err)
	}
	if err := b.Complete(ctx, jobID, map[string]any{"ok": true}); err != nil {
		t.Fatalf("complete2 (idempotent no-op expected): %v", err)
	}
}

func TestCancel_PendingJobLeavesQueue(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()

	jobID, err := b.Submit(ctx, job.CreateRequest{ServiceRequired: "comfyui", Priority: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := b.Cancel(ctx, jobID, "operator abort"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	count, err := rdb.ZScore(ctx, store.KeyJobsPending, jobID).Result()
	if err == nil {
		t.Fatalf("expected job removed from pending, still has score %v", count)
	}

	got, err := b.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("getjob: %v", err)
	}
	if got.Status != job.StatusCancelled {
		t.Fatalf("expected cancelled status, got %s", got.Status)
	}
}
