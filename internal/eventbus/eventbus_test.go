package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stakeordie/jobqueue/internal/broker"
	"github.com/stakeordie/jobqueue/internal/domain/event"
	"github.com/stakeordie/jobqueue/internal/domain/job"
	"github.com/stakeordie/jobqueue/internal/store"
)

func TestRun_TranslatesJobSubmittedEvent(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()

	s := store.New(store.Config{Addr: mr.Addr()})
	defer s.Close()

	bus := New(s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = bus.Run(ctx) }()
	time.Sleep(50 * time.Millisecond) // let Subscribe establish before publishing

	b := broker.New(s, nil, nil)
	jobID, err := b.Submit(ctx, job.CreateRequest{ServiceRequired: "comfyui", Priority: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case evt := <-bus.Events():
		if evt.Kind != event.KindJobSubmitted {
			t.Fatalf("expected job_submitted, got %s", evt.Kind)
		}
		if evt.JobID != jobID {
			t.Fatalf("expected jobId %s, got %s", jobID, evt.JobID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for translated event")
	}
}
