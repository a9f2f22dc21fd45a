package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stakeordie/jobqueue/internal/domain/event"
)

type fakeRecipients struct {
	mu         sync.Mutex
	monitor    []event.Event
	submitter  []event.Event
	observer   []event.Event
	released   []string
}

func (f *fakeRecipients) BroadcastMonitors(evt event.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitor = append(f.monitor, evt)
}

func (f *fakeRecipients) SendToSubmitter(jobID string, evt event.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitter = append(f.submitter, evt)
}

func (f *fakeRecipients) SendToObservers(jobID string, evt event.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observer = append(f.observer, evt)
}

func (f *fakeRecipients) ReleaseJob(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, jobID)
}

func TestRoute_JobScopedEventReachesAllThreeAudiences(t *testing.T) {
	fr := &fakeRecipients{}
	r := New(fr, nil)

	events := make(chan event.Event, 1)
	events <- event.Event{Kind: event.KindUpdateJobProgress, JobID: "job-1"}
	close(events)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Run(ctx, events)

	if len(fr.monitor) != 1 || len(fr.submitter) != 1 || len(fr.observer) != 1 {
		t.Fatalf("expected one delivery to each audience, got monitor=%d submitter=%d observer=%d", len(fr.monitor), len(fr.submitter), len(fr.observer))
	}
	if len(fr.released) != 0 {
		t.Fatalf("expected no release for a non-terminal event, got %v", fr.released)
	}
}

func TestRoute_TerminalEventReleasesJobState(t *testing.T) {
	fr := &fakeRecipients{}
	r := New(fr, nil)

	events := make(chan event.Event, 1)
	events <- event.Event{Kind: event.KindCompleteJob, JobID: "job-1"}
	close(events)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Run(ctx, events)

	if len(fr.released) != 1 || fr.released[0] != "job-1" {
		t.Fatalf("expected job-1 released, got %v", fr.released)
	}
}

func TestRoute_MachineEventSkipsJobScopedAudiences(t *testing.T) {
	fr := &fakeRecipients{}
	r := New(fr, nil)

	events := make(chan event.Event, 1)
	events <- event.Event{Kind: event.KindMachineStartup, MachineID: "gpu-1"}
	close(events)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Run(ctx, events)

	if len(fr.monitor) != 1 {
		t.Fatalf("expected monitor broadcast, got %d", len(fr.monitor))
	}
	if len(fr.submitter) != 0 || len(fr.observer) != 0 {
		t.Fatalf("expected no job-scoped delivery for a machine event without a jobId")
	}
}
