// Package fanout implements the Fanout Router (spec §4.5): it decides, for
// every event.Event coming off the Event Bus, which connected recipients
// should receive it, and hands delivery off to the Connection Multiplexer.
// It depends only on the narrow Recipients interface below, not the
// concrete multiplexer, to avoid a cyclic ownership between the two.
package fanout

import (
	"context"
	"log/slog"

	"github.com/stakeordie/jobqueue/internal/domain/event"
)

// Recipients is the delivery surface the Connection Multiplexer exposes.
// Kept minimal so fanout tests can fake it without standing up real
// websocket/SSE connections.
type Recipients interface {
	// BroadcastMonitors sends evt to every monitor subscription whose topic
	// filter accepts evt.TopicSuffix().
	BroadcastMonitors(evt event.Event)

	// SendToSubmitter sends evt to the client that submitted evt.JobID, if
	// that client still has a live connection bound to the job.
	SendToSubmitter(jobID string, evt event.Event)

	// SendToObservers sends evt to every client subscribed to evt.JobID via
	// the shared observer namespace (spec §4.4's "/ws/" endpoint).
	SendToObservers(jobID string, evt event.Event)

	// ReleaseJob tears down any per-job delivery state (submitter binding,
	// observer subscriptions) once a job reaches a terminal state.
	ReleaseJob(jobID string)
}

type Router struct {
	recipients Recipients
	log        *slog.Logger
}

func New(recipients Recipients, log *slog.Logger) *Router {
	return &Router{recipients: recipients, log: log}
}

// Run drains events until ctx is cancelled or the channel closes. Meant to
// run in its own goroutine, fed by eventbus.Bus.Events().
func (r *Router) Run(ctx context.Context, events <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			r.route(evt)
		}
	}
}

// route implements the recipient-decision table from spec §4.5:
//   - every event fans out to monitors subscribed to its topic
//   - job-scoped events additionally reach the submitting client and any
//     subscribed observers
//   - terminal job events (complete_job, job_failed) release per-job
//     delivery state after the event has been delivered
func (r *Router) route(evt event.Event) {
	r.recipients.BroadcastMonitors(evt)

	if evt.JobID != "" {
		r.recipients.SendToSubmitter(evt.JobID, evt)
		r.recipients.SendToObservers(evt.JobID, evt)
	}

	if evt.IsJobTerminal() {
		if r.log != nil {
			r.log.Debug("fanout: releasing terminal job state", "jobId", evt.JobID, "kind", evt.Kind)
		}
		r.recipients.ReleaseJob(evt.JobID)
	}
}
