// Package event is the sealed tagged-variant of domain events that flow
// from the Event Bus to the Fanout Router (spec's "dynamic message envelope"
// redesigned as a typed sum). Every event carries a Kind discriminator and a
// Timestamp; consumers sort by Timestamp within a single JobID, per spec §5.
package event

type Kind string

const (
	KindJobSubmitted         Kind = "job_submitted"
	KindJobAssigned          Kind = "job_assigned"
	KindJobStatusChanged     Kind = "job_status_changed"
	KindUpdateJobProgress    Kind = "update_job_progress"
	KindCompleteJob          Kind = "complete_job"
	KindJobFailed            Kind = "job_failed"
	KindCancelJob            Kind = "cancel_job"
	KindWorkerStatusChanged  Kind = "worker_status_changed"
	KindMachineStartup       Kind = "machine_startup"
	KindMachineStartupStep   Kind = "machine_startup_step"
	KindMachineStartupDone   Kind = "machine_startup_complete"
)

// Event is the union of fields any domain event may carry. Not every field
// is populated for every Kind; handlers read only the fields relevant to
// their Kind.
type Event struct {
	Kind      Kind   `json:"type"`
	Timestamp int64  `json:"timestamp"` // ms epoch

	JobID      string `json:"jobId,omitempty"`
	WorkerID   string `json:"workerId,omitempty"`
	Status     string `json:"status,omitempty"`
	OldStatus  string `json:"oldStatus,omitempty"`
	Progress   *int   `json:"progress,omitempty"`
	Message    string `json:"message,omitempty"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// Machine-startup family (fanned out to monitors only).
	MachineID string `json:"machineId,omitempty"`
	Step      string `json:"step,omitempty"`
}

// TopicSuffix returns the "jobs:<suffix>" token a monitor subscription
// filter matches against, per spec §4.5.
func (e Event) TopicSuffix() string {
	switch e.Kind {
	case KindUpdateJobProgress:
		return "progress"
	case KindJobStatusChanged, KindJobAssigned, KindJobSubmitted, KindCompleteJob, KindJobFailed:
		return "status"
	case KindWorkerStatusChanged:
		return "workers"
	default:
		return string(e.Kind)
	}
}

// IsJobTerminal reports whether this event kind represents a job reaching a
// terminal state, which triggers submitter-binding cleanup and SSE close.
func (e Event) IsJobTerminal() bool {
	return e.Kind == KindCompleteJob || e.Kind == KindJobFailed
}

// IsJobEvent reports whether this event belongs to the "jobs" family a
// monitor can subscribe to wholesale via the literal "jobs" topic token,
// per spec §4.5 — as opposed to worker or machine-startup events, which are
// only reachable by their own specific topic token.
func (e Event) IsJobEvent() bool {
	switch e.Kind {
	case KindJobSubmitted, KindJobAssigned, KindJobStatusChanged, KindUpdateJobProgress,
		KindCompleteJob, KindJobFailed, KindCancelJob:
		return true
	default:
		return false
	}
}
