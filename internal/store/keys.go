package store

import "fmt"

// Key layout mirrors spec §6's "wire contract with the store" exactly.
const (
	KeyJobsPending    = "jobs:pending"
	KeyJobsCompleted  = "jobs:completed"
	KeyJobsFailed     = "jobs:failed"
	KeyJobsUnworkable = "jobs:unworkable"
	KeyWorkersActive  = "workers:active"
	KeyWorkersOffline = "workers:offline"

	CompletedTTL = 24 * 3600 // seconds
	FailedTTL    = 7 * 24 * 3600
	WorkflowTTL  = 24 * 3600
	HeartbeatTTL = 60 // seconds
)

func JobKey(jobID string) string {
	return "job:" + jobID
}

func JobsActiveKey(workerID string) string {
	return "jobs:active:" + workerID
}

func WorkerKey(workerID string) string {
	return "worker:" + workerID
}

func WorkerHeartbeatKey(workerID string) string {
	return fmt.Sprintf("worker:%s:heartbeat", workerID)
}

func WorkflowMetadataKey(workflowID string) string {
	return "workflow:" + workflowID + ":metadata"
}

// Pub/sub channels the Event Bus subscribes to. update_job_progress,
// worker_status, complete_job and machine:startup:events are the fixed set
// named in spec §6; job_submitted/job_assigned/job_status_changed/
// cancel_job extend that set to match the data flow described in spec §2
// ("pub/sub job_submitted") and the Fanout Router table in spec §4.5, which
// both name events with no channel of their own in the literal §6 list.
const (
	ChannelUpdateJobProgress = "update_job_progress"
	ChannelWorkerStatus      = "worker_status"
	ChannelCompleteJob       = "complete_job"
	ChannelMachineStartup    = "machine:startup:events"

	ChannelJobSubmitted     = "job_submitted"
	ChannelJobAssigned      = "job_assigned"
	ChannelJobStatusChanged = "job_status_changed"
	ChannelCancelJob        = "cancel_job"
)

// Channels lists every channel the Event Bus subscribes to.
func Channels() []string {
	return []string{
		ChannelUpdateJobProgress,
		ChannelWorkerStatus,
		ChannelCompleteJob,
		ChannelMachineStartup,
		ChannelJobSubmitted,
		ChannelJobAssigned,
		ChannelJobStatusChanged,
		ChannelCancelJob,
	}
}
