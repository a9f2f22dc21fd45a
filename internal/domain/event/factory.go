package event

import "time"

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func JobSubmitted(jobID string) Event {
	return Event{Kind: KindJobSubmitted, Timestamp: nowMs(), JobID: jobID, Status: "pending"}
}

func JobAssigned(jobID, workerID string) Event {
	return Event{Kind: KindJobAssigned, Timestamp: nowMs(), JobID: jobID, WorkerID: workerID, Status: "assigned"}
}

func JobStatusChanged(jobID, oldStatus, newStatus string) Event {
	return Event{Kind: KindJobStatusChanged, Timestamp: nowMs(), JobID: jobID, OldStatus: oldStatus, Status: newStatus}
}

func Progress(jobID, workerID string, progress int, message string) Event {
	p := progress
	return Event{Kind: KindUpdateJobProgress, Timestamp: nowMs(), JobID: jobID, WorkerID: workerID, Progress: &p, Message: message}
}

func Completed(jobID, workerID string, result any) Event {
	return Event{Kind: KindCompleteJob, Timestamp: nowMs(), JobID: jobID, WorkerID: workerID, Status: "completed", Result: result}
}

func Failed(jobID, workerID, reason string) Event {
	return Event{Kind: KindJobFailed, Timestamp: nowMs(), JobID: jobID, WorkerID: workerID, Status: "failed", Error: reason}
}

func Cancelled(jobID, workerID, reason string) Event {
	return Event{Kind: KindCancelJob, Timestamp: nowMs(), JobID: jobID, WorkerID: workerID, Reason: reason}
}

func WorkerStatusChanged(workerID, oldStatus, newStatus, currentJobID string) Event {
	return Event{Kind: KindWorkerStatusChanged, Timestamp: nowMs(), WorkerID: workerID, OldStatus: oldStatus, Status: newStatus, JobID: currentJobID}
}

func MachineStartup(machineID string) Event {
	return Event{Kind: KindMachineStartup, Timestamp: nowMs(), MachineID: machineID}
}

func MachineStartupStep(machineID, step string) Event {
	return Event{Kind: KindMachineStartupStep, Timestamp: nowMs(), MachineID: machineID, Step: step}
}

func MachineStartupComplete(machineID string) Event {
	return Event{Kind: KindMachineStartupDone, Timestamp: nowMs(), MachineID: machineID}
}
