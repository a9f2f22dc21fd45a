package broker

import (
	"github.com/stakeordie/jobqueue/internal/domain/job"
	"github.com/stakeordie/jobqueue/internal/domain/worker"
)

// Matches implements the worker-match predicate from spec §4.1. Order of
// checks follows the spec exactly so the rejection a caller sees (if ever
// surfaced for debugging) is deterministic.
func Matches(j job.Job, workerID string, caps worker.Capabilities) bool {
	if j.LastFailedWorker != "" && j.LastFailedWorker == workerID {
		return false
	}

	if !caps.HasService(j.ServiceRequired) {
		return false
	}

	req := j.Requirements

	if req.ServiceType != "" && req.ServiceType != "all" && !caps.HasService(req.ServiceType) {
		return false
	}

	if !caps.HasComponent(req.Component) {
		return false
	}

	if !caps.HasWorkflow(req.Workflow) {
		return false
	}

	hw := caps.Hardware
	if req.GPUMemoryGB > 0 && req.GPUMemoryGB > hw.GPUMemoryGB {
		return false
	}
	if req.CPUCores > 0 && req.CPUCores > hw.CPUCores {
		return false
	}
	if req.RAMGB > 0 && req.RAMGB > hw.RAMGB {
		return false
	}

	for service, model := range req.Models {
		if !caps.HasModel(service, model) {
			return false
		}
	}

	if !caps.CustomerAccess.Allows(j.CustomerID) {
		return false
	}

	return true
}
