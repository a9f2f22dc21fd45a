// Package worker defines the remote-worker aggregate and the capability
// shape the broker's match predicate reads.
package worker

import "errors"

type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

var ErrWorkerNotFound = errors.New("worker not found")

// CustomerAccess controls which customer_ids a worker will accept jobs for.
// Policy "open" (the zero value) accepts everyone; "strict" enforces the
// Allowed/Denied lists.
type CustomerAccess struct {
	Policy  string   `json:"policy,omitempty"` // "open" | "strict"
	Allowed []string `json:"allowed,omitempty"`
	Denied  []string `json:"denied,omitempty"`
}

// Hardware is the worker's advertised compute envelope.
type Hardware struct {
	GPUCount    int `json:"gpuCount"`
	GPUMemoryGB int `json:"gpuMemoryGb"`
	CPUCores    int `json:"cpuCores"`
	RAMGB       int `json:"ramGb"`
}

// Capabilities is what a worker advertises at register time and may
// re-assert on every poll. The literal "all" in Components/Workflows waives
// the corresponding requirement check.
type Capabilities struct {
	Services       []string            `json:"services"`
	Components     []string            `json:"components"`     // may contain "all"
	Workflows      []string            `json:"workflows"`       // may contain "all"
	Hardware       Hardware            `json:"hardware"`
	Models         map[string][]string `json:"models"` // service -> supported models
	CustomerAccess CustomerAccess      `json:"customerAccess"`
}

func (c Capabilities) HasService(service string) bool {
	for _, s := range c.Services {
		if s == service {
			return true
		}
	}
	return false
}

func (c Capabilities) HasComponent(component string) bool {
	if component == "" || component == "all" {
		return true
	}
	for _, item := range c.Components {
		if item == "all" || item == component {
			return true
		}
	}
	return false
}

func (c Capabilities) HasWorkflow(workflow string) bool {
	if workflow == "" || workflow == "all" {
		return true
	}
	for _, item := range c.Workflows {
		if item == "all" || item == workflow {
			return true
		}
	}
	return false
}

func (c Capabilities) HasModel(service, model string) bool {
	if model == "" || model == "all" {
		return true
	}
	models, ok := c.Models[service]
	if !ok {
		return false
	}
	for _, m := range models {
		if m == "all" || m == model {
			return true
		}
	}
	return false
}

func (c CustomerAccess) Allows(customerID string) bool {
	if customerID == "" || c.Policy != "strict" {
		return true
	}
	for _, id := range c.Denied {
		if id == customerID {
			return false
		}
	}
	if len(c.Allowed) == 0 {
		return true
	}
	for _, id := range c.Allowed {
		if id == customerID {
			return true
		}
	}
	return false
}

// Worker is the registry record for a connected remote worker. Identity is
// WorkerID; liveness is governed by a separate heartbeat key, not by the
// cached Status field (see internal/registry).
type Worker struct {
	WorkerID       string       `json:"workerId"`
	Capabilities   Capabilities `json:"capabilities"`
	Status         Status       `json:"status"`
	CurrentJobID   string       `json:"currentJobId,omitempty"`
	ConnectedAt    int64        `json:"connectedAt"` // ms epoch
	LastHeartbeat  int64        `json:"lastHeartbeat"`
	JobsClaimed    int64        `json:"jobsClaimed"`
	JobsCompleted  int64        `json:"jobsCompleted"`
	JobsFailed     int64        `json:"jobsFailed"`
}
