// Package job defines the job aggregate: its lifecycle, submission shape,
// and capability requirements used by the broker's worker-match predicate.
package job

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusUnworkable Status = "unworkable"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrNotClaimable = errors.New("job not claimable")
)

// Requirements narrows which workers may be matched to a job. A field left
// at its zero value (or the literal "all") waives that check.
type Requirements struct {
	ServiceType string            `json:"serviceType,omitempty"`
	Component   string            `json:"component,omitempty"`
	Workflow    string            `json:"workflow,omitempty"`
	GPUMemoryGB int               `json:"gpuMemoryGb,omitempty"`
	CPUCores    int               `json:"cpuCores,omitempty"`
	RAMGB       int               `json:"ramGb,omitempty"`
	Models      map[string]string `json:"models,omitempty"` // service -> required model
}

// Job is the mutable aggregate tracked by the broker. Identity (ID) never
// changes; every other field is mutated only through broker operations.
type Job struct {
	ID              string         `json:"id"`
	ServiceRequired string         `json:"serviceRequired"`
	Priority        int            `json:"priority"`
	Payload         map[string]any `json:"payload"`
	Requirements    Requirements   `json:"requirements"`
	CustomerID      string         `json:"customerId,omitempty"`

	Status           Status         `json:"status"`
	WorkerID         string         `json:"workerId,omitempty"`
	AssignedAt       *int64         `json:"assignedAt,omitempty"` // ms epoch
	StartedAt        *int64         `json:"startedAt,omitempty"`
	CompletedAt      *int64         `json:"completedAt,omitempty"`
	FailedAt         *int64         `json:"failedAt,omitempty"`
	RetryCount       int            `json:"retryCount"`
	MaxRetries       int            `json:"maxRetries"`
	LastFailedWorker string         `json:"lastFailedWorker,omitempty"`
	Result           map[string]any `json:"result,omitempty"`
	Error            string         `json:"error,omitempty"`

	WorkflowID       string `json:"workflowId,omitempty"`
	WorkflowPriority int    `json:"workflowPriority"`
	WorkflowDatetime int64  `json:"workflowDatetime"` // ms epoch
	StepNumber       int    `json:"stepNumber,omitempty"`

	CreatedAt int64 `json:"createdAt"` // ms epoch
}

// CreateRequest is the submission-time shape accepted by the Admission
// Gateway, distinct from the persisted Job, the same way the teacher keeps
// CreateEventRequest separate from Event.
type CreateRequest struct {
	ServiceRequired string         `json:"serviceRequired" binding:"required"`
	Priority        int            `json:"priority" binding:"gte=0,lte=100"`
	Payload         map[string]any `json:"payload"`
	Requirements    Requirements   `json:"requirements"`
	CustomerID      string         `json:"customerId"`
	MaxRetries      int            `json:"maxRetries"`
	WorkflowID      string         `json:"workflowId"`
	StepNumber      int            `json:"stepNumber"`
}

// New constructs a PENDING job from a submission request. Workflow priority
// and workflow datetime are resolved by the broker during inheritance
// resolution (see internal/broker), not here.
func New(req CreateRequest, now time.Time) Job {
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return Job{
		ID:              uuid.NewString(),
		ServiceRequired: req.ServiceRequired,
		Priority:        req.Priority,
		Payload:         req.Payload,
		Requirements:    req.Requirements,
		CustomerID:      req.CustomerID,
		Status:          StatusPending,
		MaxRetries:      maxRetries,
		WorkflowID:      req.WorkflowID,
		StepNumber:      req.StepNumber,
		CreatedAt:       now.UnixMilli(),
	}
}

func (j Job) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(j)
}

func UnmarshalSnapshot(data []byte) (Job, error) {
	var j Job
	err := json.Unmarshal(data, &j)
	return j, err
}
