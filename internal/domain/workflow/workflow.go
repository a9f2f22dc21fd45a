// Package workflow holds the grouping metadata that later job submissions
// inherit: priority and submission time, so every step of a multi-step task
// clusters at the workflow's original queue position.
package workflow

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Metadata struct {
	WorkflowID  string `json:"workflowId"`
	Priority    int    `json:"priority"`
	SubmittedAt int64  `json:"submittedAt"` // ms epoch
	Status      Status `json:"status"`
}
