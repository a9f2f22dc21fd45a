package broker

// priorityMultiplier strictly dominates the time term: timestamps in
// seconds since epoch fit well under 1e11, so a higher-priority job always
// outranks a lower-priority one regardless of age. Subtracting the
// timestamp makes older jobs rank higher at equal priority (FIFO within a
// priority band). See spec §4.1 "Queue score formula".
const priorityMultiplier = 1_000_000_000_000_000 // 10^15

// Score computes the sortable number for a pending/unworkable job. The
// queue is a max-ordered sorted set: highest score is claimed first.
//
// Using workflowDatetimeMs (not created_at) keeps every step of a workflow
// clustered at the workflow's original position regardless of when later
// steps are submitted — that clustering is the entire point of workflow
// priority inheritance.
func Score(workflowPriority int, workflowDatetimeMs int64) float64 {
	return float64(workflowPriority)*priorityMultiplier - float64(workflowDatetimeMs/1000)
}
