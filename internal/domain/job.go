package domain

import "time"

// TaskTypeRunReport is the queue task type for one schedule firing.
const TaskTypeRunReport = "report.run"

// RunJob is the queue payload for a firing. ExecutionID is fixed at
// enqueue time so redeliveries and retry cycles converge on one
// execution record.
type RunJob struct {
	ScheduleID  string    `json:"schedule_id"`
	ExecutionID string    `json:"execution_id"`
	FiringAt    time.Time `json:"firing_at"`
}
