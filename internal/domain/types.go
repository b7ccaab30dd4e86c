package domain

import (
	"encoding/json"
	"time"
)

// Task is one unit of work on the durable queue. The queue guarantees
// at-least-once delivery with a visibility timeout; consumers key their
// processing on the payload's execution id to tolerate redelivery.
type Task struct {
	ID                string
	Type              string
	Payload           []byte
	Priority          int
	Attempts          int
	MaxAttempts       int
	State             string
	NextRunAt         time.Time
	VisibilityTimeout int // seconds
	IdempotencyKey    *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ScheduleStatus is the lifecycle state of a schedule.
type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	SchedulePaused    ScheduleStatus = "paused"
	ScheduleDisabled  ScheduleStatus = "disabled"
	ScheduleCompleted ScheduleStatus = "completed"
)

// Schedule is a recurring intent to execute a report and distribute its
// output. NextRun is nil until first computed and becomes nil again once
// the schedule is exhausted (past EndDate) or inactive.
type Schedule struct {
	ID             string
	ReportID       string
	Owner          string
	CronExpr       string
	Timezone       string
	StartDate      *time.Time
	EndDate        *time.Time
	Status         ScheduleStatus
	MaxRetries     int
	RetryDelaySecs int
	TimeoutSecs    int
	OutputFormats  []Format
	Parameters     json.RawMessage
	RunCount       int
	FailureCount   int
	LastRun        *time.Time
	NextRun        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Format is a report output format.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatExcel Format = "xlsx"
	FormatPDF   Format = "pdf"
)

// KnownFormat reports whether f is a supported output format.
func KnownFormat(f Format) bool {
	switch f {
	case FormatCSV, FormatJSON, FormatExcel, FormatPDF:
		return true
	}
	return false
}

// DistributionType tags a delivery channel.
type DistributionType string

const (
	DistEmail         DistributionType = "email"
	DistFileSystem    DistributionType = "filesystem"
	DistSFTP          DistributionType = "sftp"
	DistObjectStorage DistributionType = "object_storage"
	DistWebhook       DistributionType = "webhook"
)

// Distribution is one delivery target configured on a schedule. Config
// holds the type-specific destination (recipients, path, host, bucket,
// URL) and a credential reference, never raw secrets.
type Distribution struct {
	ID             string
	ScheduleID     string
	Type           DistributionType
	Format         Format
	Config         json.RawMessage
	IsBursting     bool
	BurstField     string
	BurstConfig    json.RawMessage
	IsActive       bool
	LastSuccess    *time.Time
	LastFailure    *time.Time
	FailureMessage string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExecutionStatus is the state of one schedule firing.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further work on the firing.
// A failed cycle with retry budget left is re-opened as a new pending cycle
// by the tracker; that is not a transition out of failed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionSucceeded || s == ExecutionFailed || s == ExecutionCancelled
}

// Execution is one firing of a schedule, including its retry cycles.
type Execution struct {
	ID              string
	ScheduleID      string
	Status          ExecutionStatus
	FiringAt        time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationMs      int64
	RetryCount      int
	Artifacts       []ArtifactRef
	DeliveryResults map[string]DeliveryResult
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ArtifactRef points at one rendered artifact of an execution.
type ArtifactRef struct {
	Format   Format `json:"format"`
	Filename string `json:"filename"`
	Path     string `json:"path,omitempty"`
	Bytes    int64  `json:"bytes"`
}

// DeliveryResult is the per-distribution outcome of a firing.
type DeliveryResult struct {
	DistributionID string    `json:"distribution_id"`
	Success        bool      `json:"success"`
	Detail         string    `json:"detail,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// AuditEntry is one immutable record of a state transition or delivery
// attempt, exposed through the schedule logs surface.
type AuditEntry struct {
	ID          int64
	ScheduleID  string
	ExecutionID string
	Event       string
	Message     string
	Details     json.RawMessage
	CreatedAt   time.Time
}

// Audit event types.
const (
	EventExecutionOpened    = "execution_opened"
	EventExecutionRunning   = "execution_running"
	EventExecutionSucceeded = "execution_succeeded"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventRetryScheduled     = "retry_scheduled"
	EventDeliveryAttempt    = "delivery_attempt"
	EventSecurityAlert      = "security_alert"
	EventScheduleCompleted  = "schedule_completed"
)

// Report anchors burst-field validation and the executor boundary.
// Fields lists the column names the report's query yields.
type Report struct {
	ID        string
	Name      string
	Query     string
	Fields    []string
	CreatedAt time.Time
}

// HasField reports whether name is a column of the report.
func (r Report) HasField(name string) bool {
	for _, f := range r.Fields {
		if f == name {
			return true
		}
	}
	return false
}
