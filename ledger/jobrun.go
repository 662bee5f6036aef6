/*
jobrun.go - Execution records for scheduled jobs

Each clearing or payout run persists one JobRun row: when it started,
how it was triggered, and per-item success/failure counts. These power
the job history endpoints and let operators tell "nothing eligible"
apart from "job never ran".
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Job names as recorded on JobRun rows.
const (
	JobClearing = "clearing"
	JobPayouts  = "payouts"
)

// Run triggers.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// JobRunStatus is the lifecycle of one run.
type JobRunStatus string

const (
	JobRunRunning   JobRunStatus = "running"
	JobRunCompleted JobRunStatus = "completed"
	JobRunFailed    JobRunStatus = "failed"
)

// JobRun is one execution of a scheduled job.
type JobRun struct {
	ID      string
	Job     string
	Trigger string
	Status  JobRunStatus

	StartedAt   time.Time
	CompletedAt *time.Time

	// Per-item accounting. TotalProcessed = SuccessCount + FailureCount.
	TotalProcessed int
	SuccessCount   int
	FailureCount   int

	// Error is set when the run as a whole failed, as opposed to
	// individual items failing.
	Error string
}

// NewJobRun starts a run record in the running state.
func NewJobRun(job, trigger string, now time.Time) JobRun {
	return JobRun{
		ID:        uuid.NewString(),
		Job:       job,
		Trigger:   trigger,
		Status:    JobRunRunning,
		StartedAt: now,
	}
}
