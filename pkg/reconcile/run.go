package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
)

// RunStatus is the lifecycle state of one job run.
//
//	running → completed
//	        → failed
//	        → canceled
//	        → timeout
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
	RunStatusTimeout   RunStatus = "timeout"
)

func (s RunStatus) String() string { return string(s) }

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCanceled, RunStatusTimeout:
		return true
	default:
		return false
	}
}

// Run records one execution of a job.
type Run struct {
	ID        string     `json:"id"`
	Job       string     `json:"job"`
	Trigger   string     `json:"trigger"`
	Status    RunStatus  `json:"status"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Report    Report     `json:"report"`

	// ErrorMessage is set when a run did not complete.
	ErrorMessage string `json:"error_message,omitempty"`
}

// Run triggers.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

func newRun(job, trigger string, start time.Time) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Job:       job,
		Trigger:   trigger,
		Status:    RunStatusRunning,
		StartTime: start.UTC(),
	}
}

// finish moves the run to its terminal status.
func (r *Run) finish(end time.Time, rep Report, err error) {
	end = end.UTC()
	r.EndTime = &end
	r.Report = rep
	r.Status = statusFor(err)
	if err != nil {
		r.ErrorMessage = err.Error()
	}
}

// Duration is the run's wall-clock duration, measured to now while it is
// still running.
func (r *Run) Duration() time.Duration {
	if r.EndTime != nil {
		return r.EndTime.Sub(r.StartTime)
	}
	return time.Since(r.StartTime)
}

func statusFor(err error) RunStatus {
	switch {
	case err == nil:
		return RunStatusCompleted
	case errors.Is(err, context.DeadlineExceeded):
		return RunStatusTimeout
	case errors.Is(err, context.Canceled):
		return RunStatusCanceled
	case sserr.IsTimeout(err):
		return RunStatusTimeout
	default:
		return RunStatusFailed
	}
}
