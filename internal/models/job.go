package models

import (
	"fmt"
	"time"
)

// Job describes a scheduled unit of work. The handler itself is registered
// with the scheduler; Job carries only the metadata that is persisted and
// listed through the admin surface.
type Job struct {
	// Name is unique per owner.
	Name string `json:"name"`
	// Owner is the logical worker id responsible for the job.
	Owner string `json:"owner"`
	// Cadence is the minimum interval between runs. It must be an integer
	// multiple of the scheduler's base tick.
	Cadence time.Duration `json:"cadence"`
	// Budget is the estimated cost of one run in cycle budget units. Zero
	// means the job is free: it is always admitted and never counts
	// against the cycle ceiling.
	Budget int `json:"budget"`
	// Timeout is the maximum wall-clock duration of one run.
	Timeout time.Duration `json:"timeout"`
	// Priority is owner-declared importance; higher runs first under budget
	// pressure. Ties break by cadence ascending.
	Priority int `json:"priority"`
	// Resource optionally names a shared resource; jobs with the same
	// resource key never run concurrently.
	Resource string `json:"resource,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// Key identifies a job in the registry.
func (j Job) Key() JobKey {
	return JobKey{Owner: j.Owner, Name: j.Name}
}

// JobKey is the (owner, name) pair jobs are addressed by.
type JobKey struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

func (k JobKey) String() string {
	return k.Owner + "/" + k.Name
}

// JobStatus is the outcome class of one job execution.
type JobStatus int

const (
	JobStatusSuccess JobStatus = iota
	JobStatusError
	JobStatusTimeout
	JobStatusSkipped
)

func (s JobStatus) String() string {
	switch s {
	case JobStatusSuccess:
		return "success"
	case JobStatusError:
		return "error"
	case JobStatusTimeout:
		return "timeout"
	case JobStatusSkipped:
		return "skipped"
	default:
		// Should never happen.
		return "unknown"
	}
}

// ParseJobStatus converts a stored status string back to the enum.
func ParseJobStatus(s string) (JobStatus, error) {
	switch s {
	case "success":
		return JobStatusSuccess, nil
	case "error":
		return JobStatusError, nil
	case "timeout":
		return JobStatusTimeout, nil
	case "skipped":
		return JobStatusSkipped, nil
	default:
		return 0, fmt.Errorf("unknown job status: %q", s)
	}
}

// Result is the structured value a job handler returns on success.
type Result struct {
	// Summary is a short human-readable description of what the run did.
	Summary string `json:"summary"`
	// Mutated is the number of records the run changed, for bounded passes.
	Mutated int `json:"mutated,omitempty"`
}

// JobResult records the outcome of one job within one cycle. Immutable once
// written.
type JobResult struct {
	JobName     string    `json:"jobName"`
	Owner       string    `json:"owner"`
	Status      JobStatus `json:"status"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	Summary     string    `json:"summary,omitempty"`
	ErrorDetail string    `json:"errorDetail,omitempty"`
}
