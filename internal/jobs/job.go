// Package jobs implements the on-disk job registry (jobs.json) shared with
// the external cron-style scheduler. The orchestrator only writes this
// file when a task file is scheduled for recurring runs; reading it back
// to drive execution is the external scheduler's job.
package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the standard five-field form the external scheduler
// expects (minute hour dom month dow); it is used only to reject
// malformed expressions early, never to fire jobs itself.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// JobStatus tracks the orchestrator's view of a scheduled job. The external
// scheduler owns firing; this is purely informational for `orchestrate
// status`/`orchestrate unschedule`.
type JobStatus string

const (
	JobStatusEnabled  JobStatus = "enabled"
	JobStatusDisabled JobStatus = "disabled"
)

// IsValid reports whether s is one of the known statuses.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusEnabled, JobStatusDisabled:
		return true
	default:
		return false
	}
}

// Job is one row of the shared job registry. Field names and JSON tags match
// the wire format the external scheduler reads (Name, Cron, Command, Workdir,
// Enabled, Description, CreatedAt); the remaining fields are orchestrator-only
// bookkeeping the external scheduler is free to ignore.
type Job struct {
	Name        string    `json:"name" yaml:"name"`
	Cron        string    `json:"cron" yaml:"cron"`
	Command     string    `json:"command" yaml:"command"`
	Workdir     string    `json:"workdir" yaml:"workdir"`
	Enabled     bool      `json:"enabled" yaml:"enabled"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`

	Status    JobStatus `json:"status,omitempty" yaml:"status,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
	LastRun   time.Time `json:"last_run,omitempty" yaml:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty" yaml:"next_run,omitempty"`
	LastError string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// ErrJobNotFound is returned (wrapped) by Registry operations referencing an
// unknown job name.
var ErrJobNotFound = errors.New("job not found")

// Validate checks the required fields of a Job before it is persisted.
func (j Job) Validate() error {
	if j.Name == "" {
		return errors.New("jobs: name is required")
	}
	if j.Cron == "" {
		return errors.New("jobs: cron expression is required")
	}
	if _, err := cronParser.Parse(j.Cron); err != nil {
		return fmt.Errorf("jobs: invalid cron expression %q: %w", j.Cron, err)
	}
	if j.Command == "" {
		return errors.New("jobs: command is required")
	}
	if j.Status != "" && !j.Status.IsValid() {
		return errors.New("jobs: invalid status " + string(j.Status))
	}
	return nil
}
