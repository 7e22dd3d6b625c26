// ABOUTME: Store data types for stream-gateway persistence
// ABOUTME: Defines job status records and agent connection routes

package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/stream-gateway/internal/rpcerror"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrJobNotFound is returned for a job that was never recorded. It matches ErrNotFound.
var ErrJobNotFound = fmt.Errorf("%w: %w", rpcerror.ErrJobNotFound, ErrNotFound)

// ErrInvalidStatus is returned for a job status name that is not recognized
var ErrInvalidStatus = fmt.Errorf("invalid job status: %w", rpcerror.ErrConstraintViolation)

// ErrStatusMismatch is returned when a job is not in the status a change expects
var ErrStatusMismatch = fmt.Errorf("unexpected current status: %w", rpcerror.ErrInvalidStatus)

// JobStatus is the lifecycle state of a job
type JobStatus string

const (
	JobStatusReserved  JobStatus = "RESERVED"
	JobStatusResolved  JobStatus = "RESOLVED"
	JobStatusAccepted  JobStatus = "ACCEPTED"
	JobStatusClaimed   JobStatus = "CLAIMED"
	JobStatusInit      JobStatus = "INIT"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusKilled    JobStatus = "KILLED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusInvalid   JobStatus = "INVALID"
)

var jobStatuses = []JobStatus{
	JobStatusReserved,
	JobStatusResolved,
	JobStatusAccepted,
	JobStatusClaimed,
	JobStatusInit,
	JobStatusRunning,
	JobStatusSucceeded,
	JobStatusKilled,
	JobStatusFailed,
	JobStatusInvalid,
}

// ParseJobStatus parses a status name, ignoring case
func ParseJobStatus(s string) (JobStatus, error) {
	upper := JobStatus(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range jobStatuses {
		if st == upper {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// IsFinished reports whether the status is final
func (s JobStatus) IsFinished() bool {
	switch s {
	case JobStatusSucceeded, JobStatusKilled, JobStatusFailed, JobStatusInvalid:
		return true
	default:
		return false
	}
}

// Job is the last known status of a job
type Job struct {
	ID            string
	Status        JobStatus
	StatusMessage string
	UpdatedAt     time.Time
}

// AgentConnection records which server holds the live agent stream for a job
type AgentConnection struct {
	JobID     string
	ServerID  string
	UpdatedAt time.Time
}
