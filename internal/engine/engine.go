// Package engine computes the change set between two snapshot versions of a
// dataset. Comparison runs as an asynchronous batch job behind the
// QueryEngine contract; the engine itself only submits jobs and reads their
// state and results.
package engine

import (
	"context"
	"errors"
)

// JobState is the lifecycle state of an asynchronous comparison job.
type JobState string

const (
	JobQueued    JobState = "QUEUED"
	JobRunning   JobState = "RUNNING"
	JobSucceeded JobState = "SUCCEEDED"
	JobFailed    JobState = "FAILED"
	JobCancelled JobState = "CANCELLED"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Op classifies one row-level change.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// ChangeRecord is one classified row-level change destined for the target
// store. Columns carries the new values for INSERT/UPDATE and is empty for
// DELETE.
type ChangeRecord struct {
	Op      Op                `json:"op"`
	Key     string            `json:"primary_key"`
	Columns map[string]string `json:"columns,omitempty"`
}

// JobSpec describes one comparison job. OldKey is empty for a full load.
type JobSpec struct {
	DatasetID  string
	Table      string
	VersionNew string
	NewKey     string
	VersionOld string
	OldKey     string
}

// FullLoad reports whether the job emits every new-version row as an INSERT.
func (s JobSpec) FullLoad() bool { return s.OldKey == "" }

var (
	// ErrNoSuchJob is returned for an unknown job ID.
	ErrNoSuchJob = errors.New("no such job")

	// ErrJobNotComplete is returned when results are requested before the
	// job reaches SUCCEEDED.
	ErrJobNotComplete = errors.New("job has not succeeded")

	// ErrBadPageToken is returned for an unparseable results page token.
	ErrBadPageToken = errors.New("bad page token")

	// ErrOutOfOrderVersion is returned when the newest succeeded version was
	// registered after the version being processed. The conflict is surfaced
	// rather than silently producing an empty delta.
	ErrOutOfOrderVersion = errors.New("out-of-order version arrival")
)

// QueryEngine is the batch query engine contract. Submit returns
// immediately; callers poll Status and page through Results once the job
// has succeeded.
type QueryEngine interface {
	Submit(ctx context.Context, spec JobSpec) (jobID string, err error)
	Status(ctx context.Context, jobID string) (JobState, error)
	Results(ctx context.Context, jobID, pageToken string) (rows []ChangeRecord, nextPageToken string, err error)
}

// DeltaJob is the transient handle for one comparison job. It exists only
// for the duration of one workflow run.
type DeltaJob struct {
	ID         string
	DatasetID  string
	Table      string
	VersionOld string // empty for a full load
	VersionNew string
	State      JobState
}
