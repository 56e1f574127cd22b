package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-delta-streamer/internal/snapshot"
)

// LocalEngine implements QueryEngine with in-process jobs that load
// snapshots from object storage and diff them in a goroutine. Results are
// held in memory and paged out with numeric page tokens.
type LocalEngine struct {
	src      snapshot.Source
	pageSize int
	log      *slog.Logger

	mu   sync.Mutex
	jobs map[string]*localJob
}

type localJob struct {
	spec    JobSpec
	state   JobState
	results []ChangeRecord
	err     error
	cancel  context.CancelFunc
}

// NewLocalEngine creates an engine over the given snapshot source.
func NewLocalEngine(src snapshot.Source, pageSize int) *LocalEngine {
	if pageSize < 1 {
		pageSize = 100
	}
	return &LocalEngine{
		src:      src,
		pageSize: pageSize,
		log:      slog.With("component", "local-engine"),
		jobs:     make(map[string]*localJob),
	}
}

// Submit queues a comparison job and returns immediately.
func (e *LocalEngine) Submit(_ context.Context, spec JobSpec) (string, error) {
	if spec.NewKey == "" {
		return "", fmt.Errorf("job spec for %s has no new snapshot key", spec.DatasetID)
	}

	jobID := uuid.New().String()
	jobCtx, cancel := context.WithCancel(context.Background())

	job := &localJob{spec: spec, state: JobQueued, cancel: cancel}

	e.mu.Lock()
	e.jobs[jobID] = job
	e.mu.Unlock()

	go e.run(jobCtx, jobID, job)
	return jobID, nil
}

// run executes one job to a terminal state.
func (e *LocalEngine) run(ctx context.Context, jobID string, job *localJob) {
	e.setState(job, JobRunning)

	log := e.log.With("job_id", jobID, "dataset_id", job.spec.DatasetID)

	newRows, err := e.src.Load(ctx, job.spec.NewKey)
	if err != nil {
		e.fail(ctx, job, log, fmt.Errorf("load new snapshot: %w", err))
		return
	}

	var changes []ChangeRecord
	if job.spec.FullLoad() {
		changes = FullLoad(newRows)
	} else {
		oldRows, err := e.src.Load(ctx, job.spec.OldKey)
		if err != nil {
			e.fail(ctx, job, log, fmt.Errorf("load old snapshot: %w", err))
			return
		}
		changes = Diff(oldRows, newRows)
	}

	e.mu.Lock()
	if job.state == JobCancelled {
		e.mu.Unlock()
		return
	}
	job.results = changes
	job.state = JobSucceeded
	e.mu.Unlock()

	log.Info("delta job complete", "changes", len(changes), "new_rows", len(newRows))
}

// fail records a terminal failure, or CANCELLED when the context was cut.
func (e *LocalEngine) fail(ctx context.Context, job *localJob, log *slog.Logger, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if job.state == JobCancelled {
		return
	}
	if ctx.Err() != nil {
		job.state = JobCancelled
		return
	}
	job.state = JobFailed
	job.err = err
	log.Error("delta job failed", "error", err)
}

func (e *LocalEngine) setState(job *localJob, state JobState) {
	e.mu.Lock()
	if !job.state.Terminal() {
		job.state = state
	}
	e.mu.Unlock()
}

// Status returns the current job state without blocking.
func (e *LocalEngine) Status(_ context.Context, jobID string) (JobState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[jobID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSuchJob, jobID)
	}
	return job.state, nil
}

// Cancel moves a non-terminal job to CANCELLED and stops its work.
func (e *LocalEngine) Cancel(jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchJob, jobID)
	}
	if !job.state.Terminal() {
		job.state = JobCancelled
		job.cancel()
	}
	return nil
}

// Results returns one fixed-size page of a succeeded job's change records.
// An empty next token means the final page.
func (e *LocalEngine) Results(_ context.Context, jobID, pageToken string) ([]ChangeRecord, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[jobID]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNoSuchJob, jobID)
	}
	if job.state != JobSucceeded {
		return nil, "", fmt.Errorf("%w: job %s is %s", ErrJobNotComplete, jobID, job.state)
	}

	offset := 0
	if pageToken != "" {
		parsed, err := strconv.Atoi(pageToken)
		if err != nil || parsed < 0 || parsed > len(job.results) {
			return nil, "", fmt.Errorf("%w: %q", ErrBadPageToken, pageToken)
		}
		offset = parsed
	}

	end := offset + e.pageSize
	if end > len(job.results) {
		end = len(job.results)
	}

	page := make([]ChangeRecord, end-offset)
	copy(page, job.results[offset:end])

	next := ""
	if end < len(job.results) {
		next = strconv.Itoa(end)
	}
	return page, next, nil
}

// Forget drops a terminal job's results from memory.
func (e *LocalEngine) Forget(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if job, ok := e.jobs[jobID]; ok && job.state.Terminal() {
		delete(e.jobs, jobID)
	}
}
