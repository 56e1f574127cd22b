// Package workflow orchestrates one upload's journey from registration to
// published delta. The workflow is a state machine: each Tick performs one
// step and reports how long to wait before the next one, so the caller owns
// all sleeping and cancellation.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-delta-streamer/internal/archive"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/engine"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/lock"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/logging"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/metrics"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/registry"
)

// ErrPollTimeout is returned when a delta job stays non-terminal past the
// configured poll budget. The version is marked FAILED; the job itself may
// still finish, but its results are never published.
var ErrPollTimeout = errors.New("delta job poll timeout")

// releaseAttempts bounds lock release retries. The lock TTL is the
// backstop if all attempts fail.
const releaseAttempts = 3

// DeltaEngine is the slice of the delta engine the workflow drives.
type DeltaEngine interface {
	ComputeDelta(ctx context.Context, datasetID, table, versionNew string) (*engine.DeltaJob, error)
	PollStatus(ctx context.Context, jobID string) (engine.JobState, error)

	// Cancel stops a job that will no longer be consumed; Forget releases
	// its buffered results. Both are best effort.
	Cancel(jobID string)
	Forget(jobID string)
}

// ResultPublisher emits a succeeded job's records onto the change stream.
type ResultPublisher interface {
	Publish(ctx context.Context, datasetID, jobID string) (int, error)
}

// DeltaArchiver persists a succeeded job's delta to the archive store.
type DeltaArchiver interface {
	Archive(ctx context.Context, ref archive.Ref, jobID string) (*archive.Manifest, error)
}

// Config holds the workflow's timing knobs.
type Config struct {
	LockTTL           time.Duration
	LockRetryInterval time.Duration
	PollInterval      time.Duration
	MaxPollDuration   time.Duration
}

// Workflow runs one upload through the delta pipeline. Not safe for
// concurrent use; each upload gets its own instance.
type Workflow struct {
	reg   registry.Registry
	locks lock.Manager
	eng   DeltaEngine
	pub   ResultPublisher
	arch  DeltaArchiver // nil disables archiving
	cfg   Config

	msg        *Message
	state      State
	ownerToken string
	outcome    registry.Status
	runErr     error
	registered bool

	startedAt     time.Time
	pollStartedAt time.Time

	log *slog.Logger
}

// New creates a workflow for one upload. The owner token is unique per
// run so a crashed run's stale lock can never be released by accident.
func New(reg registry.Registry, locks lock.Manager, eng DeltaEngine, pub ResultPublisher, arch DeltaArchiver, cfg Config, msg *Message) *Workflow {
	if msg.RequestID == "" {
		msg.RequestID = logging.GenerateCorrelationID()
	}

	w := &Workflow{
		reg:        reg,
		locks:      locks,
		eng:        eng,
		pub:        pub,
		arch:       arch,
		cfg:        cfg,
		msg:        msg,
		state:      StateRegister,
		ownerToken: uuid.NewString(),
		startedAt:  time.Now(),
		log:        logging.WorkflowLogger(msg.RequestID, msg.DatasetID, msg.Version),
	}

	if m := metrics.Get(); m != nil {
		m.IncWorkflowStarted(msg.DatasetID)
	}
	return w
}

// State returns the current state, for logging and tests.
func (w *Workflow) State() State {
	return w.state
}

// Message returns the run record.
func (w *Workflow) Message() *Message {
	return w.msg
}

// Registered reports whether the upload's version is durably in the
// registry, written by this run or by an earlier one. Callers use it to
// decide whether re-dispatching the upload would be redundant.
func (w *Workflow) Registered() bool {
	return w.registered
}

// Tick performs one step. It returns how long the caller should wait
// before the next Tick and whether the workflow is finished. A non-nil
// error is only returned together with done=true.
func (w *Workflow) Tick(ctx context.Context) (wait time.Duration, done bool, err error) {
	switch w.state {
	case StateRegister:
		return w.tickRegister(ctx)
	case StateAcquireLock:
		return w.tickAcquireLock(ctx)
	case StateComputeDelta:
		return w.tickComputeDelta(ctx)
	case StatePollStatus:
		return w.tickPollStatus(ctx)
	case StatePublish:
		return w.tickPublish(ctx)
	case StateReleaseLock:
		return w.tickReleaseLock(ctx)
	case StateDone:
		return 0, true, w.runErr
	default:
		return 0, true, fmt.Errorf("unknown workflow state %q", w.state)
	}
}

// tickRegister records the version. A duplicate means another run already
// owns this upload: the workflow ends without touching the lock or the
// existing record's status.
func (w *Workflow) tickRegister(ctx context.Context) (time.Duration, bool, error) {
	rec := registry.VersionRecord{
		DatasetID:   w.msg.DatasetID,
		Version:     w.msg.Version,
		StorageKey:  w.msg.StorageKey,
		Path:        w.msg.Path,
		FileName:    w.msg.FileName,
		SizeBytes:   w.msg.SizeBytes,
		ContentHash: w.msg.ContentHash,
		Status:      registry.StatusPending,
	}

	if err := w.reg.Register(ctx, rec); err != nil {
		if errors.Is(err, registry.ErrDuplicateVersion) {
			w.registered = true
			w.log.Info("version already registered, dropping run")
			return w.finish(err)
		}
		return w.finish(fmt.Errorf("register version: %w", err))
	}

	w.registered = true
	w.log.Info("registered version", "storage_key", w.msg.StorageKey)
	w.state = StateAcquireLock
	return 0, false, nil
}

// tickAcquireLock takes the dataset lock. Contention is not an error;
// the run waits and tries again.
func (w *Workflow) tickAcquireLock(ctx context.Context) (time.Duration, bool, error) {
	if m := metrics.Get(); m != nil {
		m.IncLockAttempt(w.msg.DatasetID)
	}

	ok, err := w.locks.Acquire(ctx, w.msg.DatasetID, w.ownerToken, w.cfg.LockTTL)
	if err != nil {
		w.log.Warn("lock acquire failed, retrying", "error", err)
		return w.cfg.LockRetryInterval, false, nil
	}
	if !ok {
		if m := metrics.Get(); m != nil {
			m.IncLockContention(w.msg.DatasetID)
		}
		w.log.Debug("dataset locked by another run, waiting")
		return w.cfg.LockRetryInterval, false, nil
	}

	w.msg.Locked = true
	w.state = StateComputeDelta
	return 0, false, nil
}

// tickComputeDelta resolves the baseline and submits the comparison job.
func (w *Workflow) tickComputeDelta(ctx context.Context) (time.Duration, bool, error) {
	job, err := w.eng.ComputeDelta(ctx, w.msg.DatasetID, w.msg.Table, w.msg.Version)
	if err != nil {
		if errors.Is(err, engine.ErrOutOfOrderVersion) {
			w.log.Warn("upload arrived out of order", "error", err)
			return w.fail(registry.StatusOutOfOrder, err)
		}
		return w.fail(registry.StatusFailed, fmt.Errorf("compute delta: %w", err))
	}

	w.msg.JobID = job.ID
	w.msg.VersionOld = job.VersionOld
	w.msg.JobState = job.State
	w.pollStartedAt = time.Now()
	w.state = StatePollStatus
	return 0, false, nil
}

// tickPollStatus checks the job once. The poll budget bounds how long a
// stuck job can hold the dataset lock chain hostage.
func (w *Workflow) tickPollStatus(ctx context.Context) (time.Duration, bool, error) {
	if time.Since(w.pollStartedAt) > w.cfg.MaxPollDuration {
		w.eng.Cancel(w.msg.JobID)
		return w.fail(registry.StatusFailed,
			fmt.Errorf("%w: job %s after %s", ErrPollTimeout, w.msg.JobID, w.cfg.MaxPollDuration))
	}

	if m := metrics.Get(); m != nil {
		m.IncPollTick(w.msg.DatasetID)
	}

	st, err := w.eng.PollStatus(ctx, w.msg.JobID)
	if err != nil {
		return w.fail(registry.StatusFailed, fmt.Errorf("poll job %s: %w", w.msg.JobID, err))
	}
	w.msg.JobState = st

	if !st.Terminal() {
		return w.cfg.PollInterval, false, nil
	}

	if m := metrics.Get(); m != nil {
		m.ObserveDeltaJobDuration(w.msg.DatasetID, time.Since(w.pollStartedAt).Seconds())
	}

	if st != engine.JobSucceeded {
		return w.fail(registry.StatusFailed,
			fmt.Errorf("delta job %s ended %s", w.msg.JobID, st))
	}

	w.state = StatePublish
	return 0, false, nil
}

// tickPublish drains the job's results onto the stream, then archives the
// delta. Archiving is best effort: the stream is the product, the archive
// is a copy.
func (w *Workflow) tickPublish(ctx context.Context) (time.Duration, bool, error) {
	n, err := w.pub.Publish(ctx, w.msg.DatasetID, w.msg.JobID)
	if err != nil {
		return w.fail(registry.StatusFailed, fmt.Errorf("publish delta: %w", err))
	}
	w.msg.Published = n
	w.outcome = registry.StatusSucceeded

	if w.arch != nil {
		ref := archive.Ref{
			DatasetID:  w.msg.DatasetID,
			VersionOld: w.msg.VersionOld,
			VersionNew: w.msg.Version,
		}
		if _, err := w.arch.Archive(ctx, ref, w.msg.JobID); err != nil {
			w.log.Warn("delta archive failed", "error", err)
		}
	}

	w.state = StateReleaseLock
	return 0, false, nil
}

// tickReleaseLock records the outcome, then drops the lock. The outcome is
// written while still holding the lock so the next run for this dataset
// observes the final baseline.
func (w *Workflow) tickReleaseLock(ctx context.Context) (time.Duration, bool, error) {
	if w.outcome != "" {
		if err := w.reg.MarkOutcome(ctx, w.msg.DatasetID, w.msg.Version, w.outcome); err != nil {
			w.log.Error("mark outcome failed", "status", w.outcome, "error", err)
			if w.runErr == nil {
				w.runErr = fmt.Errorf("mark outcome %s: %w", w.outcome, err)
			}
		}
	}

	w.releaseLock(ctx)
	return w.finish(w.runErr)
}

// releaseLock drops the dataset lock with bounded retries. On persistent
// failure the lock TTL expires it.
func (w *Workflow) releaseLock(ctx context.Context) {
	if !w.msg.Locked {
		return
	}

	var err error
	for attempt := 1; attempt <= releaseAttempts; attempt++ {
		err = w.locks.Release(ctx, w.msg.DatasetID, w.ownerToken)
		if err == nil {
			w.msg.Locked = false
			return
		}
		w.log.Warn("lock release failed", "attempt", attempt, "error", err)
	}
	w.log.Error("lock release exhausted retries, waiting out TTL", "error", err)
}

// fail records the terminal status and routes through lock release.
func (w *Workflow) fail(status registry.Status, err error) (time.Duration, bool, error) {
	w.outcome = status
	w.runErr = err
	w.state = StateReleaseLock
	return 0, false, nil
}

// finish moves to Done and emits the closing metrics and log line.
func (w *Workflow) finish(err error) (time.Duration, bool, error) {
	w.state = StateDone
	w.runErr = err

	if w.msg.JobID != "" {
		w.eng.Forget(w.msg.JobID)
	}

	outcome := string(w.outcome)
	if outcome == "" {
		outcome = string(registry.StatusNone)
	}
	if m := metrics.Get(); m != nil {
		m.IncWorkflowOutcome(w.msg.DatasetID, outcome)
		m.ObserveWorkflowDuration(w.msg.DatasetID, time.Since(w.startedAt).Seconds())
	}

	if err != nil {
		w.log.Warn("workflow finished", "outcome", outcome, "error", err)
	} else {
		w.log.Info("workflow finished", "outcome", outcome, "published", w.msg.Published)
	}
	return 0, true, err
}
