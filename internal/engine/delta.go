package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/withObsrvr/obsrvr-delta-streamer/internal/metrics"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/registry"
)

// Engine resolves the comparison baseline from the version registry and
// drives the QueryEngine. It owns no durable state.
type Engine struct {
	registry registry.Registry
	qe       QueryEngine
	log      *slog.Logger
}

// New creates a delta engine.
func New(reg registry.Registry, qe QueryEngine) *Engine {
	return &Engine{
		registry: reg,
		qe:       qe,
		log:      slog.With("component", "delta-engine"),
	}
}

// ComputeDelta submits the comparison job for versionNew of a dataset.
//
// The baseline is the newest previously succeeded version. No baseline means
// a full load. A baseline registered after versionNew means an upload
// arrived out of order; that conflict is surfaced as ErrOutOfOrderVersion
// for the operator instead of guessing a resolution.
func (e *Engine) ComputeDelta(ctx context.Context, datasetID, table, versionNew string) (*DeltaJob, error) {
	newRec, err := e.registry.Get(ctx, datasetID, versionNew)
	if err != nil {
		return nil, fmt.Errorf("look up version %s: %w", versionNew, err)
	}

	oldRec, err := e.registry.LatestSucceeded(ctx, datasetID, versionNew)
	if err != nil {
		return nil, fmt.Errorf("look up baseline for %s: %w", datasetID, err)
	}

	spec := JobSpec{
		DatasetID:  datasetID,
		Table:      table,
		VersionNew: versionNew,
		NewKey:     newRec.StorageKey,
	}
	kind := "full_load"

	if oldRec != nil {
		if oldRec.Seq > newRec.Seq {
			return nil, fmt.Errorf("%w: %s succeeded after %s was registered",
				ErrOutOfOrderVersion, oldRec.Version, versionNew)
		}
		spec.VersionOld = oldRec.Version
		spec.OldKey = oldRec.StorageKey
		kind = "diff"
	}

	jobID, err := e.qe.Submit(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("submit delta job: %w", err)
	}

	if m := metrics.Get(); m != nil {
		m.IncDeltaJobSubmitted(datasetID, kind)
	}

	e.log.Info("submitted delta job",
		"job_id", jobID,
		"dataset_id", datasetID,
		"version_new", versionNew,
		"version_old", spec.VersionOld,
		"kind", kind,
	)

	return &DeltaJob{
		ID:         jobID,
		DatasetID:  datasetID,
		Table:      table,
		VersionOld: spec.VersionOld,
		VersionNew: versionNew,
		State:      JobQueued,
	}, nil
}

// PollStatus returns the job's current state without blocking. The caller
// owns the wait cadence.
func (e *Engine) PollStatus(ctx context.Context, jobID string) (JobState, error) {
	return e.qe.Status(ctx, jobID)
}

// Results pages through a succeeded job's change records.
func (e *Engine) Results(ctx context.Context, jobID, pageToken string) ([]ChangeRecord, string, error) {
	return e.qe.Results(ctx, jobID, pageToken)
}

// Cancel stops a job whose results are no longer wanted. Engines that
// cannot cancel ignore the request.
func (e *Engine) Cancel(jobID string) {
	if c, ok := e.qe.(interface{ Cancel(string) error }); ok {
		if err := c.Cancel(jobID); err != nil {
			e.log.Warn("cancel job failed", "job_id", jobID, "error", err)
		}
	}
}

// Forget releases a terminal job's buffered results.
func (e *Engine) Forget(jobID string) {
	if f, ok := e.qe.(interface{ Forget(string) }); ok {
		f.Forget(jobID)
	}
}
