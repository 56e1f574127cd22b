package archive

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/withObsrvr/obsrvr-delta-streamer/internal/engine"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/metrics"
)

const producerName = "obsrvr-delta-streamer"

// Archiver drains a succeeded delta job and writes it to the archive
// store as parquet plus a manifest.
type Archiver struct {
	qe      engine.QueryEngine
	store   *Store
	version string
	log     *slog.Logger
}

// NewArchiver creates an archiver. version labels the producer in
// manifests, e.g. a build tag.
func NewArchiver(qe engine.QueryEngine, store *Store, version string) *Archiver {
	if version == "" {
		version = "dev"
	}
	return &Archiver{
		qe:      qe,
		store:   store,
		version: version,
		log:     slog.With("component", "archiver"),
	}
}

// Archive drains the job's result pages and writes the delta archive.
// Archives are immutable: an existing manifest short-circuits with
// ErrArchiveExists.
func (a *Archiver) Archive(ctx context.Context, ref Ref, jobID string) (*Manifest, error) {
	log := a.log.With("dataset_id", ref.DatasetID, "version", ref.VersionNew, "job_id", jobID)

	exists, err := a.store.Exists(ctx, ref)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s version %s", ErrArchiveExists, ref.DatasetID, ref.VersionNew)
	}

	var records []engine.ChangeRecord
	token := ""
	for {
		page, next, err := a.qe.Results(ctx, jobID, token)
		if err != nil {
			return nil, fmt.Errorf("fetch results for archive: %w", err)
		}
		records = append(records, page...)
		if next == "" {
			break
		}
		token = next
	}

	data, counts, err := EncodeParquet(ref, records)
	if err != nil {
		return nil, err
	}

	if err := a.store.WriteParquet(ctx, ref, data); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncArchiveError(ref.DatasetID)
		}
		return nil, err
	}

	manifest := &Manifest{
		Dataset: DatasetInfo{
			DatasetID:  ref.DatasetID,
			VersionOld: ref.VersionOld,
			VersionNew: ref.VersionNew,
			Kind:       ref.kind(),
		},
		File: FileInfo{
			File:     path.Base(ref.Path("")),
			Checksum: Checksum(data),
			RowCount: counts.Total(),
			ByteSize: int64(len(data)),
			Inserts:  counts.Inserts,
			Updates:  counts.Updates,
			Deletes:  counts.Deletes,
		},
		Producer: ProducerInfo{
			Name:    producerName,
			Version: a.version,
		},
		CreatedAt: time.Now().UTC(),
	}

	if err := a.store.WriteManifest(ctx, ref, manifest); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncArchiveError(ref.DatasetID)
		}
		return nil, err
	}

	if m := metrics.Get(); m != nil {
		m.IncDeltaArchived(ref.DatasetID)
	}
	log.Info("archived delta",
		"rows", counts.Total(),
		"bytes", len(data),
		"checksum", manifest.File.Checksum)

	return manifest, nil
}
