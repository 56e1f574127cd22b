// Package watcher polls the snapshot bucket for new uploads and starts a
// workflow for each one it has not seen before.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-delta-streamer/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/logging"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/snapshot"
)

// StartFunc launches the workflow for one upload. The watcher does not
// wait for it; the dataset lock serializes concurrent runs. Once the run
// has durably registered the upload's version the caller must Ack the
// storage key, or the upload is dispatched again after a restart.
type StartFunc func(ctx context.Context, ev snapshot.UploadEvent)

// Watcher polls for snapshot uploads. Dispatch is at-least-once: an
// upload is only checkpointed once acked, and re-dispatch of an unacked
// upload is deduplicated by version registration.
type Watcher struct {
	lister     snapshot.Lister
	checkpoint checkpoint.Manager
	start      StartFunc
	interval   time.Duration
	log        *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}    // process-lifetime dedup
	cp   *checkpoint.Checkpoint // durable: acked uploads and non-upload keys
}

// Config configures the watcher.
type Config struct {
	Interval time.Duration
}

// New creates a watcher. cpMgr may be a noop manager; then dedup only
// lasts for the process lifetime.
func New(lister snapshot.Lister, cpMgr checkpoint.Manager, cfg Config, start StartFunc) *Watcher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watcher{
		lister:     lister,
		checkpoint: cpMgr,
		start:      start,
		interval:   interval,
		log:        logging.Component("watcher"),
		seen:       make(map[string]struct{}),
		cp:         checkpoint.NewCheckpoint(),
	}
}

// Run polls until the context is cancelled. The first scan happens
// immediately.
func (w *Watcher) Run(ctx context.Context) error {
	cp, err := w.checkpoint.Load(ctx)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return err
		}
		cp = checkpoint.NewCheckpoint()
	} else {
		w.log.Info("resumed from checkpoint", "seen", len(cp.Seen))
	}

	w.mu.Lock()
	w.cp = cp
	for key := range cp.Seen {
		w.seen[key] = struct{}{}
	}
	w.mu.Unlock()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.scan(ctx); err != nil {
			w.log.Error("scan failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Ack durably records that an upload's version exists in the registry.
// The checkpoint is only advanced here: a crash between dispatch and
// registration leaves the key unacked, so the restarted watcher
// dispatches it again instead of skipping it forever.
func (w *Watcher) Ack(ctx context.Context, storageKey string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cp.Mark(storageKey)
	if err := w.checkpoint.Save(ctx, w.cp); err != nil {
		w.log.Warn("checkpoint save failed", "storage_key", storageKey, "error", err)
	}
}

// scan lists the bucket once and dispatches each unseen, well-formed
// upload.
func (w *Watcher) scan(ctx context.Context) error {
	objects, err := w.lister.List(ctx, "")
	if err != nil {
		return err
	}

	marked := 0
	for _, obj := range objects {
		w.mu.Lock()
		_, skip := w.seen[obj.Key]
		w.mu.Unlock()
		if skip {
			continue
		}

		ev, err := snapshot.ParseUploadKey(obj.Key)
		if err != nil {
			// Not an upload key. Remember it durably so it is not
			// re-parsed on every scan or after a restart.
			w.log.Debug("skipping object", "key", obj.Key, "error", err)
			w.mu.Lock()
			w.seen[obj.Key] = struct{}{}
			w.cp.Mark(obj.Key)
			w.mu.Unlock()
			marked++
			continue
		}
		ev.SizeBytes = obj.Size

		w.log.Info("new upload",
			"dataset_id", ev.DatasetID,
			"version", ev.Version,
			"storage_key", ev.StorageKey,
		)
		w.mu.Lock()
		w.seen[obj.Key] = struct{}{}
		w.mu.Unlock()
		w.start(ctx, ev)
	}

	if marked > 0 {
		w.mu.Lock()
		err := w.checkpoint.Save(ctx, w.cp)
		w.mu.Unlock()
		if err != nil {
			w.log.Warn("checkpoint save failed", "error", err)
		}
	}
	return nil
}
