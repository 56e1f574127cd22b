package applier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-delta-streamer/internal/engine"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/logging"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/metrics"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/stream"
)

// Config holds the applier's batching and retry knobs.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxAttempts   int
}

// item pairs a stream record with its decoded change record.
type item struct {
	rec    stream.Record
	change engine.ChangeRecord
}

// Applier fans stream records out to one worker per partition key. Each
// worker applies its records strictly in arrival order, so per-dataset
// ordering survives batching and retries.
type Applier struct {
	consumer stream.Consumer
	target   TargetStore
	sink     Sink
	cfg      Config
	log      *slog.Logger

	mu      sync.Mutex
	workers map[string]chan stream.Record
	wg      sync.WaitGroup
}

// New creates an applier. A nil sink disables dead lettering in favor of
// log-and-drop.
func New(consumer stream.Consumer, target TargetStore, sink Sink, cfg Config) *Applier {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if sink == nil {
		sink = NoopSink{}
	}
	return &Applier{
		consumer: consumer,
		target:   target,
		sink:     sink,
		cfg:      cfg,
		log:      slog.With("component", "applier"),
		workers:  make(map[string]chan stream.Record),
	}
}

// Run fetches records and routes them to partition workers until the
// context is cancelled or the stream closes. Workers drain their queues
// before Run returns.
func (a *Applier) Run(ctx context.Context) error {
	defer a.shutdown()

	for {
		rec, err := a.consumer.Fetch(ctx)
		if err != nil {
			if errors.Is(err, stream.ErrStreamClosed) {
				a.log.Info("stream closed, draining workers")
				return nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			a.log.Error("fetch failed", "error", err)
			return fmt.Errorf("fetch record: %w", err)
		}

		select {
		case a.worker(ctx, rec.PartitionKey) <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// worker returns the partition's queue, starting the worker goroutine on
// first use.
func (a *Applier) worker(ctx context.Context, partitionKey string) chan stream.Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch, ok := a.workers[partitionKey]
	if !ok {
		ch = make(chan stream.Record, a.cfg.BatchSize*2)
		a.workers[partitionKey] = ch
		if m := metrics.Get(); m != nil {
			m.SetActivePartitions(float64(len(a.workers)))
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.runWorker(ctx, partitionKey, ch)
		}()
	}
	return ch
}

// shutdown closes all worker queues and waits for them to drain.
func (a *Applier) shutdown() {
	a.mu.Lock()
	for _, ch := range a.workers {
		close(ch)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// runWorker accumulates records into batches and flushes on size or the
// flush interval, whichever comes first.
func (a *Applier) runWorker(ctx context.Context, partitionKey string, in <-chan stream.Record) {
	log := logging.PartitionLogger(partitionKey)
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	var batch []stream.Record
	flush := func() {
		if len(batch) == 0 {
			return
		}
		a.applyBatch(ctx, partitionKey, log, batch)
		batch = nil
	}

	for {
		select {
		case rec, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= a.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// applyBatch decodes, applies, and commits one batch. Malformed payloads
// go straight to the dead-letter sink; apply failures are isolated by
// bisection so one bad record never blocks the partition.
func (a *Applier) applyBatch(ctx context.Context, partitionKey string, log *slog.Logger, batch []stream.Record) {
	items := make([]item, 0, len(batch))
	for _, rec := range batch {
		var change engine.ChangeRecord
		if err := json.Unmarshal(rec.Payload, &change); err != nil {
			a.deadLetter(ctx, log, rec, 1, fmt.Sprintf("malformed payload: %v", err))
			a.commit(ctx, log, rec)
			continue
		}
		items = append(items, item{rec: rec, change: change})
	}

	a.apply(ctx, partitionKey, log, items)

	for _, it := range items {
		a.commit(ctx, log, it.rec)
	}
}

// apply writes items to the target. A single item gets MaxAttempts tries
// then goes to the dead-letter sink; a larger slice is bisected, left half
// before right half, which preserves ordering for every key. Attempts are
// counted per record, not per bisection level, so a record reached deep in
// a large batch is retried the same as one flushed alone.
func (a *Applier) apply(ctx context.Context, partitionKey string, log *slog.Logger, items []item) {
	if len(items) == 0 {
		return
	}

	if len(items) == 1 {
		it := items[0]
		var err error
		for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
			err = a.applyOne(ctx, partitionKey, it.change)
			if err == nil {
				if m := metrics.Get(); m != nil {
					m.IncRecordApplied(partitionKey, string(it.change.Op))
				}
				return
			}
			if m := metrics.Get(); m != nil {
				m.IncApplyRetry(partitionKey)
			}
		}
		a.deadLetter(ctx, log, it.rec, a.cfg.MaxAttempts, err.Error())
		return
	}

	if err := a.applyAll(ctx, partitionKey, items); err == nil {
		if m := metrics.Get(); m != nil {
			for _, it := range items {
				m.IncRecordApplied(partitionKey, string(it.change.Op))
			}
		}
		return
	}

	if m := metrics.Get(); m != nil {
		m.IncApplyRetry(partitionKey)
	}
	mid := len(items) / 2
	a.apply(ctx, partitionKey, log, items[:mid])
	a.apply(ctx, partitionKey, log, items[mid:])
}

// applyAll writes items sequentially, stopping at the first error. The
// target's idempotence makes re-application after bisection safe.
func (a *Applier) applyAll(ctx context.Context, partitionKey string, items []item) error {
	for _, it := range items {
		if err := a.applyOne(ctx, partitionKey, it.change); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) applyOne(ctx context.Context, partitionKey string, change engine.ChangeRecord) error {
	switch change.Op {
	case engine.OpInsert, engine.OpUpdate:
		return a.target.Upsert(ctx, partitionKey, change.Key, change.Columns)
	case engine.OpDelete:
		return a.target.Delete(ctx, partitionKey, change.Key)
	default:
		return fmt.Errorf("unknown operation %q", change.Op)
	}
}

func (a *Applier) deadLetter(ctx context.Context, log *slog.Logger, rec stream.Record, attempts int, reason string) {
	dl := DeadLetter{
		PartitionKey: rec.PartitionKey,
		Payload:      json.RawMessage(rec.Payload),
		Reason:       reason,
		Attempts:     attempts,
		FailedAt:     time.Now().UTC(),
	}
	if err := a.sink.Emit(ctx, dl); err != nil {
		log.Error("dead letter emit failed", "reason", reason, "error", err)
		return
	}
	if m := metrics.Get(); m != nil {
		m.IncRecordDeadLettered(rec.PartitionKey)
	}
	log.Warn("record dead lettered", "attempts", attempts, "reason", reason)
}

func (a *Applier) commit(ctx context.Context, log *slog.Logger, rec stream.Record) {
	if err := a.consumer.Commit(ctx, rec); err != nil {
		log.Warn("commit failed", "error", err)
	}
}
