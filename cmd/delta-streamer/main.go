package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/withObsrvr/obsrvr-delta-streamer/internal/applier"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/archive"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/config"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/engine"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/lock"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/logging"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/metrics"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/publisher"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/registry"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/snapshot"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/stream"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/watcher"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/workflow"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

func main() {
	cfg := config.MustLoad()
	logging.Setup(cfg.Logging)

	slog.Info("delta streamer starting", "version", Version, "git_sha", GitSHA)

	metrics.Init("delta_streamer")
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	// Version registry and dataset locks share one Postgres pool; without
	// a DSN both fall back to in-memory (single-process local mode).
	var reg registry.Registry
	var locks lock.Manager
	if cfg.Registry.PostgresDSN != "" {
		pgReg, err := registry.NewPostgresRegistry(cfg.Registry.PostgresDSN)
		if err != nil {
			fatal("create registry", err)
		}
		reg = pgReg
		locks = lock.NewPostgresManager(pgReg.Pool())
	} else {
		slog.Warn("no postgres DSN configured, using in-memory registry and locks")
		reg = registry.NewMemoryRegistry()
		locks = lock.NewMemoryManager()
	}
	defer reg.Close()
	defer locks.Close()

	src, err := snapshot.NewSource(snapshot.Config{
		Backend:    cfg.Snapshots.Backend,
		Bucket:     cfg.Snapshots.Bucket,
		LocalDir:   cfg.Snapshots.LocalDir,
		Prefix:     cfg.Snapshots.Prefix,
		S3Endpoint: cfg.Snapshots.S3Endpoint,
		S3Region:   cfg.Snapshots.S3Region,
	})
	if err != nil {
		fatal("create snapshot source", err)
	}
	defer src.Close()

	qe := engine.NewLocalEngine(src, cfg.Engine.PageSize)
	eng := engine.New(reg, qe)

	streamPub, streamCon := openStream(cfg.Stream)
	defer streamPub.Close()
	defer streamCon.Close()

	pub := publisher.New(qe, streamPub)

	var arch workflow.DeltaArchiver
	if cfg.Archive.Enabled {
		store, err := archive.NewStore(archive.Config{
			Backend:    cfg.Archive.Backend,
			Bucket:     cfg.Archive.Bucket,
			LocalDir:   cfg.Archive.LocalDir,
			Prefix:     cfg.Archive.Prefix,
			S3Endpoint: cfg.Archive.S3Endpoint,
			S3Region:   cfg.Archive.S3Region,
		})
		if err != nil {
			fatal("create archive store", err)
		}
		defer store.Close()
		arch = archive.NewArchiver(qe, store, Version)
	}

	var runs sync.WaitGroup
	wfCfg := workflow.Config{
		LockTTL:           cfg.Locks.TTL,
		LockRetryInterval: cfg.Locks.RetryInterval,
		PollInterval:      cfg.Engine.PollInterval,
		MaxPollDuration:   cfg.Engine.MaxPollDuration,
	}
	// The watcher checkpoints an upload only after its run has durably
	// registered the version; until then a restart re-dispatches it and
	// registration dedups.
	var snapshots *watcher.Watcher
	start := func(ctx context.Context, ev snapshot.UploadEvent) {
		runs.Add(1)
		go func() {
			defer runs.Done()
			msg := workflow.NewMessage(logging.GenerateCorrelationID(), ev)
			w := workflow.New(reg, locks, eng, pub, arch, wfCfg, msg)
			if err := w.Run(ctx); err != nil {
				slog.Warn("workflow ended with error",
					"dataset_id", ev.DatasetID, "version", ev.Version, "error", err)
			}
			if snapshots != nil && w.Registered() {
				snapshots.Ack(context.Background(), ev.StorageKey)
			}
		}()
	}

	var services sync.WaitGroup

	if cfg.Applier.Enabled {
		// Dead letters land next to the archives.
		sink, err := applier.NewSink(applier.SinkConfig{
			Backend:    deadLetterBackend(cfg),
			Bucket:     cfg.Archive.Bucket,
			LocalDir:   cfg.Archive.LocalDir,
			Prefix:     cfg.Applier.DeadLetterPrefix,
			S3Endpoint: cfg.Archive.S3Endpoint,
			S3Region:   cfg.Archive.S3Region,
		})
		if err != nil {
			fatal("create dead-letter sink", err)
		}
		defer sink.Close()

		app := applier.New(streamCon, applier.NewMemoryTarget(), sink, applier.Config{
			BatchSize:     cfg.Applier.BatchSize,
			FlushInterval: cfg.Applier.FlushInterval,
			MaxAttempts:   cfg.Applier.MaxAttempts,
		})
		services.Add(1)
		go func() {
			defer services.Done()
			if err := app.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("applier failed", "error", err)
				cancel()
			}
		}()
	}

	if cfg.Watcher.Enabled {
		cpMgr, err := checkpoint.NewManager(checkpoint.Config{
			Enabled: cfg.Watcher.CheckpointDir != "",
			Dir:     cfg.Watcher.CheckpointDir,
		})
		if err != nil {
			fatal("create checkpoint manager", err)
		}

		snapshots = watcher.New(src, cpMgr, watcher.Config{Interval: cfg.Watcher.Interval}, start)
		services.Add(1)
		go func() {
			defer services.Done()
			if err := snapshots.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("watcher failed", "error", err)
				cancel()
			}
		}()
	}

	<-ctx.Done()

	// In-flight workflows release their locks on cancellation; give them
	// a moment before tearing down shared resources.
	waitTimeout(&runs, 10*time.Second)
	waitTimeout(&services, 10*time.Second)

	slog.Info("delta streamer stopped")
}

// openStream builds the configured stream backend. The memory backend
// serves both roles from one in-process queue.
func openStream(cfg config.StreamConfig) (stream.Publisher, stream.Consumer) {
	switch cfg.Backend {
	case "kafka":
		kcfg := stream.KafkaConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.Topic,
			GroupID: cfg.GroupID,
		}
		return stream.NewKafkaPublisher(kcfg), stream.NewKafkaConsumer(kcfg)
	default:
		ms := stream.NewMemoryStream(1024)
		return ms, ms
	}
}

// deadLetterBackend disables the sink when no prefix is configured.
func deadLetterBackend(cfg config.Config) string {
	if cfg.Applier.DeadLetterPrefix == "" {
		return ""
	}
	return cfg.Archive.Backend
}

func fatal(what string, err error) {
	slog.Error(what+" failed", "error", err)
	os.Exit(1)
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		slog.Warn("timed out waiting for shutdown")
	}
}
