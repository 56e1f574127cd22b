package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-delta-streamer/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/snapshot"
)

type fakeLister struct {
	mu      sync.Mutex
	objects []snapshot.ObjectInfo
}

func (l *fakeLister) List(ctx context.Context, prefix string) ([]snapshot.ObjectInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]snapshot.ObjectInfo(nil), l.objects...), nil
}

func (l *fakeLister) add(key string, size int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.objects = append(l.objects, snapshot.ObjectInfo{Key: key, Size: size})
}

type startRecorder struct {
	mu     sync.Mutex
	events []snapshot.UploadEvent
}

func (r *startRecorder) start(ctx context.Context, ev snapshot.UploadEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *startRecorder) all() []snapshot.UploadEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]snapshot.UploadEvent(nil), r.events...)
}

func noopManager(t *testing.T) checkpoint.Manager {
	t.Helper()
	mgr, err := checkpoint.NewManager(checkpoint.Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr
}

func TestWatcherDispatchesNewUploadsOnce(t *testing.T) {
	lister := &fakeLister{}
	lister.add("acme/users/v1/snapshot.csv", 100)
	lister.add("acme/users/_manifest.json", 10) // malformed key, skipped
	rec := &startRecorder{}

	w := New(lister, noopManager(t), Config{Interval: time.Hour}, rec.start)

	if err := w.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	// Second scan with the same listing must not re-dispatch.
	if err := w.scan(context.Background()); err != nil {
		t.Fatalf("second scan: %v", err)
	}

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("dispatched = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.DatasetID != "acme/users" || ev.Version != "v1" || ev.SizeBytes != 100 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestWatcherPicksUpLaterUploads(t *testing.T) {
	lister := &fakeLister{}
	lister.add("acme/users/v1/snapshot.csv", 100)
	rec := &startRecorder{}

	w := New(lister, noopManager(t), Config{Interval: time.Hour}, rec.start)

	if err := w.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	lister.add("acme/users/v2/snapshot.csv", 120)
	if err := w.scan(context.Background()); err != nil {
		t.Fatalf("second scan: %v", err)
	}

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("dispatched = %d, want 2", len(events))
	}
	if events[1].Version != "v2" {
		t.Fatalf("second event = %+v", events[1])
	}
}

func TestWatcherResumesFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	mgr, err := checkpoint.NewManager(checkpoint.Config{Enabled: true, Dir: dir})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	lister := &fakeLister{}
	lister.add("acme/users/v1/snapshot.csv", 100)

	// First watcher dispatches the upload; the ack checkpoints it.
	first := &startRecorder{}
	w1 := New(lister, mgr, Config{Interval: time.Hour}, first.start)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = w1.Run(ctx)
	if len(first.all()) != 1 {
		t.Fatalf("first dispatched = %d, want 1", len(first.all()))
	}
	w1.Ack(context.Background(), "acme/users/v1/snapshot.csv")

	// A restarted watcher must skip the acked upload.
	second := &startRecorder{}
	w2 := New(lister, mgr, Config{Interval: time.Hour}, second.start)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_ = w2.Run(ctx2)
	if len(second.all()) != 0 {
		t.Fatalf("second dispatched = %d, want 0", len(second.all()))
	}
}

func TestWatcherRedispatchesUnackedUploadAfterRestart(t *testing.T) {
	dir := t.TempDir()
	mgr, err := checkpoint.NewManager(checkpoint.Config{Enabled: true, Dir: dir})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	lister := &fakeLister{}
	lister.add("acme/users/v1/snapshot.csv", 100)

	// The first watcher dispatches but dies before the workflow registers
	// the version, so nothing is acked.
	first := &startRecorder{}
	w1 := New(lister, mgr, Config{Interval: time.Hour}, first.start)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = w1.Run(ctx)
	if len(first.all()) != 1 {
		t.Fatalf("first dispatched = %d, want 1", len(first.all()))
	}

	// The restarted watcher must dispatch the upload again; registration
	// dedups the rerun, so nothing is lost and nothing runs twice.
	second := &startRecorder{}
	w2 := New(lister, mgr, Config{Interval: time.Hour}, second.start)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_ = w2.Run(ctx2)
	if len(second.all()) != 1 {
		t.Fatalf("second dispatched = %d, want 1", len(second.all()))
	}
}
