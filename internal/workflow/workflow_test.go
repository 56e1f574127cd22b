package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-delta-streamer/internal/archive"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/engine"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/lock"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/registry"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/snapshot"
)

// fakeEngine scripts ComputeDelta and PollStatus behavior.
type fakeEngine struct {
	computeErr error
	versionOld string
	pollStates []engine.JobState // consumed one per poll, last repeats
	pollErr    error
	polls      int
	cancelled  []string
	forgotten  []string
}

func (f *fakeEngine) ComputeDelta(ctx context.Context, datasetID, table, versionNew string) (*engine.DeltaJob, error) {
	if f.computeErr != nil {
		return nil, f.computeErr
	}
	return &engine.DeltaJob{
		ID:         "job-1",
		DatasetID:  datasetID,
		Table:      table,
		VersionOld: f.versionOld,
		VersionNew: versionNew,
		State:      engine.JobQueued,
	}, nil
}

func (f *fakeEngine) PollStatus(ctx context.Context, jobID string) (engine.JobState, error) {
	if f.pollErr != nil {
		return "", f.pollErr
	}
	f.polls++
	i := f.polls - 1
	if i >= len(f.pollStates) {
		i = len(f.pollStates) - 1
	}
	return f.pollStates[i], nil
}

func (f *fakeEngine) Cancel(jobID string) {
	f.cancelled = append(f.cancelled, jobID)
}

func (f *fakeEngine) Forget(jobID string) {
	f.forgotten = append(f.forgotten, jobID)
}

type fakePublisher struct {
	count int
	err   error
	calls int
}

func (f *fakePublisher) Publish(ctx context.Context, datasetID, jobID string) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.count, nil
}

type fakeArchiver struct {
	calls int
	err   error
	ref   archive.Ref
}

func (f *fakeArchiver) Archive(ctx context.Context, ref archive.Ref, jobID string) (*archive.Manifest, error) {
	f.calls++
	f.ref = ref
	if f.err != nil {
		return nil, f.err
	}
	return &archive.Manifest{}, nil
}

func testConfig() Config {
	return Config{
		LockTTL:           time.Minute,
		LockRetryInterval: 10 * time.Millisecond,
		PollInterval:      time.Millisecond,
		MaxPollDuration:   time.Second,
	}
}

func testEvent(version string) snapshot.UploadEvent {
	ev, err := snapshot.ParseUploadKey("acme/users/" + version + "/snapshot.csv")
	if err != nil {
		panic(err)
	}
	return ev
}

func newTestWorkflow(t *testing.T, reg registry.Registry, locks lock.Manager, eng DeltaEngine, pub ResultPublisher, arch DeltaArchiver) *Workflow {
	t.Helper()
	return New(reg, locks, eng, pub, arch, testConfig(), NewMessage("req-1", testEvent("v1")))
}

func mustStatus(t *testing.T, reg registry.Registry, datasetID, version string, want registry.Status) {
	t.Helper()
	rec, err := reg.Get(context.Background(), datasetID, version)
	if err != nil {
		t.Fatalf("Get(%s, %s): %v", datasetID, version, err)
	}
	if rec.Status != want {
		t.Fatalf("status = %s, want %s", rec.Status, want)
	}
}

func TestWorkflowHappyPath(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	locks := lock.NewMemoryManager()
	eng := &fakeEngine{pollStates: []engine.JobState{engine.JobRunning, engine.JobSucceeded}}
	pub := &fakePublisher{count: 7}
	arch := &fakeArchiver{}

	w := newTestWorkflow(t, reg, locks, eng, pub, arch)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mustStatus(t, reg, "acme/users", "v1", registry.StatusSucceeded)
	if !w.Registered() {
		t.Fatal("run must report the version as registered")
	}
	if w.Message().Published != 7 {
		t.Fatalf("published = %d, want 7", w.Message().Published)
	}
	if arch.calls != 1 {
		t.Fatalf("archive calls = %d, want 1", arch.calls)
	}
	if len(eng.forgotten) != 1 {
		t.Fatalf("forgotten = %v, want the finished job", eng.forgotten)
	}
	if w.Message().Locked {
		t.Fatal("lock still held after run")
	}

	// Lock must be free for the next run.
	ok, err := locks.Acquire(context.Background(), "acme/users", "other", time.Minute)
	if err != nil || !ok {
		t.Fatalf("lock not released: ok=%v err=%v", ok, err)
	}
}

func TestWorkflowDuplicateVersionIsFatal(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	locks := lock.NewMemoryManager()

	first := registry.VersionRecord{DatasetID: "acme/users", Version: "v1", Status: registry.StatusSucceeded}
	if err := reg.Register(context.Background(), first); err != nil {
		t.Fatalf("seed register: %v", err)
	}

	eng := &fakeEngine{pollStates: []engine.JobState{engine.JobSucceeded}}
	pub := &fakePublisher{}
	w := newTestWorkflow(t, reg, locks, eng, pub, nil)

	err := w.Run(context.Background())
	if !errors.Is(err, registry.ErrDuplicateVersion) {
		t.Fatalf("err = %v, want ErrDuplicateVersion", err)
	}
	if pub.calls != 0 {
		t.Fatal("publish must not run for a duplicate version")
	}
	// The version exists, so re-dispatching the upload would be redundant.
	if !w.Registered() {
		t.Fatal("duplicate run must still report the version as registered")
	}
	// The existing record's status is untouched.
	mustStatus(t, reg, "acme/users", "v1", registry.StatusSucceeded)
}

func TestWorkflowOutOfOrderVersion(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	locks := lock.NewMemoryManager()
	eng := &fakeEngine{computeErr: engine.ErrOutOfOrderVersion}
	pub := &fakePublisher{}

	w := newTestWorkflow(t, reg, locks, eng, pub, nil)
	err := w.Run(context.Background())
	if !errors.Is(err, engine.ErrOutOfOrderVersion) {
		t.Fatalf("err = %v, want ErrOutOfOrderVersion", err)
	}

	mustStatus(t, reg, "acme/users", "v1", registry.StatusOutOfOrder)
	if pub.calls != 0 {
		t.Fatal("publish must not run for an out-of-order version")
	}
	if w.Message().Locked {
		t.Fatal("lock still held after run")
	}
}

func TestWorkflowJobFailure(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	locks := lock.NewMemoryManager()
	eng := &fakeEngine{pollStates: []engine.JobState{engine.JobRunning, engine.JobFailed}}
	pub := &fakePublisher{}

	w := newTestWorkflow(t, reg, locks, eng, pub, nil)
	if err := w.Run(context.Background()); err == nil {
		t.Fatal("expected error for failed job")
	}

	mustStatus(t, reg, "acme/users", "v1", registry.StatusFailed)
	if pub.calls != 0 {
		t.Fatal("publish must not run for a failed job")
	}
}

func TestWorkflowPollTimeout(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	locks := lock.NewMemoryManager()
	eng := &fakeEngine{pollStates: []engine.JobState{engine.JobRunning}}
	pub := &fakePublisher{}

	cfg := testConfig()
	cfg.MaxPollDuration = 5 * time.Millisecond
	cfg.PollInterval = time.Millisecond

	w := New(reg, locks, eng, pub, nil, cfg, NewMessage("req-1", testEvent("v1")))
	err := w.Run(context.Background())
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("err = %v, want ErrPollTimeout", err)
	}
	mustStatus(t, reg, "acme/users", "v1", registry.StatusFailed)
	if len(eng.cancelled) != 1 || eng.cancelled[0] != "job-1" {
		t.Fatalf("cancelled = %v, want [job-1]", eng.cancelled)
	}
}

func TestWorkflowPublishFailure(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	locks := lock.NewMemoryManager()
	eng := &fakeEngine{pollStates: []engine.JobState{engine.JobSucceeded}}
	pub := &fakePublisher{err: errors.New("broker unavailable")}
	arch := &fakeArchiver{}

	w := newTestWorkflow(t, reg, locks, eng, pub, arch)
	if err := w.Run(context.Background()); err == nil {
		t.Fatal("expected error for failed publish")
	}

	mustStatus(t, reg, "acme/users", "v1", registry.StatusFailed)
	if arch.calls != 0 {
		t.Fatal("archive must not run when publish failed")
	}
}

func TestWorkflowArchiveFailureIsNotFatal(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	locks := lock.NewMemoryManager()
	eng := &fakeEngine{versionOld: "v0", pollStates: []engine.JobState{engine.JobSucceeded}}
	pub := &fakePublisher{count: 3}
	arch := &fakeArchiver{err: errors.New("bucket unavailable")}

	w := newTestWorkflow(t, reg, locks, eng, pub, arch)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mustStatus(t, reg, "acme/users", "v1", registry.StatusSucceeded)
	if arch.ref.VersionOld != "v0" || arch.ref.VersionNew != "v1" {
		t.Fatalf("archive ref = %+v", arch.ref)
	}
}

func TestWorkflowWaitsOutLockContention(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	locks := lock.NewMemoryManager()

	// Another holder owns the dataset lock with a short TTL.
	ok, err := locks.Acquire(context.Background(), "acme/users", "other", 30*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("seed lock: ok=%v err=%v", ok, err)
	}

	eng := &fakeEngine{pollStates: []engine.JobState{engine.JobSucceeded}}
	pub := &fakePublisher{count: 1}

	w := newTestWorkflow(t, reg, locks, eng, pub, nil)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	mustStatus(t, reg, "acme/users", "v1", registry.StatusSucceeded)
}

func TestWorkflowCancelReleasesLock(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	locks := lock.NewMemoryManager()
	// Job never completes; the run must be cancelled while polling.
	eng := &fakeEngine{pollStates: []engine.JobState{engine.JobRunning}}
	pub := &fakePublisher{}

	cfg := testConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.MaxPollDuration = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	w := New(reg, locks, eng, pub, nil, cfg, NewMessage("req-1", testEvent("v1")))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	ok, err := locks.Acquire(context.Background(), "acme/users", "other", time.Minute)
	if err != nil || !ok {
		t.Fatalf("lock not released on cancel: ok=%v err=%v", ok, err)
	}
	// No terminal status was written; the record stays PENDING.
	mustStatus(t, reg, "acme/users", "v1", registry.StatusPending)
}
