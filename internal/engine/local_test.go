package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-delta-streamer/internal/snapshot"
)

// stubSource implements snapshot.Source over a fixed key→rows map.
type stubSource struct {
	snapshots map[string][]snapshot.Row
}

func (s *stubSource) Load(_ context.Context, key string) ([]snapshot.Row, error) {
	rows, ok := s.snapshots[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", snapshot.ErrSnapshotNotFound, key)
	}
	return rows, nil
}

func (s *stubSource) Close() error { return nil }

func waitForTerminal(t *testing.T, e *LocalEngine, jobID string) JobState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, err := e.Status(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if state.Terminal() {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state")
	return ""
}

func drainResults(t *testing.T, e *LocalEngine, jobID string) ([]ChangeRecord, int) {
	t.Helper()
	var all []ChangeRecord
	pages := 0
	token := ""
	for {
		page, next, err := e.Results(context.Background(), jobID, token)
		if err != nil {
			t.Fatalf("Results: %v", err)
		}
		all = append(all, page...)
		pages++
		if next == "" {
			return all, pages
		}
		token = next
	}
}

func TestLocalEngineFullLoad(t *testing.T) {
	src := &stubSource{snapshots: map[string][]snapshot.Row{
		"acme/orders/v1/orders.csv": {
			{Key: "1", Columns: map[string]string{"v": "a"}},
			{Key: "2", Columns: map[string]string{"v": "b"}},
		},
	}}
	e := NewLocalEngine(src, 10)

	jobID, err := e.Submit(context.Background(), JobSpec{
		DatasetID:  "acme/orders",
		Table:      "orders",
		VersionNew: "v1",
		NewKey:     "acme/orders/v1/orders.csv",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if state := waitForTerminal(t, e, jobID); state != JobSucceeded {
		t.Fatalf("state = %s, want SUCCEEDED", state)
	}

	all, _ := drainResults(t, e, jobID)
	if len(all) != 2 {
		t.Fatalf("records = %d, want 2", len(all))
	}
	for _, c := range all {
		if c.Op != OpInsert {
			t.Errorf("op = %s, want INSERT", c.Op)
		}
	}
}

func TestLocalEnginePagination(t *testing.T) {
	rows := make([]snapshot.Row, 237)
	for i := range rows {
		rows[i] = snapshot.Row{
			Key:     fmt.Sprintf("k%04d", i),
			Columns: map[string]string{"v": fmt.Sprintf("%d", i)},
		}
	}
	src := &stubSource{snapshots: map[string][]snapshot.Row{
		"acme/orders/v1/orders.csv": rows,
	}}
	e := NewLocalEngine(src, 100)

	jobID, err := e.Submit(context.Background(), JobSpec{
		DatasetID:  "acme/orders",
		VersionNew: "v1",
		NewKey:     "acme/orders/v1/orders.csv",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if state := waitForTerminal(t, e, jobID); state != JobSucceeded {
		t.Fatalf("state = %s", state)
	}

	all, pages := drainResults(t, e, jobID)
	if pages != 3 {
		t.Errorf("pages = %d, want 3 (100/100/37)", pages)
	}
	if len(all) != 237 {
		t.Fatalf("records = %d, want 237", len(all))
	}
	for i, c := range all {
		if want := fmt.Sprintf("k%04d", i); c.Key != want {
			t.Fatalf("record %d key = %s, want %s (order not preserved)", i, c.Key, want)
		}
	}
}

func TestLocalEngineMissingSnapshotFails(t *testing.T) {
	e := NewLocalEngine(&stubSource{snapshots: map[string][]snapshot.Row{}}, 10)

	jobID, err := e.Submit(context.Background(), JobSpec{
		DatasetID:  "acme/orders",
		VersionNew: "v1",
		NewKey:     "acme/orders/v1/orders.csv",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if state := waitForTerminal(t, e, jobID); state != JobFailed {
		t.Fatalf("state = %s, want FAILED", state)
	}

	if _, _, err := e.Results(context.Background(), jobID, ""); !errors.Is(err, ErrJobNotComplete) {
		t.Fatalf("Results on failed job = %v, want ErrJobNotComplete", err)
	}
}

func TestLocalEngineUnknownJob(t *testing.T) {
	e := NewLocalEngine(&stubSource{}, 10)

	if _, err := e.Status(context.Background(), "nope"); !errors.Is(err, ErrNoSuchJob) {
		t.Fatalf("Status = %v, want ErrNoSuchJob", err)
	}
	if _, _, err := e.Results(context.Background(), "nope", ""); !errors.Is(err, ErrNoSuchJob) {
		t.Fatalf("Results = %v, want ErrNoSuchJob", err)
	}
}

func TestLocalEngineBadPageToken(t *testing.T) {
	src := &stubSource{snapshots: map[string][]snapshot.Row{
		"k": {{Key: "1", Columns: map[string]string{"v": "a"}}},
	}}
	e := NewLocalEngine(src, 10)

	jobID, _ := e.Submit(context.Background(), JobSpec{DatasetID: "d", VersionNew: "v1", NewKey: "k"})
	waitForTerminal(t, e, jobID)

	if _, _, err := e.Results(context.Background(), jobID, "not-a-number"); !errors.Is(err, ErrBadPageToken) {
		t.Fatalf("Results = %v, want ErrBadPageToken", err)
	}
}

// blockingSource parks Load until the job context is cancelled.
type blockingSource struct {
	started chan struct{}
}

func (s *blockingSource) Load(ctx context.Context, key string) ([]snapshot.Row, error) {
	close(s.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *blockingSource) Close() error { return nil }

func TestLocalEngineCancel(t *testing.T) {
	src := &blockingSource{started: make(chan struct{})}
	e := NewLocalEngine(src, 10)

	jobID, err := e.Submit(context.Background(), JobSpec{DatasetID: "d", VersionNew: "v1", NewKey: "k"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-src.started

	if err := e.Cancel(jobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if state := waitForTerminal(t, e, jobID); state != JobCancelled {
		t.Fatalf("state = %s, want CANCELLED", state)
	}
	if _, _, err := e.Results(context.Background(), jobID, ""); !errors.Is(err, ErrJobNotComplete) {
		t.Fatalf("Results on cancelled job = %v, want ErrJobNotComplete", err)
	}
}

func TestLocalEngineForget(t *testing.T) {
	src := &stubSource{snapshots: map[string][]snapshot.Row{
		"k": {{Key: "1", Columns: map[string]string{"v": "a"}}},
	}}
	e := NewLocalEngine(src, 10)

	jobID, _ := e.Submit(context.Background(), JobSpec{DatasetID: "d", VersionNew: "v1", NewKey: "k"})
	waitForTerminal(t, e, jobID)

	e.Forget(jobID)
	if _, err := e.Status(context.Background(), jobID); !errors.Is(err, ErrNoSuchJob) {
		t.Fatalf("Status after Forget = %v, want ErrNoSuchJob", err)
	}
}
