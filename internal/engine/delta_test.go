package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/withObsrvr/obsrvr-delta-streamer/internal/registry"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/snapshot"
)

func register(t *testing.T, reg registry.Registry, dataset, version, key string, status registry.Status) {
	t.Helper()
	err := reg.Register(context.Background(), registry.VersionRecord{
		DatasetID:  dataset,
		Version:    version,
		StorageKey: key,
	})
	if err != nil {
		t.Fatalf("Register %s: %v", version, err)
	}
	if err := reg.MarkOutcome(context.Background(), dataset, version, status); err != nil {
		t.Fatalf("MarkOutcome %s: %v", version, err)
	}
}

func TestComputeDeltaFirstLoad(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	register(t, reg, "acme/orders", "v1", "acme/orders/v1/orders.csv", registry.StatusPending)

	src := &stubSource{snapshots: map[string][]snapshot.Row{
		"acme/orders/v1/orders.csv": {{Key: "1", Columns: map[string]string{"v": "a"}}},
	}}
	e := New(reg, NewLocalEngine(src, 10))

	job, err := e.ComputeDelta(context.Background(), "acme/orders", "orders", "v1")
	if err != nil {
		t.Fatalf("ComputeDelta: %v", err)
	}
	if job.VersionOld != "" {
		t.Errorf("version old = %q, want empty for first load", job.VersionOld)
	}
	if job.VersionNew != "v1" || job.DatasetID != "acme/orders" {
		t.Errorf("job = %+v", job)
	}
}

func TestComputeDeltaUsesLatestSucceededBaseline(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	register(t, reg, "acme/orders", "v1", "acme/orders/v1/orders.csv", registry.StatusSucceeded)
	register(t, reg, "acme/orders", "v2", "acme/orders/v2/orders.csv", registry.StatusFailed)
	register(t, reg, "acme/orders", "v3", "acme/orders/v3/orders.csv", registry.StatusPending)

	src := &stubSource{snapshots: map[string][]snapshot.Row{
		"acme/orders/v1/orders.csv": {{Key: "1", Columns: map[string]string{"v": "a"}}},
		"acme/orders/v3/orders.csv": {{Key: "1", Columns: map[string]string{"v": "b"}}},
	}}
	e := New(reg, NewLocalEngine(src, 10))

	job, err := e.ComputeDelta(context.Background(), "acme/orders", "orders", "v3")
	if err != nil {
		t.Fatalf("ComputeDelta: %v", err)
	}
	if job.VersionOld != "v1" {
		t.Errorf("baseline = %q, want v1 (v2 failed)", job.VersionOld)
	}
}

func TestComputeDeltaOutOfOrder(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	// The late upload v1 registers after v2 already succeeded.
	register(t, reg, "acme/orders", "v2", "acme/orders/v2/orders.csv", registry.StatusSucceeded)
	register(t, reg, "acme/orders", "v1", "acme/orders/v1/orders.csv", registry.StatusPending)

	e := New(reg, NewLocalEngine(&stubSource{}, 10))

	_, err := e.ComputeDelta(context.Background(), "acme/orders", "orders", "v1")
	if !errors.Is(err, ErrOutOfOrderVersion) {
		t.Fatalf("ComputeDelta = %v, want ErrOutOfOrderVersion", err)
	}
}

func TestComputeDeltaUnregisteredVersion(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	e := New(reg, NewLocalEngine(&stubSource{}, 10))

	_, err := e.ComputeDelta(context.Background(), "acme/orders", "orders", "v1")
	if !errors.Is(err, registry.ErrVersionNotFound) {
		t.Fatalf("ComputeDelta = %v, want ErrVersionNotFound", err)
	}
}
