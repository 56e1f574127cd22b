package registry

import (
	"context"
	"errors"
	"testing"
)

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	rec := VersionRecord{
		DatasetID:  "acme/orders",
		Version:    "2024-06-01",
		StorageKey: "acme/orders/2024-06-01/orders.csv",
	}

	if err := reg.Register(ctx, rec); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}

	err := reg.Register(ctx, rec)
	if !errors.Is(err, ErrDuplicateVersion) {
		t.Fatalf("second Register: got %v, want ErrDuplicateVersion", err)
	}

	got, err := reg.Get(ctx, "acme/orders", "2024-06-01")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}
	if got.Seq != 1 {
		t.Errorf("seq = %d, want 1 (duplicate must not consume a record)", got.Seq)
	}
}

func TestLatestSucceededOrdering(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	versions := []struct {
		version string
		status  Status
	}{
		{"v1", StatusSucceeded},
		{"v2", StatusFailed},
		{"v3", StatusSucceeded},
		{"v4", StatusPending},
	}
	for _, v := range versions {
		if err := reg.Register(ctx, VersionRecord{DatasetID: "acme/orders", Version: v.version}); err != nil {
			t.Fatalf("Register %s: %v", v.version, err)
		}
		if err := reg.MarkOutcome(ctx, "acme/orders", v.version, v.status); err != nil {
			t.Fatalf("MarkOutcome %s: %v", v.version, err)
		}
	}

	got, err := reg.LatestSucceeded(ctx, "acme/orders", "v4")
	if err != nil {
		t.Fatalf("LatestSucceeded failed: %v", err)
	}
	if got == nil || got.Version != "v3" {
		t.Fatalf("LatestSucceeded = %+v, want v3", got)
	}

	// Excluding the latest succeeded version falls back to the next one.
	got, err = reg.LatestSucceeded(ctx, "acme/orders", "v3")
	if err != nil {
		t.Fatalf("LatestSucceeded failed: %v", err)
	}
	if got == nil || got.Version != "v1" {
		t.Fatalf("LatestSucceeded excluding v3 = %+v, want v1", got)
	}
}

func TestLatestSucceededFirstLoad(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	if err := reg.Register(ctx, VersionRecord{DatasetID: "acme/orders", Version: "v1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := reg.LatestSucceeded(ctx, "acme/orders", "v1")
	if err != nil {
		t.Fatalf("LatestSucceeded failed: %v", err)
	}
	if got != nil {
		t.Fatalf("LatestSucceeded = %+v, want nil on first load", got)
	}
}

func TestMarkOutcomeIdempotent(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	if err := reg.Register(ctx, VersionRecord{DatasetID: "acme/orders", Version: "v1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := reg.MarkOutcome(ctx, "acme/orders", "v1", StatusSucceeded); err != nil {
			t.Fatalf("MarkOutcome call %d: %v", i+1, err)
		}
	}

	got, err := reg.Get(ctx, "acme/orders", "v1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Errorf("status = %s, want SUCCEEDED", got.Status)
	}
}

func TestMarkOutcomeUnknownVersion(t *testing.T) {
	reg := NewMemoryRegistry()

	err := reg.MarkOutcome(context.Background(), "acme/orders", "v9", StatusFailed)
	if !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("got %v, want ErrVersionNotFound", err)
	}
}

func TestDatasetsAreIndependent(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	if err := reg.Register(ctx, VersionRecord{DatasetID: "acme/orders", Version: "v1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(ctx, VersionRecord{DatasetID: "globex/orders", Version: "v1"}); err != nil {
		t.Fatalf("Register for second dataset: %v", err)
	}
	if err := reg.MarkOutcome(ctx, "acme/orders", "v1", StatusSucceeded); err != nil {
		t.Fatalf("MarkOutcome: %v", err)
	}

	got, err := reg.LatestSucceeded(ctx, "globex/orders", "v2")
	if err != nil {
		t.Fatalf("LatestSucceeded: %v", err)
	}
	if got != nil {
		t.Fatalf("LatestSucceeded leaked across datasets: %+v", got)
	}
}
