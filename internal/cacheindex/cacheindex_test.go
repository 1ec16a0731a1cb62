package cacheindex

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
)

func openTestIndex(t *testing.T, ttl time.Duration) *Index {
	t.Helper()
	idx, err := Open(t.TempDir(), ttl, 100, noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func row(fp, model string) Row {
	return Row{
		Key:         RowKey{Fingerprint: fp, ModelName: model, Language: "korean", SubjectType: "Tech./Coding", TaskType: "Knowledge"},
		Score:       0.8,
		SampleCount: 100,
		LastUpdated: time.Now(),
	}
}

func TestLookupCacheHit(t *testing.T) {
	idx := openTestIndex(t, time.Hour)
	ctx := context.Background()
	if err := idx.UpsertRow(ctx, row("fp1", "m1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rows, result, err := idx.Lookup(ctx, "fp1", BrowseFilter{})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if result != LookupHit {
		t.Fatalf("expected LookupHit, got %v", result)
	}
	if len(rows) != 1 || rows[0].Key.ModelName != "m1" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestLookupMiss(t *testing.T) {
	idx := openTestIndex(t, time.Hour)
	_, result, err := idx.Lookup(context.Background(), "nonexistent", BrowseFilter{})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if result != LookupMiss {
		t.Fatalf("expected LookupMiss, got %v", result)
	}
}

func TestLookupStaleAfterTTL(t *testing.T) {
	idx := openTestIndex(t, 10*time.Millisecond)
	ctx := context.Background()
	r := row("fp1", "m1")
	_ = idx.UpsertRow(ctx, r)
	time.Sleep(20 * time.Millisecond)

	_, result, err := idx.Lookup(ctx, "fp1", BrowseFilter{})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if result != LookupStale {
		t.Fatalf("expected LookupStale, got %v", result)
	}
}

func TestQuarantineHidesRowThenRestoreShowsIt(t *testing.T) {
	idx := openTestIndex(t, time.Hour)
	ctx := context.Background()
	_ = idx.UpsertRow(ctx, row("fp1", "m1"))
	_ = idx.UpsertRow(ctx, row("fp1", "m2"))

	key := RowKey{Fingerprint: "fp1", ModelName: "m1", Language: "korean", SubjectType: "Tech./Coding", TaskType: "Knowledge"}
	if err := idx.Quarantine(ctx, []RowKey{key}, "bad data"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	rows, err := idx.Browse(ctx, BrowseFilter{})
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	if len(rows) != 1 || rows[0].Key.ModelName != "m2" {
		t.Fatalf("expected only m2 visible after quarantine, got %+v", rows)
	}

	if err := idx.Restore(ctx, []RowKey{key}); err != nil {
		t.Fatalf("restore: %v", err)
	}
	rows, err = idx.Browse(ctx, BrowseFilter{})
	if err != nil {
		t.Fatalf("browse after restore: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected both rows visible after restore, got %+v", rows)
	}
}
