package store

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendSamplesIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rows := []Sample{
		{TaskID: "t1", Fingerprint: "fp1", ModelName: "m1", SampleIndex: 0, Correctness: 1, Timestamp: time.Now()},
		{TaskID: "t1", Fingerprint: "fp1", ModelName: "m1", SampleIndex: 1, Correctness: 0, Timestamp: time.Now()},
	}
	if err := s.AppendSamples(ctx, "t1", rows); err != nil {
		t.Fatalf("append: %v", err)
	}
	// second write of same batch must be discarded, not duplicated
	if err := s.AppendSamples(ctx, "t1", rows); err != nil {
		t.Fatalf("append again: %v", err)
	}

	agg, err := s.Aggregate(ctx, "t1")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg["m1"].SampleCount != 2 {
		t.Fatalf("expected sample_count 2 after duplicate append, got %d", agg["m1"].SampleCount)
	}
	if agg["m1"].Score != 0.5 {
		t.Fatalf("expected score 0.5, got %f", agg["m1"].Score)
	}
}

func TestAggregateByFingerprintAcrossTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_ = s.AppendSamples(ctx, "t1", []Sample{
		{TaskID: "t1", Fingerprint: "fp1", ModelName: "m1", SampleIndex: 0, Correctness: 1},
	})
	_ = s.AppendSamples(ctx, "t2", []Sample{
		{TaskID: "t2", Fingerprint: "fp1", ModelName: "m1", SampleIndex: 0, Correctness: 0},
	})

	agg, err := s.AggregateByFingerprint(ctx, "fp1", AggregateFilters{})
	if err != nil {
		t.Fatalf("aggregate by fp: %v", err)
	}
	if agg["m1"].SampleCount != 2 {
		t.Fatalf("expected 2 samples across both tasks, got %d", agg["m1"].SampleCount)
	}
}

func TestDeleteForTaskRemovesOnlyThatTasksSamples(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_ = s.AppendSamples(ctx, "t1", []Sample{
		{TaskID: "t1", Fingerprint: "fp1", ModelName: "m1", SampleIndex: 0, Correctness: 1},
		{TaskID: "t1", Fingerprint: "fp1", ModelName: "m1", SampleIndex: 1, Correctness: 0},
	})
	_ = s.AppendSamples(ctx, "t2", []Sample{
		{TaskID: "t2", Fingerprint: "fp1", ModelName: "m1", SampleIndex: 0, Correctness: 1},
	})

	n, err := s.DeleteForTask(ctx, "t1")
	if err != nil {
		t.Fatalf("delete for task: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows deleted, got %d", n)
	}

	agg, err := s.Aggregate(ctx, "t1")
	if err != nil {
		t.Fatalf("aggregate t1: %v", err)
	}
	if len(agg) != 0 {
		t.Fatalf("expected no samples left for t1, got %+v", agg)
	}

	fpAgg, err := s.AggregateByFingerprint(ctx, "fp1", AggregateFilters{})
	if err != nil {
		t.Fatalf("aggregate by fp: %v", err)
	}
	if fpAgg["m1"].SampleCount != 1 {
		t.Fatalf("expected t2's sample to survive, got count %d", fpAgg["m1"].SampleCount)
	}
}
