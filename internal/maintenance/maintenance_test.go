package maintenance

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/evalorc/internal/cacheindex"
	"github.com/swarmguard/evalorc/internal/registry"
	"github.com/swarmguard/evalorc/internal/store"
)

func newTestMaintenance(t *testing.T) (*Maintenance, *cacheindex.Index) {
	t.Helper()
	meter := noop.NewMeterProvider().Meter("test")
	reg, err := registry.Open(t.TempDir(), 0, meter)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	cache, err := cacheindex.Open(t.TempDir(), time.Hour, 100, meter)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	st, err := store.Open(t.TempDir(), meter)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	m, err := New(reg, st, cache, 24*time.Hour, "", meter)
	if err != nil {
		t.Fatalf("new maintenance: %v", err)
	}
	return m, cache
}

func testRow(model string) cacheindex.Row {
	return cacheindex.Row{
		Key:         cacheindex.RowKey{Fingerprint: "fp1", ModelName: model, Language: "en", SubjectType: "math", TaskType: "Knowledge"},
		Score:       0.8,
		SampleCount: 10,
	}
}

// cacheindex.UpsertRow stamps LastUpdated as time.Now() on every write, so these tests
// upsert a row, let a moment of real time pass, then treat "now" as the
// cutoff - the same approach cacheindex_test.go uses to exercise TTL
// staleness without sleeping for real days.
func TestSweepCacheDryRunDoesNotDeleteStaleRows(t *testing.T) {
	m, cache := newTestMaintenance(t)
	ctx := context.Background()

	if err := cache.UpsertRow(ctx, testRow("gpt-x")); err != nil {
		t.Fatalf("upsert row: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()

	n, err := m.sweepCache(ctx, CleanupRequest{DryRun: true, HardDelete: true}, cutoff)
	if err != nil {
		t.Fatalf("sweep cache: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 matching row reported, got %d", n)
	}

	rows, err := cache.Browse(ctx, cacheindex.BrowseFilter{IncludeQuarantined: true})
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected dry run to leave the row in place, got %d rows", len(rows))
	}
}

func TestSweepCacheHardDeleteRemovesStaleRows(t *testing.T) {
	m, cache := newTestMaintenance(t)
	ctx := context.Background()

	if err := cache.UpsertRow(ctx, testRow("gpt-x")); err != nil {
		t.Fatalf("upsert stale row: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	if err := cache.UpsertRow(ctx, testRow("gpt-y")); err != nil {
		t.Fatalf("upsert fresh row: %v", err)
	}

	n, err := m.sweepCache(ctx, CleanupRequest{HardDelete: true}, cutoff)
	if err != nil {
		t.Fatalf("sweep cache: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one row deleted, got %d", n)
	}

	rows, err := cache.Browse(ctx, cacheindex.BrowseFilter{IncludeQuarantined: true})
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	if len(rows) != 1 || rows[0].Key.ModelName != "gpt-y" {
		t.Fatalf("expected only the fresh row to survive, got %+v", rows)
	}
}

func TestSweepCacheWithoutHardDeleteOnlyReports(t *testing.T) {
	m, cache := newTestMaintenance(t)
	ctx := context.Background()

	if err := cache.UpsertRow(ctx, testRow("gpt-x")); err != nil {
		t.Fatalf("upsert row: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()

	n, err := m.sweepCache(ctx, CleanupRequest{}, cutoff)
	if err != nil {
		t.Fatalf("sweep cache: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the row to be reported as a candidate, got %d", n)
	}

	rows, err := cache.Browse(ctx, cacheindex.BrowseFilter{IncludeQuarantined: true})
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected hard_delete=false to leave the row untouched, got %d rows", len(rows))
	}
}

func TestSweepCacheRespectsLimit(t *testing.T) {
	m, cache := newTestMaintenance(t)
	ctx := context.Background()

	if err := cache.UpsertRow(ctx, testRow("gpt-x")); err != nil {
		t.Fatalf("upsert row: %v", err)
	}
	if err := cache.UpsertRow(ctx, testRow("gpt-y")); err != nil {
		t.Fatalf("upsert row: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()

	n, err := m.sweepCache(ctx, CleanupRequest{HardDelete: true, Limit: 1}, cutoff)
	if err != nil {
		t.Fatalf("sweep cache: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected limit to cap the sweep at 1 row, got %d", n)
	}

	rows, err := cache.Browse(ctx, cacheindex.BrowseFilter{IncludeQuarantined: true})
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one row to survive under the limit, got %d", len(rows))
	}
}

func TestRunOnceIsRetrievableAsATask(t *testing.T) {
	m, _ := newTestMaintenance(t)
	ctx := context.Background()

	task, err := m.RunOnce(ctx, CleanupRequest{Resources: []string{ResourceCache}})
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if task.Status != registry.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", task.Status)
	}

	got, ok, err := m.registry.Get(ctx, task.TaskID)
	if err != nil || !ok {
		t.Fatalf("expected the cleanup run to be a retrievable registry task: ok=%v err=%v", ok, err)
	}
	if got.Status != registry.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", got.Status)
	}
}

func TestRunOnceDefaultsResourcesToAll(t *testing.T) {
	m, _ := newTestMaintenance(t)
	ctx := context.Background()

	task, err := m.RunOnce(ctx, CleanupRequest{})
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(task.Result) != len(allResources) {
		t.Fatalf("expected one result row per default resource, got %+v", task.Result)
	}
}
