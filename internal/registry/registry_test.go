package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/evalorc/internal/orcherr"
	"github.com/swarmguard/evalorc/internal/planspec"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(t.TempDir(), 500*time.Millisecond, noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestCreateRejectsDuplicateFingerprintInFlight(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()
	plan := planspec.Plan{}

	if _, err := r.Create(ctx, plan, "fp1"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := r.Create(ctx, plan, "fp1")
	if err == nil {
		t.Fatalf("expected duplicate_fingerprint_in_flight error")
	}
	oe, ok := orcherr.As(err)
	if !ok || oe.Kind != orcherr.KindDuplicateInFlight {
		t.Fatalf("expected KindDuplicateInFlight, got %v", err)
	}
}

func TestCreateAllowsNewAfterTerminal(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()
	plan := planspec.Plan{}

	task, err := r.Create(ctx, plan, "fp1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Transition(ctx, task.TaskID, StatusPending, StatusStarted, nil); err != nil {
		t.Fatalf("transition to started: %v", err)
	}
	if err := r.Transition(ctx, task.TaskID, StatusStarted, StatusSuccess, nil); err != nil {
		t.Fatalf("transition to success: %v", err)
	}

	if _, err := r.Create(ctx, plan, "fp1"); err != nil {
		t.Fatalf("expected new task allowed after terminal, got %v", err)
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()
	task, _ := r.Create(ctx, planspec.Plan{}, "fp1")

	err := r.Transition(ctx, task.TaskID, StatusPending, StatusSuccess, nil)
	if err == nil {
		t.Fatalf("expected rejection of PENDING -> SUCCESS")
	}
}

func TestTransitionRejectsOutOfTerminal(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()
	task, _ := r.Create(ctx, planspec.Plan{}, "fp1")
	_ = r.Transition(ctx, task.TaskID, StatusPending, StatusCancelled, nil)

	err := r.Transition(ctx, task.TaskID, StatusCancelled, StatusStarted, nil)
	if err == nil {
		t.Fatalf("expected rejection of transition out of terminal state")
	}
}

func TestRevisionMonotonic(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()
	task, _ := r.Create(ctx, planspec.Plan{}, "fp1")
	if task.Revision != 1 {
		t.Fatalf("expected initial revision 1, got %d", task.Revision)
	}
	_ = r.Transition(ctx, task.TaskID, StatusPending, StatusStarted, nil)
	got, _, _ := r.Get(ctx, task.TaskID)
	if got.Revision != 2 {
		t.Fatalf("expected revision 2 after transition, got %d", got.Revision)
	}
}

func TestReclaimResetsToPendingUnlessTerminal(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()
	task, _ := r.Create(ctx, planspec.Plan{}, "fp1")
	_ = r.Transition(ctx, task.TaskID, StatusPending, StatusStarted, nil)

	if err := r.Reclaim(ctx, task.TaskID); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	got, _, _ := r.Get(ctx, task.TaskID)
	if got.Status != StatusPending {
		t.Fatalf("expected reclaimed task back to PENDING, got %s", got.Status)
	}

	_ = r.Transition(ctx, got.TaskID, StatusPending, StatusStarted, nil)
	_ = r.Transition(ctx, got.TaskID, StatusStarted, StatusSuccess, nil)
	if err := r.Reclaim(ctx, got.TaskID); err != nil {
		t.Fatalf("reclaim terminal: %v", err)
	}
	got2, _, _ := r.Get(ctx, got.TaskID)
	if got2.Status != StatusSuccess {
		t.Fatalf("expected reclaim to be a no-op on terminal task, got %s", got2.Status)
	}
}

func TestStaleTerminalFindsOldCompletedTasksOnly(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	old, _ := r.Create(ctx, planspec.Plan{}, "fp-old")
	_ = r.Transition(ctx, old.TaskID, StatusPending, StatusStarted, nil)
	_ = r.Transition(ctx, old.TaskID, StatusStarted, StatusSuccess, nil)

	fresh, _ := r.Create(ctx, planspec.Plan{}, "fp-fresh")
	_ = r.Transition(ctx, fresh.TaskID, StatusPending, StatusStarted, nil)
	_ = r.Transition(ctx, fresh.TaskID, StatusStarted, StatusSuccess, nil)

	stillRunning, _ := r.Create(ctx, planspec.Plan{}, "fp-running")
	_ = r.Transition(ctx, stillRunning.TaskID, StatusPending, StatusStarted, nil)

	cutoff := time.Now().Add(time.Hour)
	stale := r.StaleTerminal(ctx, cutoff, 0)
	if len(stale) != 2 {
		t.Fatalf("expected both terminal tasks to be stale against a future cutoff, got %d", len(stale))
	}

	cutoff2 := time.Now().Add(-time.Hour)
	none := r.StaleTerminal(ctx, cutoff2, 0)
	if len(none) != 0 {
		t.Fatalf("expected no tasks stale against a past cutoff, got %d", len(none))
	}
}

func TestStaleTerminalRespectsLimit(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task, _ := r.Create(ctx, planspec.Plan{}, fmt.Sprintf("fp-%d", i))
		_ = r.Transition(ctx, task.TaskID, StatusPending, StatusStarted, nil)
		_ = r.Transition(ctx, task.TaskID, StatusStarted, StatusSuccess, nil)
	}

	stale := r.StaleTerminal(ctx, time.Now().Add(time.Hour), 2)
	if len(stale) != 2 {
		t.Fatalf("expected limit to cap results at 2, got %d", len(stale))
	}
}

func TestDeleteRemovesTerminalTaskButRejectsInFlight(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	running, _ := r.Create(ctx, planspec.Plan{}, "fp-running")
	_ = r.Transition(ctx, running.TaskID, StatusPending, StatusStarted, nil)
	if err := r.Delete(ctx, running.TaskID); err == nil {
		t.Fatalf("expected deleting a non-terminal task to fail")
	}

	done, _ := r.Create(ctx, planspec.Plan{}, "fp-done")
	_ = r.Transition(ctx, done.TaskID, StatusPending, StatusStarted, nil)
	_ = r.Transition(ctx, done.TaskID, StatusStarted, StatusSuccess, nil)
	if err := r.Delete(ctx, done.TaskID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := r.Get(ctx, done.TaskID); ok {
		t.Fatalf("expected task to be gone after delete")
	}

	// fingerprint should be free for reuse by a new task now.
	if _, err := r.Create(ctx, planspec.Plan{}, "fp-done"); err != nil {
		t.Fatalf("expected fingerprint reusable after delete: %v", err)
	}
}

func TestProgressRateLimited(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()
	task, _ := r.Create(ctx, planspec.Plan{}, "fp1")
	_ = r.Transition(ctx, task.TaskID, StatusPending, StatusStarted, nil)

	_ = r.UpdateProgress(ctx, task.TaskID, 10)
	_ = r.UpdateProgress(ctx, task.TaskID, 20)

	got, _, _ := r.Get(ctx, task.TaskID)
	if got.Progress != 10 {
		t.Fatalf("expected second rapid progress update to be dropped, got progress=%d", got.Progress)
	}
}
