package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/evalorc/internal/cacheindex"
	"github.com/swarmguard/evalorc/internal/dispatcher"
	"github.com/swarmguard/evalorc/internal/evaluator"
	"github.com/swarmguard/evalorc/internal/planspec"
	"github.com/swarmguard/evalorc/internal/queue/memqueue"
	"github.com/swarmguard/evalorc/internal/registry"
	"github.com/swarmguard/evalorc/internal/store"
)

var errNotFound = errors.New("evaluator endpoint unreachable")

func testPlan() planspec.Plan {
	return planspec.Plan{
		SchemaVersion: "1",
		Name:          "t",
		Profile: planspec.Profile{
			ProblemType: planspec.ProblemMCQA,
			TargetType:  planspec.TargetGeneral,
			TaskType:    planspec.TaskKnowledge,
			Language:    "en",
			SubjectType: []string{"math"},
			SampleSize:  3,
		},
		Models: []planspec.ModelConfig{
			{Name: "gpt-x", ProviderKind: "stub", Endpoint: "http://example.invalid", CredentialHandle: "secret"},
		},
		Directives: planspec.Directives{BatchSize: 3},
	}
}

func waitForStatus(t *testing.T, reg *registry.Registry, taskID string, want registry.Status, timeout time.Duration) *registry.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, ok, err := reg.Get(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if ok && task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %s within %s", taskID, want, timeout)
	return nil
}

func TestPoolProcessesTaskToSuccess(t *testing.T) {
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
	q := memqueue.New(5*time.Second, 20*time.Millisecond, 16)
	evalReg := evaluator.NewRegistry()
	evalReg.Register("stub", &evaluator.StubEvaluator{Correctness: []float64{1, 0.5, 0}})
	taxonomy := planspec.NewSubjectTaxonomy(nil)

	d := dispatcher.New(reg, cache, q, evalReg, taxonomy, []int{5, 10, 25}, 100, "test-key", time.Minute)

	pool := New(Config{
		Concurrency:        2,
		TaskMaxDuration:    time.Second,
		LeaseRenewInterval: 50 * time.Millisecond,
		CancelPollInterval: 20 * time.Millisecond,
		RetryAttempts:      2,
		RetryBaseDelay:     10 * time.Millisecond,
	}, q, reg, st, cache, evalReg, d)
	t.Cleanup(pool.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	res, err := d.Submit(ctx, testPlan())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	task := waitForStatus(t, reg, res.TaskID, registry.StatusSuccess, 2*time.Second)
	if len(task.Result) != 1 {
		t.Fatalf("expected one aggregate row, got %d", len(task.Result))
	}
	if task.Result[0].SampleCount != 3 {
		t.Fatalf("expected 3 samples aggregated, got %d", task.Result[0].SampleCount)
	}
}

func TestPoolFailsTaskOnEvaluatorError(t *testing.T) {
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
	q := memqueue.New(5*time.Second, 20*time.Millisecond, 16)
	evalReg := evaluator.NewRegistry()
	evalReg.Register("stub", &evaluator.StubEvaluator{FailWith: errNotFound})
	taxonomy := planspec.NewSubjectTaxonomy(nil)

	d := dispatcher.New(reg, cache, q, evalReg, taxonomy, []int{5, 10, 25}, 100, "test-key", time.Minute)
	pool := New(Config{
		Concurrency:        1,
		TaskMaxDuration:    time.Second,
		LeaseRenewInterval: 50 * time.Millisecond,
		CancelPollInterval: 20 * time.Millisecond,
		RetryAttempts:      1,
		RetryBaseDelay:     5 * time.Millisecond,
	}, q, reg, st, cache, evalReg, d)
	t.Cleanup(pool.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	res, err := d.Submit(ctx, testPlan())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	task := waitForStatus(t, reg, res.TaskID, registry.StatusFailure, 2*time.Second)
	if task.Error == nil {
		t.Fatalf("expected task error to be set")
	}
}

// TestPoolRecoversTaskAfterLeaseExpiryRedelivery simulates a worker that
// claims a message and dies before acking or renewing: the queue's lease
// timer fires, its reclaim hook resets the task back to PENDING, and a
// fresh claim drives it to completion normally.
func TestPoolRecoversTaskAfterLeaseExpiryRedelivery(t *testing.T) {
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
	q := memqueue.New(50*time.Millisecond, 20*time.Millisecond, 16)
	q.SetReclaimHook(func(taskID string) { _ = reg.Reclaim(context.Background(), taskID) })

	evalReg := evaluator.NewRegistry()
	evalReg.Register("stub", &evaluator.StubEvaluator{Correctness: []float64{1, 0.5, 0}})
	taxonomy := planspec.NewSubjectTaxonomy(nil)

	d := dispatcher.New(reg, cache, q, evalReg, taxonomy, []int{5, 10, 25}, 100, "test-key", time.Minute)

	res, err := d.Submit(context.Background(), testPlan())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Claim the message the way a worker would, transition it to STARTED,
	// then simulate a crash by doing nothing further: no ack, no renew.
	msg, _, err := q.Claim(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	if err := reg.Transition(context.Background(), msg.TaskID, registry.StatusPending, registry.StatusStarted, func(tk *registry.Task) {
		tk.Deadline = &deadline
	}); err != nil {
		t.Fatalf("simulate started transition: %v", err)
	}

	waitDeadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(waitDeadline) {
		task, ok, err := reg.Get(context.Background(), msg.TaskID)
		if err == nil && ok && task.Status == registry.StatusPending {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	reclaimed, ok, err := reg.Get(context.Background(), msg.TaskID)
	if err != nil || !ok {
		t.Fatalf("get reclaimed task: %v", err)
	}
	if reclaimed.Status != registry.StatusPending {
		t.Fatalf("expected reclaimed task to be PENDING, got %s", reclaimed.Status)
	}
	if reclaimed.Revision < 2 {
		t.Fatalf("expected reclaim to bump revision, got %d", reclaimed.Revision)
	}

	pool := New(Config{
		Concurrency:        1,
		TaskMaxDuration:    time.Second,
		LeaseRenewInterval: 20 * time.Millisecond,
		CancelPollInterval: 20 * time.Millisecond,
		RetryAttempts:      2,
		RetryBaseDelay:     10 * time.Millisecond,
	}, q, reg, st, cache, evalReg, d)
	t.Cleanup(pool.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	final := waitForStatus(t, reg, msg.TaskID, registry.StatusSuccess, 2*time.Second)
	if len(final.Result) != 1 {
		t.Fatalf("expected one aggregate row, got %d", len(final.Result))
	}
}
