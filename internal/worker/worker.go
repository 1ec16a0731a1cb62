// Package worker implements the Worker Loop (C7): claims tasks off the
// queue, redeems their credential envelope, drives the resolved Evaluator
// with retry/backoff, streams samples and rate-limited progress, and
// commits the terminal result to the Task Registry and Cache Index. The
// retry loop and cancellation/deadline monitoring are grounded on the
// teacher's DAGEngine.executeTask and CancellationManager.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/evalorc/internal/cacheindex"
	"github.com/swarmguard/evalorc/internal/core/resilience"
	"github.com/swarmguard/evalorc/internal/evaluator"
	"github.com/swarmguard/evalorc/internal/orcherr"
	"github.com/swarmguard/evalorc/internal/planspec"
	"github.com/swarmguard/evalorc/internal/queue"
	"github.com/swarmguard/evalorc/internal/registry"
	"github.com/swarmguard/evalorc/internal/store"
)

// CredentialRedeemer trades an envelope token for decrypted credentials.
// Satisfied by *dispatcher.Dispatcher; declared here so worker doesn't need
// to depend on dispatcher's full surface.
type CredentialRedeemer interface {
	RedeemCredentials(taskID, token string) (evaluator.CredentialEnvelope, bool, error)
}

// Config are the knobs controlling one Pool's behavior.
type Config struct {
	Concurrency         int
	TaskMaxDuration      time.Duration
	LeaseRenewInterval   time.Duration
	CancelPollInterval   time.Duration
	RetryAttempts        int
	RetryBaseDelay       time.Duration
}

// Pool runs Config.Concurrency worker goroutines against a shared queue.
type Pool struct {
	cfg Config

	queue      queue.Queue
	registry   *registry.Registry
	store      *store.Store
	cache      *cacheindex.Index
	evaluators *evaluator.Registry
	creds      CredentialRedeemer

	// outbound paces the pool's aggregate rate of Evaluate calls against
	// external model endpoints: concurrency workers can each claim a task
	// at once, but the endpoints they call are shared, so bursts are
	// smoothed pool-wide rather than per-worker.
	outbound *resilience.HybridRateLimiter

	tracer trace.Tracer
}

// New builds a worker Pool. The outbound pacer allows bursts up to 4x
// Concurrency and then smooths to one request per 50ms, queuing up to
// 2x Concurrency callers before shedding load.
func New(cfg Config, q queue.Queue, reg *registry.Registry, st *store.Store, cache *cacheindex.Index, evaluators *evaluator.Registry, creds CredentialRedeemer) *Pool {
	return &Pool{
		cfg:        cfg,
		queue:      q,
		registry:   reg,
		store:      st,
		cache:      cache,
		evaluators: evaluators,
		creds:      creds,
		outbound:   resilience.NewHybridRateLimiter(cfg.Concurrency*4, 20, cfg.Concurrency*2, 50*time.Millisecond),
		tracer:     otel.Tracer("evalorc-worker"),
	}
}

// Start launches cfg.Concurrency worker goroutines, each running until ctx
// is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Concurrency; i++ {
		go p.run(ctx, i)
	}
}

// Stop releases the pool's outbound rate limiter. Worker goroutines
// themselves exit on their own once ctx (passed to Start) is cancelled.
func (p *Pool) Stop() {
	p.outbound.Stop()
}

func (p *Pool) run(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, lease, err := p.queue.Claim(ctx)
		if err != nil {
			var noMsg queue.ErrNoMessage
			if errors.As(err, &noMsg) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			slog.Warn("worker claim failed", "worker", id, "error", err)
			continue
		}
		p.process(ctx, msg, lease)
	}
}

func (p *Pool) process(ctx context.Context, msg queue.Message, lease queue.Lease) {
	ctx, span := p.tracer.Start(ctx, "worker.process", trace.WithAttributes(attribute.String("task_id", msg.TaskID)))
	defer span.End()

	task, ok, err := p.registry.Get(ctx, msg.TaskID)
	if err != nil || !ok {
		_ = p.queue.Ack(ctx, msg.TaskID)
		return
	}
	if task.Status.IsTerminal() {
		_ = p.queue.Ack(ctx, msg.TaskID)
		return
	}

	deadline := time.Now().Add(p.cfg.TaskMaxDuration)
	startTransition := func() error {
		return p.registry.Transition(ctx, msg.TaskID, registry.StatusPending, registry.StatusStarted, func(t *registry.Task) {
			t.Deadline = &deadline
		})
	}
	if err = startTransition(); err != nil {
		// A queue adapter's reclaim hook normally resets a redelivered
		// task back to PENDING before the message is claimable again. If
		// this task is still STARTED, the reclaim hasn't landed yet (or
		// the adapter has no hook wired) — force the reset ourselves and
		// retry once before treating it as a lost race.
		if t, ok, gerr := p.registry.Get(ctx, msg.TaskID); gerr == nil && ok && t.Status == registry.StatusStarted {
			if rerr := p.registry.Reclaim(ctx, msg.TaskID); rerr == nil {
				err = startTransition()
			}
		}
	}
	if err != nil {
		// Lost the race (e.g. cancelled, or already terminal).
		_ = p.queue.Ack(ctx, msg.TaskID)
		return
	}

	creds, ok, err := p.creds.RedeemCredentials(msg.TaskID, msg.EnvelopeToken)
	if err != nil || !ok {
		p.fail(ctx, msg, orcherr.New(orcherr.KindCredentialsMissing, "credential envelope could not be redeemed"))
		return
	}

	ev, err := p.evaluators.Resolve(task.PlanSnapshot)
	if err != nil {
		p.fail(ctx, msg, orcherr.Wrap(orcherr.KindEvaluatorFatal, "resolve evaluator", err))
		return
	}

	runCtx, cancelRun := context.WithDeadline(ctx, deadline)
	monitorDone := make(chan struct{})
	go p.monitor(runCtx, cancelRun, msg.TaskID, lease, monitorDone)

	progressFn := func(pctx context.Context, percent int) {
		_ = p.registry.UpdateProgress(pctx, msg.TaskID, percent)
	}
	sampleFn := func(sctx context.Context, rows []evaluator.SampleRow) error {
		return p.store.AppendSamples(sctx, msg.TaskID, toSamples(msg.TaskID, task.Fingerprint, task.PlanSnapshot, rows))
	}

	result, evalErr := resilience.Retry(runCtx, p.cfg.RetryAttempts, p.cfg.RetryBaseDelay, func() (evaluator.Result, error) {
		if err := p.outbound.AllowOrWait(runCtx); err != nil {
			return evaluator.Result{}, classifyForRetry(orcherr.Wrap(orcherr.KindEvaluatorRetryable, "outbound rate limit", err))
		}
		r, err := ev.Evaluate(runCtx, task.PlanSnapshot, creds, progressFn, sampleFn)
		return r, classifyForRetry(err)
	})

	close(monitorDone)
	cancelRun()

	latest, ok, _ := p.registry.Get(ctx, msg.TaskID)
	if ok && latest.Status == registry.StatusCancelled {
		_ = p.queue.Ack(ctx, msg.TaskID)
		return
	}

	if evalErr != nil {
		if errors.Is(evalErr, context.DeadlineExceeded) {
			p.fail(ctx, msg, orcherr.New(orcherr.KindTimeout, "task exceeded its maximum duration"))
			return
		}
		p.fail(ctx, msg, evalErr)
		return
	}

	p.succeed(ctx, msg, task, result)
}

// monitor renews the queue lease and watches for an out-of-band
// cancellation until done is closed, mirroring the teacher's
// CancellationManager polling loop generalized to also cover lease renewal.
func (p *Pool) monitor(ctx context.Context, cancelRun context.CancelFunc, taskID string, lease queue.Lease, done chan struct{}) {
	renew := time.NewTicker(p.cfg.LeaseRenewInterval)
	poll := time.NewTicker(p.cfg.CancelPollInterval)
	defer renew.Stop()
	defer poll.Stop()

	current := lease
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-renew.C:
			if next, err := p.queue.Renew(context.Background(), current); err == nil {
				current = next
			}
		case <-poll.C:
			if t, ok, err := p.registry.Get(context.Background(), taskID); err == nil && ok && t.Status == registry.StatusCancelled {
				cancelRun()
				return
			}
		}
	}
}

func (p *Pool) succeed(ctx context.Context, msg queue.Message, task *registry.Task, result evaluator.Result) {
	aggregates, err := p.store.Aggregate(ctx, msg.TaskID)
	if err != nil {
		p.fail(ctx, msg, orcherr.Wrap(orcherr.KindStorageUnavailable, "aggregate samples", err))
		return
	}

	profile := task.PlanSnapshot.Profile
	subjectKey := planspec.SubjectKey(profile.SubjectType)
	resultRows := make([]registry.AggregateRowView, 0, len(aggregates))
	for model, agg := range aggregates {
		row := cacheindex.Row{
			Key: cacheindex.RowKey{
				Fingerprint: task.Fingerprint,
				ModelName:   model,
				Language:    profile.Language,
				SubjectType: subjectKey,
				TaskType:    string(profile.TaskType),
			},
			Score:        agg.Score,
			SampleCount:  agg.SampleCount,
			SourceTaskID: msg.TaskID,
		}
		if err := p.cache.UpsertRow(ctx, row); err != nil {
			slog.Warn("cache upsert failed", "task_id", msg.TaskID, "model", model, "error", err)
		}
		resultRows = append(resultRows, registry.AggregateRowView{
			ModelName:   model,
			Score:       agg.Score,
			SampleCount: agg.SampleCount,
			Language:    profile.Language,
			SubjectType: subjectKey,
			TaskType:    string(profile.TaskType),
		})
	}

	err = p.registry.Transition(ctx, msg.TaskID, registry.StatusStarted, registry.StatusSuccess, func(t *registry.Task) {
		t.Result = resultRows
		t.Progress = 100
	})
	if err != nil {
		slog.Warn("terminal transition failed", "task_id", msg.TaskID, "error", err)
	}
	_ = result // samples_emitted is implicit in the persisted aggregate rows
	_ = p.queue.Ack(ctx, msg.TaskID)
}

func (p *Pool) fail(ctx context.Context, msg queue.Message, cause error) {
	kind := orcherr.KindEvaluatorFatal
	message := cause.Error()
	if oe, ok := orcherr.As(cause); ok {
		kind = oe.Kind
		message = oe.Message
	}

	err := p.registry.Transition(ctx, msg.TaskID, registry.StatusStarted, registry.StatusFailure, func(t *registry.Task) {
		t.Error = &registry.TaskError{Kind: kind, Message: message}
	})
	if err != nil {
		slog.Warn("failure transition failed", "task_id", msg.TaskID, "error", err)
	}
	_ = p.queue.Nack(ctx, msg.TaskID, string(kind))
}

func toSamples(taskID, fingerprint string, plan planspec.Plan, rows []evaluator.SampleRow) []store.Sample {
	out := make([]store.Sample, 0, len(rows))
	now := time.Now()
	for _, r := range rows {
		out = append(out, store.Sample{
			TaskID:       taskID,
			Fingerprint:  fingerprint,
			ModelName:    r.ModelName,
			SampleIndex:  r.SampleIndex,
			Prompt:       r.Prompt,
			Answer:       r.Answer,
			Correctness:  r.Correctness,
			SkillLabel:   r.SkillLabel,
			TargetLabel:  string(plan.Profile.TargetType),
			SubjectLabel: planspec.SubjectKey(plan.Profile.SubjectType),
			TaskLabel:    string(plan.Profile.TaskType),
			DatasetName:  r.DatasetName,
			Metadata:     r.Metadata,
			Timestamp:    now,
		})
	}
	return out
}

func classifyForRetry(err error) error {
	if err == nil {
		return nil
	}
	if oe, ok := orcherr.As(err); ok && !orcherr.Retryable(oe.Kind) {
		return resilience.NonRetryable(err)
	}
	return err
}
