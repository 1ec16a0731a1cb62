// Package dispatcher implements the Dispatcher (C5): submit/cancel, plan
// validation, fingerprint-keyed coalescing of concurrent equivalent
// submissions, cache short-circuiting, and handoff of credentials to the
// in-memory envelope store the worker redeems from.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/evalorc/internal/cacheindex"
	"github.com/swarmguard/evalorc/internal/evaluator"
	"github.com/swarmguard/evalorc/internal/orcherr"
	"github.com/swarmguard/evalorc/internal/planspec"
	"github.com/swarmguard/evalorc/internal/queue"
	"github.com/swarmguard/evalorc/internal/registry"
)

// SubmitResult is the outcome of submitting a plan.
type SubmitResult struct {
	TaskID string
	Status registry.Status
	Cached bool
	Result []registry.AggregateRowView
}

// Dispatcher is the entry point for POST /evaluate and the cancellation path.
type Dispatcher struct {
	registry  *registry.Registry
	cache     *cacheindex.Index
	queue     queue.Queue
	evaluators *evaluator.Registry
	envelopes *envelopeStore

	taxonomy             planspec.SubjectTaxonomy
	sampleSizeBuckets    []int
	minCacheReuseSamples int

	inFlight *keyedMutex
	tracer   trace.Tracer
}

// New builds a Dispatcher.
func New(
	reg *registry.Registry,
	cache *cacheindex.Index,
	q queue.Queue,
	evaluators *evaluator.Registry,
	taxonomy planspec.SubjectTaxonomy,
	sampleSizeBuckets []int,
	minCacheReuseSamples int,
	credentialSigningKey string,
	credentialTTL time.Duration,
) *Dispatcher {
	return &Dispatcher{
		registry:             reg,
		cache:                cache,
		queue:                q,
		evaluators:           evaluators,
		envelopes:            newEnvelopeStore(credentialSigningKey, credentialTTL),
		taxonomy:             taxonomy,
		sampleSizeBuckets:    sampleSizeBuckets,
		minCacheReuseSamples: minCacheReuseSamples,
		inFlight:             newKeyedMutex(),
		tracer:               otel.Tracer("evalorc-dispatcher"),
	}
}

// StartEnvelopeSweep runs the credential envelope TTL sweep until ctx is
// cancelled. Call once from the binary's startup sequence.
func (d *Dispatcher) StartEnvelopeSweep(ctx context.Context, interval time.Duration) {
	go d.envelopes.sweep(ctx, interval)
}

// RedeemCredentials is called by the worker when it claims a task, trading
// the signed envelope token for the decrypted per-model credentials.
func (d *Dispatcher) RedeemCredentials(taskID, token string) (evaluator.CredentialEnvelope, bool, error) {
	return d.envelopes.Fetch(taskID, token)
}

// Submit validates, fingerprints, coalesces, and either short-circuits from
// cache or creates and enqueues a new task.
func (d *Dispatcher) Submit(ctx context.Context, plan planspec.Plan) (SubmitResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.submit")
	defer span.End()

	if errs := plan.Validate(d.taxonomy); len(errs) > 0 {
		return SubmitResult{}, orcherr.New(orcherr.KindValidation, strings.Join(errs, "; "))
	}
	if d.evaluators != nil {
		if _, err := d.evaluators.Resolve(plan); err != nil {
			return SubmitResult{}, orcherr.New(orcherr.KindValidation, err.Error())
		}
	}

	fp := planspec.ComputeFingerprint(plan, d.sampleSizeBuckets)
	span.SetAttributes(attribute.String("fingerprint", string(fp)))

	unlock := d.inFlight.Lock(string(fp))
	defer unlock()

	if existing, ok := d.registry.AttachFingerprint(string(fp)); ok {
		return SubmitResult{TaskID: existing.TaskID, Status: existing.Status, Cached: false}, nil
	}

	if rows, hit := d.tryCacheHit(ctx, fp, plan); hit {
		return d.createFromCache(ctx, plan, fp, rows)
	}

	task, err := d.registry.Create(ctx, plan, string(fp))
	if err != nil {
		return SubmitResult{}, err
	}

	perModel := make(map[string]string, len(plan.Models))
	for _, m := range plan.Models {
		if m.CredentialHandle != "" {
			perModel[m.Name] = m.CredentialHandle
		}
	}
	token, err := d.envelopes.Put(task.TaskID, perModel)
	if err != nil {
		return SubmitResult{}, orcherr.Wrap(orcherr.KindCredentialsMissing, "store credential envelope", err)
	}

	msg := queue.Message{TaskID: task.TaskID, PlanRef: task.TaskID, EnvelopeToken: token, EnqueueTS: time.Now()}
	if err := d.queue.Enqueue(ctx, msg); err != nil {
		return SubmitResult{}, orcherr.Wrap(orcherr.KindQueueUnavailable, "enqueue task", err)
	}

	return SubmitResult{TaskID: task.TaskID, Status: task.Status, Cached: false}, nil
}

// tryCacheHit reports whether every requested model already has a
// sufficiently-sampled, non-stale, non-quarantined row for this fingerprint.
func (d *Dispatcher) tryCacheHit(ctx context.Context, fp planspec.Fingerprint, plan planspec.Plan) ([]cacheindex.Row, bool) {
	filters := cacheindex.BrowseFilter{
		Language:    plan.Profile.Language,
		SubjectType: planspec.SubjectKey(plan.Profile.SubjectType),
		TaskType:    string(plan.Profile.TaskType),
	}
	rows, result, err := d.cache.Lookup(ctx, string(fp), filters)
	if err != nil || result != cacheindex.LookupHit {
		return nil, false
	}

	byModel := make(map[string]cacheindex.Row, len(rows))
	for _, r := range rows {
		byModel[r.Key.ModelName] = r
	}
	out := make([]cacheindex.Row, 0, len(plan.Models))
	for _, m := range plan.Models {
		row, ok := byModel[m.Name]
		if !ok || row.SampleCount < d.minCacheReuseSamples {
			return nil, false
		}
		out = append(out, row)
	}
	return out, true
}

// createFromCache materializes a terminal SUCCESS task directly from cached
// rows, without touching the queue or the evaluator.
func (d *Dispatcher) createFromCache(ctx context.Context, plan planspec.Plan, fp planspec.Fingerprint, rows []cacheindex.Row) (SubmitResult, error) {
	task, err := d.registry.Create(ctx, plan, string(fp))
	if err != nil {
		return SubmitResult{}, err
	}
	if err := d.registry.Transition(ctx, task.TaskID, registry.StatusPending, registry.StatusStarted, nil); err != nil {
		return SubmitResult{}, err
	}

	result := make([]registry.AggregateRowView, 0, len(rows))
	for _, r := range rows {
		result = append(result, registry.AggregateRowView{
			ModelName:   r.Key.ModelName,
			Score:       r.Score,
			SampleCount: r.SampleCount,
			Language:    r.Key.Language,
			SubjectType: r.Key.SubjectType,
			TaskType:    r.Key.TaskType,
		})
	}

	err = d.registry.Transition(ctx, task.TaskID, registry.StatusStarted, registry.StatusSuccess, func(t *registry.Task) {
		t.Result = result
		t.Progress = 100
	})
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{TaskID: task.TaskID, Status: registry.StatusSuccess, Cached: true, Result: result}, nil
}

// Cancel transitions taskID to CANCELLED. The worker loop discovers the
// cancellation by polling task status and stops within cancel_latency_bound;
// the dispatcher does not reach into a running worker directly.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	task, ok, err := d.registry.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return orcherr.New(orcherr.KindConflict, fmt.Sprintf("task %s not found", taskID))
	}
	if task.Status.IsTerminal() {
		return orcherr.New(orcherr.KindConflict, "task already in a terminal state")
	}

	if err := d.registry.Transition(ctx, taskID, task.Status, registry.StatusCancelled, nil); err != nil {
		return err
	}
	d.envelopes.Revoke(taskID)
	_ = d.queue.Nack(ctx, taskID, "cancelled")
	return nil
}
