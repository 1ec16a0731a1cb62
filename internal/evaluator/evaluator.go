// Package evaluator defines the pluggable Evaluator contract the Worker
// Loop drives, modeled on the teacher's TaskExecutor/PluginExecutor
// interfaces: callers register a concrete implementation per provider_kind,
// the worker only ever talks to the Evaluator interface.
package evaluator

import (
	"context"
	"fmt"
	"sync"

	"github.com/swarmguard/evalorc/internal/planspec"
)

// SampleRow is one scored item emitted by an Evaluator during a run.
type SampleRow struct {
	ModelName    string
	SampleIndex  int
	Prompt       string
	Answer       string
	Correctness  float64
	SkillLabel   string
	TargetLabel  string
	SubjectLabel string
	TaskLabel    string
	DatasetName  string
	Metadata     map[string]string
}

// Result is the terminal outcome of a successful evaluation run.
type Result struct {
	SamplesEmitted int
}

// CredentialEnvelope carries the decrypted per-task provider credentials
// for the duration of one Evaluate call. The worker never persists this
// value; it is re-hydrated fresh from the dispatcher's in-memory envelope
// store on every claim.
type CredentialEnvelope struct {
	TaskID      string
	PerModel    map[string]string // model name -> credential
}

// ProgressFunc reports 0-100 completion; the worker rate-limits how often
// it forwards these into the Task Registry.
type ProgressFunc func(ctx context.Context, percent int)

// SampleFunc streams a batch of scored rows into the Result Store.
type SampleFunc func(ctx context.Context, rows []SampleRow) error

// Evaluator is the external collaborator that turns a plan into samples.
// Implementations classify failures by returning an *orcherr.Error; the
// worker retries kinds orcherr.Retryable accepts and treats an
// unclassified error as retryable too.
type Evaluator interface {
	Evaluate(ctx context.Context, plan planspec.Plan, creds CredentialEnvelope, progress ProgressFunc, sample SampleFunc) (Result, error)
}

// Registry dispatches to a concrete Evaluator by provider_kind, mirroring
// the teacher's MultiTaskExecutor routing on task.Type.
type Registry struct {
	mu    sync.RWMutex
	byKind map[string]Evaluator
}

// NewRegistry constructs an empty evaluator registry.
func NewRegistry() *Registry {
	return &Registry{byKind: make(map[string]Evaluator)}
}

// Register associates providerKind with an Evaluator implementation.
func (r *Registry) Register(providerKind string, e Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[providerKind] = e
}

// Resolve picks the Evaluator to run a plan. Plans name one provider_kind
// per model; this orchestrator evaluates one model at a time within a
// worker attempt, so Resolve is keyed on the first model's provider_kind.
func (r *Registry) Resolve(plan planspec.Plan) (Evaluator, error) {
	if len(plan.Models) == 0 {
		return nil, fmt.Errorf("plan has no models")
	}
	kind := plan.Models[0].ProviderKind
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("no evaluator registered for provider_kind %q", kind)
	}
	return e, nil
}

// Available reports whether at least one evaluator is registered, backing
// GET /health's evaluator availability flag.
func (r *Registry) Available() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKind) > 0
}
