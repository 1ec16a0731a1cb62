package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/evalorc/internal/cacheindex"
	"github.com/swarmguard/evalorc/internal/evaluator"
	"github.com/swarmguard/evalorc/internal/planspec"
	"github.com/swarmguard/evalorc/internal/queue/memqueue"
	"github.com/swarmguard/evalorc/internal/registry"
)

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
			SampleSize:  10,
		},
		Models: []planspec.ModelConfig{
			{Name: "gpt-x", ProviderKind: "http", Endpoint: "http://example.invalid/eval", CredentialHandle: "secret-1"},
		},
		Directives: planspec.Directives{BatchSize: 5},
	}
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	meter := noop.NewMeterProvider().Meter("test")
	reg, err := registry.Open(t.TempDir(), 0, meter)
	require.NoError(t, err)
	cache, err := cacheindex.Open(t.TempDir(), time.Hour, 100, meter)
	require.NoError(t, err)
	q := memqueue.New(30*time.Second, 10*time.Millisecond, 16)
	evalReg := evaluator.NewRegistry()
	evalReg.Register("http", &evaluator.StubEvaluator{Correctness: []float64{1}})

	taxonomy := planspec.NewSubjectTaxonomy(nil)
	return New(reg, cache, q, evalReg, taxonomy, []int{10, 25, 50}, 5, "test-signing-key", time.Minute)
}

func TestSubmitEnqueuesNewTask(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	res, err := d.Submit(ctx, testPlan())
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, registry.StatusPending, res.Status)
}

func TestSubmitCoalescesDuplicateInFlight(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	plan := testPlan()

	first, err := d.Submit(ctx, plan)
	require.NoError(t, err)
	second, err := d.Submit(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, first.TaskID, second.TaskID)
}

func TestSubmitHitsCacheWhenRowSufficientlySampled(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	plan := testPlan()

	fp := planspec.ComputeFingerprint(plan, d.sampleSizeBuckets)
	row := cacheindex.Row{
		Key: cacheindex.RowKey{
			Fingerprint: string(fp),
			ModelName:   "gpt-x",
			Language:    "en",
			SubjectType: planspec.SubjectKey(plan.Profile.SubjectType),
			TaskType:    string(plan.Profile.TaskType),
		},
		Score:       0.9,
		SampleCount: 50,
	}
	require.NoError(t, d.cache.UpsertRow(ctx, row))

	res, err := d.Submit(ctx, plan)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, registry.StatusSuccess, res.Status)
	require.Len(t, res.Result, 1)
	assert.Equal(t, 50, res.Result[0].SampleCount)
}

func TestSubmitRejectsInvalidPlan(t *testing.T) {
	d := newTestDispatcher(t)
	plan := testPlan()
	plan.Models = nil

	_, err := d.Submit(context.Background(), plan)
	assert.Error(t, err)
}

func TestCancelTransitionsAndRejectsTerminal(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	res, err := d.Submit(ctx, testPlan())
	require.NoError(t, err)
	require.NoError(t, d.Cancel(ctx, res.TaskID))
	assert.Error(t, d.Cancel(ctx, res.TaskID), "cancelling an already-terminal task should fail")
}

func TestRedeemCredentialsRejectsBogusToken(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	res, err := d.Submit(ctx, testPlan())
	require.NoError(t, err)

	_, ok, err := d.RedeemCredentials(res.TaskID, "not-a-token")
	assert.False(t, ok, "bogus token must be rejected")
	assert.Error(t, err)
}
