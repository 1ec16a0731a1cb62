package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/evalorc/internal/core/resilience"
	"github.com/swarmguard/evalorc/internal/orcherr"
	"github.com/swarmguard/evalorc/internal/planspec"
)

// HTTPEvaluator drives a single user-supplied model endpoint over HTTP,
// one request per sample, modeled on the teacher's HTTPTaskExecutor
// (connection pooling, trace propagation, template-free JSON bodies). Each
// distinct endpoint gets its own circuit breaker, the way the teacher's
// HTTPPlugin keeps a breaker per downstream host rather than one global one.
type HTTPEvaluator struct {
	client *http.Client
	tracer trace.Tracer

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
}

// NewHTTPEvaluator builds an HTTPEvaluator. A nil client gets the same
// pooled defaults the teacher's NewHTTPTaskExecutor uses.
func NewHTTPEvaluator(client *http.Client) *HTTPEvaluator {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPEvaluator{
		client:   client,
		tracer:   otel.Tracer("evalorc-evaluator-http"),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

// breakerFor returns the per-endpoint circuit breaker, creating it on first
// use. 10 samples minimum before tripping, 50% failure rate opens it, 30s
// cool-down, 3 half-open probes.
func (h *HTTPEvaluator) breakerFor(endpoint string) *resilience.CircuitBreaker {
	h.breakersMu.Lock()
	defer h.breakersMu.Unlock()
	b, ok := h.breakers[endpoint]
	if !ok {
		b = resilience.NewCircuitBreakerAdaptive(time.Minute, 6, 10, 0.5, 30*time.Second, 3)
		h.breakers[endpoint] = b
	}
	return b
}

type modelRequest struct {
	Prompt string `json:"prompt"`
}

type modelResponse struct {
	Answer      string  `json:"answer"`
	Correctness float64 `json:"correctness"`
}

// Evaluate issues plan.Profile.SampleSize requests per model against each
// model's endpoint, handing the scored rows to sample in batches of
// plan.Directives.BatchSize (all at once when BatchSize is not set) and
// scoring each response's self-reported correctness (the
// benchmark execution runtime proper, including dataset sourcing and
// correctness judging, is an external collaborator — §1 Non-goals — this
// implementation exists only so the binary is runnable end-to-end against
// a stub endpoint).
func (h *HTTPEvaluator) Evaluate(ctx context.Context, plan planspec.Plan, creds CredentialEnvelope, progress ProgressFunc, sample SampleFunc) (Result, error) {
	total := 0
	n := plan.Profile.SampleSize

	for _, model := range plan.Models {
		ctx, span := h.tracer.Start(ctx, "evaluator.http.run",
			trace.WithAttributes(attribute.String("model", model.Name), attribute.Int("sample_size", n)))

		batch := make([]SampleRow, 0, n)
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				span.End()
				return Result{SamplesEmitted: total}, err
			}
			row, err := h.callOne(ctx, model.Endpoint, model.Name, i, creds, plan.Directives.CallTimeout)
			if err != nil {
				span.End()
				return Result{SamplesEmitted: total}, err
			}
			batch = append(batch, row)

			if len(batch) >= plan.Directives.BatchSize && plan.Directives.BatchSize > 0 {
				if err := sample(ctx, batch); err != nil {
					span.End()
					return Result{SamplesEmitted: total}, err
				}
				total += len(batch)
				batch = batch[:0]
			}
			if progress != nil {
				progress(ctx, (i+1)*100/n)
			}
		}
		if len(batch) > 0 {
			if err := sample(ctx, batch); err != nil {
				span.End()
				return Result{SamplesEmitted: total}, err
			}
			total += len(batch)
		}
		span.End()
	}

	return Result{SamplesEmitted: total}, nil
}

func (h *HTTPEvaluator) callOne(ctx context.Context, endpoint, modelName string, sampleIndex int, creds CredentialEnvelope, callTimeout time.Duration) (SampleRow, error) {
	breaker := h.breakerFor(endpoint)
	if !breaker.Allow() {
		return SampleRow{}, orcherr.New(orcherr.KindEvaluatorRetryable, fmt.Sprintf("evaluator endpoint %s: circuit open", endpoint))
	}

	row, err := h.doCall(ctx, endpoint, modelName, sampleIndex, creds, callTimeout)
	breaker.RecordResult(err == nil)
	return row, err
}

// doCall issues the HTTP POST for one sample. When callTimeout is set, it
// bounds this call alone rather than the task's overall deadline, matching
// the plan's per-call evaluation directive.
func (h *HTTPEvaluator) doCall(ctx context.Context, endpoint, modelName string, sampleIndex int, creds CredentialEnvelope, callTimeout time.Duration) (SampleRow, error) {
	if callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, callTimeout)
		defer cancel()
	}

	body, err := json.Marshal(modelRequest{Prompt: fmt.Sprintf("sample-%d", sampleIndex)})
	if err != nil {
		return SampleRow{}, orcherr.Wrap(orcherr.KindEvaluatorFatal, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return SampleRow{}, orcherr.Wrap(orcherr.KindEvaluatorFatal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cred, ok := creds.PerModel[modelName]; ok && cred != "" {
		req.Header.Set("Authorization", "Bearer "+cred)
	}
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{req.Header})

	resp, err := h.client.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS) are transient
		// from the worker's perspective, so they feed the retry loop.
		return SampleRow{}, orcherr.Wrap(orcherr.KindEvaluatorRetryable, "evaluator call", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SampleRow{}, orcherr.Wrap(orcherr.KindEvaluatorRetryable, "read response", err)
	}
	if resp.StatusCode >= 500 {
		return SampleRow{}, orcherr.New(orcherr.KindEvaluatorRetryable, fmt.Sprintf("evaluator endpoint %s: server error %d", endpoint, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return SampleRow{}, orcherr.New(orcherr.KindEvaluatorFatal, fmt.Sprintf("evaluator endpoint %s: client error %d: %s", endpoint, resp.StatusCode, string(data)))
	}

	var mr modelResponse
	if err := json.Unmarshal(data, &mr); err != nil {
		return SampleRow{}, orcherr.Wrap(orcherr.KindEvaluatorFatal, "decode response", err)
	}

	return SampleRow{
		ModelName:   modelName,
		SampleIndex: sampleIndex,
		Prompt:      fmt.Sprintf("sample-%d", sampleIndex),
		Answer:      mr.Answer,
		Correctness: mr.Correctness,
	}, nil
}

// headerCarrier adapts http.Header for OpenTelemetry propagation.
type headerCarrier struct{ header http.Header }

func (hc *headerCarrier) Get(key string) string   { return hc.header.Get(key) }
func (hc *headerCarrier) Set(key, value string)   { hc.header.Set(key, value) }
func (hc *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc.header))
	for k := range hc.header {
		keys = append(keys, k)
	}
	return keys
}
