package evaluator

import (
	"context"

	"github.com/swarmguard/evalorc/internal/planspec"
)

// StubEvaluator emits a fixed correctness sequence per model, for worker
// and dispatcher tests that need a deterministic Evaluate without a real
// provider endpoint.
type StubEvaluator struct {
	Correctness []float64
	FailWith    error
	Delay       func(ctx context.Context) error
}

// Evaluate emits len(Correctness) samples per model with the configured
// correctness values, or returns FailWith if set.
func (s *StubEvaluator) Evaluate(ctx context.Context, plan planspec.Plan, creds CredentialEnvelope, progress ProgressFunc, sample SampleFunc) (Result, error) {
	if s.FailWith != nil {
		return Result{}, s.FailWith
	}

	total := 0
	for _, model := range plan.Models {
		rows := make([]SampleRow, 0, len(s.Correctness))
		for i, c := range s.Correctness {
			if s.Delay != nil {
				if err := s.Delay(ctx); err != nil {
					return Result{SamplesEmitted: total}, err
				}
			}
			if err := ctx.Err(); err != nil {
				return Result{SamplesEmitted: total}, err
			}
			rows = append(rows, SampleRow{
				ModelName:   model.Name,
				SampleIndex: i,
				Correctness: c,
			})
			if progress != nil {
				progress(ctx, (i+1)*100/len(s.Correctness))
			}
		}
		if err := sample(ctx, rows); err != nil {
			return Result{SamplesEmitted: total}, err
		}
		total += len(rows)
	}
	return Result{SamplesEmitted: total}, nil
}
