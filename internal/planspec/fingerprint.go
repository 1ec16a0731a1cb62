package planspec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Fingerprint is a fixed-length content hash identifying a canonicalized
// Plan. Two plans with the same Fingerprint are treated as cache-equivalent.
type Fingerprint string

// canonicalPlan is the subset of Plan fields that participate in the
// fingerprint, in already-canonicalized form. Field order is fixed by the
// struct's field declaration order so json.Marshal produces a stable byte sequence, the same
// technique DAGEngine.generateCacheKey uses for per-task cache keys.
type canonicalPlan struct {
	SchemaVersion string        `json:"schema_version"`
	ProblemType   ProblemType   `json:"problem_type"`
	TargetType    TargetType    `json:"target_type"`
	TaskType      TaskType      `json:"task_type"`
	ExternalTool  bool          `json:"external_tool_usage"`
	Language      string        `json:"language"`
	SubjectType   []string      `json:"subject_type"`
	SampleSize    int           `json:"sample_size_bucket"`
	Models        []ModelConfig `json:"models"`
	ScoringMethod string        `json:"scoring_method"`
}

// ComputeFingerprint derives the Fingerprint for plan, bucketing sample_size
// against ladder (the default ladder is 10, 25, 50, 100, 250, 500, 1000).
// It excludes credentials, human description, name, and submission
// timestamp, per §4.1.
func ComputeFingerprint(plan Plan, ladder []int) Fingerprint {
	c := canonicalPlan{
		SchemaVersion: plan.SchemaVersion,
		ProblemType:   plan.Profile.ProblemType,
		TargetType:    plan.Profile.TargetType,
		TaskType:      plan.Profile.TaskType,
		ExternalTool:  plan.Profile.ExternalToolUsage,
		Language:      strings.ToLower(strings.TrimSpace(plan.Profile.Language)),
		SubjectType:   sortedTags(plan.Profile.SubjectType),
		SampleSize:    bucketFor(plan.Profile.SampleSize, ladder),
		Models:        sortedModels(plan.Models),
		ScoringMethod: plan.Directives.ScoringMethod,
	}

	data, err := json.Marshal(c)
	if err != nil {
		// canonicalPlan contains no channels/funcs/cycles; Marshal cannot
		// fail here short of an OOM, which panics anyway.
		panic("planspec: canonical plan marshal failed: " + err.Error())
	}

	sum := sha256.Sum256(data)
	return Fingerprint(hex.EncodeToString(sum[:]))
}
