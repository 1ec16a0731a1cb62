// Package planspec defines the Plan value type submitted to the
// dispatcher and the pure Plan -> Fingerprint function (C1) used to
// coalesce and cache equivalent evaluation requests.
package planspec

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ProblemType is the closed set of evaluation problem shapes.
type ProblemType string

const (
	ProblemBinary    ProblemType = "Binary"
	ProblemMCQA      ProblemType = "MCQA"
	ProblemShortForm ProblemType = "short-form"
	ProblemOpenEnded ProblemType = "open-ended"
)

var validProblemTypes = map[ProblemType]bool{
	ProblemBinary: true, ProblemMCQA: true, ProblemShortForm: true, ProblemOpenEnded: true,
}

// TargetType is the closed set of evaluation targets.
type TargetType string

const (
	TargetGeneral TargetType = "General"
	TargetLocal   TargetType = "Local"
)

var validTargetTypes = map[TargetType]bool{TargetGeneral: true, TargetLocal: true}

// TaskType is the closed set of evaluation task categories.
type TaskType string

const (
	TaskKnowledge  TaskType = "Knowledge"
	TaskReasoning  TaskType = "Reasoning"
	TaskValue      TaskType = "Value"
	TaskAlignment  TaskType = "Alignment"
)

var validTaskTypes = map[TaskType]bool{
	TaskKnowledge: true, TaskReasoning: true, TaskValue: true, TaskAlignment: true,
}

// SubjectTaxonomy is the closed set of subject_type tags supplied to the
// validator at construction time (spec §9 leaves exact membership an
// input, not a contract).
type SubjectTaxonomy struct {
	allowed map[string]bool
}

// NewSubjectTaxonomy builds a taxonomy from a list of valid tags.
func NewSubjectTaxonomy(tags []string) SubjectTaxonomy {
	allowed := make(map[string]bool, len(tags))
	for _, t := range tags {
		allowed[t] = true
	}
	return SubjectTaxonomy{allowed: allowed}
}

// Contains reports whether tag is a member of the taxonomy. An empty
// taxonomy (no tags configured) accepts any non-empty tag, so a fresh
// deployment isn't blocked before an operator supplies one.
func (t SubjectTaxonomy) Contains(tag string) bool {
	if len(t.allowed) == 0 {
		return tag != ""
	}
	return t.allowed[tag]
}

// ModelConfig is one model endpoint under evaluation.
type ModelConfig struct {
	Name           string `json:"name"`
	ProviderKind   string `json:"provider_kind"`
	Endpoint       string `json:"endpoint"`
	CredentialHandle string `json:"credential_handle"`
}

// Directives are per-evaluation-run knobs that don't affect cache identity
// beyond the evaluator method identifier.
type Directives struct {
	ScoringMethod string        `json:"scoring_method"`
	CallTimeout   time.Duration `json:"call_timeout"`
	BatchSize     int           `json:"batch_size"`
}

// Profile is the evaluation profile portion of a Plan.
type Profile struct {
	ProblemType       ProblemType `json:"problem_type"`
	TargetType        TargetType  `json:"target_type"`
	TaskType          TaskType    `json:"task_type"`
	ExternalToolUsage bool        `json:"external_tool_usage"`
	Language          string      `json:"language"`
	SubjectType       []string    `json:"subject_type"`
	SampleSize        int         `json:"sample_size"`
	Seed              *int64      `json:"seed,omitempty"`
}

// Plan is the unit of work submitted to the dispatcher.
type Plan struct {
	SchemaVersion string        `json:"schema_version"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	Profile       Profile       `json:"profile"`
	Models        []ModelConfig `json:"models"`
	Directives    Directives    `json:"directives"`
	SubmittedAt   time.Time     `json:"submitted_at"`
}

// MaxSampleSize bounds sample_size; validation clamps instead of rejecting
// requests for "too many" samples, per §3's "clamped to a configured max".
const MaxSampleSize = 100000

// Validate checks the Plan's invariants against the given subject taxonomy,
// clamping sample_size to MaxSampleSize. It returns a slice of human
// readable violations; an empty slice means the plan is valid.
func (p *Plan) Validate(taxonomy SubjectTaxonomy) []string {
	var errs []string

	if len(p.Models) == 0 {
		errs = append(errs, "at least one model is required")
	}
	seenModel := make(map[string]bool, len(p.Models))
	for _, m := range p.Models {
		if m.Name == "" || m.Endpoint == "" {
			errs = append(errs, "model name and endpoint are required")
			continue
		}
		key := m.Name + "|" + m.Endpoint
		if seenModel[key] {
			errs = append(errs, fmt.Sprintf("duplicate model %s at %s", m.Name, m.Endpoint))
		}
		seenModel[key] = true
	}

	if len(p.Profile.SubjectType) == 0 {
		errs = append(errs, "at least one subject_type tag is required")
	}
	for _, tag := range p.Profile.SubjectType {
		if tag == "" {
			errs = append(errs, "subject_type tags must be non-empty")
			continue
		}
		if !taxonomy.Contains(tag) {
			errs = append(errs, fmt.Sprintf("subject_type %q is not in the configured taxonomy", tag))
		}
	}

	if p.Profile.SampleSize < 1 {
		errs = append(errs, "sample_size must be >= 1")
	} else if p.Profile.SampleSize > MaxSampleSize {
		p.Profile.SampleSize = MaxSampleSize
	}

	if !validProblemTypes[p.Profile.ProblemType] {
		errs = append(errs, fmt.Sprintf("invalid problem_type %q", p.Profile.ProblemType))
	}
	if !validTargetTypes[p.Profile.TargetType] {
		errs = append(errs, fmt.Sprintf("invalid target_type %q", p.Profile.TargetType))
	}
	if !validTaskTypes[p.Profile.TaskType] {
		errs = append(errs, fmt.Sprintf("invalid task_type %q", p.Profile.TaskType))
	}

	return errs
}

// Redacted returns a copy of the plan with all credential handles stripped,
// suitable for persisting on a Task snapshot.
func (p Plan) Redacted() Plan {
	redacted := p
	redacted.Models = make([]ModelConfig, len(p.Models))
	for i, m := range p.Models {
		m.CredentialHandle = ""
		redacted.Models[i] = m
	}
	return redacted
}

// sortedModels returns a copy of models sorted ascending by (name, endpoint)
// with credentials dropped, per the canonicalization rule in §4.1.
func sortedModels(models []ModelConfig) []ModelConfig {
	out := make([]ModelConfig, len(models))
	for i, m := range models {
		out[i] = ModelConfig{Name: m.Name, ProviderKind: m.ProviderKind, Endpoint: m.Endpoint}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Endpoint < out[j].Endpoint
	})
	return out
}

// sortedTags returns subject_type tags lowercased, trimmed, and sorted.
func sortedTags(tags []string) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = strings.ToLower(strings.TrimSpace(t))
	}
	sort.Strings(out)
	return out
}

// SubjectKey canonicalizes a plan's subject_type tags into the single string
// the cache index keys rows on, so a row written by the worker and a lookup
// issued by the dispatcher agree on the same representation.
func SubjectKey(tags []string) string {
	return strings.Join(sortedTags(tags), ",")
}

// bucketFor maps a requested sample size to the smallest configured bucket
// greater than or equal to it. If the size exceeds every bucket, the size
// itself is used (after MaxSampleSize clamping in Validate).
func bucketFor(size int, ladder []int) int {
	sorted := append([]int(nil), ladder...)
	sort.Ints(sorted)
	for _, b := range sorted {
		if size <= b {
			return b
		}
	}
	return size
}
