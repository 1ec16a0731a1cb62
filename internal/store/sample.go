// Package store implements the append-only Result Store (C2): per-sample
// outcomes persisted in bbolt, indexed on (task_id, model_name) and on
// (fingerprint, model_name) for aggregation.
package store

import "time"

// Sample is one scored item produced during a task.
type Sample struct {
	TaskID        string            `json:"task_id"`
	Fingerprint   string            `json:"fingerprint"`
	ModelName     string            `json:"model_name"`
	SampleIndex   int               `json:"sample_index"`
	Prompt        string            `json:"prompt"`
	Answer        string            `json:"answer"`
	Correctness   float64           `json:"correctness"`
	SkillLabel    string            `json:"skill_label"`
	TargetLabel   string            `json:"target_label"`
	SubjectLabel  string            `json:"subject_label"`
	TaskLabel     string            `json:"task_label"`
	DatasetName   string            `json:"dataset_name"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// ModelAggregate is the per-model rollup computed from samples for one task.
type ModelAggregate struct {
	ModelName    string
	Score        float64
	SampleCount  int
	SubjectLabel string
	TaskLabel    string
}

// AggregateFilters narrows aggregate_by_fingerprint queries.
type AggregateFilters struct {
	ModelName   string
	SubjectType string
	TaskType    string
}
