// Package registry implements the Task Registry (C3): the strongly
// consistent store of job lifecycle state keyed by task_id, with secondary
// indices on fingerprint (coalescing) and status (stats/listing).
package registry

import (
	"time"

	"github.com/swarmguard/evalorc/internal/orcherr"
	"github.com/swarmguard/evalorc/internal/planspec"
)

// Status is a Task's position in the state machine.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusStarted   Status = "STARTED"
	StatusSuccess   Status = "SUCCESS"
	StatusFailure   Status = "FAILURE"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether status has no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCancelled
}

// AggregateRowView is the redacted, client-facing shape of a cache row
// returned on a Task's terminal SUCCESS result.
type AggregateRowView struct {
	ModelName   string  `json:"model"`
	Score       float64 `json:"score"`
	SampleCount int     `json:"sample_count"`
	Language    string  `json:"language"`
	SubjectType string  `json:"subject_type"`
	TaskType    string  `json:"task_type"`
}

// TaskError is the redacted error surfaced on FAILURE.
type TaskError struct {
	Kind    orcherr.Kind `json:"kind"`
	Message string       `json:"message"`
}

// Task is one execution attempt for one (plan, fingerprint) pair.
type Task struct {
	TaskID       string            `json:"task_id"`
	Fingerprint  string            `json:"fingerprint"`
	Status       Status            `json:"status"`
	Progress     int               `json:"progress"`
	PlanSnapshot planspec.Plan     `json:"plan_snapshot"`
	Result       []AggregateRowView `json:"result,omitempty"`
	Error        *TaskError        `json:"error,omitempty"`
	Revision     int64             `json:"revision"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Deadline     *time.Time        `json:"deadline,omitempty"`
	LastProgressAt time.Time       `json:"-"`
}

// Clone returns a deep-enough copy safe to hand to callers without
// exposing the registry's internal mutable state.
func (t *Task) Clone() *Task {
	c := *t
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		tc := *t.CompletedAt
		c.CompletedAt = &tc
	}
	if t.Deadline != nil {
		td := *t.Deadline
		c.Deadline = &td
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	c.Result = append([]AggregateRowView(nil), t.Result...)
	return &c
}

// Filter narrows List queries.
type Filter struct {
	Status Status
	Limit  int
	Offset int
}
