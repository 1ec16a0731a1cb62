// Package cacheindex implements the Cache Index (C4): a persistent map from
// aggregate-row key to aggregate value, fronted by an in-memory LRU+TTL
// cache modeled on the teacher's DAGEngine.ResultCache.
package cacheindex

import "time"

// RowKey identifies one aggregate row.
type RowKey struct {
	Fingerprint string
	ModelName   string
	Language    string
	SubjectType string
	TaskType    string
}

func (k RowKey) string() string {
	return k.Fingerprint + "|" + k.ModelName + "|" + k.Language + "|" + k.SubjectType + "|" + k.TaskType
}

// Row is an aggregate leaderboard entry.
type Row struct {
	Key           RowKey    `json:"key"`
	Score         float64   `json:"score"`
	SampleCount   int       `json:"sample_count"`
	LastUpdated   time.Time `json:"last_updated"`
	Quarantine    bool      `json:"quarantine"`
	SourceTaskID  string    `json:"source_task_id"`
}

// BrowseFilter narrows a leaderboard browse query.
type BrowseFilter struct {
	Language          string
	SubjectType       string
	TaskType          string
	ModelNameContains string
	ScoreMin          *float64
	ScoreMax          *float64
	UpdatedAfter      *time.Time
	IncludeQuarantined bool
	Limit             int
	Offset            int
}

// LookupResult classifies a cache lookup outcome.
type LookupResult int

const (
	LookupMiss LookupResult = iota
	LookupStale
	LookupHit
)
