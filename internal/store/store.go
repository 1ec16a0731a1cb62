package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var bucketSamples = []byte("samples")

// sampleRef is a pointer into the samples bucket, used by the in-memory
// fingerprint index so aggregate_by_fingerprint never needs a full bucket
// scan.
type sampleRef struct {
	taskID      string
	sampleIndex int
}

// Store is the bbolt-backed Result Store.
type Store struct {
	db *bbolt.DB

	mu         sync.RWMutex
	byFP       map[string]map[string][]sampleRef // fingerprint -> model -> refs
	taskFP     map[string]string                  // task_id -> fingerprint, for prefix reuse

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	appendTotal  metric.Int64Counter
	dupTotal     metric.Int64Counter
}

// Open creates or opens the samples database under dataDir.
func Open(dataDir string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(filepath.Join(dataDir, "samples.db"), 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open samples db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSamples)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create samples bucket: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("evalorc_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("evalorc_store_write_ms")
	appendTotal, _ := meter.Int64Counter("evalorc_store_samples_appended_total")
	dupTotal, _ := meter.Int64Counter("evalorc_store_samples_duplicate_total")

	s := &Store{
		db:           db,
		byFP:         make(map[string]map[string][]sampleRef),
		taskFP:       make(map[string]string),
		readLatency:  readLatency,
		writeLatency: writeLatency,
		appendTotal:  appendTotal,
		dupTotal:     dupTotal,
	}
	if err := s.warmIndex(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm sample index: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func sampleKey(taskID, modelName string, sampleIndex int) []byte {
	return []byte(fmt.Sprintf("%s|%s|%08d", taskID, modelName, sampleIndex))
}

// AppendSamples atomically inserts rows for one task in a single bbolt
// transaction. Rows whose (task_id, model_name, sample_index) already exist
// are silently discarded, making the call idempotent under worker retries
// and lease reclaim.
func (s *Store) AppendSamples(ctx context.Context, taskID string, rows []Sample) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "append_samples")))
	}()

	written := make([]Sample, 0, len(rows))
	dups := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSamples)
		for _, row := range rows {
			key := sampleKey(taskID, row.ModelName, row.SampleIndex)
			if bucket.Get(key) != nil {
				dups++
				continue
			}
			data, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("marshal sample: %w", err)
			}
			if err := bucket.Put(key, data); err != nil {
				return err
			}
			written = append(written, row)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append samples: %w", err)
	}

	s.appendTotal.Add(ctx, int64(len(written)))
	if dups > 0 {
		s.dupTotal.Add(ctx, int64(dups))
	}

	if len(written) > 0 {
		s.mu.Lock()
		s.taskFP[taskID] = written[0].Fingerprint
		for _, row := range written {
			models := s.byFP[row.Fingerprint]
			if models == nil {
				models = make(map[string][]sampleRef)
				s.byFP[row.Fingerprint] = models
			}
			models[row.ModelName] = append(models[row.ModelName], sampleRef{taskID: taskID, sampleIndex: row.SampleIndex})
		}
		s.mu.Unlock()
	}

	return nil
}

// Aggregate computes mean correctness grouped by model for one task.
func (s *Store) Aggregate(ctx context.Context, taskID string) (map[string]ModelAggregate, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "aggregate")))
	}()

	sums := make(map[string]float64)
	counts := make(map[string]int)
	subjectLabel := make(map[string]string)
	taskLabel := make(map[string]string)

	prefix := []byte(taskID + "|")
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketSamples).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			var row Sample
			if err := json.Unmarshal(v, &row); err != nil {
				continue
			}
			sums[row.ModelName] += row.Correctness
			counts[row.ModelName]++
			subjectLabel[row.ModelName] = row.SubjectLabel
			taskLabel[row.ModelName] = row.TaskLabel
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate task %s: %w", taskID, err)
	}

	out := make(map[string]ModelAggregate, len(sums))
	for model, sum := range sums {
		n := counts[model]
		out[model] = ModelAggregate{
			ModelName:    model,
			Score:        sum / float64(n),
			SampleCount:  n,
			SubjectLabel: subjectLabel[model],
			TaskLabel:    taskLabel[model],
		}
	}
	return out, nil
}

// AggregateByFingerprint computes mean correctness grouped by model across
// every task that ever wrote samples under fingerprint, applying filters.
func (s *Store) AggregateByFingerprint(ctx context.Context, fingerprint string, filters AggregateFilters) (map[string]ModelAggregate, error) {
	s.mu.RLock()
	models := s.byFP[fingerprint]
	// copy refs under lock to avoid racing with concurrent appends
	snapshot := make(map[string][]sampleRef, len(models))
	for model, refs := range models {
		if filters.ModelName != "" && model != filters.ModelName {
			continue
		}
		snapshot[model] = append([]sampleRef(nil), refs...)
	}
	s.mu.RUnlock()

	out := make(map[string]ModelAggregate, len(snapshot))
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSamples)
		for model, refs := range snapshot {
			var sum float64
			var n int
			var subjectLabel, taskLabel string
			for _, ref := range refs {
				data := bucket.Get(sampleKey(ref.taskID, model, ref.sampleIndex))
				if data == nil {
					continue
				}
				var row Sample
				if err := json.Unmarshal(data, &row); err != nil {
					continue
				}
				if filters.SubjectType != "" && row.SubjectLabel != filters.SubjectType {
					continue
				}
				if filters.TaskType != "" && row.TaskLabel != filters.TaskType {
					continue
				}
				sum += row.Correctness
				n++
				subjectLabel, taskLabel = row.SubjectLabel, row.TaskLabel
			}
			if n > 0 {
				out[model] = ModelAggregate{ModelName: model, Score: sum / float64(n), SampleCount: n, SubjectLabel: subjectLabel, TaskLabel: taskLabel}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate by fingerprint %s: %w", fingerprint, err)
	}
	return out, nil
}

// DeleteForTask removes every sample row belonging to taskID and returns the
// count removed, used by the maintenance sweep's "samples" resource.
func (s *Store) DeleteForTask(ctx context.Context, taskID string) (int, error) {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "delete_for_task")))
	}()

	prefix := []byte(taskID + "|")
	var keys [][]byte
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSamples)
		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = cursor.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete samples for task %s: %w", taskID, err)
	}

	s.mu.Lock()
	if fp, ok := s.taskFP[taskID]; ok {
		for model, refs := range s.byFP[fp] {
			kept := refs[:0]
			for _, ref := range refs {
				if ref.taskID != taskID {
					kept = append(kept, ref)
				}
			}
			s.byFP[fp][model] = kept
		}
		delete(s.taskFP, taskID)
	}
	s.mu.Unlock()

	return len(keys), nil
}

// Stats reports the number of stored sample rows.
func (s *Store) Stats() map[string]int {
	count := 0
	_ = s.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(bucketSamples).Stats().KeyN
		return nil
	})
	return map[string]int{"samples_count": count}
}

func (s *Store) warmIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSamples).ForEach(func(k, v []byte) error {
			var row Sample
			if err := json.Unmarshal(v, &row); err != nil {
				return nil
			}
			models := s.byFP[row.Fingerprint]
			if models == nil {
				models = make(map[string][]sampleRef)
				s.byFP[row.Fingerprint] = models
			}
			models[row.ModelName] = append(models[row.ModelName], sampleRef{taskID: row.TaskID, sampleIndex: row.SampleIndex})
			s.taskFP[row.TaskID] = row.Fingerprint
			return nil
		})
	})
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
