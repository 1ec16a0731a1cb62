package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/google/uuid"
	"github.com/swarmguard/evalorc/internal/orcherr"
	"github.com/swarmguard/evalorc/internal/planspec"
)

var bucketTasks = []byte("tasks")

// allowedTransitions is the state machine of §4.3, enforced centrally so
// no caller can bypass it with an ad hoc status write.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {StatusStarted: true, StatusCancelled: true},
	StatusStarted: {StatusSuccess: true, StatusFailure: true, StatusCancelled: true},
}

// Registry is the bbolt-backed Task Registry.
type Registry struct {
	db *bbolt.DB

	mu          sync.RWMutex
	byFP        map[string]string   // fingerprint -> task_id of the current non-terminal task
	byStatus    map[Status]map[string]bool
	tasks       map[string]*Task // hot in-memory mirror, source of truth for reads

	progressMinInterval time.Duration

	writeLatency  metric.Float64Histogram
	readLatency   metric.Float64Histogram
	transitionCtr metric.Int64Counter
}

// Open creates or opens the tasks database under dataDir.
func Open(dataDir string, progressMinInterval time.Duration, meter metric.Meter) (*Registry, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(filepath.Join(dataDir, "tasks.db"), 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open tasks db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTasks)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks bucket: %w", err)
	}

	writeLatency, _ := meter.Float64Histogram("evalorc_registry_write_ms")
	readLatency, _ := meter.Float64Histogram("evalorc_registry_read_ms")
	transitionCtr, _ := meter.Int64Counter("evalorc_registry_transitions_total")

	r := &Registry{
		db:                  db,
		byFP:                make(map[string]string),
		byStatus:            make(map[Status]map[string]bool),
		tasks:               make(map[string]*Task),
		progressMinInterval: progressMinInterval,
		writeLatency:        writeLatency,
		readLatency:         readLatency,
		transitionCtr:       transitionCtr,
	}
	if err := r.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm task cache: %w", err)
	}
	return r, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error { return r.db.Close() }

// Create inserts a new PENDING task for fingerprint, or returns
// orcherr.KindDuplicateInFlight if a non-terminal task already owns that
// fingerprint (the dispatcher converts that into a coalesced attach).
func (r *Registry) Create(ctx context.Context, plan planspec.Plan, fingerprint string) (*Task, error) {
	start := time.Now()
	defer func() {
		r.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", "create")))
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existingID, ok := r.byFP[fingerprint]; ok {
		if existing, ok := r.tasks[existingID]; ok && !existing.Status.IsTerminal() {
			return nil, orcherr.New(orcherr.KindDuplicateInFlight, "task already in flight for this fingerprint")
		}
	}

	task := &Task{
		TaskID:       uuid.NewString(),
		Fingerprint:  fingerprint,
		Status:       StatusPending,
		PlanSnapshot: plan.Redacted(),
		Revision:     1,
		CreatedAt:    time.Now(),
	}

	if err := r.persist(task); err != nil {
		return nil, err
	}
	r.indexLocked(task)
	return task.Clone(), nil
}

// Get returns a copy of the task, if present.
func (r *Registry) Get(ctx context.Context, taskID string) (*Task, bool, error) {
	start := time.Now()
	defer func() {
		r.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", "get")))
	}()
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, false, nil
	}
	return t.Clone(), true, nil
}

// AttachFingerprint returns the task currently owning fingerprint, if any,
// used by the dispatcher to coalesce a submission onto in-flight work.
func (r *Registry) AttachFingerprint(fingerprint string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byFP[fingerprint]
	if !ok {
		return nil, false
	}
	t, ok := r.tasks[id]
	if !ok || t.Status.IsTerminal() {
		return nil, false
	}
	return t.Clone(), true
}

// List returns tasks matching filter, newest first, paginated.
func (r *Registry) List(filter Filter) []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids map[string]bool
	if filter.Status != "" {
		ids = r.byStatus[filter.Status]
	}

	out := make([]*Task, 0)
	if ids != nil {
		for id := range ids {
			out = append(out, r.tasks[id].Clone())
		}
	} else {
		for _, t := range r.tasks {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	start := filter.Offset
	if start > len(out) {
		start = len(out)
	}
	end := len(out)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return out[start:end]
}

// Transition applies a conditional state change from->to, rejecting any
// move out of a terminal state or any edge not present in
// allowedTransitions. patch mutates the task's non-status fields (result,
// error, progress, timestamps) before the commit.
func (r *Registry) Transition(ctx context.Context, taskID string, from, to Status, patch func(*Task)) error {
	start := time.Now()
	defer func() {
		r.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", "transition")))
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return orcherr.New(orcherr.KindConflict, "task not found")
	}
	if task.Status.IsTerminal() {
		return orcherr.New(orcherr.KindConflict, "task already in a terminal state")
	}
	if task.Status != from {
		return orcherr.New(orcherr.KindConflict, fmt.Sprintf("expected status %s, found %s", from, task.Status))
	}
	if !allowedTransitions[from][to] {
		return orcherr.New(orcherr.KindConflict, fmt.Sprintf("illegal transition %s -> %s", from, to))
	}

	r.unindexStatusLocked(task)
	task.Status = to
	task.Revision++
	now := time.Now()
	switch to {
	case StatusStarted:
		task.StartedAt = &now
	case StatusSuccess, StatusFailure, StatusCancelled:
		task.CompletedAt = &now
	}
	if patch != nil {
		patch(task)
	}
	if err := r.persist(task); err != nil {
		return err
	}
	r.indexStatusLocked(task)
	r.transitionCtr.Add(ctx, 1, metric.WithAttributes(attribute.String("from", string(from)), attribute.String("to", string(to))))
	return nil
}

// UpdateProgress applies a rate-limited progress write while STARTED. It is
// not an error to call this more often than progress_min_interval; excess
// calls are silently dropped to bound write amplification.
func (r *Registry) UpdateProgress(ctx context.Context, taskID string, progress int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return orcherr.New(orcherr.KindConflict, "task not found")
	}
	if task.Status != StatusStarted {
		return nil
	}
	now := time.Now()
	if !task.LastProgressAt.IsZero() && now.Sub(task.LastProgressAt) < r.progressMinInterval {
		return nil
	}
	task.Progress = progress
	task.Revision++
	task.LastProgressAt = now
	return r.persist(task)
}

// Reclaim forces a task back to PENDING and bumps its revision, used when a
// worker's lease expires without completion. No-op on terminal tasks.
func (r *Registry) Reclaim(ctx context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return orcherr.New(orcherr.KindConflict, "task not found")
	}
	if task.Status.IsTerminal() {
		return nil
	}
	r.unindexStatusLocked(task)
	task.Status = StatusPending
	task.StartedAt = nil
	task.Revision++
	r.indexStatusLocked(task)
	return r.persist(task)
}

// StaleTerminal returns terminal tasks that completed before cutoff, oldest
// first, capped at limit (0 means unbounded). Used by the maintenance sweep
// to find tasks eligible for the "tasks"/"samples" cleanup resources.
func (r *Registry) StaleTerminal(ctx context.Context, cutoff time.Time, limit int) []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Task, 0)
	for _, t := range r.tasks {
		if t.Status.IsTerminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(*out[j].CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Delete permanently removes a terminal task's registry record. It returns
// a conflict error for a task that is still in flight, since deleting a
// non-terminal task would orphan its queue message. Deleting an unknown
// task_id is a no-op.
func (r *Registry) Delete(ctx context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return nil
	}
	if !task.Status.IsTerminal() {
		return orcherr.New(orcherr.KindConflict, "cannot delete a task that is not terminal")
	}

	r.unindexStatusLocked(task)
	if r.byFP[task.Fingerprint] == taskID {
		delete(r.byFP, task.Fingerprint)
	}
	delete(r.tasks, taskID)

	err := r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete([]byte(taskID))
	})
	if err != nil {
		return orcherr.Wrap(orcherr.KindStorageUnavailable, "delete task", err)
	}
	return nil
}

// Stats reports counts of tasks per status.
func (r *Registry) Stats() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Status]int)
	for status, ids := range r.byStatus {
		out[status] = len(ids)
	}
	return out
}

func (r *Registry) persist(task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	err = r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).Put([]byte(task.TaskID), data)
	})
	if err != nil {
		return orcherr.Wrap(orcherr.KindStorageUnavailable, "persist task", err)
	}
	r.tasks[task.TaskID] = task
	return nil
}

// indexLocked registers a newly created task's fingerprint and status
// indices. Caller must hold r.mu.
func (r *Registry) indexLocked(task *Task) {
	r.byFP[task.Fingerprint] = task.TaskID
	r.indexStatusLocked(task)
}

func (r *Registry) indexStatusLocked(task *Task) {
	set := r.byStatus[task.Status]
	if set == nil {
		set = make(map[string]bool)
		r.byStatus[task.Status] = set
	}
	set[task.TaskID] = true
}

func (r *Registry) unindexStatusLocked(task *Task) {
	if set := r.byStatus[task.Status]; set != nil {
		delete(set, task.TaskID)
	}
}

func (r *Registry) warmCache() error {
	return r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			r.tasks[t.TaskID] = &t
			r.indexStatusLocked(&t)
			if !t.Status.IsTerminal() {
				r.byFP[t.Fingerprint] = t.TaskID
			}
			return nil
		})
	})
}
