// Package maintenance implements the supplemented maintenance/cleanup
// surface: POST /maintenance/cleanup, optionally also run on a cron
// schedule. A cleanup run is modeled as a Task whose "Evaluator" is this
// package's own sweep routine rather than a remote model endpoint, so C3's
// state machine and C8's get_task apply to it the same way they do to an
// evaluation task, instead of needing a parallel run-record type. Modeled on
// the teacher's Scheduler driving DAGEngine executions on a schedule
// (scheduler.go), adapted from workflow runs to resource sweeps.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/evalorc/internal/cacheindex"
	"github.com/swarmguard/evalorc/internal/orcherr"
	"github.com/swarmguard/evalorc/internal/planspec"
	"github.com/swarmguard/evalorc/internal/registry"
	"github.com/swarmguard/evalorc/internal/store"
)

// Resource names accepted in CleanupRequest.Resources.
const (
	ResourceCache   = "cache"
	ResourceTasks   = "tasks"
	ResourceSamples = "samples"
)

var allResources = []string{ResourceCache, ResourceTasks, ResourceSamples}

// CleanupRequest is the decoded body of POST /maintenance/cleanup.
type CleanupRequest struct {
	DryRun     bool     `json:"dry_run"`
	Resources  []string `json:"resources"`
	DaysOld    int      `json:"days_old"`
	Limit      int      `json:"limit"`
	HardDelete bool     `json:"hard_delete"`
}

// Maintenance runs resource cleanup sweeps, optionally on a cron schedule,
// through the Task Registry so every run is queryable via GET /tasks/{id}.
type Maintenance struct {
	registry      *registry.Registry
	store         *store.Store
	cache         *cacheindex.Index
	defaultMaxAge time.Duration

	cron *cron.Cron

	sweepCounter metric.Int64Counter
	tracer       trace.Tracer
}

// New builds a Maintenance sweeper. cronExpr is a standard 6-field (with
// seconds) cron expression; an empty string disables the schedule and the
// sweep runs only when RunOnce is called directly (e.g. from the API).
// defaultMaxAge is used as days_old's default when a request or the cron
// schedule doesn't specify one.
func New(reg *registry.Registry, st *store.Store, cache *cacheindex.Index, defaultMaxAge time.Duration, cronExpr string, meter metric.Meter) (*Maintenance, error) {
	sweepCounter, _ := meter.Int64Counter("evalorc_maintenance_rows_deleted_total")

	m := &Maintenance{
		registry:      reg,
		store:         st,
		cache:         cache,
		defaultMaxAge: defaultMaxAge,
		sweepCounter:  sweepCounter,
		tracer:        otel.Tracer("evalorc-maintenance"),
	}

	if cronExpr != "" {
		m.cron = cron.New(cron.WithSeconds())
		if _, err := m.cron.AddFunc(cronExpr, func() {
			if _, err := m.RunOnce(context.Background(), CleanupRequest{HardDelete: true}); err != nil {
				slog.Warn("scheduled maintenance sweep failed", "error", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("add maintenance cron schedule %q: %w", cronExpr, err)
		}
	}
	return m, nil
}

// Start begins the cron schedule, if one was configured.
func (m *Maintenance) Start() {
	if m.cron != nil {
		m.cron.Start()
		slog.Info("maintenance scheduler started")
	}
}

// Stop gracefully stops the cron schedule.
func (m *Maintenance) Stop(ctx context.Context) error {
	if m.cron == nil {
		return nil
	}
	stopCtx := m.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func normalize(req CleanupRequest, defaultMaxAge time.Duration) CleanupRequest {
	if len(req.Resources) == 0 {
		req.Resources = allResources
	}
	if req.DaysOld <= 0 {
		req.DaysOld = int(defaultMaxAge / (24 * time.Hour))
		if req.DaysOld <= 0 {
			req.DaysOld = 1
		}
	}
	return req
}

func wantsResource(resources []string, name string) bool {
	for _, r := range resources {
		if r == name {
			return true
		}
	}
	return false
}

// RunOnce creates a registry Task for one cleanup run and executes it
// synchronously, honoring dry_run, resources, days_old, limit and
// hard_delete exactly as documented for POST /maintenance/cleanup. It
// returns the task in its terminal state.
func (m *Maintenance) RunOnce(ctx context.Context, req CleanupRequest) (*registry.Task, error) {
	req = normalize(req, m.defaultMaxAge)
	cutoff := time.Now().Add(-time.Duration(req.DaysOld) * 24 * time.Hour)

	plan := planspec.Plan{SchemaVersion: "1", Name: "maintenance-cleanup", SubmittedAt: time.Now()}
	task, err := m.registry.Create(ctx, plan, "maintenance:"+uuid.NewString())
	if err != nil {
		return nil, err
	}
	if err := m.registry.Transition(ctx, task.TaskID, registry.StatusPending, registry.StatusStarted, nil); err != nil {
		return nil, err
	}

	ctx, span := m.tracer.Start(ctx, "maintenance.sweep", trace.WithAttributes(
		attribute.Bool("dry_run", req.DryRun),
		attribute.Bool("hard_delete", req.HardDelete),
		attribute.Int("days_old", req.DaysOld),
	))
	defer span.End()

	result, err := m.sweep(ctx, req, cutoff)
	if err != nil {
		_ = m.registry.Transition(ctx, task.TaskID, registry.StatusStarted, registry.StatusFailure, func(tk *registry.Task) {
			tk.Error = &registry.TaskError{Kind: orcherr.KindStorageUnavailable, Message: err.Error()}
		})
		final, _, _ := m.registry.Get(ctx, task.TaskID)
		return final, err
	}

	if err := m.registry.Transition(ctx, task.TaskID, registry.StatusStarted, registry.StatusSuccess, func(tk *registry.Task) {
		tk.Result = result
		tk.Progress = 100
	}); err != nil {
		return nil, err
	}
	final, _, err := m.registry.Get(ctx, task.TaskID)
	return final, err
}

// sweep performs the requested resources' deletions (or, under dry_run,
// counts what would be deleted) and reports one AggregateRowView per
// resource, repurposing its ModelName/SampleCount fields as
// resource-name/rows-affected since a cleanup run has no model to report.
func (m *Maintenance) sweep(ctx context.Context, req CleanupRequest, cutoff time.Time) ([]registry.AggregateRowView, error) {
	var rows []registry.AggregateRowView

	if wantsResource(req.Resources, ResourceCache) {
		n, err := m.sweepCache(ctx, req, cutoff)
		if err != nil {
			return nil, fmt.Errorf("sweep cache: %w", err)
		}
		rows = append(rows, registry.AggregateRowView{ModelName: ResourceCache, SampleCount: n, TaskType: "cleanup"})
		m.sweepCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("resource", ResourceCache)))
	}

	var staleTasks []*registry.Task
	if wantsResource(req.Resources, ResourceTasks) || wantsResource(req.Resources, ResourceSamples) {
		staleTasks = m.registry.StaleTerminal(ctx, cutoff, req.Limit)
	}

	if wantsResource(req.Resources, ResourceSamples) {
		n, err := m.sweepSamples(ctx, req, staleTasks)
		if err != nil {
			return nil, fmt.Errorf("sweep samples: %w", err)
		}
		rows = append(rows, registry.AggregateRowView{ModelName: ResourceSamples, SampleCount: n, TaskType: "cleanup"})
		m.sweepCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("resource", ResourceSamples)))
	}

	if wantsResource(req.Resources, ResourceTasks) {
		n, err := m.sweepTasks(ctx, req, staleTasks)
		if err != nil {
			return nil, fmt.Errorf("sweep tasks: %w", err)
		}
		rows = append(rows, registry.AggregateRowView{ModelName: ResourceTasks, SampleCount: n, TaskType: "cleanup"})
		m.sweepCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("resource", ResourceTasks)))
	}

	return rows, nil
}

func (m *Maintenance) sweepCache(ctx context.Context, req CleanupRequest, cutoff time.Time) (int, error) {
	rows, err := m.cache.Browse(ctx, cacheindex.BrowseFilter{IncludeQuarantined: true})
	if err != nil {
		return 0, err
	}

	var toDelete []cacheindex.RowKey
	for _, row := range rows {
		if row.LastUpdated.Before(cutoff) {
			toDelete = append(toDelete, row.Key)
			if req.Limit > 0 && len(toDelete) >= req.Limit {
				break
			}
		}
	}

	if req.DryRun || !req.HardDelete || len(toDelete) == 0 {
		return len(toDelete), nil
	}
	if err := m.cache.HardDelete(ctx, toDelete); err != nil {
		return 0, err
	}
	return len(toDelete), nil
}

// sweepSamples deletes every sample row belonging to a stale terminal task.
// Unlike cache rows, samples have no soft-delete representation, so
// hard_delete gates the actual deletion the same way it does for cache.
func (m *Maintenance) sweepSamples(ctx context.Context, req CleanupRequest, staleTasks []*registry.Task) (int, error) {
	if req.DryRun || !req.HardDelete {
		total := 0
		for _, t := range staleTasks {
			for _, row := range t.Result {
				total += row.SampleCount
			}
		}
		return total, nil
	}
	total := 0
	for _, t := range staleTasks {
		n, err := m.store.DeleteForTask(ctx, t.TaskID)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// sweepTasks removes stale terminal tasks' registry records. Only honored
// when hard_delete is set; dry_run always just reports the candidate count.
func (m *Maintenance) sweepTasks(ctx context.Context, req CleanupRequest, staleTasks []*registry.Task) (int, error) {
	if req.DryRun || !req.HardDelete {
		return len(staleTasks), nil
	}
	for _, t := range staleTasks {
		if err := m.registry.Delete(ctx, t.TaskID); err != nil {
			return 0, err
		}
	}
	return len(staleTasks), nil
}
