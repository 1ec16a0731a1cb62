// Command evalorc runs the evaluation orchestrator: the dispatcher, worker
// pool, maintenance scheduler, and Query API behind one HTTP listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/evalorc/internal/api"
	"github.com/swarmguard/evalorc/internal/cacheindex"
	"github.com/swarmguard/evalorc/internal/config"
	"github.com/swarmguard/evalorc/internal/core/logging"
	"github.com/swarmguard/evalorc/internal/core/otelinit"
	"github.com/swarmguard/evalorc/internal/dispatcher"
	"github.com/swarmguard/evalorc/internal/evaluator"
	"github.com/swarmguard/evalorc/internal/maintenance"
	"github.com/swarmguard/evalorc/internal/planspec"
	"github.com/swarmguard/evalorc/internal/queue"
	"github.com/swarmguard/evalorc/internal/queue/memqueue"
	"github.com/swarmguard/evalorc/internal/queue/natsqueue"
	"github.com/swarmguard/evalorc/internal/registry"
	"github.com/swarmguard/evalorc/internal/store"
	"github.com/swarmguard/evalorc/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logging.Init(cfg.ServiceName)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace := otelinit.InitTracer(ctx, cfg.ServiceName)
	shutdownMetrics, _, _ := otelinit.InitMetrics(ctx, cfg.ServiceName)
	meter := otel.GetMeterProvider().Meter(cfg.ServiceName)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		slog.Error("create data dir", "error", err)
		os.Exit(1)
	}

	reg, err := registry.Open(cfg.DataDir, cfg.ProgressMinInterval, meter)
	if err != nil {
		slog.Error("open task registry", "error", err)
		os.Exit(1)
	}
	defer reg.Close()

	cache, err := cacheindex.Open(cfg.DataDir, cfg.CacheTTL, 10000, meter)
	if err != nil {
		slog.Error("open cache index", "error", err)
		os.Exit(1)
	}
	defer cache.Close()

	st, err := store.Open(cfg.DataDir, meter)
	if err != nil {
		slog.Error("open result store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	evaluators := evaluator.NewRegistry()
	evaluators.Register("http", evaluator.NewHTTPEvaluator(nil))

	q, closeQueue, err := buildQueue(cfg)
	if err != nil {
		slog.Error("build queue adapter", "error", err)
		os.Exit(1)
	}
	defer closeQueue()
	q.SetReclaimHook(func(taskID string) {
		if err := reg.Reclaim(context.Background(), taskID); err != nil {
			slog.Warn("reclaim task after lease expiry", "task_id", taskID, "error", err)
		}
	})

	taxonomy := planspec.NewSubjectTaxonomy(nil)
	d := dispatcher.New(reg, cache, q, evaluators, taxonomy, cfg.SampleSizeBuckets, cfg.MinCacheReuseSamples, cfg.JWTSigningKey, cfg.CredentialEnvelopeTTL)
	d.StartEnvelopeSweep(ctx, cfg.CredentialEnvelopeTTL/2)

	pool := worker.New(worker.Config{
		Concurrency:        cfg.WorkerConcurrency,
		TaskMaxDuration:    cfg.TaskMaxDuration,
		LeaseRenewInterval: cfg.LeaseTTL / 3,
		CancelPollInterval: cfg.CancelLatencyBound,
		RetryAttempts:      5,
		RetryBaseDelay:     500 * time.Millisecond,
	}, q, reg, st, cache, evaluators, d)
	pool.Start(ctx)
	defer pool.Stop()

	maint, err := maintenance.New(reg, st, cache, 7*24*time.Hour, cfg.MaintenanceCronExpr, meter)
	if err != nil {
		slog.Error("build maintenance scheduler", "error", err)
		os.Exit(1)
	}
	maint.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = maint.Stop(stopCtx)
	}()

	server := api.New(d, reg, cache, st, evaluators, maint, meter)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: server.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			stop()
		}
	}()
	slog.Info("evalorc started", "listen_addr", cfg.ListenAddr, "queue_backend", cfg.QueueBackend)

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

// buildQueue constructs the configured queue.Queue adapter and a matching
// close function.
func buildQueue(cfg *config.Config) (queue.Queue, func(), error) {
	switch cfg.QueueBackend {
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to nats at %s: %w", cfg.NATSURL, err)
		}
		q, err := natsqueue.New(nc, "evalorc-tasks", "evalorc.tasks", "evalorc-worker", cfg.LeaseTTL, 5*time.Second)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return q, func() { _ = q.Close(); nc.Close() }, nil
	default:
		q := memqueue.New(cfg.LeaseTTL, 5*time.Second, 4096)
		return q, func() { _ = q.Close() }, nil
	}
}
