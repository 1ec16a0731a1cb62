// Package api implements the Query API (C8): the HTTP surface spec §6
// describes, mirroring the teacher's bare net/http mux wiring in main.go
// rather than introducing a router dependency the teacher never used.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/evalorc/internal/cacheindex"
	"github.com/swarmguard/evalorc/internal/core/resilience"
	"github.com/swarmguard/evalorc/internal/dispatcher"
	"github.com/swarmguard/evalorc/internal/evaluator"
	"github.com/swarmguard/evalorc/internal/maintenance"
	"github.com/swarmguard/evalorc/internal/orcherr"
	"github.com/swarmguard/evalorc/internal/planspec"
	"github.com/swarmguard/evalorc/internal/registry"
	"github.com/swarmguard/evalorc/internal/store"
)

// Server wires the dispatcher, registry, cache index, and store behind an
// http.Handler.
type Server struct {
	dispatcher *dispatcher.Dispatcher
	registry   *registry.Registry
	cache      *cacheindex.Index
	store      *store.Store
	evaluators *evaluator.Registry
	maintenance *maintenance.Maintenance
	submitLimiter *resilience.RateLimiter

	requestCounter metric.Int64Counter
	requestLatency metric.Float64Histogram
}

// New builds the Server and its mux. Submissions to /evaluate are throttled
// to 20/s with bursts up to 40, guarding the dispatcher and worker pool from
// a caller that floods POST /evaluate.
func New(d *dispatcher.Dispatcher, reg *registry.Registry, cache *cacheindex.Index, st *store.Store, evaluators *evaluator.Registry, m *maintenance.Maintenance, meter metric.Meter) *Server {
	requestCounter, _ := meter.Int64Counter("evalorc_api_requests_total")
	requestLatency, _ := meter.Float64Histogram("evalorc_api_request_duration_ms")
	return &Server{
		dispatcher:     d,
		registry:       reg,
		cache:          cache,
		store:          st,
		evaluators:     evaluators,
		maintenance:    m,
		submitLimiter:  resilience.NewRateLimiter(40, 20, time.Second, 0),
		requestCounter: requestCounter,
		requestLatency: requestLatency,
	}
}

// Handler builds the routed http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/evaluate", s.instrument("evaluate", s.handleEvaluate))
	mux.HandleFunc("/tasks/", s.instrument("task", s.handleTask))
	mux.HandleFunc("/leaderboard", s.instrument("leaderboard", s.handleLeaderboard))
	mux.HandleFunc("/leaderboard/quarantine", s.instrument("quarantine", s.handleQuarantine))
	mux.HandleFunc("/leaderboard/restore", s.instrument("restore", s.handleRestore))
	mux.HandleFunc("/leaderboard/", s.instrument("leaderboard_row", s.handleLeaderboardRow))
	mux.HandleFunc("/maintenance/cleanup", s.instrument("maintenance_cleanup", s.handleMaintenanceCleanup))
	return mux
}

func (s *Server) instrument(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h(w, r)
		s.requestCounter.Add(r.Context(), 1)
		s.requestLatency.Record(r.Context(), float64(time.Since(start).Milliseconds()))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"evaluators_available": s.evaluators.Available(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks_by_status": s.registry.Stats(),
		"cache":           s.cache.Stats(),
		"samples":         s.store.Stats(),
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.submitLimiter.Allow() {
		writeError(w, orcherr.New(orcherr.KindRateLimited, "submission rate limit exceeded"))
		return
	}
	var plan planspec.Plan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		writeError(w, orcherr.New(orcherr.KindValidation, "malformed plan body"))
		return
	}
	plan.SubmittedAt = time.Now()

	res, err := s.dispatcher.Submit(r.Context(), plan)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": res.TaskID,
		"status":  res.Status,
		"cached":  res.Cached,
		"result":  res.Result,
	})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if taskID == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		task, ok, err := s.registry.Get(r.Context(), taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			writeError(w, orcherr.New(orcherr.KindConflict, "task not found"))
			return
		}
		writeJSON(w, http.StatusOK, task)
	case http.MethodPatch:
		var body struct {
			Action string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Action != "cancel" {
			writeError(w, orcherr.New(orcherr.KindValidation, `expected {"action":"cancel"}`))
			return
		}
		if err := s.dispatcher.Cancel(r.Context(), taskID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": string(registry.StatusCancelled)})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	filters := cacheindex.BrowseFilter{
		Language:           q.Get("language"),
		SubjectType:        q.Get("subject_type"),
		TaskType:           q.Get("task_type"),
		ModelNameContains:  q.Get("model"),
		IncludeQuarantined: q.Get("include_quarantined") == "true",
		Limit:              parseIntDefault(q.Get("limit"), 50),
		Offset:             parseIntDefault(q.Get("offset"), 0),
	}
	if v := q.Get("score_min"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			filters.ScoreMin = &f
		}
	}
	if v := q.Get("score_max"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			filters.ScoreMax = &f
		}
	}

	rows, err := s.cache.Browse(r.Context(), filters)
	if err != nil {
		writeError(w, orcherr.Wrap(orcherr.KindStorageUnavailable, "browse leaderboard", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

type rowKeysRequest struct {
	Keys   []cacheindex.RowKey `json:"keys"`
	Reason string              `json:"reason"`
}

func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req rowKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Keys) == 0 {
		writeError(w, orcherr.New(orcherr.KindValidation, "at least one row key is required"))
		return
	}
	if err := s.cache.Quarantine(r.Context(), req.Keys, req.Reason); err != nil {
		writeError(w, orcherr.Wrap(orcherr.KindStorageUnavailable, "quarantine rows", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"quarantined": len(req.Keys)})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req rowKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Keys) == 0 {
		writeError(w, orcherr.New(orcherr.KindValidation, "at least one row key is required"))
		return
	}
	if err := s.cache.Restore(r.Context(), req.Keys); err != nil {
		writeError(w, orcherr.Wrap(orcherr.KindStorageUnavailable, "restore rows", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"restored": len(req.Keys)})
}

// handleLeaderboardRow services DELETE /leaderboard/{row_id}, where row_id
// is the pipe-joined RowKey.string() encoding (fingerprint|model|language|
// subject_type|task_type), the same identifier Browse's rows carry.
func (s *Server) handleLeaderboardRow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rowID := strings.TrimPrefix(r.URL.Path, "/leaderboard/")
	parts := strings.Split(rowID, "|")
	if len(parts) != 5 {
		writeError(w, orcherr.New(orcherr.KindValidation, "row_id must encode fingerprint|model|language|subject_type|task_type"))
		return
	}
	key := cacheindex.RowKey{Fingerprint: parts[0], ModelName: parts[1], Language: parts[2], SubjectType: parts[3], TaskType: parts[4]}
	if err := s.cache.HardDelete(r.Context(), []cacheindex.RowKey{key}); err != nil {
		writeError(w, orcherr.Wrap(orcherr.KindStorageUnavailable, "delete row", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMaintenanceCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req maintenance.CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, orcherr.New(orcherr.KindValidation, "malformed cleanup request body"))
		return
	}
	task, err := s.maintenance.RunOnce(r.Context(), req)
	if err != nil {
		writeError(w, orcherr.Wrap(orcherr.KindStorageUnavailable, "run maintenance cleanup", err))
		return
	}
	writeJSON(w, http.StatusAccepted, struct {
		TaskID string          `json:"task_id"`
		Status registry.Status `json:"status"`
	}{TaskID: task.TaskID, Status: task.Status})
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	kind := orcherr.KindEvaluatorFatal
	message := err.Error()
	if oe, ok := orcherr.As(err); ok {
		kind = oe.Kind
		message = oe.Message
	}
	writeJSON(w, orcherr.HTTPStatus(kind), map[string]string{"error": string(kind), "message": message})
}
