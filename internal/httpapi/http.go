package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sla_framework/config"
	"sla_framework/internal/jobs"
	"sla_framework/internal/ledger"
	"sla_framework/internal/metrics"
	"sla_framework/internal/store"
)

// Router builds HTTP handlers for /api and /ops. The report endpoint is a
// synchronous probe: it triggers the build machinery and reports whatever
// state resulted, never blocking on a full build.
type Router struct {
	cfg    config.Config
	store  *store.Store
	runner *jobs.Runner
}

func NewRouter(cfg config.Config, st *store.Store, runner *jobs.Runner) *Router {
	return &Router{cfg: cfg, store: st, runner: runner}
}

func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/reports", r.reports)
	mux.HandleFunc("/api/load-status", r.loadStatus)
	mux.HandleFunc("/ops/status", r.status)
	mux.HandleFunc("/ops/jobs", r.jobs)
	mux.HandleFunc("/ops/jobs/", r.jobDetail)
	mux.HandleFunc("/ops/backfill", r.backfill)
	mux.HandleFunc("/ops/health", r.health)
	mux.HandleFunc("/ops/metrics", r.metricsSnapshot)
}

type reportRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type reportResponse struct {
	Status      string          `json:"status"`
	Data        json.RawMessage `json:"data,omitempty"`
	CompletedOn *time.Time      `json:"completed_on,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func (r *Router) reports(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var body reportRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.probeReport(w, req, body.StartTime, body.EndTime, true)
	case http.MethodGet:
		start, err1 := time.Parse(time.RFC3339, req.URL.Query().Get("start_time"))
		end, err2 := time.Parse(time.RFC3339, req.URL.Query().Get("end_time"))
		if err1 != nil || err2 != nil {
			http.Error(w, "start_time and end_time must be RFC3339", http.StatusBadRequest)
			return
		}
		r.probeReport(w, req, start, end, false)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// probeReport enqueues the build when asked to, then answers from the row
// and job state that exist right now.
func (r *Router) probeReport(w http.ResponseWriter, req *http.Request, start, end time.Time, trigger bool) {
	if !start.Before(end) {
		http.Error(w, "start_time must precede end_time", http.StatusBadRequest)
		return
	}
	ctx := req.Context()
	start = start.UTC()
	end = end.UTC()

	var job *store.Job
	var err error
	if trigger {
		job, err = r.runner.RequestReport(ctx, start, end)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	rep, err := r.store.FindReport(ctx, start, end)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rep != nil && rep.Data != nil {
		respondJSON(w, reportResponse{Status: "ready", Data: json.RawMessage(*rep.Data), CompletedOn: rep.CompletedOn})
		return
	}

	if job == nil {
		key := "report:" + start.Format(time.RFC3339) + ":" + end.Format(time.RFC3339)
		job, err = r.store.FetchJobByIdempotency(ctx, key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if job != nil && job.Status == jobs.StatusFailed {
		msg := "report build failed"
		if job.LastError != nil {
			msg = *job.LastError
		}
		respondJSON(w, reportResponse{Status: "error", Error: msg})
		return
	}
	if rep == nil && job == nil {
		http.NotFound(w, req)
		return
	}
	respondJSON(w, reportResponse{Status: "pending"})
}

func (r *Router) loadStatus(w http.ResponseWriter, req *http.Request) {
	day := req.URL.Query().Get("day")
	if _, err := ledger.ParseDay(day); err != nil {
		http.Error(w, "day must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	entry, err := r.store.FindLedger(req.Context(), day)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entry == nil {
		entry = &store.LedgerEntry{Day: day}
	}
	respondJSON(w, entry)
}

func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	jobList, _ := r.store.ListJobs(ctx, 10)
	pending, _ := r.store.UnfinishedReports(ctx, 10)
	respondJSON(w, map[string]any{
		"jobs":               jobList,
		"unfinished_reports": pending,
		"workers":            r.cfg.WorkerCount,
	})
}

func (r *Router) jobs(w http.ResponseWriter, req *http.Request) {
	list, err := r.store.ListJobs(req.Context(), parseLimit(req, 50))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, list)
}

func (r *Router) jobDetail(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimPrefix(req.URL.Path, "/ops/jobs/")
	job, err := r.store.GetJob(req.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if job == nil {
		http.NotFound(w, req)
		return
	}
	respondJSON(w, job)
}

// backfill enqueues loads for a trailing window of days on demand.
func (r *Router) backfill(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Days int `json:"days"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Days < 1 || body.Days > 366 {
		http.Error(w, "days must be between 1 and 366", http.StatusBadRequest)
		return
	}
	ctx := req.Context()
	now := time.Now().UTC()
	queued := 0
	for back := 1; back <= body.Days; back++ {
		day := now.AddDate(0, 0, -back)
		for _, entity := range ledger.Entities {
			if err := r.runner.RequestDayLoad(ctx, string(entity), day); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			queued++
		}
	}
	respondJSON(w, map[string]any{"status": "queued", "requested": queued})
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, map[string]any{
		"ok":                true,
		"source_configured": r.cfg.RequireSource() == nil,
	})
}

func (r *Router) metricsSnapshot(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, metrics.Snapshot())
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}

// parseLimit is shared by list endpoints that accept ?limit=.
func parseLimit(req *http.Request, def int) int {
	v := req.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
