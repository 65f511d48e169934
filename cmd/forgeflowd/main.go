// Package main implements the forgeflow orchestration daemon.
// It runs the event-routed pipeline and exposes a REST API for task and plan
// submission, stats, DLQ triage and cron scheduling.
//
// API Endpoints:
//
//	POST /submit   - Submits a single dev task to the pipeline
//	POST /plan     - Submits a full plan (dependency-analyzed and batched)
//	GET  /stats    - Returns the aggregate pipeline statistics as JSON
//	GET  /dlq      - Lists dead-lettered events (?limit=N)
//	POST /dlq/retry - Replays a dead-lettered event (?task_id=...)
//	POST /schedule - Registers a cron job submitting a recurring task
//	GET  /metrics  - Prometheus metrics
//
// Usage:
//
//	go run cmd/forgeflowd/main.go
//
// The daemon listens on :8081 (LISTEN_ADDR) and uses the Redis at
// REDIS_ADDR for the generation result cache when set. API key auth is
// enabled by setting API_KEY.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/guido-cesarano/forgeflow/pkg/logger"
	"github.com/guido-cesarano/forgeflow/pkg/pipeline"
	"github.com/guido-cesarano/forgeflow/pkg/tasks"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no key is configured, allow all (dev mode)
		if requiredKey == "" {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers. Applied outside
// auth so preflight OPTIONS requests don't fail the key check.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// setupRouter configures the HTTP handlers and returns the mux.
func setupRouter(mgr *pipeline.EnhancedManager, sched *pipeline.Scheduler, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()

	// submitHandler enqueues a single dev task
	mux.HandleFunc("/submit", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Task     tasks.PlanTask `json:"task"`
			Priority *int           `json:"priority"` // omitted = auto-assign
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		priority := -1
		if req.Priority != nil {
			priority = *req.Priority
		}
		id, err := mgr.SubmitDevTask(req.Task, nil, priority)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, "Task submitted: %s\n", id)
	}, apiKey)))

	// planHandler analyzes a plan and submits its tasks in batch order
	mux.HandleFunc("/plan", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var plan tasks.Plan
		if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ids, err := mgr.AnalyzeAndSubmitPlan(&plan, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"submitted": len(ids), "task_ids": ids})
	}, apiKey)))

	// statsHandler returns the aggregate pipeline snapshot
	mux.HandleFunc("/stats", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, mgr.Stats())
	}, apiKey)))

	// dlqHandler lists dead-lettered events for triage
	mux.HandleFunc("/dlq", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				http.Error(w, "Invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		writeJSON(w, mgr.Router().DLQItems(limit))
	}, apiKey)))

	// dlqRetryHandler replays a dead-lettered event
	mux.HandleFunc("/dlq/retry", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		taskID := r.URL.Query().Get("task_id")
		if taskID == "" {
			http.Error(w, "Missing task_id", http.StatusBadRequest)
			return
		}
		if err := mgr.Router().RetryDLQItem(r.Context(), taskID); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, "DLQ item replayed: %s\n", taskID)
	}, apiKey)))

	// scheduleHandler registers a cron job submitting a recurring task
	mux.HandleFunc("/schedule", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Spec     string         `json:"spec"` // Cron expression (e.g. "@every 1m")
			Task     tasks.PlanTask `json:"task"`
			Priority int            `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Priority == 0 {
			req.Priority = tasks.PriorityNormal
		}

		entryID, err := sched.Schedule(req.Spec, req.Task, req.Priority)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid cron spec: %v", err), http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, "Job scheduled with EntryID: %d\n", entryID)
	}, apiKey)))

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// collectStats periodically refreshes the Prometheus gauges that mirror
// pipeline state (queue depths, worker counts, breaker states, DLQ depth).
func collectStats(ctx context.Context, mgr *pipeline.EnhancedManager) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.UpdateMetrics()
		}
	}
}

// simulatedCapabilities returns stand-in generator, validator and deployer
// implementations, used until real LLM and CI integrations are plugged in.
// The generator echoes a stub artifact per output file; the validator passes
// anything whose description does not ask for a forced failure, which keeps
// the fix loop demonstrable end to end.
func simulatedCapabilities() (pipeline.Generator, pipeline.Validator, pipeline.Deployer) {
	gen := pipeline.GeneratorFunc(func(ctx context.Context, req pipeline.GenerateRequest) (tasks.GenerationResult, error) {
		select {
		case <-ctx.Done():
			return tasks.GenerationResult{}, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
		files := make(map[string]string, len(req.Task.Files))
		for _, f := range req.Task.Files {
			files[f] = fmt.Sprintf("// generated for %s\n", req.Task.Title)
		}
		return tasks.GenerationResult{
			Code:     fmt.Sprintf("// generated for %s\n", req.Task.Title),
			Files:    files,
			Language: req.Task.Language,
		}, nil
	})
	val := pipeline.ValidatorFunc(func(ctx context.Context, task tasks.PlanTask, g tasks.GenerationResult) (tasks.ValidationReport, error) {
		passed := !strings.Contains(task.Description, "force-fail")
		report := tasks.ValidationReport{Passed: passed}
		if !passed {
			report.Issues = []string{"forced failure requested by task description"}
		}
		return report, nil
	})
	dep := pipeline.DeployerFunc(func(ctx context.Context, task tasks.PlanTask, g tasks.GenerationResult, rep tasks.ValidationReport) error {
		return nil
	})
	return gen, val, dep
}

// main wires the pipeline, scheduler and HTTP server together and runs until
// SIGINT/SIGTERM, then shuts down gracefully.
func main() {
	log := logger.Component("main")

	cfg := pipeline.EnhancedConfig{
		Config:    pipeline.DefaultConfig(),
		RedisAddr: os.Getenv("REDIS_ADDR"),
	}

	gen, val, dep := simulatedCapabilities()
	mgr := pipeline.NewEnhancedManager(cfg, gen, val, dep)
	sched := pipeline.NewScheduler(mgr)

	mgr.Start()
	sched.Start()

	ctx, cancel := context.WithCancel(context.Background())
	go collectStats(ctx, mgr)

	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		log.Warn().Msg("API_KEY not set. Authentication disabled.")
	} else {
		log.Info().Msg("API Authentication enabled.")
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8081"
	}
	srv := &http.Server{Addr: addr, Handler: setupRouter(mgr, sched, apiKey)}

	go func() {
		log.Info().Str("addr", addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}

	sched.Stop()
	cancel()
	mgr.Stop(true, 30*time.Second)
}
