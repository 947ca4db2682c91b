package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/cis-core/internal/dagfile"
	"github.com/swarmguard/cis-core/internal/otelinit"
	"github.com/swarmguard/cis-core/internal/scheduler"
)

// runRegistry tracks every DagRun cmdServe has started, so the status/cancel
// endpoints have something to look runs up by ID in. Modeled on
// services/orchestrator/main.go's workflowStore, generalized from named
// workflow defs to live run handles.
type runRegistry struct {
	mu   sync.RWMutex
	runs map[string]*scheduler.Run
}

func newRunRegistry() *runRegistry { return &runRegistry{runs: make(map[string]*scheduler.Run)} }

func (r *runRegistry) put(run *scheduler.Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID()] = run
}

func (r *runRegistry) get(id string) (*scheduler.Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	return run, ok
}

type dagRunRequest struct {
	Path string `json:"path"`
}

type dagRunResponse struct {
	RunID string `json:"run_id"`
}

type dagStatusResponse struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	Outcome    bool      `json:"outcome"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// cmdServe runs the long-lived HTTP daemon `dag status`/`dag cancel` talk to.
// Grounded in services/orchestrator/main.go's http.Server-plus-mux shape,
// generalized from a fixed-workflow executor to this core's decision-gated
// Scheduler, with the daemon's own runRegistry standing in for that file's
// workflowStore.
func cmdServe(args []string) int {
	a, err := buildApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer a.Close()

	shutdownTrace := otelinit.InitTracer(context.Background(), "cisd")
	shutdownMetrics := otelinit.InitMetrics(context.Background(), "cisd")

	registry := newRunRegistry()
	resumeInterruptedRuns(context.Background(), a, registry)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/dag/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req dagRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
			http.Error(w, "bad request: path required", http.StatusBadRequest)
			return
		}
		def, err := loadDagFile(req.Path)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		dag, err := dagfile.Build(def)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		if def.Schedule != "" {
			if err := a.cron.Register(context.Background(), req.Path, def); err != nil {
				a.log.Warn("serve: cron register failed", "path", req.Path, "error", err)
			}
		}
		runID := uuid.NewString()
		persistRunDef(a, runID, def)
		run := a.sched.CreateRun(context.Background(), runID, dag)
		registry.put(run)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(dagRunResponse{RunID: runID})
	})
	mux.HandleFunc("/v1/dag/status", func(w http.ResponseWriter, r *http.Request) {
		runID := r.URL.Query().Get("run_id")
		run, ok := registry.get(runID)
		if !ok {
			http.NotFound(w, r)
			return
		}
		info := run.Status()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dagStatusResponse{
			RunID:      info.RunID,
			Status:     string(info.Status),
			Outcome:    info.Outcome,
			StartedAt:  info.StartedAt,
			FinishedAt: info.FinishedAt,
		})
	})
	mux.HandleFunc("/v1/dag/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		runID := r.URL.Query().Get("run_id")
		run, ok := registry.get(runID)
		if !ok {
			http.NotFound(w, r)
			return
		}
		run.Cancel()
		w.WriteHeader(http.StatusAccepted)
	})

	addr := os.Getenv("CIS_API_ADDR")
	if addr == "" {
		addr = ":8090"
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("serve: http server error", "error", err)
		}
	}()
	a.log.Info("serve: listening", "addr", addr)

	ctx := cliContext()
	<-ctx.Done()
	a.log.Info("serve: shutdown initiated")

	ctxSd, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	a.log.Info("serve: shutdown complete")
	return 0
}
