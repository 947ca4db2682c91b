package main

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/swarmguard/cis-core/internal/dagfile"
)

// runDefKeyPrefix namespaces the definition records the daemon stores in
// the checkpoint bucket next to the scheduler's own per-run checkpoints.
const runDefKeyPrefix = "def/"

// runDefRecord is what serve persists alongside a run's checkpoint so a
// restarted process can rebuild the DAG the run was executing.
type runDefRecord struct {
	Definition dagfile.Definition `json:"definition"`
}

// persistRunDef stores a run's parsed definition next to its checkpoint.
func persistRunDef(a *app, runID string, def dagfile.Definition) {
	payload, err := json.Marshal(runDefRecord{Definition: def})
	if err != nil {
		a.log.Error("serve: marshal run definition failed", "run_id", runID, "error", err)
		return
	}
	if err := a.dagStore.SaveCheckpoint(context.Background(), runDefKeyPrefix+runID, payload); err != nil {
		a.log.Warn("serve: persist run definition failed", "run_id", runID, "error", err)
	}
}

// resumeInterruptedRuns scans the checkpoint store for runs that were
// still in flight when the previous process died and resumes each from
// its recorded state — completed tasks stay completed and settled
// decision tiers are honored without re-asking anyone.
func resumeInterruptedRuns(ctx context.Context, a *app, registry *runRegistry) {
	keys, err := a.dagStore.Runs(ctx)
	if err != nil {
		a.log.Warn("serve: checkpoint scan failed, skipping recovery", "error", err)
		return
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, runDefKeyPrefix) {
			continue
		}
		runID := strings.TrimPrefix(key, runDefKeyPrefix)
		payload, ok, err := a.dagStore.LoadCheckpoint(ctx, key)
		if err != nil || !ok {
			continue
		}
		var rec runDefRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			a.log.Warn("serve: malformed run definition record, skipping", "run_id", runID, "error", err)
			continue
		}
		dag, err := dagfile.Build(rec.Definition)
		if err != nil {
			a.log.Warn("serve: rebuild dag for resume failed", "run_id", runID, "error", err)
			continue
		}
		run, err := a.sched.ResumeRun(ctx, runID, dag)
		if err != nil {
			// Runs that finished cleanly land here too; nothing to resume.
			continue
		}
		registry.put(run)
		a.log.Info("serve: resumed interrupted run", "run_id", runID)
	}
}
