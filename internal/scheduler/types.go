// Package scheduler implements the DAG Scheduler: component G. It drives
// one DagRun's actor loop per spec.md §4.G's control-flow pseudocode: pull
// ready tasks, gate each through the Decision Engine, pre-flight memory
// access through the Conflict Guard, dispatch to the Skill Executor, and
// fold results back into the Task DAG — emitting lifecycle events at every
// step. Grounded in the Kahn's-algorithm-plus-worker-pool shape of
// services/orchestrator/dag_engine.go and scheduler.go, generalized from a
// single fixed execution pass over a static Workflow into a long-lived,
// decision-gated run over the mutable dagmodel.DAG.
package scheduler

import (
	"time"

	"github.com/swarmguard/cis-core/internal/dagmodel"
)

// RunStatus is a DagRun's own lifecycle state, distinct from any single
// task's Status.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunAborted   RunStatus = "aborted"
)

// dispatchOutcome is what a worker-pool job reports back to the run's
// actor goroutine after a skill invocation finishes.
type dispatchOutcome struct {
	taskID      dagmodel.TaskID
	success     bool
	output      any
	failureType dagmodel.FailureType
	errMsg      string
}

// decisionOutcome is what a suspended decision.Handle reports back once it
// resolves, for a task that was OutcomePending when first gated.
type decisionOutcome struct {
	taskID  dagmodel.TaskID
	outcome string // mirrors decision.Outcome without importing it into this file
	reason  string
}

// runCheckpoint is the JSON snapshot a Run saves through the DagStore
// after every state change: node statuses, failure types, and the
// decision outcomes that already settled. ResumeRun reads it back to
// rebuild a run at the same decision tier without re-asking.
type runCheckpoint struct {
	Status    RunStatus         `json:"status"`
	Statuses  map[string]string `json:"statuses"`
	Failures  map[string]string `json:"failures,omitempty"`
	Decisions map[string]string `json:"decisions,omitempty"`
}

// RunInfo is the read-only snapshot Run.Status returns.
type RunInfo struct {
	RunID      string
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    bool // DAG policy's success/failure verdict, valid once terminal
}
