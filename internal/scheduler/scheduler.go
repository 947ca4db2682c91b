package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/cis-core/internal/capability"
	"github.com/swarmguard/cis-core/internal/cerr"
	"github.com/swarmguard/cis-core/internal/dagmodel"
	"github.com/swarmguard/cis-core/internal/decision"
	"github.com/swarmguard/cis-core/internal/events"
	"github.com/swarmguard/cis-core/internal/guard"
	"github.com/swarmguard/cis-core/internal/skill"
)

// Scheduler is the DAG Scheduler: component G. It owns the shared worker
// pool and collaborator references every DagRun dispatches through; each
// DagRun gets its own single-goroutine actor loop (see run.go) but they
// all share one Scheduler's pool and components.
type Scheduler struct {
	pool     *Pool
	decision *decision.Engine
	guard    *guard.Guard
	executor *skill.Executor
	events   *events.Registry
	dagStore capability.DagStore // optional: nil disables event-log persistence
	log      *slog.Logger
	tracer   trace.Tracer

	ticks      metric.Int64Counter
	dispatched metric.Int64Counter
}

// New constructs a Scheduler over its collaborators. dagStore may be nil to
// run without crash-recoverable persistence (tests, or a deployment that
// accepts losing in-flight runs on restart).
func New(pool *Pool, decisionEngine *decision.Engine, g *guard.Guard, executor *skill.Executor, reg *events.Registry, dagStore capability.DagStore, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	meter := otel.Meter("cis-core-scheduler")
	ticks, _ := meter.Int64Counter("cis_scheduler_ticks_total")
	dispatched, _ := meter.Int64Counter("cis_tasks_dispatched_total")
	return &Scheduler{
		pool: pool, decision: decisionEngine, guard: g, executor: executor,
		events: reg, dagStore: dagStore, log: log, tracer: otel.Tracer("cis-core-scheduler"),
		ticks: ticks, dispatched: dispatched,
	}
}

// CreateRun builds a DagRun actor over dag and starts its control loop on a
// new goroutine, returning a handle immediately; the caller observes
// progress via events.Registry subscriptions or by polling Run.Status.
func (s *Scheduler) CreateRun(ctx context.Context, runID string, dag *dagmodel.DAG) *Run {
	r, runCtx := s.newRun(ctx, runID, dag, nil)
	s.emit(events.Event{Type: events.TypeDagBuilt, RunID: runID, Detail: map[string]any{"node_count": dag.Len()}})
	go r.actorLoop(runCtx)
	return r
}

// ResumeRun rebuilds an interrupted run from its last checkpoint: tasks
// that reached a terminal state keep it, tasks that were in flight when
// the process died rerun, and decision tiers that already resolved are
// applied from the record instead of re-asking anyone. dag must be a
// freshly built instance of the same definition the original run used.
func (s *Scheduler) ResumeRun(ctx context.Context, runID string, dag *dagmodel.DAG) (*Run, error) {
	if s.dagStore == nil {
		return nil, cerr.New(cerr.KindValidation, "resume requires a dag store")
	}
	payload, ok, err := s.dagStore.LoadCheckpoint(ctx, runID)
	if err != nil {
		return nil, cerr.Wrap(cerr.KindStorage, err, "load checkpoint for run %q", runID)
	}
	if !ok {
		return nil, cerr.New(cerr.KindValidation, "no checkpoint for run %q", runID)
	}
	var cp runCheckpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, cerr.Wrap(cerr.KindStorage, err, "decode checkpoint for run %q", runID)
	}
	if cp.Status != RunRunning {
		return nil, cerr.New(cerr.KindValidation, "run %q already finished with status %q", runID, cp.Status)
	}

	for id, st := range cp.Statuses {
		status := dagmodel.Status(st)
		if !status.IsTerminal() {
			continue // in-flight or unstarted at the crash: runs again
		}
		ft := dagmodel.FailureType(cp.Failures[id])
		if err := dag.Restore(id, status, ft); err != nil {
			return nil, cerr.Wrap(cerr.KindValidation, err, "restore task %q", id)
		}
	}
	resolved := make(map[dagmodel.TaskID]decision.Outcome, len(cp.Decisions))
	for id, oc := range cp.Decisions {
		resolved[id] = decision.Outcome(oc)
	}

	r, runCtx := s.newRun(ctx, runID, dag, resolved)
	// Continue the event log where the crashed process left off rather
	// than overwriting its entries from sequence one.
	if evts, err := s.dagStore.Events(ctx, runID); err == nil {
		r.seq = uint64(len(evts))
	}
	s.log.Info("scheduler: resuming run from checkpoint", "run_id", runID, "resolved_decisions", len(resolved))
	go r.actorLoop(runCtx)
	return r, nil
}

// newRun constructs a Run actor without starting it. resolved carries the
// already-settled decision outcomes a resumed run must honor; nil for a
// fresh run.
func (s *Scheduler) newRun(ctx context.Context, runID string, dag *dagmodel.DAG, resolved map[dagmodel.TaskID]decision.Outcome) (*Run, context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	if resolved == nil {
		resolved = make(map[dagmodel.TaskID]decision.Outcome)
	}
	r := &Run{
		id:        runID,
		dag:       dag,
		sched:     s,
		internal:  make(chan any, 64),
		cancelled: make(chan struct{}),
		cancelFn:  cancel,
		status:    RunRunning,
		claims:    make(map[dagmodel.TaskID]struct{}),
		resolved:  resolved,
		done:      make(chan struct{}),
	}
	return r, runCtx
}

func (s *Scheduler) emit(ev events.Event) {
	if s.events == nil {
		return
	}
	s.events.Emit(ev)
}
