package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/cis-core/internal/dagmodel"
	"github.com/swarmguard/cis-core/internal/decision"
	"github.com/swarmguard/cis-core/internal/events"
	"github.com/swarmguard/cis-core/internal/guard"
	"github.com/swarmguard/cis-core/internal/skill"
)

// Run is one DagRun's actor: a single goroutine (actorLoop) owns every
// mutation of dag, reading from r.internal for both skill-dispatch
// completions and decision-tier resolutions, per spec.md §5's "DAG
// mutation only on the owning actor" rule.
type Run struct {
	id    string
	dag   *dagmodel.DAG
	sched *Scheduler

	internal  chan any // dispatchOutcome | decisionOutcome
	cancelled chan struct{}
	cancelFn  context.CancelFunc
	done      chan struct{}

	mu         sync.Mutex
	status     RunStatus
	startedAt  time.Time
	finishedAt time.Time
	outcome    bool

	claims map[dagmodel.TaskID]struct{}
	parked []dagmodel.TaskID
	seq    uint64

	// resolved holds decision outcomes that have already settled, keyed by
	// task: written when a gate resolves, seeded from the checkpoint on
	// resume, and consulted before re-gating so no tier ever re-asks.
	resolved map[dagmodel.TaskID]decision.Outcome

	span trace.Span
}

// ID returns the run's identifier.
func (r *Run) ID() string { return r.id }

// Status returns a read-only snapshot of the run's current state.
func (r *Run) Status() RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RunInfo{RunID: r.id, Status: r.status, StartedAt: r.startedAt, FinishedAt: r.finishedAt, Outcome: r.outcome}
}

// Cancel requests the run stop: in-flight skill calls are asked to stop
// via context cancellation (not force-killed, per spec.md §5) and every
// non-terminal task transitions to Cancelled.
func (r *Run) Cancel() {
	select {
	case <-r.cancelled:
	default:
		close(r.cancelled)
	}
}

// Wait blocks until the run reaches a terminal status and returns the DAG
// policy's success verdict.
func (r *Run) Wait() bool {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

func (r *Run) setStatus(status RunStatus, outcome bool) {
	r.mu.Lock()
	r.status = status
	r.outcome = outcome
	r.finishedAt = time.Now()
	r.mu.Unlock()
}

func (r *Run) emit(ev events.Event) {
	ev.RunID = r.id
	r.sched.emit(ev)
	if r.sched.dagStore == nil {
		return
	}
	r.seq++
	if payload, err := json.Marshal(ev); err == nil {
		_ = r.sched.dagStore.AppendEvent(context.Background(), r.id, r.seq, payload)
	}
}

// actorLoop is the run's entire control flow: pull ready tasks, gate each
// through the Decision Engine, dispatch Allowed tasks through the Conflict
// Guard and Skill Executor, fold results back into the DAG, and repeat
// until every task has reached a terminal state. Grounded in
// services/orchestrator/dag_engine.go's ready-loop-plus-worker-pool shape,
// generalized to suspend on decision gates rather than always allowing.
func (r *Run) actorLoop(ctx context.Context) {
	ctx, span := r.sched.tracer.Start(ctx, "scheduler.run", trace.WithAttributes(
		attribute.String("run_id", r.id), attribute.Int("task_count", r.dag.Len())))
	r.span = span

	r.mu.Lock()
	r.startedAt = time.Now()
	r.mu.Unlock()
	r.emit(events.Event{Type: events.TypeDagStarted})
	r.persistCheckpoint(ctx)

	// terminated reports whether an Abort applied inside this loop already ended the run.
	terminated := func() bool {
		select {
		case <-r.done:
			return true
		default:
			return false
		}
	}

	for {
		r.sched.ticks.Add(ctx, 1)
		ready := r.sortReady(r.dag.ReadyTasks())
		for _, taskID := range ready {
			if terminated() {
				break
			}
			if _, claimed := r.claims[taskID]; claimed {
				continue
			}
			r.claims[taskID] = struct{}{}
			r.startDecision(ctx, taskID)
		}
		if terminated() {
			return
		}

		if len(r.claims) == 0 && r.dag.IsTerminal() {
			r.finish()
			return
		}

		// Parked tasks have no completion event of their own to wake this
		// run: the pool slot they are waiting for may be freed by another
		// run entirely, so poll while any task is parked.
		var parkRetry <-chan time.Time
		if len(r.parked) > 0 {
			parkRetry = time.After(100 * time.Millisecond)
		}

		select {
		case <-r.cancelled:
			r.terminate(RunCancelled, "run cancelled")
			return
		case <-ctx.Done():
			r.terminate(RunCancelled, "context cancelled")
			return
		case ev := <-r.internal:
			r.handleInternal(ctx, ev)
			r.persistCheckpoint(ctx)
		case <-parkRetry:
			r.retryParked(ctx)
		}
	}
}

// persistCheckpoint snapshots node statuses and settled decisions through
// the DagStore, so a later process can resume this run where it stopped.
// Only ever called from the actor goroutine.
func (r *Run) persistCheckpoint(ctx context.Context) {
	if r.sched.dagStore == nil {
		return
	}
	r.mu.Lock()
	status := r.status
	r.mu.Unlock()

	cp := runCheckpoint{
		Status:    status,
		Statuses:  make(map[string]string, r.dag.Len()),
		Failures:  make(map[string]string),
		Decisions: make(map[string]string, len(r.resolved)),
	}
	for _, id := range r.dag.TaskIDs() {
		node, ok := r.dag.Node(id)
		if !ok {
			continue
		}
		cp.Statuses[id] = string(node.Status)
		if node.FailureType != dagmodel.FailureNone {
			cp.Failures[id] = string(node.FailureType)
		}
	}
	for id, oc := range r.resolved {
		cp.Decisions[id] = string(oc)
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return
	}
	if err := r.sched.dagStore.SaveCheckpoint(ctx, r.id, payload); err != nil {
		r.sched.log.Warn("scheduler: save checkpoint failed", "run_id", r.id, "error", err)
	}
}

// logDecision appends a settled decision to the run's persisted event log
// before its outcome is acted on, so the record always exists by the time
// the task dispatches or the run aborts.
func (r *Run) logDecision(o decisionOutcome) {
	if r.sched.dagStore == nil {
		return
	}
	r.seq++
	ev := events.Event{
		Type:   events.TypeDecisionResolved,
		RunID:  r.id,
		TaskID: o.taskID,
		At:     time.Now(),
		Detail: map[string]any{"outcome": o.outcome, "reason": o.reason},
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = r.sched.dagStore.AppendEvent(context.Background(), r.id, r.seq, payload)
}

// sortReady orders one tick's ready set by priority (highest first), ties
// broken by enqueue order so equal-priority tasks run FIFO.
func (r *Run) sortReady(ready []dagmodel.TaskID) []dagmodel.TaskID {
	sort.SliceStable(ready, func(i, j int) bool {
		ti, _ := r.dag.Get(ready[i])
		tj, _ := r.dag.Get(ready[j])
		if ti.Priority != tj.Priority {
			return ti.Priority > tj.Priority
		}
		ni, _ := r.dag.Node(ready[i])
		nj, _ := r.dag.Node(ready[j])
		return ni.EnqueuedAt < nj.EnqueuedAt
	})
	return ready
}

func (r *Run) handleInternal(ctx context.Context, ev any) {
	switch o := ev.(type) {
	case dispatchOutcome:
		r.handleDispatchOutcome(ctx, o)
	case decisionOutcome:
		r.handleDecisionOutcome(ctx, o)
	}
}

// startDecision gates one ready task through the Decision Engine. Process
// itself never blocks: Mechanical resolves synchronously to Allow; every
// other tier returns a Handle this call waits on from a dedicated
// goroutine, reporting back onto r.internal so the actor loop is never
// blocked by a single task's gate.
func (r *Run) startDecision(ctx context.Context, taskID dagmodel.TaskID) {
	task, ok := r.dag.Get(taskID)
	if !ok {
		delete(r.claims, taskID)
		return
	}
	if oc, settled := r.resolved[taskID]; settled {
		// The gate for this task already resolved — either earlier in this
		// run (a retry) or in the process this run was resumed from. Apply
		// the recorded outcome instead of re-asking.
		r.applyResolvedDecision(ctx, task, oc, "recorded decision")
		return
	}
	result, err := r.sched.decision.Process(ctx, decision.Request{RunID: r.id, TaskID: taskID, Level: task.Level})
	if err != nil {
		r.finalizeTaskFailure(taskID, dagmodel.FailureBlocking, err.Error())
		return
	}

	switch result.Outcome {
	case decision.OutcomeAllow:
		r.dispatchOrPark(ctx, task)
	case decision.OutcomePending:
		handle := result.Handle
		go func() {
			outcome, reason := handle.Wait()
			select {
			case r.internal <- decisionOutcome{taskID: taskID, outcome: string(outcome), reason: reason}:
			case <-ctx.Done():
			}
		}()
	default:
		r.finalizeTaskFailure(taskID, dagmodel.FailureBlocking, "unexpected synchronous decision outcome")
	}
}

func (r *Run) handleDecisionOutcome(ctx context.Context, o decisionOutcome) {
	// Record and persist the resolution before acting on it, so a crash
	// between here and the dispatch resumes with the answer on file.
	r.resolved[o.taskID] = decision.Outcome(o.outcome)
	r.logDecision(o)
	r.persistCheckpoint(ctx)

	task, ok := r.dag.Get(o.taskID)
	if !ok {
		delete(r.claims, o.taskID)
		return
	}
	r.applyResolvedDecision(ctx, task, decision.Outcome(o.outcome), o.reason)
}

// applyResolvedDecision acts on a settled gate outcome, whether it just
// resolved or was recovered from the run's checkpoint.
func (r *Run) applyResolvedDecision(ctx context.Context, task dagmodel.Task, oc decision.Outcome, reason string) {
	switch oc {
	case decision.OutcomeAllow:
		r.dispatchOrPark(ctx, task)
	case decision.OutcomeSkip:
		delete(r.claims, task.ID)
		if err := r.dag.MarkSkipped(task.ID); err == nil {
			r.emit(events.Event{Type: events.TypeTaskFailed, TaskID: task.ID, Detail: map[string]any{"skipped": true, "reason": reason}})
		}
		r.retryParked(ctx)
	default: // OutcomeAbort and anything unrecognized
		r.terminate(RunAborted, reason)
	}
}

// dispatchOrPark pre-flights task's declared memory keys through the
// Conflict Guard and, if clear, submits the skill invocation to the shared
// worker pool. A saturated pool parks the task rather than failing it; the
// task is retried the next time any dispatch completes and frees a slot.
func (r *Run) dispatchOrPark(ctx context.Context, task dagmodel.Task) bool {
	memCtx, err := r.sched.guard.CheckAndCreateContext(ctx, task.MemoryKeys)
	if err != nil {
		if conflictErr, ok := err.(*guard.ConflictError); ok {
			r.emit(events.Event{Type: events.TypeConflictDetected, TaskID: task.ID, Detail: map[string]any{"keys": conflictErr.Keys()}})
		}
		r.finalizeTaskFailure(task.ID, dagmodel.FailureBlocking, err.Error())
		return true
	}

	job := func() {
		result, runErr := r.sched.executor.Run(ctx, skill.Request{RunID: r.id, TaskID: task.ID, Skill: task.Skill, Input: task.Input}, memCtx)
		errMsg := result.Error
		if runErr != nil && errMsg == "" {
			errMsg = runErr.Error()
		}
		select {
		case r.internal <- dispatchOutcome{taskID: task.ID, success: result.Success, output: result.Output, failureType: result.FailureType, errMsg: errMsg}:
		case <-ctx.Done():
		}
	}

	if !r.sched.pool.TrySubmit(job) {
		r.parked = append(r.parked, task.ID)
		return false
	}

	if err := r.dag.MarkRunning(task.ID); err != nil {
		r.sched.log.Error("scheduler: mark_running failed", "task_id", task.ID, "error", err)
	}
	r.sched.dispatched.Add(ctx, 1)
	r.emit(events.Event{Type: events.TypeTaskStarted, TaskID: task.ID})
	return true
}

func (r *Run) retryParked(ctx context.Context) {
	if len(r.parked) == 0 {
		return
	}
	stillParked := r.parked[:0]
	for _, taskID := range r.parked {
		task, ok := r.dag.Get(taskID)
		if !ok {
			delete(r.claims, taskID)
			continue
		}
		if !r.dispatchOrPark(ctx, task) {
			stillParked = append(stillParked, taskID)
		}
	}
	r.parked = stillParked
}

func (r *Run) handleDispatchOutcome(ctx context.Context, o dispatchOutcome) {
	delete(r.claims, o.taskID)

	if o.success {
		if o.output != nil {
			_ = r.dag.SetOutput(o.taskID, o.output)
		}
		if err := r.dag.MarkCompleted(o.taskID); err != nil {
			r.sched.log.Error("scheduler: mark_completed failed", "task_id", o.taskID, "error", err)
		}
		r.emit(events.Event{Type: events.TypeTaskCompleted, TaskID: o.taskID})
		r.retryParked(ctx)
		return
	}

	retriesLeft := r.dag.RetriesLeft(o.taskID)
	if o.failureType == dagmodel.FailureNonBlocking && retriesLeft > 0 {
		if err := r.dag.ResetToPending(o.taskID); err != nil {
			r.sched.log.Error("scheduler: reset_to_pending failed", "task_id", o.taskID, "error", err)
		}
		r.emit(events.Event{Type: events.TypeTaskFailed, TaskID: o.taskID, Detail: map[string]any{"retrying": true, "retries_left": retriesLeft - 1, "error": o.errMsg}})
	} else {
		r.finalizeTaskFailure(o.taskID, o.failureType, o.errMsg)
	}
	r.retryParked(ctx)
}

func (r *Run) finalizeTaskFailure(taskID dagmodel.TaskID, failureType dagmodel.FailureType, reason string) {
	delete(r.claims, taskID)
	if failureType == dagmodel.FailureNone {
		failureType = dagmodel.FailureBlocking
	}
	if err := r.dag.MarkFailed(taskID, failureType); err != nil {
		// A task reaching this path from startDecision/dispatchOrPark is
		// always Pending, a valid source for MarkFailed's Running
		// precondition only after MarkRunning; route it through
		// MarkRunning first so the transition is legal either way.
		_ = r.dag.MarkRunning(taskID)
		_ = r.dag.MarkFailed(taskID, failureType)
	}
	r.emit(events.Event{Type: events.TypeTaskFailed, TaskID: taskID, Detail: map[string]any{"error": reason}})
}

func (r *Run) finish() {
	success := r.dag.Outcome()
	status := RunCompleted
	if !success {
		status = RunFailed
	}
	r.setStatus(status, success)
	r.persistCheckpoint(context.Background())
	if success {
		r.emit(events.Event{Type: events.TypeDagCompleted, Detail: map[string]any{"duration_ms": time.Since(r.startedAt).Milliseconds()}})
	} else {
		r.emit(events.Event{Type: events.TypeDagFailed, Detail: map[string]any{"duration_ms": time.Since(r.startedAt).Milliseconds()}})
	}
	if r.span != nil {
		r.span.SetAttributes(attribute.Bool("success", success))
		r.span.End()
	}
	r.cancelFn()
	close(r.done)
}

// terminate ends the run without letting remaining tasks proceed: every
// non-terminal task transitions to Cancelled and the run takes the given
// status (RunAborted for a decision-tier Abort, RunCancelled for a
// user/context cancellation).
func (r *Run) terminate(status RunStatus, reason string) {
	r.dag.CancelAll()
	r.setStatus(status, false)
	r.persistCheckpoint(context.Background())
	r.emit(events.Event{Type: events.TypeDagFailed, Detail: map[string]any{"aborted": true, "reason": reason}})
	if r.span != nil {
		r.span.SetAttributes(attribute.Bool("success", false), attribute.String("abort_reason", reason))
		r.span.End()
	}
	// In-flight skill calls are asked to stop via the run context; their
	// eventual results land in a buffered channel nobody reads and are
	// discarded with it.
	r.cancelFn()
	close(r.done)
}
