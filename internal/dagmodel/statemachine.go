package dagmodel

// transitions lists, for each non-terminal source status, the statuses a
// single call may move it to. Terminal statuses never appear as a source:
// once reached, a node is monotonically done for the run.
var transitions = map[Status]map[Status]bool{
	StatusPending: {StatusReady: true, StatusRunning: true, StatusSkipped: true, StatusCancelled: true},
	StatusReady:   {StatusRunning: true, StatusSkipped: true, StatusCancelled: true},
	StatusRunning: {StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
}

func (d *DAG) transitionLocked(id TaskID, to Status) error {
	node, ok := d.nodes[id]
	if !ok {
		return &UnknownTaskError{TaskID: id}
	}
	if node.Status.IsTerminal() {
		return &InvalidTransitionError{TaskID: id, From: node.Status, To: to}
	}
	allowed, ok := transitions[node.Status]
	if !ok || !allowed[to] {
		return &InvalidTransitionError{TaskID: id, From: node.Status, To: to}
	}
	node.Status = to
	return nil
}

// MarkRunning transitions a Pending or Ready task to Running.
func (d *DAG) MarkRunning(id TaskID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if node, ok := d.nodes[id]; ok && node.Status == StatusPending {
		node.Status = StatusReady // pass through Ready on the way to Running
	}
	return d.transitionLocked(id, StatusRunning)
}

// MarkCompleted transitions a Running task to Completed. It does not touch
// the task's output; SetOutput records that separately.
func (d *DAG) MarkCompleted(id TaskID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.transitionLocked(id, StatusCompleted); err != nil {
		return err
	}
	return nil
}

// SetOutput records a task's output value; called by the scheduler after
// a successful skill invocation, independent of the state transition.
func (d *DAG) SetOutput(id TaskID, output any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[id]
	if !ok {
		return &UnknownTaskError{TaskID: id}
	}
	t.Output = output
	return nil
}

// MarkFailed transitions a Running task to Failed with the given failure
// type. When the type is Blocking, every transitively-dependent Pending
// task is recursively marked Skipped, per spec.md §4.D.
func (d *DAG) MarkFailed(id TaskID, ft FailureType) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.transitionLocked(id, StatusFailed); err != nil {
		return err
	}
	d.nodes[id].FailureType = ft

	if ft == FailureBlocking {
		d.skipDependentsLocked(id)
	}
	return nil
}

// skipDependentsLocked walks the dependents of id and skips every
// non-terminal node it transitively blocks. Callers must hold d.mu.
func (d *DAG) skipDependentsLocked(id TaskID) {
	var walk func(TaskID)
	walk = func(cur TaskID) {
		for _, dependent := range d.nodes[cur].Dependents {
			node := d.nodes[dependent]
			if node.Status.IsTerminal() {
				continue
			}
			node.Status = StatusSkipped
			walk(dependent)
		}
	}
	walk(id)
}

// MarkSkipped transitions a Pending or Ready task directly to Skipped
// (the scheduler's own Skip decision path, as opposed to blocking-failure
// propagation).
func (d *DAG) MarkSkipped(id TaskID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.transitionLocked(id, StatusSkipped); err != nil {
		return err
	}
	d.skipDependentsLocked(id)
	return nil
}

// MarkCancelled force-transitions any non-terminal task to Cancelled,
// used when a run is cancelled outright. Unlike the other transitions
// this accepts any non-terminal source status.
func (d *DAG) MarkCancelled(id TaskID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	node, ok := d.nodes[id]
	if !ok {
		return &UnknownTaskError{TaskID: id}
	}
	if node.Status.IsTerminal() {
		return nil
	}
	node.Status = StatusCancelled
	return nil
}

// CancelAll transitions every non-terminal node to Cancelled, the
// mechanics behind a run-level cancellation.
func (d *DAG) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, node := range d.nodes {
		if !node.Status.IsTerminal() {
			node.Status = StatusCancelled
		}
	}
}

// ResetToPending reverts a Running task back to Pending, used by the
// scheduler's NonBlocking-failure retry path. Decrements the node's retry
// budget; the decision log entry for the original attempt is left
// untouched (spec.md §9 open question #2: retries never reset the
// decision log).
func (d *DAG) ResetToPending(id TaskID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	node, ok := d.nodes[id]
	if !ok {
		return &UnknownTaskError{TaskID: id}
	}
	if node.Status != StatusRunning && node.Status != StatusFailed {
		return &InvalidTransitionError{TaskID: id, From: node.Status, To: StatusPending}
	}
	node.Status = StatusPending
	node.RetriesLeft--
	return nil
}

// Restore sets a node's state directly, bypassing the transition table.
// Recovery-only: the recorded state already passed through legal
// transitions in the process that persisted it, so re-validating here
// would only reject legitimate checkpoints.
func (d *DAG) Restore(id TaskID, status Status, ft FailureType) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	node, ok := d.nodes[id]
	if !ok {
		return &UnknownTaskError{TaskID: id}
	}
	node.Status = status
	node.FailureType = ft
	return nil
}

// RetriesLeft reports the remaining retry budget for a task.
func (d *DAG) RetriesLeft(id TaskID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	node, ok := d.nodes[id]
	if !ok {
		return 0
	}
	return node.RetriesLeft
}
