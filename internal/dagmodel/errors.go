package dagmodel

import (
	"fmt"
	"strings"
)

// CycleError reports a cycle found during validation, carrying the
// witnessing path so callers can report it to the user verbatim.
type CycleError struct {
	Path []TaskID
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}

// DanglingDepError reports a dependency that points at a task not present
// in the DAG.
type DanglingDepError struct {
	TaskID TaskID
	DepID  TaskID
}

func (e *DanglingDepError) Error() string {
	return fmt.Sprintf("task %q depends on non-existent task %q", e.TaskID, e.DepID)
}

// DuplicateTaskError reports an attempt to add a task ID already present.
type DuplicateTaskError struct {
	TaskID TaskID
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("duplicate task id %q", e.TaskID)
}

// UnknownTaskError reports an operation against a task ID the DAG doesn't
// have.
type UnknownTaskError struct {
	TaskID TaskID
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task id %q", e.TaskID)
}

// InvalidTransitionError reports an attempted state transition the
// per-node state machine forbids (most commonly: leaving a terminal
// state).
type InvalidTransitionError struct {
	TaskID TaskID
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for task %q: %s -> %s", e.TaskID, e.From, e.To)
}
