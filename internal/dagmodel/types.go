// Package dagmodel implements the Task DAG: the graph of dependency-ordered
// tasks, the per-node state machine, cycle detection, topological ordering,
// and readiness computation. Grounded in the Kahn's-algorithm-plus-worker-pool
// shape of services/orchestrator/dag_engine.go, generalized from a single
// fixed execution pass into the long-lived, externally-driven graph the
// scheduler (package scheduler) steps through one decision at a time.
package dagmodel

// TaskID identifies a task within a single DAG. Unique per DagRun.
type TaskID = string

// Priority orders ready tasks within one scheduler tick.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Tier is one of the four human-in-the-loop decision gates.
type Tier string

const (
	TierMechanical   Tier = "mechanical"
	TierRecommended  Tier = "recommended"
	TierConfirmed    Tier = "confirmed"
	TierArbitrated   Tier = "arbitrated"
)

// DefaultAction is what a Recommended-tier decision applies if the
// countdown expires without a user override.
type DefaultAction string

const (
	ActionExecute DefaultAction = "execute"
	ActionSkip    DefaultAction = "skip"
	ActionAbort   DefaultAction = "abort"
)

// Level bundles a decision tier with its tier-specific parameters. Zero
// values for timeouts/threshold mean "use the engine's configured default".
type Level struct {
	Tier          Tier
	Retry         int           // Mechanical
	DefaultAction DefaultAction // Recommended
	TimeoutSecs   uint32        // Recommended/Confirmed/Arbitrated override
	Stakeholders  []string      // Arbitrated
	Threshold     float64       // Arbitrated override, in [0,1]; 0 means default
}

// FailureType classifies a task failure for propagation purposes.
type FailureType string

const (
	FailureNone        FailureType = ""
	FailureBlocking    FailureType = "blocking"
	FailureNonBlocking FailureType = "non_blocking"
)

// Status is a DagNode's place in the per-node state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether s is one of the four states a node never
// leaves within a run.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is the declarative unit of work a DagNode wraps. Input/Output are
// structured values (opaque to the DAG itself) that flow to and from the
// Skill Executor.
type Task struct {
	ID           TaskID
	Title        string
	Priority     Priority
	Level        Level
	Dependencies []TaskID
	Skill        string
	Input        any
	Output       any
	// MemoryKeys are the keys this task's skill declares it reads/writes;
	// the Conflict Guard pre-flights exactly this set before dispatch.
	MemoryKeys []string
	RetryBudget int
	CreatedAt   int64
	UpdatedAt   int64
}

// Node is the scheduler-owned wrapper around a Task: its live status, the
// reverse-edge set, and bookkeeping the scheduler mutates as the run
// progresses. Dependents is always recomputable from the full node set's
// Deps; Initialize (or any later rebuild) is the only place that happens.
type Node struct {
	TaskID     TaskID
	Deps       []TaskID
	Dependents []TaskID
	Status     Status
	// AgentRuntimeHint names the runtime a skill prefers (e.g. "claude",
	// "opencode"); purely advisory to the Skill Executor.
	AgentRuntimeHint string
	Reuse            bool
	Keep             bool
	FailureType      FailureType
	RetriesLeft      int
	EnqueuedAt       int64 // monotonic sequence for FIFO tie-break
}

// PolicyMode selects how task failures affect the overall run outcome.
type PolicyMode string

const (
	PolicyAllSuccess   PolicyMode = "all_success"
	PolicyBestEffort   PolicyMode = "best_effort"
	PolicyRequireGroup PolicyMode = "require_group"
)

// Policy is the DAG-level success/failure rule the scheduler consults once
// the run reaches a terminal state.
type Policy struct {
	Mode PolicyMode
	// RequireGroup names the tasks whose completion alone determines
	// success, when Mode == PolicyRequireGroup.
	RequireGroup []TaskID
	// SkippedAsFailure resolves spec.md's open question #1: whether a
	// Skipped dependency counts as success for PolicyAllSuccess. Defaults
	// false.
	SkippedAsFailure bool
}
