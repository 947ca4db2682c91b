package dagmodel

import (
	"sort"
	"sync"
)

// DAG is the Task DAG: component D. A single DAG instance backs one
// DagRun; mutation only ever happens through the scheduler goroutine that
// owns it (see package scheduler), but the lock here makes that invariant
// cheap to enforce defensively rather than load-bearing.
type DAG struct {
	mu     sync.Mutex
	tasks  map[TaskID]*Task
	nodes  map[TaskID]*Node
	policy Policy
	seq    int64
	order  []TaskID // insertion order, for deterministic iteration
}

// New constructs an empty DAG with the given run-level policy.
func New(policy Policy) *DAG {
	return &DAG{
		tasks:  make(map[TaskID]*Task),
		nodes:  make(map[TaskID]*Node),
		policy: policy,
	}
}

// AddNode registers a task and its declared dependency set. Call it
// before Initialize: AddNode does not check whether Initialize already
// ran, and a node added afterwards is missing from every Dependents set
// until Initialize runs again.
func (d *DAG) AddNode(task Task, deps []TaskID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tasks[task.ID]; exists {
		return &DuplicateTaskError{TaskID: task.ID}
	}
	task.Dependencies = append([]TaskID(nil), deps...)
	d.tasks[task.ID] = &task
	d.seq++
	d.nodes[task.ID] = &Node{
		TaskID:      task.ID,
		Deps:        append([]TaskID(nil), deps...),
		Status:      StatusPending,
		RetriesLeft: task.Level.Retry,
		EnqueuedAt:  d.seq,
	}
	d.order = append(d.order, task.ID)
	return nil
}

// Initialize computes the reverse-edge (Dependents) set and validates the
// graph: every dependency must point at a node present in the DAG, and the
// graph must be acyclic. It is idempotent — recomputing Dependents from
// Deps is always allowed per spec.md §3.
func (d *DAG) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, node := range d.nodes {
		for _, dep := range node.Deps {
			if _, ok := d.nodes[dep]; !ok {
				return &DanglingDepError{TaskID: id, DepID: dep}
			}
		}
	}
	for _, node := range d.nodes {
		node.Dependents = node.Dependents[:0]
	}
	for id, node := range d.nodes {
		for _, dep := range node.Deps {
			d.nodes[dep].Dependents = append(d.nodes[dep].Dependents, id)
		}
	}
	return d.validateLocked()
}

// Validate runs cycle detection without touching Dependents.
func (d *DAG) Validate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.validateLocked()
}

type dfsColor int

const (
	colorWhite dfsColor = iota
	colorGray
	colorBlack
)

// validateLocked runs DFS with three colors over d.nodes; a back-edge into
// a gray node is a cycle, and the error carries the witnessing path.
// Callers must hold d.mu.
func (d *DAG) validateLocked() error {
	colors := make(map[TaskID]dfsColor, len(d.nodes))
	var path []TaskID

	var visit func(id TaskID) error
	visit = func(id TaskID) error {
		colors[id] = colorGray
		path = append(path, id)
		for _, dep := range d.nodes[id].Deps {
			switch colors[dep] {
			case colorWhite:
				if err := visit(dep); err != nil {
					return err
				}
			case colorGray:
				witness := append(append([]TaskID(nil), path...), dep)
				return &CycleError{Path: witness}
			case colorBlack:
				// already fully explored, no cycle through here
			}
		}
		colors[id] = colorBlack
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range d.order {
		if colors[id] == colorWhite {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// TopologicalOrder computes a topological order via Kahn's algorithm, with
// ties among equally-ready nodes broken by lexical task ID for
// reproducibility.
func (d *DAG) TopologicalOrder() ([]TaskID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	inDegree := make(map[TaskID]int, len(d.nodes))
	for id, node := range d.nodes {
		inDegree[id] = len(node.Deps)
	}

	var frontier []TaskID
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	var out []TaskID
	for len(frontier) > 0 {
		sort.Strings(frontier)
		id := frontier[0]
		frontier = frontier[1:]
		out = append(out, id)

		var newlyReady []TaskID
		for _, dependent := range d.nodes[id].Dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				newlyReady = append(newlyReady, dependent)
			}
		}
		frontier = append(frontier, newlyReady...)
	}

	if len(out) != len(d.nodes) {
		return nil, &CycleError{Path: d.remainingLocked(out)}
	}
	return out, nil
}

func (d *DAG) remainingLocked(visited []TaskID) []TaskID {
	seen := make(map[TaskID]struct{}, len(visited))
	for _, id := range visited {
		seen[id] = struct{}{}
	}
	var rem []TaskID
	for _, id := range d.order {
		if _, ok := seen[id]; !ok {
			rem = append(rem, id)
		}
	}
	sort.Strings(rem)
	return rem
}

// ReadyTasks returns every task ID whose status is Pending and whose
// dependencies are all satisfied: Completed, or terminally Failed with a
// NonBlocking failure type. A Blocking failure never reaches this path —
// its dependents were already transitively Skipped when the failure was
// recorded.
func (d *DAG) ReadyTasks() []TaskID {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ready []TaskID
	for _, id := range d.order {
		node := d.nodes[id]
		if node.Status != StatusPending {
			continue
		}
		if d.allDepsSatisfiedLocked(node) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (d *DAG) allDepsSatisfiedLocked(node *Node) bool {
	for _, dep := range node.Deps {
		depNode := d.nodes[dep]
		if depNode.Status == StatusCompleted {
			continue
		}
		if depNode.Status == StatusFailed && depNode.FailureType == FailureNonBlocking {
			continue
		}
		return false
	}
	return true
}

// Get returns the task by ID.
func (d *DAG) Get(id TaskID) (Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Node returns a copy of the node's bookkeeping state by ID.
func (d *DAG) Node(id TaskID) (Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// IsTerminal reports whether every node in the DAG has reached a terminal
// status — the run-loop's exit condition when ReadyTasks is empty.
func (d *DAG) IsTerminal() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, node := range d.nodes {
		if !node.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Policy returns the DAG's run-level success/failure policy.
func (d *DAG) Policy() Policy {
	return d.policy
}

// Outcome evaluates the policy against the current (terminal) node
// statuses. Only meaningful once IsTerminal() is true.
func (d *DAG) Outcome() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.policy.Mode {
	case PolicyRequireGroup:
		for _, id := range d.policy.RequireGroup {
			node, ok := d.nodes[id]
			if !ok || node.Status != StatusCompleted {
				return false
			}
		}
		return true
	case PolicyBestEffort:
		return true
	default: // PolicyAllSuccess
		for _, node := range d.nodes {
			if node.Status == StatusFailed && node.FailureType == FailureBlocking {
				return false
			}
			if node.Status == StatusSkipped && d.policy.SkippedAsFailure {
				return false
			}
		}
		return true
	}
}

// TaskIDs returns every task ID in insertion order.
func (d *DAG) TaskIDs() []TaskID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]TaskID(nil), d.order...)
}

// Len returns the number of tasks in the DAG.
func (d *DAG) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}
