package scheduler_test

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/swarmguard/cis-core/internal/capability"
	"github.com/swarmguard/cis-core/internal/config"
	"github.com/swarmguard/cis-core/internal/dagmodel"
	"github.com/swarmguard/cis-core/internal/decision"
	"github.com/swarmguard/cis-core/internal/events"
	"github.com/swarmguard/cis-core/internal/guard"
	"github.com/swarmguard/cis-core/internal/memory"
	"github.com/swarmguard/cis-core/internal/replication"
	"github.com/swarmguard/cis-core/internal/scheduler"
	"github.com/swarmguard/cis-core/internal/skill"
	"github.com/swarmguard/cis-core/internal/vectorclock"
)

// These tests implement spec.md §8's six end-to-end scenarios (S1-S6)
// against the real Scheduler/Run actor loop, wired over fake
// capability.KvStore/UserGate/AiProvider collaborators rather than the
// in-process ones internal/decision and internal/guard already exercise in
// isolation — matching DESIGN.md's "Testing" section.

// fakeKvStore is a minimal in-memory capability.KvStore double, modeled on
// internal/memory/store_test.go's own fakeKV.
type fakeKvStore struct {
	mu   sync.Mutex
	data map[string]capability.KVEntry
}

func newFakeKvStore() *fakeKvStore {
	return &fakeKvStore{data: make(map[string]capability.KVEntry)}
}

func (f *fakeKvStore) Get(_ context.Context, key string) (capability.KVEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.data[key]
	return e, ok, nil
}

func (f *fakeKvStore) Put(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = capability.KVEntry{Key: key, Value: value, UpdatedAt: time.Now().UnixNano()}
	return nil
}

func (f *fakeKvStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeKvStore) Scan(_ context.Context, prefix string) ([]capability.KVEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []capability.KVEntry
	for k, v := range f.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeKvStore) BatchGet(_ context.Context, keys []string) (map[string]capability.KVEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]capability.KVEntry, len(keys))
	for _, k := range keys {
		if v, ok := f.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// fakeDagStore is an in-memory capability.DagStore double for the
// checkpoint/event-log persistence and resume paths.
type fakeDagStore struct {
	mu          sync.Mutex
	events      map[string][][]byte
	checkpoints map[string][]byte
}

func newFakeDagStore() *fakeDagStore {
	return &fakeDagStore{events: make(map[string][][]byte), checkpoints: make(map[string][]byte)}
}

func (f *fakeDagStore) AppendEvent(_ context.Context, runID string, _ uint64, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[runID] = append(f.events[runID], append([]byte(nil), payload...))
	return nil
}

func (f *fakeDagStore) Events(_ context.Context, runID string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.events[runID]...), nil
}

func (f *fakeDagStore) SaveCheckpoint(_ context.Context, runID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints[runID] = append([]byte(nil), payload...)
	return nil
}

func (f *fakeDagStore) LoadCheckpoint(_ context.Context, runID string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.checkpoints[runID]
	return payload, ok, nil
}

// fakeGate is a capability.UserGate double, modeled on
// internal/decision/engine_test.go's fakeGate.
type fakeGate struct {
	confirmCh chan capability.ConfirmResponse
	voteCh    chan capability.VoteResult
}

func newFakeGate() *fakeGate {
	return &fakeGate{
		confirmCh: make(chan capability.ConfirmResponse, 1),
		voteCh:    make(chan capability.VoteResult, 1),
	}
}

func (f *fakeGate) AskConfirm(context.Context, capability.ConfirmRequest) (<-chan capability.ConfirmResponse, error) {
	return f.confirmCh, nil
}

func (f *fakeGate) OpenVote(context.Context, capability.VoteRequest) (<-chan capability.VoteResult, error) {
	return f.voteCh, nil
}

// fakeAiProvider is a capability.AiProvider double whose Chat always
// returns a fixed merged value, for the AIMerge strategy test.
type fakeAiProvider struct {
	response string
}

func (f *fakeAiProvider) Chat(context.Context, string) (string, error) {
	return f.response, nil
}

// fakeTransport is a capability.PeerTransport double that never delivers
// inbound traffic; it exists so a replication.Coordinator can be
// constructed for the client-driven Resolve path these tests exercise.
type fakeTransport struct{}

func (fakeTransport) Send(context.Context, string, []byte) error { return nil }
func (fakeTransport) Subscribe(context.Context) (<-chan capability.PeerMessage, error) {
	return make(chan capability.PeerMessage), nil
}
func (fakeTransport) Peers(context.Context) ([]string, error) { return nil, nil }

// eventTracker records the type (and task id, when present) of every event
// it is registered for, in emission order.
type eventTracker struct {
	mu  sync.Mutex
	seq []string
}

func newEventTracker(reg *events.Registry, types ...events.Type) *eventTracker {
	et := &eventTracker{}
	for _, ty := range types {
		reg.Register(ty, et.record)
	}
	return et
}

func (et *eventTracker) record(ev events.Event) {
	et.mu.Lock()
	defer et.mu.Unlock()
	label := string(ev.Type)
	if ev.TaskID != "" {
		label += ":" + ev.TaskID
	}
	et.seq = append(et.seq, label)
}

func (et *eventTracker) snapshot() []string {
	et.mu.Lock()
	defer et.mu.Unlock()
	return append([]string(nil), et.seq...)
}

func (et *eventTracker) has(label string) bool {
	for _, s := range et.snapshot() {
		if s == label {
			return true
		}
	}
	return false
}

func mustAddNode(t *testing.T, dag *dagmodel.DAG, task dagmodel.Task, deps []dagmodel.TaskID) {
	t.Helper()
	if err := dag.AddNode(task, deps); err != nil {
		t.Fatalf("add node %q: %v", task.ID, err)
	}
}

func echoSkill(_ context.Context, req skill.Request, _ guard.SafeMemoryContext) (skill.Result, error) {
	return skill.Result{Success: true, Output: req.Input}, nil
}

func newTestScheduler(store guard.Store, gate capability.UserGate, reg *skill.Registry, evReg *events.Registry, cfg config.Decision) (*scheduler.Scheduler, *scheduler.Pool) {
	g := guard.New(store)
	eng := decision.New(cfg, gate, evReg, nil, nil)
	pool := scheduler.NewPool(2, 8)
	exec := skill.NewExecutor(reg)
	return scheduler.New(pool, eng, g, exec, evReg, nil, nil), pool
}

// S1 — Linear chain of three mechanical tasks, per spec.md §8.
func TestS1LinearMechanicalChainCompletes(t *testing.T) {
	reg := skill.NewRegistry(nil)
	if err := reg.Register(skill.Metadata{Name: "echo"}, echoSkill); err != nil {
		t.Fatalf("register skill: %v", err)
	}

	evReg := events.New(nil)
	tracker := newEventTracker(evReg,
		events.TypeDagStarted, events.TypeTaskStarted, events.TypeTaskCompleted, events.TypeDagCompleted)

	sched, pool := newTestScheduler(&fakeGuardStore{}, nil, reg, evReg, config.Default().Decision)
	defer pool.Stop()

	input := map[string]any{"x": float64(1)}
	dag := dagmodel.New(dagmodel.Policy{Mode: dagmodel.PolicyAllSuccess})
	mustAddNode(t, dag, dagmodel.Task{ID: "a", Level: dagmodel.Level{Tier: dagmodel.TierMechanical}, Skill: "echo", Input: input}, nil)
	mustAddNode(t, dag, dagmodel.Task{ID: "b", Level: dagmodel.Level{Tier: dagmodel.TierMechanical}, Skill: "echo", Input: input}, []dagmodel.TaskID{"a"})
	mustAddNode(t, dag, dagmodel.Task{ID: "c", Level: dagmodel.Level{Tier: dagmodel.TierMechanical}, Skill: "echo", Input: input}, []dagmodel.TaskID{"b"})
	if err := dag.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	run := sched.CreateRun(context.Background(), "run-s1", dag)
	if !run.Wait() {
		t.Fatal("expected the run to succeed")
	}

	want := []string{
		"dag_started",
		"task_started:a", "task_completed:a",
		"task_started:b", "task_completed:b",
		"task_started:c", "task_completed:c",
		"dag_completed",
	}
	if got := tracker.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected event order:\n got: %v\nwant: %v", got, want)
	}

	for _, id := range []dagmodel.TaskID{"a", "b", "c"} {
		task, ok := dag.Get(id)
		if !ok {
			t.Fatalf("task %q missing after run", id)
		}
		out, ok := task.Output.(map[string]any)
		if !ok || out["x"] != float64(1) {
			t.Fatalf("task %q: expected echoed output {x:1}, got %#v", id, task.Output)
		}
	}
}

// S2 — Cycle rejected at build, per spec.md §8.
func TestS2CycleRejectedAtBuild(t *testing.T) {
	dag := dagmodel.New(dagmodel.Policy{Mode: dagmodel.PolicyAllSuccess})
	mustAddNode(t, dag, dagmodel.Task{ID: "a"}, []dagmodel.TaskID{"c"})
	mustAddNode(t, dag, dagmodel.Task{ID: "b"}, []dagmodel.TaskID{"a"})
	mustAddNode(t, dag, dagmodel.Task{ID: "c"}, []dagmodel.TaskID{"b"})

	err := dag.Initialize()
	if err == nil {
		t.Fatal("expected a cycle error")
	}
	cycleErr, ok := err.(*dagmodel.CycleError)
	if !ok {
		t.Fatalf("expected *dagmodel.CycleError, got %T (%v)", err, err)
	}
	if len(cycleErr.Path) < 2 || cycleErr.Path[0] != cycleErr.Path[len(cycleErr.Path)-1] {
		t.Fatalf("expected a witness path that closes the cycle, got %v", cycleErr.Path)
	}
}

// S3 — Confirmed tier, user approves, per spec.md §8.
func TestS3ConfirmedApproveCompletesRun(t *testing.T) {
	reg := skill.NewRegistry(nil)
	if err := reg.Register(skill.Metadata{Name: "echo"}, echoSkill); err != nil {
		t.Fatalf("register skill: %v", err)
	}

	evReg := events.New(nil)
	tracker := newEventTracker(evReg,
		events.TypeDecisionPending, events.TypeDecisionResolved,
		events.TypeTaskStarted, events.TypeTaskCompleted, events.TypeDagCompleted)

	gate := newFakeGate()
	cfg := config.Decision{TimeoutConfirmedSecs: 300}
	sched, pool := newTestScheduler(&fakeGuardStore{}, gate, reg, evReg, cfg)
	defer pool.Stop()

	dag := dagmodel.New(dagmodel.Policy{Mode: dagmodel.PolicyAllSuccess})
	mustAddNode(t, dag, dagmodel.Task{ID: "t", Level: dagmodel.Level{Tier: dagmodel.TierConfirmed}, Skill: "echo"}, nil)
	if err := dag.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	run := sched.CreateRun(context.Background(), "run-s3", dag)

	time.Sleep(30 * time.Millisecond)
	gate.confirmCh <- capability.ConfirmApproved

	if !run.Wait() {
		t.Fatal("expected the run to succeed after approval")
	}

	want := []string{"decision_pending:t", "decision_resolved:t", "task_started:t", "task_completed:t", "dag_completed"}
	if got := tracker.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected event order:\n got: %v\nwant: %v", got, want)
	}
}

// S4 — Confirmed tier, timeout, per spec.md §8.
func TestS4ConfirmedTimeoutAbortsRun(t *testing.T) {
	reg := skill.NewRegistry(nil)
	if err := reg.Register(skill.Metadata{Name: "echo"}, echoSkill); err != nil {
		t.Fatalf("register skill: %v", err)
	}

	evReg := events.New(nil)
	tracker := newEventTracker(evReg, events.TypeDecisionPending, events.TypeDagFailed)

	gate := newFakeGate()
	cfg := config.Decision{TimeoutConfirmedSecs: 1}
	sched, pool := newTestScheduler(&fakeGuardStore{}, gate, reg, evReg, cfg)
	defer pool.Stop()

	dag := dagmodel.New(dagmodel.Policy{Mode: dagmodel.PolicyAllSuccess})
	mustAddNode(t, dag, dagmodel.Task{ID: "t", Level: dagmodel.Level{Tier: dagmodel.TierConfirmed, TimeoutSecs: 1}, Skill: "echo"}, nil)
	if err := dag.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	start := time.Now()
	run := sched.CreateRun(context.Background(), "run-s4", dag)
	if run.Wait() {
		t.Fatal("expected the run to fail on confirmation timeout")
	}
	if time.Since(start) < time.Second {
		t.Fatalf("expected the run to honor the configured 1s confirmation timeout")
	}
	if run.Status().Status != scheduler.RunAborted {
		t.Fatalf("expected run status %q, got %q", scheduler.RunAborted, run.Status().Status)
	}

	want := []string{"decision_pending:t", "dag_failed"}
	if got := tracker.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected event order:\n got: %v\nwant: %v", got, want)
	}
}

// fakeGuardStore is a guard.Store double with no entries and no conflicts,
// used by scenarios that don't exercise the Conflict Guard's blocking path.
type fakeGuardStore struct{}

func (*fakeGuardStore) BatchGet(_ context.Context, keys []string) (map[string]memory.Entry, error) {
	return map[string]memory.Entry{}, nil
}
func (*fakeGuardStore) ConflictVersionsFor(string) []memory.ConflictVersion { return nil }
func (*fakeGuardStore) HasUnresolvedConflict(string) bool                  { return false }

// S5 — Concurrent writes resolved by LWW, per spec.md §8. This drives the
// real Memory Store and Replication Coordinator the Conflict Guard and
// Scheduler depend on, over a fake capability.KvStore.
func TestS5ConcurrentWritesResolvedByLWW(t *testing.T) {
	ctx := context.Background()
	store := memory.New("node-a", newFakeKvStore(), nil)

	if _, err := store.Put(ctx, "k", []byte("a"), memory.DomainPublic, memory.CategoryResult); err != nil {
		t.Fatalf("put local: %v", err)
	}

	clockB := vectorclock.New()
	clockB.Increment("node-b")
	_, conflict, err := store.PutWithClock(ctx, "k", []byte("b"), clockB, "node-b", memory.DomainPublic, memory.CategoryResult)
	if err != nil {
		t.Fatalf("put_with_clock remote: %v", err)
	}
	if !conflict {
		t.Fatal("expected the concurrent remote write to be flagged a conflict")
	}
	if !store.HasUnresolvedConflict("k") {
		t.Fatal("expected an unresolved conflict to be queued for k")
	}

	coord := replication.New("node-a", store, fakeTransport{}, events.New(nil), config.Replication{Enabled: true, PerPeerQueueDepth: 4, RetryBackoffMS: 1}, nil)
	defer coord.Stop()
	if err := coord.Resolve(ctx, "k", replication.StrategyLWW, replication.ResolveOptions{}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	entry, ok, err := store.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("get after resolve: ok=%v err=%v", ok, err)
	}
	if string(entry.Value) != "b" {
		t.Fatalf("expected LWW to resolve to %q, got %q", "b", entry.Value)
	}
	if entry.Clock.Get("node-a") != 1 || entry.Clock.Get("node-b") != 1 {
		t.Fatalf("expected merged clock {node-a:1, node-b:1}, got node-a=%d node-b=%d", entry.Clock.Get("node-a"), entry.Clock.Get("node-b"))
	}
	if store.HasUnresolvedConflict("k") {
		t.Fatal("expected the conflict queue to be cleared after resolve")
	}
}

// S6 — Pre-flight conflict blocks task, per spec.md §8. A task declaring a
// conflicted memory key never starts; its Blocking failure skips every
// downstream task under an AllSuccess policy.
func TestS6PreflightConflictBlocksTask(t *testing.T) {
	ctx := context.Background()
	store := memory.New("node-a", newFakeKvStore(), nil)

	if _, err := store.Put(ctx, "x", []byte("a"), memory.DomainPublic, memory.CategoryResult); err != nil {
		t.Fatalf("put local: %v", err)
	}
	clockB := vectorclock.New()
	clockB.Increment("node-b")
	if _, _, err := store.PutWithClock(ctx, "x", []byte("b"), clockB, "node-b", memory.DomainPublic, memory.CategoryResult); err != nil {
		t.Fatalf("put_with_clock remote: %v", err)
	}

	reg := skill.NewRegistry(nil)
	if err := reg.Register(skill.Metadata{Name: "echo"}, echoSkill); err != nil {
		t.Fatalf("register skill: %v", err)
	}

	evReg := events.New(nil)
	tracker := newEventTracker(evReg, events.TypeTaskStarted, events.TypeTaskFailed, events.TypeConflictDetected)

	sched, pool := newTestScheduler(store, nil, reg, evReg, config.Default().Decision)
	defer pool.Stop()

	dag := dagmodel.New(dagmodel.Policy{Mode: dagmodel.PolicyAllSuccess})
	mustAddNode(t, dag, dagmodel.Task{ID: "t", Level: dagmodel.Level{Tier: dagmodel.TierMechanical}, Skill: "echo", MemoryKeys: []string{"x"}}, nil)
	mustAddNode(t, dag, dagmodel.Task{ID: "downstream", Level: dagmodel.Level{Tier: dagmodel.TierMechanical}, Skill: "echo"}, []dagmodel.TaskID{"t"})
	if err := dag.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	run := sched.CreateRun(ctx, "run-s6", dag)
	if run.Wait() {
		t.Fatal("expected the run to fail: task t's declared key is conflicted")
	}

	if tracker.has("task_started:t") {
		t.Fatal("task t must not start while its declared key x is conflicted")
	}
	if !tracker.has("task_failed:t") {
		t.Fatal("expected task t to be failed by the pre-flight conflict check")
	}
	if !tracker.has("conflict_detected:t") {
		t.Fatal("expected a conflict_detected event naming task t")
	}

	downstream, ok := dag.Node("downstream")
	if !ok {
		t.Fatal("downstream node missing after run")
	}
	if downstream.Status != dagmodel.StatusSkipped {
		t.Fatalf("expected downstream task to be skipped under AllSuccess policy, got %v", downstream.Status)
	}
}

// TestPriorityOrdersReadyTasksWithinTick verifies that when several tasks
// are ready in the same tick, the higher-priority one is gated and
// dispatched first regardless of insertion order.
func TestPriorityOrdersReadyTasksWithinTick(t *testing.T) {
	reg := skill.NewRegistry(nil)
	if err := reg.Register(skill.Metadata{Name: "echo"}, echoSkill); err != nil {
		t.Fatalf("register skill: %v", err)
	}

	evReg := events.New(nil)
	tracker := newEventTracker(evReg, events.TypeTaskStarted)

	sched, pool := newTestScheduler(&fakeGuardStore{}, nil, reg, evReg, config.Default().Decision)
	defer pool.Stop()

	dag := dagmodel.New(dagmodel.Policy{Mode: dagmodel.PolicyAllSuccess})
	mustAddNode(t, dag, dagmodel.Task{ID: "low", Priority: dagmodel.PriorityLow, Level: dagmodel.Level{Tier: dagmodel.TierMechanical}, Skill: "echo"}, nil)
	mustAddNode(t, dag, dagmodel.Task{ID: "high", Priority: dagmodel.PriorityCritical, Level: dagmodel.Level{Tier: dagmodel.TierMechanical}, Skill: "echo"}, nil)
	if err := dag.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	run := sched.CreateRun(context.Background(), "run-prio", dag)
	if !run.Wait() {
		t.Fatal("expected the run to succeed")
	}

	got := tracker.snapshot()
	if len(got) != 2 || got[0] != "task_started:high" {
		t.Fatalf("expected the critical-priority task to start first, got %v", got)
	}
}

// TestCancelRunCancelsNonTerminalTasks verifies a user cancellation ends
// the run with RunCancelled and transitions every unfinished task to
// Cancelled.
func TestCancelRunCancelsNonTerminalTasks(t *testing.T) {
	reg := skill.NewRegistry(nil)
	started := make(chan struct{})
	if err := reg.Register(skill.Metadata{Name: "block"}, func(ctx context.Context, _ skill.Request, _ guard.SafeMemoryContext) (skill.Result, error) {
		close(started)
		<-ctx.Done()
		return skill.Result{Success: false, Error: "cancelled", FailureType: dagmodel.FailureNonBlocking}, nil
	}); err != nil {
		t.Fatalf("register skill: %v", err)
	}

	evReg := events.New(nil)
	sched, pool := newTestScheduler(&fakeGuardStore{}, nil, reg, evReg, config.Default().Decision)
	defer pool.Stop()

	dag := dagmodel.New(dagmodel.Policy{Mode: dagmodel.PolicyAllSuccess})
	mustAddNode(t, dag, dagmodel.Task{ID: "t", Level: dagmodel.Level{Tier: dagmodel.TierMechanical}, Skill: "block"}, nil)
	mustAddNode(t, dag, dagmodel.Task{ID: "after", Level: dagmodel.Level{Tier: dagmodel.TierMechanical}, Skill: "block"}, []dagmodel.TaskID{"t"})
	if err := dag.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	run := sched.CreateRun(context.Background(), "run-cancel", dag)
	<-started
	run.Cancel()

	if run.Wait() {
		t.Fatal("expected a cancelled run not to report success")
	}
	if got := run.Status().Status; got != scheduler.RunCancelled {
		t.Fatalf("expected run status %q, got %q", scheduler.RunCancelled, got)
	}
	for _, id := range []dagmodel.TaskID{"t", "after"} {
		node, ok := dag.Node(id)
		if !ok {
			t.Fatalf("node %q missing", id)
		}
		if node.Status != dagmodel.StatusCancelled {
			t.Fatalf("expected task %q cancelled, got %v", id, node.Status)
		}
	}
}

// refusingGate is a capability.UserGate that fails the test if anything
// ever asks it: resumed runs with recorded decisions must not re-ask.
type refusingGate struct {
	t *testing.T
}

func (g *refusingGate) AskConfirm(context.Context, capability.ConfirmRequest) (<-chan capability.ConfirmResponse, error) {
	g.t.Error("gate asked for a confirmation that was already recorded")
	ch := make(chan capability.ConfirmResponse, 1)
	ch <- capability.ConfirmRejected
	return ch, nil
}

func (g *refusingGate) OpenVote(context.Context, capability.VoteRequest) (<-chan capability.VoteResult, error) {
	g.t.Error("gate asked for a vote that was already recorded")
	ch := make(chan capability.VoteResult, 1)
	ch <- capability.VoteRejected
	return ch, nil
}

// TestRunPersistsCheckpointAndDecisionLog verifies the write half of
// recovery: a run with a DagStore leaves behind a terminal checkpoint and
// an event log that records the decision resolution before the task's
// dispatch events.
func TestRunPersistsCheckpointAndDecisionLog(t *testing.T) {
	reg := skill.NewRegistry(nil)
	if err := reg.Register(skill.Metadata{Name: "echo"}, echoSkill); err != nil {
		t.Fatalf("register skill: %v", err)
	}

	ds := newFakeDagStore()
	gate := newFakeGate()
	evReg := events.New(nil)
	g := guard.New(&fakeGuardStore{})
	eng := decision.New(config.Default().Decision, gate, evReg, nil, nil)
	pool := scheduler.NewPool(2, 8)
	defer pool.Stop()
	sched := scheduler.New(pool, eng, g, skill.NewExecutor(reg), evReg, ds, nil)

	dag := dagmodel.New(dagmodel.Policy{Mode: dagmodel.PolicyAllSuccess})
	mustAddNode(t, dag, dagmodel.Task{ID: "t", Level: dagmodel.Level{Tier: dagmodel.TierConfirmed}, Skill: "echo"}, nil)
	if err := dag.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	run := sched.CreateRun(context.Background(), "run-ckpt", dag)
	time.Sleep(30 * time.Millisecond)
	gate.confirmCh <- capability.ConfirmApproved
	if !run.Wait() {
		t.Fatal("expected the run to succeed")
	}

	payload, ok, err := ds.LoadCheckpoint(context.Background(), "run-ckpt")
	if err != nil || !ok {
		t.Fatalf("expected a persisted checkpoint, ok=%v err=%v", ok, err)
	}
	var cp struct {
		Status    string            `json:"status"`
		Statuses  map[string]string `json:"statuses"`
		Decisions map[string]string `json:"decisions"`
	}
	if err := json.Unmarshal(payload, &cp); err != nil {
		t.Fatalf("decode checkpoint: %v", err)
	}
	if cp.Status != string(scheduler.RunCompleted) {
		t.Fatalf("expected completed checkpoint status, got %q", cp.Status)
	}
	if cp.Statuses["t"] != string(dagmodel.StatusCompleted) {
		t.Fatalf("expected task t completed in checkpoint, got %q", cp.Statuses["t"])
	}
	if cp.Decisions["t"] != string(decision.OutcomeAllow) {
		t.Fatalf("expected recorded allow decision for t, got %q", cp.Decisions["t"])
	}

	evts, err := ds.Events(context.Background(), "run-ckpt")
	if err != nil || len(evts) == 0 {
		t.Fatalf("expected a persisted event log, err=%v", err)
	}
	resolvedAt, startedAt := -1, -1
	for i, raw := range evts {
		var ev events.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("decode logged event: %v", err)
		}
		switch {
		case ev.Type == events.TypeDecisionResolved && ev.TaskID == "t" && resolvedAt < 0:
			resolvedAt = i
		case ev.Type == events.TypeTaskStarted && ev.TaskID == "t" && startedAt < 0:
			startedAt = i
		}
	}
	if resolvedAt < 0 || startedAt < 0 || resolvedAt > startedAt {
		t.Fatalf("expected the decision logged before the dispatch, resolved=%d started=%d", resolvedAt, startedAt)
	}
}

// TestResumeRunAppliesRecordedDecisionsWithoutReasking is the read half:
// a checkpoint with a completed task and a settled Confirmed-tier allow
// resumes, runs only the unfinished task, and never touches the gate.
func TestResumeRunAppliesRecordedDecisionsWithoutReasking(t *testing.T) {
	var mu sync.Mutex
	invoked := map[string]int{}
	reg := skill.NewRegistry(nil)
	if err := reg.Register(skill.Metadata{Name: "echo"}, func(_ context.Context, req skill.Request, _ guard.SafeMemoryContext) (skill.Result, error) {
		mu.Lock()
		invoked[req.TaskID]++
		mu.Unlock()
		return skill.Result{Success: true, Output: req.Input}, nil
	}); err != nil {
		t.Fatalf("register skill: %v", err)
	}

	ds := newFakeDagStore()
	ds.checkpoints["run-resume"] = []byte(`{
		"status": "running",
		"statuses": {"a": "completed", "b": "pending"},
		"decisions": {"b": "allow"}
	}`)

	evReg := events.New(nil)
	g := guard.New(&fakeGuardStore{})
	eng := decision.New(config.Default().Decision, &refusingGate{t: t}, evReg, nil, nil)
	pool := scheduler.NewPool(2, 8)
	defer pool.Stop()
	sched := scheduler.New(pool, eng, g, skill.NewExecutor(reg), evReg, ds, nil)

	dag := dagmodel.New(dagmodel.Policy{Mode: dagmodel.PolicyAllSuccess})
	mustAddNode(t, dag, dagmodel.Task{ID: "a", Level: dagmodel.Level{Tier: dagmodel.TierMechanical}, Skill: "echo"}, nil)
	mustAddNode(t, dag, dagmodel.Task{ID: "b", Level: dagmodel.Level{Tier: dagmodel.TierConfirmed}, Skill: "echo"}, []dagmodel.TaskID{"a"})
	if err := dag.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	run, err := sched.ResumeRun(context.Background(), "run-resume", dag)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !run.Wait() {
		t.Fatal("expected the resumed run to succeed")
	}

	mu.Lock()
	defer mu.Unlock()
	if invoked["a"] != 0 {
		t.Fatalf("completed task a must not rerun, invoked %d times", invoked["a"])
	}
	if invoked["b"] != 1 {
		t.Fatalf("expected task b to run exactly once, invoked %d times", invoked["b"])
	}
}

// TestResumeRunRejectsFinishedRun verifies a run whose checkpoint already
// reached a terminal status cannot be resumed again.
func TestResumeRunRejectsFinishedRun(t *testing.T) {
	ds := newFakeDagStore()
	ds.checkpoints["run-done"] = []byte(`{"status": "completed", "statuses": {"a": "completed"}}`)

	reg := skill.NewRegistry(nil)
	evReg := events.New(nil)
	pool := scheduler.NewPool(1, 1)
	defer pool.Stop()
	sched := scheduler.New(pool, decision.New(config.Default().Decision, nil, evReg, nil, nil), guard.New(&fakeGuardStore{}), skill.NewExecutor(reg), evReg, ds, nil)

	dag := dagmodel.New(dagmodel.Policy{Mode: dagmodel.PolicyAllSuccess})
	mustAddNode(t, dag, dagmodel.Task{ID: "a", Level: dagmodel.Level{Tier: dagmodel.TierMechanical}}, nil)
	if err := dag.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if _, err := sched.ResumeRun(context.Background(), "run-done", dag); err == nil {
		t.Fatal("expected resume of a finished run to be rejected")
	}
	if _, err := sched.ResumeRun(context.Background(), "run-unknown", dag); err == nil {
		t.Fatal("expected resume without a checkpoint to be rejected")
	}
}

// TestAIMergeResolvesConflictWhenProviderAttached exercises the AIMerge
// conflict-resolution strategy against a fake capability.AiProvider,
// supplementing S5 with the synthesize-from-both-sides path spec.md §9
// leaves for the attached provider to define.
func TestAIMergeResolvesConflictWhenProviderAttached(t *testing.T) {
	ctx := context.Background()
	store := memory.New("node-a", newFakeKvStore(), nil)

	if _, err := store.Put(ctx, "k", []byte("a"), memory.DomainPublic, memory.CategoryResult); err != nil {
		t.Fatalf("put local: %v", err)
	}
	clockB := vectorclock.New()
	clockB.Increment("node-b")
	if _, _, err := store.PutWithClock(ctx, "k", []byte("b"), clockB, "node-b", memory.DomainPublic, memory.CategoryResult); err != nil {
		t.Fatalf("put_with_clock remote: %v", err)
	}

	coord := replication.New("node-a", store, fakeTransport{}, events.New(nil), config.Replication{Enabled: true, PerPeerQueueDepth: 4, RetryBackoffMS: 1}, nil)
	defer coord.Stop()
	coord.WithAIMerger(&fakeAiProvider{response: "merged(a,b)"})

	if err := coord.Resolve(ctx, "k", replication.StrategyAIMerge, replication.ResolveOptions{}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	entry, ok, err := store.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("get after resolve: ok=%v err=%v", ok, err)
	}
	if string(entry.Value) != "merged(a,b)" {
		t.Fatalf("expected the attached AiProvider's merged value, got %q", entry.Value)
	}
}
