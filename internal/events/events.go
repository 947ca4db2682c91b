// Package events implements the Event Registry: component H. It fans out
// lifecycle events synchronously to registered handlers; a handler panic
// or error never fails the emit, and unregistering is as simple as
// dropping the returned Subscription. Modeled on the OTel-instrumented,
// read-mostly registries used across services/orchestrator, generalized
// from metric counters to a typed pub/sub bus.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names every event the core can emit.
type Type string

const (
	TypeDagBuilt         Type = "dag_built"
	TypeDagStarted       Type = "dag_started"
	TypeDagCompleted     Type = "dag_completed"
	TypeDagFailed        Type = "dag_failed"
	TypeTaskStarted      Type = "task_started"
	TypeTaskCompleted    Type = "task_completed"
	TypeTaskFailed       Type = "task_failed"
	TypeConflictDetected Type = "conflict_detected"
	TypeDecisionPending  Type = "decision_pending"
	TypeDecisionResolved Type = "decision_resolved"
	TypePeerDegraded     Type = "peer_degraded"
)

// Event is one lifecycle notification. Detail carries type-specific,
// machine-readable payload (task IDs, durations, error causes).
type Event struct {
	ID        string
	Type      Type
	RunID     string
	TaskID    string
	At        time.Time
	Detail    map[string]any
}

// Handler processes one event. A handler that panics is recovered and
// logged; it never propagates into the emitting caller.
type Handler func(Event)

// Subscription represents one registered handler; dropping it (calling
// Unsubscribe) detaches the handler from future emits.
type Subscription struct {
	id       string
	topic    Type
	registry *Registry
}

// Unsubscribe detaches the handler this Subscription was returned for.
func (s *Subscription) Unsubscribe() {
	s.registry.unregister(s.topic, s.id)
}

// Registry is the Event Registry: component H.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Type]map[string]Handler
	log      *slog.Logger
}

// New constructs an empty Registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{handlers: make(map[Type]map[string]Handler), log: log}
}

// Register attaches handler to every future Emit of the given event type.
func (r *Registry) Register(t Type, handler Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers[t] == nil {
		r.handlers[t] = make(map[string]Handler)
	}
	id := uuid.NewString()
	r.handlers[t][id] = handler
	return &Subscription{id: id, topic: t, registry: r}
}

func (r *Registry) unregister(t Type, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers[t], id)
}

// Emit fans out ev to every handler registered for ev.Type, synchronously.
// Handler invocation order is not guaranteed, but every handler runs
// exactly once per Emit. A handler panic is recovered and logged; it never
// fails the emit for other handlers or the caller.
func (r *Registry) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.handlers[ev.Type]))
	for _, h := range r.handlers[ev.Type] {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		r.safeInvoke(h, ev)
	}
}

func (r *Registry) safeInvoke(h Handler, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("event handler panicked", "event_type", ev.Type, "recover", rec)
		}
	}()
	h(ev)
}
