package skill

import (
	"fmt"
	"sync"

	"github.com/swarmguard/cis-core/internal/cerr"
)

type registration struct {
	meta Metadata
	fn   Fn
}

// Registry is the skill table consulted by name, per spec.md §4.F: "a
// Skill Registry... consulted by name". Registration validates metadata
// once, up front, rather than on every dispatch.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]registration
	lc     *LifecycleStore // optional; nil disables persistence
}

// NewRegistry constructs an empty skill registry. lc may be nil to skip
// lifecycle persistence (tests, or a deployment that doesn't need restart
// continuity).
func NewRegistry(lc *LifecycleStore) *Registry {
	return &Registry{skills: make(map[string]registration), lc: lc}
}

// Register validates and adds a skill. Re-registering the same name
// replaces the handler; a skill whose persisted lifecycle state already
// advanced past Installed (a restart re-registering the same set) keeps
// that state rather than failing the registration.
func (r *Registry) Register(meta Metadata, fn Fn) error {
	if meta.Name == "" {
		return cerr.New(cerr.KindValidation, "skill metadata missing name")
	}
	if fn == nil {
		return cerr.New(cerr.KindValidation, "skill %q registered with nil handler", meta.Name)
	}

	r.mu.Lock()
	r.skills[meta.Name] = registration{meta: meta, fn: fn}
	r.mu.Unlock()

	if r.lc != nil {
		state, err := r.lc.State(meta.Name)
		if err != nil {
			return fmt.Errorf("skill %q lifecycle: %w", meta.Name, err)
		}
		if state == StateInstalled {
			if err := r.lc.Transition(meta.Name, StateInstalled, StateRegistered); err != nil {
				return fmt.Errorf("skill %q lifecycle: %w", meta.Name, err)
			}
		}
	}
	return nil
}

// Get looks up a registered skill by name.
func (r *Registry) Get(name string) (Metadata, Fn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.skills[name]
	if !ok {
		return Metadata{}, nil, false
	}
	return reg.meta, reg.fn, true
}

// Names lists every registered skill name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.skills))
	for n := range r.skills {
		names = append(names, n)
	}
	return names
}

// Activate marks a loaded skill Active, making it eligible for dispatch
// bookkeeping in the lifecycle store; the in-memory table already serves
// dispatches regardless, since spec.md only requires validation at
// registration.
func (r *Registry) Activate(name string) error {
	if r.lc == nil {
		return nil
	}
	state, err := r.lc.State(name)
	if err != nil {
		return err
	}
	if state == StateRegistered {
		if err := r.lc.Transition(name, StateRegistered, StateLoaded); err != nil {
			return err
		}
		state = StateLoaded
	}
	if state == StateLoaded {
		return r.lc.Transition(name, StateLoaded, StateActive)
	}
	return nil
}

// Unregister removes a skill and records its lifecycle wind-down.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	delete(r.skills, name)
	r.mu.Unlock()

	if r.lc == nil {
		return nil
	}
	if err := r.lc.Transition(name, StateActive, StateUnloading); err != nil {
		return err
	}
	if err := r.lc.Transition(name, StateUnloading, StateUnloaded); err != nil {
		return err
	}
	return r.lc.Transition(name, StateUnloaded, StateRemoved)
}
