package skill

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/swarmguard/cis-core/internal/capability"
	"github.com/swarmguard/cis-core/internal/cerr"
)

// LifecycleState is one stage of a skill's registration lifecycle, per
// original_source's skill/registry.rs, supplemented into this module since
// spec.md §4.F only requires "registered at startup... validated at
// registration".
type LifecycleState string

const (
	StateInstalled  LifecycleState = "installed"
	StateRegistered LifecycleState = "registered"
	StateLoaded     LifecycleState = "loaded"
	StateActive     LifecycleState = "active"
	StateUnloading  LifecycleState = "unloading"
	StateUnloaded   LifecycleState = "unloaded"
	StateRemoved    LifecycleState = "removed"
)

// validNext mirrors the original's forward-only lifecycle graph.
var validNext = map[LifecycleState]LifecycleState{
	StateInstalled:  StateRegistered,
	StateRegistered: StateLoaded,
	StateLoaded:     StateActive,
	StateActive:     StateUnloading,
	StateUnloading:  StateUnloaded,
	StateUnloaded:   StateRemoved,
}

const lifecycleKeyPrefix = "skill/lifecycle/"

// LifecycleStore persists each skill's current lifecycle state across
// restarts via the same capability.KvStore the rest of the core uses,
// rather than original_source's bespoke JSON file.
type LifecycleStore struct {
	kv capability.KvStore
}

// NewLifecycleStore wraps a KvStore for skill lifecycle persistence.
func NewLifecycleStore(kv capability.KvStore) *LifecycleStore {
	return &LifecycleStore{kv: kv}
}

type lifecycleRecord struct {
	State LifecycleState `json:"state"`
}

// Transition persists name's move from `from` to `to`, validating it
// against the forward-only lifecycle graph. A fresh skill with no prior
// record is treated as Installed.
func (l *LifecycleStore) Transition(name string, from, to LifecycleState) error {
	ctx := context.Background()
	key := lifecycleKeyPrefix + name

	current := StateInstalled
	if kvEntry, ok, err := l.kv.Get(ctx, key); err == nil && ok {
		var rec lifecycleRecord
		if err := json.Unmarshal(kvEntry.Value, &rec); err == nil {
			current = rec.State
		}
	}

	if current != from {
		return cerr.New(cerr.KindValidation, "skill %q lifecycle: expected state %q, found %q", name, from, current)
	}
	if validNext[from] != to {
		return cerr.New(cerr.KindValidation, "skill %q lifecycle: invalid transition %s -> %s", name, from, to)
	}

	data, err := json.Marshal(lifecycleRecord{State: to})
	if err != nil {
		return fmt.Errorf("marshal lifecycle record: %w", err)
	}
	if err := l.kv.Put(ctx, key, data); err != nil {
		return cerr.Wrap(cerr.KindStorage, err, "persist skill lifecycle for %q", name)
	}
	return nil
}

// State returns a skill's last-persisted lifecycle state.
func (l *LifecycleStore) State(name string) (LifecycleState, error) {
	ctx := context.Background()
	kvEntry, ok, err := l.kv.Get(ctx, lifecycleKeyPrefix+name)
	if err != nil {
		return "", cerr.Wrap(cerr.KindStorage, err, "read skill lifecycle for %q", name)
	}
	if !ok {
		return StateInstalled, nil
	}
	var rec lifecycleRecord
	if err := json.Unmarshal(kvEntry.Value, &rec); err != nil {
		return "", cerr.Wrap(cerr.KindStorage, err, "decode skill lifecycle for %q", name)
	}
	return rec.State, nil
}
