// Package vectorclock implements causality tracking across nodes: a per-node
// counter vector, the partial order it induces, and deterministic
// serialization for wire transfer and persistence.
package vectorclock

import (
	"fmt"
	"sort"
	"sync"
)

// Relation classifies how two vector clocks relate in the partial order.
type Relation int

const (
	Equal Relation = iota
	Before
	After
	Concurrent
)

func (r Relation) String() string {
	switch r {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Clock is a mapping from NodeId to a monotone counter. Build one with New
// or FromMap: the zero value reads as empty, but Increment and MergeInto
// panic on it because its map is nil. A Clock is not safe for concurrent use without external
// synchronization; callers that need sharing should use Clock.Copy to hand
// out independent snapshots.
type Clock struct {
	mu     sync.RWMutex
	counts map[string]uint64
}

// New returns an empty clock.
func New() *Clock {
	return &Clock{counts: make(map[string]uint64)}
}

// FromMap builds a clock from a plain map, copying it so the caller's map
// remains independently mutable.
func FromMap(m map[string]uint64) *Clock {
	c := New()
	for k, v := range m {
		c.counts[k] = v
	}
	return c
}

// Increment bumps the counter for node by one. Per spec, increment applies
// only to the local node id; callers are responsible for only incrementing
// their own node.
func (c *Clock) Increment(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[node]++
}

// Get returns the counter for node, or 0 if absent.
func (c *Clock) Get(node string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counts[node]
}

// Copy returns an independent deep copy.
func (c *Clock) Copy() *Clock {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := New()
	for k, v := range c.counts {
		cp.counts[k] = v
	}
	return cp
}

// Merge returns a new clock that is the componentwise max of c and other.
// Merge is commutative, associative, and idempotent by construction: it
// never depends on argument order or prior merge history, only on the
// current snapshot of each side.
func (c *Clock) Merge(other *Clock) *Clock {
	c.mu.RLock()
	other.mu.RLock()
	defer c.mu.RUnlock()
	defer other.mu.RUnlock()

	merged := make(map[string]uint64, len(c.counts)+len(other.counts))
	for k, v := range c.counts {
		merged[k] = v
	}
	for k, v := range other.counts {
		if cur, ok := merged[k]; !ok || v > cur {
			merged[k] = v
		}
	}
	return &Clock{counts: merged}
}

// MergeInto merges other into c in place, bumping c's own entries to the max.
func (c *Clock) MergeInto(other *Clock) {
	other.mu.RLock()
	snapshot := make(map[string]uint64, len(other.counts))
	for k, v := range other.counts {
		snapshot[k] = v
	}
	other.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range snapshot {
		if cur, ok := c.counts[k]; !ok || v > cur {
			c.counts[k] = v
		}
	}
}

// Compare classifies the relation of c to other.
//
// Equal iff for every key, c[k] == other[k] (missing treated as 0).
// Before iff for every key c[k] <= other[k] and at least one is strictly
// less. After is the symmetric case. Anything else is Concurrent.
func (c *Clock) Compare(other *Clock) Relation {
	c.mu.RLock()
	other.mu.RLock()
	defer c.mu.RUnlock()
	defer other.mu.RUnlock()

	keys := make(map[string]struct{}, len(c.counts)+len(other.counts))
	for k := range c.counts {
		keys[k] = struct{}{}
	}
	for k := range other.counts {
		keys[k] = struct{}{}
	}

	lessSomewhere := false
	greaterSomewhere := false
	for k := range keys {
		a := c.counts[k]
		b := other.counts[k]
		switch {
		case a < b:
			lessSomewhere = true
		case a > b:
			greaterSomewhere = true
		}
	}

	switch {
	case !lessSomewhere && !greaterSomewhere:
		return Equal
	case lessSomewhere && !greaterSomewhere:
		return Before
	case greaterSomewhere && !lessSomewhere:
		return After
	default:
		return Concurrent
	}
}

// HappensBefore is a convenience wrapper around Compare.
func (c *Clock) HappensBefore(other *Clock) bool {
	return c.Compare(other) == Before
}

// ConcurrentWith reports whether c and other are causally concurrent.
func (c *Clock) ConcurrentWith(other *Clock) bool {
	return c.Compare(other) == Concurrent
}

// Entry is one (node, counter) pair in a deterministic serialization.
type Entry struct {
	Node    string `json:"node"`
	Counter uint64 `json:"counter"`
}

// Serialize renders the clock as an ordered list of (node, counter) pairs,
// sorted lexically by node for deterministic output across processes.
func (c *Clock) Serialize() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]Entry, 0, len(c.counts))
	for k, v := range c.counts {
		entries = append(entries, Entry{Node: k, Counter: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Node < entries[j].Node })
	return entries
}

// Deserialize reconstructs a clock from entries produced by Serialize. A
// malformed entry (duplicate node) is a structural error; it never panics.
func Deserialize(entries []Entry) (*Clock, error) {
	c := New()
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, dup := seen[e.Node]; dup {
			return nil, fmt.Errorf("vectorclock: duplicate node %q in serialized clock", e.Node)
		}
		seen[e.Node] = struct{}{}
		c.counts[e.Node] = e.Counter
	}
	return c, nil
}

// Map returns a defensive copy of the clock's underlying counters.
func (c *Clock) Map() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := make(map[string]uint64, len(c.counts))
	for k, v := range c.counts {
		m[k] = v
	}
	return m
}

// IsZero reports whether the clock has no entries.
func (c *Clock) IsZero() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.counts) == 0
}
