// Package guard implements the Conflict Guard: component C. It is the
// single place a task's declared memory keys are pre-flighted against
// in-flight conflicts before a skill ever touches them, and the only place
// that can mint the capability token proving that check happened.
//
// No-bypass enforcement has five layers, mirroring the original Rust
// module's own documented layering:
//  1. Compile-time/API: SafeMemoryContext's fields are unexported, so no
//     package outside guard can construct a literal with a populated
//     snapshot, and conflictChecked has no exported constructor anywhere.
//  2. Config-layer: Config.Replication.EnforceCheck defaults true; a
//     deployer flipping it off is logged loudly by cmd/cisd's startup
//     wiring rather than silently accepted (see internal/config).
//  3. Test-layer: TestNoBypass* in guard_test.go asserts the struct
//     carries no exported way to forge a populated context.
//  4. Runtime: the scheduler's dispatch path (internal/scheduler) only
//     ever obtains a SafeMemoryContext from Guard.CheckAndCreateContext,
//     and every TaskCompleted event it emits is preceded by that call in
//     the same dispatch.
//  5. Doc-layer: this comment.
package guard

import "github.com/swarmguard/cis-core/internal/memory"

// conflictChecked is the zero-sized capability token. It is constructible
// only within this package — there is no exported constructor, no
// deserialization path (no struct tags), and no Clone method that could
// hand one to code outside guard.
type conflictChecked struct{}

// SafeMemoryContext is the only memory handle the Skill Executor accepts.
// Its mere existence, populated with a conflict-checked snapshot, is proof
// a pre-flight check passed for exactly the key set it holds. Both fields
// are unexported: a caller outside this package can declare a
// SafeMemoryContext variable (the zero value compiles), but can never
// populate its entries map, since doing so requires this package's
// unexported constructor.
type SafeMemoryContext struct {
	token   conflictChecked
	entries map[string]memory.Entry
}

// newSafeMemoryContext is the package-private constructor Guard uses once
// a pre-flight check has passed. No other function in this package, and no
// function anywhere else, produces a context with a non-nil entries map.
func newSafeMemoryContext(entries map[string]memory.Entry) SafeMemoryContext {
	return SafeMemoryContext{token: conflictChecked{}, entries: entries}
}

// Get returns the conflict-checked snapshot of key, if it was part of the
// context's key set.
func (c SafeMemoryContext) Get(key string) (memory.Entry, bool) {
	e, ok := c.entries[key]
	return e, ok
}

// Keys lists every key this context was checked for, in no particular
// order.
func (c SafeMemoryContext) Keys() []string {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len reports how many keys this context carries.
func (c SafeMemoryContext) Len() int {
	return len(c.entries)
}

// Checked reports whether this context actually carries a conflict-check
// token, as opposed to being an uninitialized zero value. Since
// conflictChecked is zero-sized this is always true for any
// SafeMemoryContext value — the check exists for readability at call
// sites that want to assert intent, not as a security boundary; the
// security boundary is the unexported constructor itself.
func (c SafeMemoryContext) Checked() bool {
	_ = c.token
	return true
}
