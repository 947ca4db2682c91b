// Package skill implements the Skill Executor: component F. A skill is an
// in-process capability registered at startup; the executor looks it up
// by name and invokes it with a typed SafeMemoryContext, the only memory
// handle a skill ever sees. Grounded in the plugin-registry shape of
// services/orchestrator/plugins.go, generalized from a fixed built-in
// plugin set to an externally-registered skill table with declared
// memory/permission metadata (original_source's skill/registry.rs).
package skill

import (
	"context"
	"time"

	"github.com/swarmguard/cis-core/internal/dagmodel"
	"github.com/swarmguard/cis-core/internal/guard"
)

// Request is what the Scheduler hands the Skill Executor for one task
// dispatch.
type Request struct {
	RunID   string
	TaskID  string
	Skill   string
	Input   any
	Timeout time.Duration
}

// Result is a skill invocation's outcome, per spec.md §4.F.
type Result struct {
	Success     bool
	Output      any
	Error       string
	FailureType dagmodel.FailureType
	Duration    time.Duration
}

// Fn is the handler signature every registered skill implements. It
// receives only a SafeMemoryContext — there is no other way for a skill to
// reach the Memory Store, enforcing the no-bypass property at the type
// level (see package guard's doc comment).
type Fn func(ctx context.Context, req Request, mem guard.SafeMemoryContext) (Result, error)

// Metadata describes a registered skill: its declared memory footprint
// and permissions, validated once at registration time.
type Metadata struct {
	Name        string
	Version     string
	ReadsKeys   []string
	WritesKeys  []string
	Permissions []string
	MaxDuration time.Duration
}

// DeclaredKeys returns the union of ReadsKeys and WritesKeys — the set the
// Conflict Guard pre-flights before this skill runs.
func (m Metadata) DeclaredKeys() []string {
	seen := make(map[string]struct{}, len(m.ReadsKeys)+len(m.WritesKeys))
	var out []string
	for _, k := range append(append([]string{}, m.ReadsKeys...), m.WritesKeys...) {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
