// Package decision implements the Decision Engine: component E. For every
// ready task the scheduler calls Engine.Process, which gates execution
// behind one of four tiers (Mechanical, Recommended, Confirmed, Arbitrated)
// per spec.md §4.E, returning Allow, Skip, Abort, or a Pending handle the
// caller waits on. Grounded in the worker-dispatch shape of
// services/orchestrator/dag_engine.go, generalized from "always allow" to
// the full human-in-the-loop gate, with the waiter bookkeeping
// (confirmation.go, arbitration.go, countdown.go) supplemented from
// original_source's decision/{confirmation,arbitration,countdown}.rs.
package decision

import (
	"time"

	"github.com/swarmguard/cis-core/internal/dagmodel"
)

// Outcome is process_decision's result per spec.md §4.E.
type Outcome string

const (
	OutcomeAllow   Outcome = "allow"
	OutcomeSkip    Outcome = "skip"
	OutcomeAbort   Outcome = "abort"
	OutcomePending Outcome = "pending"
)

// Result is what Engine.Process returns. When Outcome is OutcomePending the
// caller must not proceed until Wait() resolves; Handle is always non-nil
// in that case.
type Result struct {
	Outcome Outcome
	Handle  *Handle
	Reason  string
}

// Handle is a caller-visible future over a suspended Confirmed/Arbitrated
// decision. Wait blocks until the gate resolves or ctx is cancelled.
type Handle struct {
	RunID   string
	TaskID  string
	resolve func() (Outcome, string)
}

// Wait blocks until the underlying waiter settles and returns the final
// Allow/Skip/Abort outcome. It never itself returns OutcomePending.
func (h *Handle) Wait() (Outcome, string) {
	return h.resolve()
}

// Request bundles what the engine needs to gate one task.
type Request struct {
	RunID  string
	TaskID string
	Level  dagmodel.Level
}

// clamp01 keeps a threshold/probability in [0,1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// durationOrDefault returns secs as a time.Duration, falling back to def
// when secs is zero (task-level override absent).
func durationOrDefault(secs uint32, def time.Duration) time.Duration {
	if secs == 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}
