package decision

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/cis-core/internal/capability"
)

// beginArbitration opens a vote among the task's declared stakeholders.
// Tally is decided by the gate implementation (simple majority by
// default); threshold is advisory metadata passed through for the gate to
// apply. Per spec.md §4.E: Approved → Allow, Rejected → Abort,
// Timeout (default 1h) → Abort.
func (e *Engine) beginArbitration(ctx context.Context, req Request, timeout time.Duration, threshold float64) (*Handle, error) {
	voteReq := capability.VoteRequest{
		ID:           uuid.NewString(),
		TaskID:       req.TaskID,
		RunID:        req.RunID,
		Stakeholders: req.Level.Stakeholders,
		Threshold:    clamp01(threshold),
	}
	resultCh, err := e.gate.OpenVote(ctx, voteReq)
	if err != nil {
		return nil, err
	}

	e.emitPending(req, "arbitrated")

	resolve := func() (Outcome, string) {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case res, ok := <-resultCh:
			if !ok {
				return OutcomeAbort, "vote channel closed"
			}
			switch res {
			case capability.VoteApproved:
				e.emitResolved(req, "approve")
				return OutcomeAllow, "quorum approved"
			case capability.VoteRejected:
				e.emitResolved(req, "reject")
				return OutcomeAbort, "quorum rejected"
			default:
				e.emitResolved(req, "timeout")
				return OutcomeAbort, "vote timed out"
			}
		case <-timer.C:
			e.emitResolved(req, "timeout")
			return OutcomeAbort, "vote timed out"
		case <-ctx.Done():
			return OutcomeAbort, "context cancelled while awaiting vote"
		}
	}

	return &Handle{RunID: req.RunID, TaskID: req.TaskID, resolve: resolve}, nil
}
