package decision

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/cis-core/internal/capability"
)

// beginConfirmation registers a ConfirmationRequest with gate and returns a
// Handle whose Wait blocks until the user responds or timeout elapses.
// Per spec.md §4.E, a Confirmed-tier timeout resolves to Abort.
func (e *Engine) beginConfirmation(ctx context.Context, req Request, timeout time.Duration) (*Handle, error) {
	confirmReq := capability.ConfirmRequest{
		ID:     uuid.NewString(),
		TaskID: req.TaskID,
		RunID:  req.RunID,
	}
	respCh, err := e.gate.AskConfirm(ctx, confirmReq)
	if err != nil {
		return nil, err
	}

	e.emitPending(req, "confirmed")

	resolve := func() (Outcome, string) {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case resp, ok := <-respCh:
			if !ok {
				return OutcomeAbort, "confirmation channel closed"
			}
			switch resp {
			case capability.ConfirmApproved:
				e.emitResolved(req, "approve")
				return OutcomeAllow, "confirmed by user"
			case capability.ConfirmRejected:
				e.emitResolved(req, "reject")
				return OutcomeAbort, "rejected by user"
			default:
				e.emitResolved(req, "timeout")
				return OutcomeAbort, "confirmation timed out"
			}
		case <-timer.C:
			e.emitResolved(req, "timeout")
			return OutcomeAbort, "confirmation timed out"
		case <-ctx.Done():
			return OutcomeAbort, "context cancelled while awaiting confirmation"
		}
	}

	return &Handle{RunID: req.RunID, TaskID: req.TaskID, resolve: resolve}, nil
}
