package decision

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/cis-core/internal/capability"
	"github.com/swarmguard/cis-core/internal/dagmodel"
	"github.com/swarmguard/cis-core/internal/events"
)

// tickInterval is how often a running countdown emits a DecisionPending
// tick via the Event Registry. There is no TTY to draw a progress bar
// against in a service context, so a periodic event is the countdown's
// only visible effect (original_source's decision/countdown.rs draws one
// to a terminal; this module publishes ticks instead).
const tickInterval = time.Second

// beginCountdown implements the Recommended tier: a cancellable window
// during which the user may override the task's default action, honored
// immediately if it arrives; otherwise, at expiry, Level.DefaultAction
// applies. With a nil gate (no interactive front end attached) no override
// can arrive, so the countdown runs its full window and then applies the
// default action.
func (e *Engine) beginCountdown(ctx context.Context, req Request, timeout time.Duration) (*Handle, error) {
	e.emitPending(req, "recommended")

	var respCh <-chan capability.ConfirmResponse
	if e.gate != nil {
		ch, err := e.gate.AskConfirm(ctx, capability.ConfirmRequest{ID: uuid.NewString(), TaskID: req.TaskID, RunID: req.RunID})
		if err != nil {
			return nil, err
		}
		respCh = ch
	}

	resolve := func() (Outcome, string) {
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()

		elapsed := time.Duration(0)
		for {
			select {
			case resp, ok := <-respCh:
				if !ok {
					return e.applyDefault(req, "confirmation channel closed")
				}
				switch resp {
				case capability.ConfirmApproved:
					e.emitResolved(req, "approve")
					return OutcomeAllow, "user overrode countdown with approve"
				case capability.ConfirmRejected:
					e.emitResolved(req, "reject")
					return OutcomeSkip, "user overrode countdown with skip"
				}
			case <-ticker.C:
				elapsed += tickInterval
				e.emitTick(req, timeout-elapsed)
			case <-deadline.C:
				return e.applyDefault(req, "countdown expired")
			case <-ctx.Done():
				return OutcomeAbort, "context cancelled during countdown"
			}
		}
	}

	return &Handle{RunID: req.RunID, TaskID: req.TaskID, resolve: resolve}, nil
}

// emitTick publishes a DecisionPending tick carrying the remaining
// countdown window, so a front end can render a live countdown without the
// engine needing to know anything about terminals.
func (e *Engine) emitTick(req Request, remaining time.Duration) {
	if e.events == nil {
		return
	}
	e.events.Emit(events.Event{
		Type:   events.TypeDecisionPending,
		RunID:  req.RunID,
		TaskID: req.TaskID,
		Detail: map[string]any{"tier": "recommended", "remaining_secs": remaining.Seconds()},
	})
}

// applyDefault maps Level.DefaultAction to its terminal Outcome once the
// countdown expires without a user override.
func (e *Engine) applyDefault(req Request, reason string) (Outcome, string) {
	switch req.Level.DefaultAction {
	case dagmodel.ActionSkip:
		e.emitResolved(req, "default_skip")
		return OutcomeSkip, reason
	case dagmodel.ActionAbort:
		e.emitResolved(req, "default_abort")
		return OutcomeAbort, reason
	default:
		e.emitResolved(req, "default_execute")
		return OutcomeAllow, reason
	}
}
