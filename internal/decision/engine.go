package decision

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/cis-core/internal/capability"
	"github.com/swarmguard/cis-core/internal/cerr"
	"github.com/swarmguard/cis-core/internal/config"
	"github.com/swarmguard/cis-core/internal/dagmodel"
	"github.com/swarmguard/cis-core/internal/events"
)

// Engine is the Decision Engine: component E.
type Engine struct {
	cfg    config.Decision
	gate   capability.UserGate
	events *events.Registry
	policy PolicyEvaluator // optional, nil disables
	log    *slog.Logger
	tracer trace.Tracer
}

// New constructs an Engine. gate may be nil if no tier above Mechanical is
// ever used (Process returns an error should a Confirmed/Arbitrated task
// reach a nil gate). policy may be nil to skip the optional Rego hook.
func New(cfg config.Decision, gate capability.UserGate, reg *events.Registry, policy PolicyEvaluator, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cfg: cfg, gate: gate, events: reg, policy: policy, log: log, tracer: otel.Tracer("cis-core-decision")}
}

// Process implements spec.md §4.E's process_decision for one ready task.
// Mechanical resolves immediately; the other three tiers return
// OutcomePending with a Handle the caller waits on (possibly on another
// goroutine, so the run's actor loop is never blocked by a single task's
// gate).
func (e *Engine) Process(ctx context.Context, req Request) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "decision.process", trace.WithAttributes(
		attribute.String("run_id", req.RunID),
		attribute.String("task_id", req.TaskID),
		attribute.String("tier", string(req.Level.Tier)),
	))
	defer span.End()

	switch req.Level.Tier {
	case dagmodel.TierMechanical, "":
		return Result{Outcome: OutcomeAllow}, nil

	case dagmodel.TierRecommended:
		action := req.Level.DefaultAction
		if e.policy != nil {
			if pa, ok := e.policy.DefaultAction(ctx, req); ok {
				action = pa
			}
		}
		req.Level.DefaultAction = action
		timeout := durationOrDefault(req.Level.TimeoutSecs, e.configuredTimeout(e.cfg.TimeoutRecommendedSecs, 30*time.Second))
		handle, err := e.beginCountdown(ctx, req, timeout)
		if err != nil {
			return Result{}, cerr.Wrap(cerr.KindDecision, err, "recommended tier for task %q", req.TaskID)
		}
		return Result{Outcome: OutcomePending, Handle: handle}, nil

	case dagmodel.TierConfirmed:
		if e.gate == nil {
			return Result{}, cerr.New(cerr.KindDecision, "confirmed tier for task %q requires a UserGate", req.TaskID)
		}
		timeout := durationOrDefault(req.Level.TimeoutSecs, e.configuredTimeout(e.cfg.TimeoutConfirmedSecs, 5*time.Minute))
		handle, err := e.beginConfirmation(ctx, req, timeout)
		if err != nil {
			return Result{}, cerr.Wrap(cerr.KindDecision, err, "confirmed tier for task %q", req.TaskID)
		}
		return Result{Outcome: OutcomePending, Handle: handle}, nil

	case dagmodel.TierArbitrated:
		if e.gate == nil {
			return Result{}, cerr.New(cerr.KindDecision, "arbitrated tier for task %q requires a UserGate", req.TaskID)
		}
		threshold := req.Level.Threshold
		if threshold == 0 {
			threshold = e.cfg.ArbitrationThreshold
		}
		if e.policy != nil {
			if pt, ok := e.policy.ArbitrationThreshold(ctx, req); ok {
				threshold = pt
			}
		}
		timeout := durationOrDefault(req.Level.TimeoutSecs, e.configuredTimeout(e.cfg.TimeoutArbitratedSecs, time.Hour))
		handle, err := e.beginArbitration(ctx, req, timeout, threshold)
		if err != nil {
			return Result{}, cerr.Wrap(cerr.KindDecision, err, "arbitrated tier for task %q", req.TaskID)
		}
		return Result{Outcome: OutcomePending, Handle: handle}, nil

	default:
		return Result{}, cerr.New(cerr.KindValidation, "unknown decision tier %q for task %q", req.Level.Tier, req.TaskID)
	}
}

// configuredTimeout resolves a tier's configured timeout, falling back to
// the tier's built-in default when the configuration left it unset.
func (e *Engine) configuredTimeout(secs uint16, def time.Duration) time.Duration {
	if secs == 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

func pendingEvent(req Request, tier string) events.Event {
	return events.Event{
		Type:   events.TypeDecisionPending,
		RunID:  req.RunID,
		TaskID: req.TaskID,
		Detail: map[string]any{"tier": tier},
	}
}

func (e *Engine) emitPending(req Request, tier string) {
	if e.events == nil {
		return
	}
	e.events.Emit(pendingEvent(req, tier))
}

func (e *Engine) emitResolved(req Request, resolution string) {
	if e.events == nil {
		return
	}
	e.events.Emit(events.Event{
		Type:   events.TypeDecisionResolved,
		RunID:  req.RunID,
		TaskID: req.TaskID,
		Detail: map[string]any{"resolution": resolution},
	})
}
