package skill

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/cis-core/internal/cerr"
	"github.com/swarmguard/cis-core/internal/dagmodel"
	"github.com/swarmguard/cis-core/internal/guard"
)

// Executor is the Skill Executor: component F. It is the only thing that
// ever calls a registered skill's Fn, and it only ever does so with a
// guard.SafeMemoryContext — there is no other constructor path into a
// skill invocation.
type Executor struct {
	registry *Registry
	tracer   trace.Tracer
}

// NewExecutor builds an Executor over a skill Registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry, tracer: otel.Tracer("cis-core-skill")}
}

// Run looks up req.Skill and invokes it with mem. An unregistered skill is
// a Permanent/Blocking failure per spec.md §4.F; a handler that exceeds
// its declared MaxDuration is classified Transient/NonBlocking regardless
// of what the handler itself returned, since the caller couldn't observe
// the real outcome.
func (e *Executor) Run(ctx context.Context, req Request, mem guard.SafeMemoryContext) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "skill.run", trace.WithAttributes(
		attribute.String("skill", req.Skill), attribute.String("task_id", req.TaskID)))
	defer span.End()

	meta, fn, ok := e.registry.Get(req.Skill)
	if !ok {
		return Result{
			Success:     false,
			Error:       "unregistered skill: " + req.Skill,
			FailureType: dagmodel.FailureBlocking,
		}, cerr.New(cerr.KindSkill, "unregistered skill %q", req.Skill)
	}

	maxDuration := meta.MaxDuration
	if req.Timeout > 0 && (maxDuration == 0 || req.Timeout < maxDuration) {
		maxDuration = req.Timeout
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if maxDuration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, maxDuration)
		defer cancel()
	}

	start := time.Now()
	result, err := e.invoke(runCtx, fn, req, mem)
	result.Duration = time.Since(start)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.Success = false
		result.FailureType = dagmodel.FailureNonBlocking
		if result.Error == "" {
			result.Error = "skill exceeded declared max duration"
		}
		return result, nil
	}
	return result, err
}

// invoke recovers a panicking skill handler into a Permanent/Blocking
// Result rather than letting it crash the scheduler's goroutine.
func (e *Executor) invoke(ctx context.Context, fn Fn, req Request, mem guard.SafeMemoryContext) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Success: false, FailureType: dagmodel.FailureBlocking, Error: "skill panicked"}
			err = cerr.New(cerr.KindSkill, "skill %q panicked: %v", req.Skill, r)
		}
	}()
	return fn(ctx, req, mem)
}
