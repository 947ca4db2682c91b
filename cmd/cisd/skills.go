package main

import (
	"context"
	"time"

	"github.com/swarmguard/cis-core/internal/dagmodel"
	"github.com/swarmguard/cis-core/internal/guard"
	"github.com/swarmguard/cis-core/internal/skill"
)

// registerBuiltinSkills registers the small fixed set of skills this
// standalone entrypoint ships so the engine is runnable without an
// external skill plugin: "echo" (spec.md S1's literal scenario skill),
// "noop", which always succeeds with no output, and "fail", a
// Permanent-failure skill used to exercise the Blocking/Skipped
// transitive-skip path in demos and smoke tests.
func registerBuiltinSkills(reg *skill.Registry) error {
	if err := reg.Register(skill.Metadata{
		Name:        "echo",
		Version:     "1.0.0",
		MaxDuration: 10 * time.Second,
	}, echoSkill); err != nil {
		return err
	}
	if err := reg.Register(skill.Metadata{
		Name:        "fail",
		Version:     "1.0.0",
		MaxDuration: 10 * time.Second,
	}, failSkill); err != nil {
		return err
	}
	return reg.Register(skill.Metadata{
		Name:        "noop",
		Version:     "1.0.0",
		MaxDuration: 10 * time.Second,
	}, noopSkill)
}

// echoSkill returns its input as its output unchanged, per spec.md S1.
func echoSkill(_ context.Context, req skill.Request, _ guard.SafeMemoryContext) (skill.Result, error) {
	return skill.Result{Success: true, Output: req.Input}, nil
}

// noopSkill always succeeds with no output, useful for wiring tasks that
// exist only to gate their dependents.
func noopSkill(_ context.Context, _ skill.Request, _ guard.SafeMemoryContext) (skill.Result, error) {
	return skill.Result{Success: true}, nil
}

// failSkill always returns a Permanent/Blocking failure, for exercising
// the DAG's transitive-skip behavior (spec.md §4.D).
func failSkill(_ context.Context, req skill.Request, _ guard.SafeMemoryContext) (skill.Result, error) {
	return skill.Result{Success: false, Error: "fail skill invoked", FailureType: dagmodel.FailureBlocking}, nil
}
