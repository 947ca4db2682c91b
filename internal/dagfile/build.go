package dagfile

import (
	"github.com/swarmguard/cis-core/internal/cerr"
	"github.com/swarmguard/cis-core/internal/dagmodel"
)

var priorityByName = map[string]dagmodel.Priority{
	"critical": dagmodel.PriorityCritical,
	"high":     dagmodel.PriorityHigh,
	"medium":   dagmodel.PriorityMedium,
	"low":      dagmodel.PriorityLow,
	"":         dagmodel.PriorityMedium,
}

var tierByName = map[string]dagmodel.Tier{
	"mechanical":  dagmodel.TierMechanical,
	"recommended": dagmodel.TierRecommended,
	"confirmed":   dagmodel.TierConfirmed,
	"arbitrated":  dagmodel.TierArbitrated,
	"":            dagmodel.TierMechanical,
}

var defaultActionByName = map[string]dagmodel.DefaultAction{
	"execute": dagmodel.ActionExecute,
	"skip":    dagmodel.ActionSkip,
	"abort":   dagmodel.ActionAbort,
	"":        dagmodel.ActionExecute,
}

var policyModeByName = map[string]dagmodel.PolicyMode{
	"all_success":   dagmodel.PolicyAllSuccess,
	"best_effort":   dagmodel.PolicyBestEffort,
	"require_group": dagmodel.PolicyRequireGroup,
	"":              dagmodel.PolicyAllSuccess,
}

// Build converts a parsed Definition into an initialized, validated
// dagmodel.DAG: every task becomes a dagmodel.Task plus its dependency
// list, then Initialize() computes reverse edges and runs cycle detection.
// A malformed enum value (unknown priority/tier/policy mode) is rejected
// here rather than deferred to the scheduler.
func Build(def Definition) (*dagmodel.DAG, error) {
	policy, err := buildPolicy(def.Policy)
	if err != nil {
		return nil, err
	}

	dag := dagmodel.New(policy)
	for _, taskDef := range def.Tasks {
		task, deps, err := buildTask(taskDef)
		if err != nil {
			return nil, err
		}
		if err := dag.AddNode(task, deps); err != nil {
			return nil, cerr.Wrap(cerr.KindValidation, err, "add task %q", taskDef.ID)
		}
	}
	if err := dag.Initialize(); err != nil {
		return nil, cerr.Wrap(cerr.KindValidation, err, "initialize dag")
	}
	return dag, nil
}

func buildPolicy(p PolicyDef) (dagmodel.Policy, error) {
	mode, ok := policyModeByName[p.Mode]
	if !ok {
		return dagmodel.Policy{}, cerr.New(cerr.KindValidation, "unknown policy mode %q", p.Mode)
	}
	if mode == dagmodel.PolicyRequireGroup && len(p.RequireGroup) == 0 {
		return dagmodel.Policy{}, cerr.New(cerr.KindValidation, "policy mode require_group needs a non-empty require_group list")
	}
	return dagmodel.Policy{
		Mode:             mode,
		RequireGroup:     append([]string(nil), p.RequireGroup...),
		SkippedAsFailure: p.SkippedAsFailure,
	}, nil
}

func buildTask(t TaskDef) (dagmodel.Task, []dagmodel.TaskID, error) {
	if t.ID == "" {
		return dagmodel.Task{}, nil, cerr.New(cerr.KindValidation, "task missing required id")
	}
	priority, ok := priorityByName[t.Priority]
	if !ok {
		return dagmodel.Task{}, nil, cerr.New(cerr.KindValidation, "task %q: unknown priority %q", t.ID, t.Priority)
	}
	level, err := buildLevel(t.ID, t.Level)
	if err != nil {
		return dagmodel.Task{}, nil, err
	}
	if t.Retry < 0 || t.Level.Retry < 0 {
		return dagmodel.Task{}, nil, cerr.New(cerr.KindValidation, "task %q: negative retry budget", t.ID)
	}
	retry := t.Level.Retry
	if t.Retry > 0 {
		retry = t.Retry
	}

	task := dagmodel.Task{
		ID:          t.ID,
		Title:       t.Title,
		Priority:    priority,
		Level:       level,
		Skill:       t.Skill,
		Input:       t.Input,
		MemoryKeys:  append([]string(nil), t.MemoryKeys...),
		RetryBudget: retry,
	}
	task.Level.Retry = retry
	return task, append([]dagmodel.TaskID(nil), t.Deps...), nil
}

func buildLevel(taskID string, l LevelDef) (dagmodel.Level, error) {
	tier, ok := tierByName[l.Tier]
	if !ok {
		return dagmodel.Level{}, cerr.New(cerr.KindValidation, "task %q: unknown decision tier %q", taskID, l.Tier)
	}
	action, ok := defaultActionByName[l.DefaultAction]
	if !ok {
		return dagmodel.Level{}, cerr.New(cerr.KindValidation, "task %q: unknown default action %q", taskID, l.DefaultAction)
	}
	if tier == dagmodel.TierArbitrated && l.Threshold != 0 && (l.Threshold < 0 || l.Threshold > 1) {
		return dagmodel.Level{}, cerr.New(cerr.KindValidation, "task %q: arbitration threshold %v out of [0,1]", taskID, l.Threshold)
	}
	return dagmodel.Level{
		Tier:          tier,
		DefaultAction: action,
		TimeoutSecs:   l.TimeoutSecs,
		Stakeholders:  append([]string(nil), l.Stakeholders...),
		Threshold:     l.Threshold,
	}, nil
}
