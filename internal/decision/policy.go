package decision

import (
	"context"
	"log/slog"

	"github.com/open-policy-agent/opa/rego"

	"github.com/swarmguard/cis-core/internal/dagmodel"
)

// PolicyEvaluator lets a deployer compute a Recommended tier's
// DefaultAction or an Arbitrated tier's threshold from a Rego policy
// instead of the hardcoded task/config value, mirroring how
// services/policy-service evaluates bundles. Either method may return
// ok=false to fall through to the caller's existing value.
type PolicyEvaluator interface {
	DefaultAction(ctx context.Context, req Request) (dagmodel.DefaultAction, bool)
	ArbitrationThreshold(ctx context.Context, req Request) (float64, bool)
}

// RegoPolicy evaluates a single compiled Rego query against the task's
// decision request, expecting a result object of the form
// {"default_action": "execute"|"skip"|"abort", "threshold": <float>}.
// Any field the policy omits leaves the caller's existing value in place.
type RegoPolicy struct {
	query string
	log   *slog.Logger
}

// NewRegoPolicy stores query (a Rego module source string); the module is
// compiled afresh on every evaluation, not once up front. query is
// expected to declare `package cis.decision` with a `result` rule, since
// evaluation reads data.cis.decision.result.
func NewRegoPolicy(query string, log *slog.Logger) *RegoPolicy {
	if log == nil {
		log = slog.Default()
	}
	return &RegoPolicy{query: query, log: log}
}

type regoResult struct {
	DefaultAction string  `json:"default_action"`
	Threshold     float64 `json:"threshold"`
	HasThreshold  bool    `json:"has_threshold"`
}

func (p *RegoPolicy) eval(ctx context.Context, req Request) (regoResult, bool) {
	r := rego.New(
		rego.Query("data.cis.decision.result"),
		rego.Module("policy.rego", p.query),
		rego.Input(map[string]any{
			"run_id":  req.RunID,
			"task_id": req.TaskID,
			"tier":    string(req.Level.Tier),
		}),
	)
	rs, err := r.Eval(ctx)
	if err != nil || len(rs) == 0 || len(rs[0].Expressions) == 0 {
		if err != nil {
			p.log.Warn("policy evaluation failed", "task_id", req.TaskID, "error", err)
		}
		return regoResult{}, false
	}

	obj, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return regoResult{}, false
	}
	out := regoResult{}
	if da, ok := obj["default_action"].(string); ok {
		out.DefaultAction = da
	}
	if th, ok := obj["threshold"].(float64); ok {
		out.Threshold = th
		out.HasThreshold = true
	}
	return out, true
}

// DefaultAction implements PolicyEvaluator.
func (p *RegoPolicy) DefaultAction(ctx context.Context, req Request) (dagmodel.DefaultAction, bool) {
	res, ok := p.eval(ctx, req)
	if !ok || res.DefaultAction == "" {
		return "", false
	}
	return dagmodel.DefaultAction(res.DefaultAction), true
}

// ArbitrationThreshold implements PolicyEvaluator.
func (p *RegoPolicy) ArbitrationThreshold(ctx context.Context, req Request) (float64, bool) {
	res, ok := p.eval(ctx, req)
	if !ok || !res.HasThreshold {
		return 0, false
	}
	return clamp01(res.Threshold), true
}
