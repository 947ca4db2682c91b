// Package usergate ships the reference capability.UserGate: a
// channel-based façade that a CLI front end (or a test) drives by calling
// Resolve/Vote directly, and that also exposes the pending-request queue a
// terminal prompt loop reads from. Grounded in the queue-plus-notify shape
// services/orchestrator uses for its own workflow-approval gate, adapted
// from a single execution's approval state to the Confirmed/Arbitrated
// decision tiers' request/response shape.
package usergate

import (
	"context"
	"sync"

	"github.com/swarmguard/cis-core/internal/capability"
	"github.com/swarmguard/cis-core/internal/cerr"
)

type pendingConfirm struct {
	req capability.ConfirmRequest
	out chan capability.ConfirmResponse
}

type pendingVote struct {
	req   capability.VoteRequest
	votes map[string]bool
	out   chan capability.VoteResult
}

// Gate is the reference capability.UserGate. A front end (CLI, HTTP
// handler, test harness) drains Pending()/PendingVotes() and calls
// Resolve/CastVote to answer them.
type Gate struct {
	mu      sync.Mutex
	confirm map[string]*pendingConfirm
	vote    map[string]*pendingVote
}

var _ capability.UserGate = (*Gate)(nil)

// New constructs an empty Gate.
func New() *Gate {
	return &Gate{
		confirm: make(map[string]*pendingConfirm),
		vote:    make(map[string]*pendingVote),
	}
}

// AskConfirm implements capability.UserGate: it registers req and returns a
// channel the caller waits on, resolved by a later Resolve call (or left
// pending until the decision engine's own timeout fires and abandons it).
func (g *Gate) AskConfirm(ctx context.Context, req capability.ConfirmRequest) (<-chan capability.ConfirmResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.confirm[req.ID]; exists {
		return nil, cerr.New(cerr.KindDecision, "confirm request %q already pending", req.ID)
	}
	out := make(chan capability.ConfirmResponse, 1)
	g.confirm[req.ID] = &pendingConfirm{req: req, out: out}
	return out, nil
}

// OpenVote implements capability.UserGate: it registers req and returns a
// channel resolved once CastVote tips the tally past the caller-supplied
// threshold or every stakeholder has voted.
func (g *Gate) OpenVote(ctx context.Context, req capability.VoteRequest) (<-chan capability.VoteResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.vote[req.ID]; exists {
		return nil, cerr.New(cerr.KindDecision, "vote request %q already pending", req.ID)
	}
	out := make(chan capability.VoteResult, 1)
	g.vote[req.ID] = &pendingVote{req: req, votes: make(map[string]bool), out: out}
	return out, nil
}

// PendingConfirms lists every ConfirmRequest awaiting a Resolve call, for a
// front end's prompt loop to render.
func (g *Gate) PendingConfirms() []capability.ConfirmRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]capability.ConfirmRequest, 0, len(g.confirm))
	for _, p := range g.confirm {
		out = append(out, p.req)
	}
	return out
}

// PendingVotes lists every VoteRequest still collecting ballots.
func (g *Gate) PendingVotes() []capability.VoteRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]capability.VoteRequest, 0, len(g.vote))
	for _, p := range g.vote {
		out = append(out, p.req)
	}
	return out
}

// Resolve answers a pending confirmation. It is a no-op (returns false) if
// id is unknown or was already resolved. A request whose decision already
// timed out is still pending here: resolving it returns true, and nothing
// reads the answer.
func (g *Gate) Resolve(id string, approved bool) bool {
	g.mu.Lock()
	p, ok := g.confirm[id]
	if ok {
		delete(g.confirm, id)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	resp := capability.ConfirmRejected
	if approved {
		resp = capability.ConfirmApproved
	}
	p.out <- resp
	close(p.out)
	return true
}

// CastVote records stakeholder's ballot for a pending vote. Once every
// named stakeholder has voted, or the running approval ratio has crossed
// the configured threshold decisively in either direction, the vote
// resolves and is removed from the pending set.
func (g *Gate) CastVote(id string, stakeholder string, approve bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.vote[id]
	if !ok {
		return false
	}
	p.votes[stakeholder] = approve

	total := len(p.req.Stakeholders)
	cast := len(p.votes)
	approvals := 0
	for _, v := range p.votes {
		if v {
			approvals++
		}
	}

	threshold := p.req.Threshold
	if threshold <= 0 {
		threshold = 0.5
	}
	remaining := total - cast
	ratio := float64(approvals) / float64(total)
	maxPossibleRatio := float64(approvals+remaining) / float64(total)

	// The vote resolves the moment the outcome is decided, not only once
	// every stakeholder has cast a ballot: approval already met even if
	// every remaining stakeholder rejects, or rejection already certain
	// even if every remaining stakeholder approves.
	resolved := false
	var result capability.VoteResult
	switch {
	case ratio >= threshold:
		resolved, result = true, capability.VoteApproved
	case maxPossibleRatio < threshold:
		resolved, result = true, capability.VoteRejected
	}

	if resolved {
		delete(g.vote, id)
		p.out <- result
		close(p.out)
	}
	return true
}
