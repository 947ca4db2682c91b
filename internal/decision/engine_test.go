package decision

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/cis-core/internal/capability"
	"github.com/swarmguard/cis-core/internal/config"
	"github.com/swarmguard/cis-core/internal/dagmodel"
	"github.com/swarmguard/cis-core/internal/events"
)

type fakeGate struct {
	confirmCh chan capability.ConfirmResponse
	voteCh    chan capability.VoteResult
}

func newFakeGate() *fakeGate {
	return &fakeGate{
		confirmCh: make(chan capability.ConfirmResponse, 1),
		voteCh:    make(chan capability.VoteResult, 1),
	}
}

func (f *fakeGate) AskConfirm(context.Context, capability.ConfirmRequest) (<-chan capability.ConfirmResponse, error) {
	return f.confirmCh, nil
}

func (f *fakeGate) OpenVote(context.Context, capability.VoteRequest) (<-chan capability.VoteResult, error) {
	return f.voteCh, nil
}

func TestMechanicalAllowsImmediately(t *testing.T) {
	e := New(config.Default().Decision, nil, nil, nil, nil)
	res, err := e.Process(context.Background(), Request{RunID: "r", TaskID: "a", Level: dagmodel.Level{Tier: dagmodel.TierMechanical}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Outcome != OutcomeAllow {
		t.Fatalf("expected allow, got %v", res.Outcome)
	}
}

func TestConfirmedApprovedAllows(t *testing.T) {
	gate := newFakeGate()
	e := New(config.Default().Decision, gate, events.New(nil), nil, nil)
	req := Request{RunID: "r", TaskID: "t", Level: dagmodel.Level{Tier: dagmodel.TierConfirmed, TimeoutSecs: 5}}
	res, err := e.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Outcome != OutcomePending {
		t.Fatalf("expected pending, got %v", res.Outcome)
	}
	gate.confirmCh <- capability.ConfirmApproved
	outcome, _ := res.Handle.Wait()
	if outcome != OutcomeAllow {
		t.Fatalf("expected allow after approve, got %v", outcome)
	}
}

func TestConfirmedTimeoutAborts(t *testing.T) {
	gate := newFakeGate()
	e := New(config.Default().Decision, gate, events.New(nil), nil, nil)
	req := Request{RunID: "r", TaskID: "t", Level: dagmodel.Level{Tier: dagmodel.TierConfirmed, TimeoutSecs: 1}}
	res, err := e.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	start := time.Now()
	outcome, _ := res.Handle.Wait()
	if outcome != OutcomeAbort {
		t.Fatalf("expected abort on timeout, got %v", outcome)
	}
	if time.Since(start) < time.Second {
		t.Fatalf("expected wait to honor the 1s timeout")
	}
}

func TestArbitratedRejectedAborts(t *testing.T) {
	gate := newFakeGate()
	e := New(config.Default().Decision, gate, events.New(nil), nil, nil)
	req := Request{RunID: "r", TaskID: "t", Level: dagmodel.Level{Tier: dagmodel.TierArbitrated, TimeoutSecs: 5, Stakeholders: []string{"alice", "bob"}}}
	res, err := e.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	gate.voteCh <- capability.VoteRejected
	outcome, _ := res.Handle.Wait()
	if outcome != OutcomeAbort {
		t.Fatalf("expected abort after rejection, got %v", outcome)
	}
}

func TestRecommendedDefaultActionOnExpiry(t *testing.T) {
	e := New(config.Default().Decision, nil, events.New(nil), nil, nil)
	req := Request{RunID: "r", TaskID: "t", Level: dagmodel.Level{
		Tier: dagmodel.TierRecommended, DefaultAction: dagmodel.ActionSkip, TimeoutSecs: 1,
	}}
	res, err := e.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	outcome, _ := res.Handle.Wait()
	if outcome != OutcomeSkip {
		t.Fatalf("expected default skip on expiry, got %v", outcome)
	}
}

func TestRecommendedUserOverrideWins(t *testing.T) {
	gate := newFakeGate()
	e := New(config.Default().Decision, gate, events.New(nil), nil, nil)
	req := Request{RunID: "r", TaskID: "t", Level: dagmodel.Level{
		Tier: dagmodel.TierRecommended, DefaultAction: dagmodel.ActionAbort, TimeoutSecs: 30,
	}}
	res, err := e.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	gate.confirmCh <- capability.ConfirmApproved
	outcome, _ := res.Handle.Wait()
	if outcome != OutcomeAllow {
		t.Fatalf("expected user override to allow execution, got %v", outcome)
	}
}

func TestUnknownTierRejected(t *testing.T) {
	e := New(config.Default().Decision, nil, nil, nil, nil)
	_, err := e.Process(context.Background(), Request{RunID: "r", TaskID: "t", Level: dagmodel.Level{Tier: "bogus"}})
	if err == nil {
		t.Fatal("expected error for unknown tier")
	}
}
