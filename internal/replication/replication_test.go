package replication

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/swarmguard/cis-core/internal/capability"
	"github.com/swarmguard/cis-core/internal/config"
	"github.com/swarmguard/cis-core/internal/events"
	"github.com/swarmguard/cis-core/internal/memory"
	"github.com/swarmguard/cis-core/internal/vectorclock"
)

// fakeStore is a minimal in-memory Store double for the Coordinator's own
// logic, independent of the real Memory Store's encryption/cache layers.
type fakeStore struct {
	mu        sync.Mutex
	entries   map[string]memory.Entry
	conflicts map[string][]memory.ConflictVersion
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]memory.Entry), conflicts: make(map[string][]memory.ConflictVersion)}
}

func (s *fakeStore) Get(ctx context.Context, key string) (memory.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok, nil
}

func (s *fakeStore) PutResolved(ctx context.Context, key string, value []byte, clock *vectorclock.Clock, domain memory.Domain, category memory.Category) (memory.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := memory.Entry{Key: key, Value: value, Domain: domain, Category: category, Clock: clock, UpdatedAt: time.Now().UnixNano()}
	s.entries[key] = e
	return e, nil
}

func (s *fakeStore) PutWithClock(ctx context.Context, key string, value []byte, incoming *vectorclock.Clock, origin string, domain memory.Domain, category memory.Category) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, found := s.entries[key]
	if !found {
		s.entries[key] = memory.Entry{Key: key, Value: value, Domain: domain, Category: category, Clock: incoming, Origin: origin}
		return true, false, nil
	}
	existingClock := existing.Clock
	if existingClock == nil {
		existingClock = vectorclock.New()
	}
	switch existingClock.Compare(incoming) {
	case vectorclock.Before:
		s.entries[key] = memory.Entry{Key: key, Value: value, Domain: domain, Category: category, Clock: incoming, Origin: origin}
		return true, false, nil
	case vectorclock.Equal, vectorclock.After:
		return false, false, nil
	default:
		s.conflicts[key] = append(s.conflicts[key], memory.ConflictVersion{NodeID: origin, Clock: incoming, Value: value, Timestamp: time.Now().Unix()})
		return false, true, nil
	}
}

func (s *fakeStore) ConflictVersionsFor(key string) []memory.ConflictVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]memory.ConflictVersion(nil), s.conflicts[key]...)
}

func (s *fakeStore) ClearConflict(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conflicts, key)
}

// fakeTransport is an in-memory capability.PeerTransport double: Send
// appends to a per-peer inbox a test can inspect directly.
type fakeTransport struct {
	mu      sync.Mutex
	sent    map[string][][]byte
	peers   []string
	inbound chan capability.PeerMessage
}

func newFakeTransport(peers ...string) *fakeTransport {
	return &fakeTransport{sent: make(map[string][][]byte), peers: peers, inbound: make(chan capability.PeerMessage, 16)}
}

func (t *fakeTransport) Send(ctx context.Context, nodeID string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent[nodeID] = append(t.sent[nodeID], payload)
	return nil
}

func (t *fakeTransport) Subscribe(ctx context.Context) (<-chan capability.PeerMessage, error) {
	return t.inbound, nil
}

func (t *fakeTransport) Peers(ctx context.Context) ([]string, error) {
	return t.peers, nil
}

func testReplicationConfig() config.Replication {
	return config.Replication{Enabled: true, PerPeerQueueDepth: 8, RetryBackoffMS: 1}
}

func TestOnPublicWriteBroadcastsToPeers(t *testing.T) {
	store := newFakeStore()
	transport := newFakeTransport("peer-b", "peer-c")
	coord := New("node-a", store, transport, events.New(nil), testReplicationConfig(), nil)
	defer coord.Stop()

	clock := vectorclock.New()
	clock.Increment("node-a")
	entry := memory.Entry{Key: "k1", Value: []byte("v1"), Domain: memory.DomainPublic, Category: memory.CategoryResult, Clock: clock, Origin: "node-a"}

	coord.OnPublicWrite(context.Background(), entry)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		transport.mu.Lock()
		n := len(transport.sent["peer-b"]) + len(transport.sent["peer-c"])
		transport.mu.Unlock()
		if n == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected broadcast to both peers")
}

func TestApplyInboundDetectsConflict(t *testing.T) {
	store := newFakeStore()
	transport := newFakeTransport()
	reg := events.New(nil)

	var gotConflict bool
	var mu sync.Mutex
	reg.Register(events.TypeConflictDetected, func(ev events.Event) {
		mu.Lock()
		gotConflict = true
		mu.Unlock()
	})

	coord := New("node-a", store, transport, reg, testReplicationConfig(), nil)
	defer coord.Stop()

	localClock := vectorclock.New()
	localClock.Increment("node-a")
	store.entries["k1"] = memory.Entry{Key: "k1", Value: []byte("local"), Domain: memory.DomainPublic, Clock: localClock, Origin: "node-a"}

	remoteClock := vectorclock.New()
	remoteClock.Increment("node-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := coord.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	we := wireEntry{Key: "k1", Value: []byte("remote"), Domain: memory.DomainPublic, Clock: remoteClock.Serialize(), Origin: "node-b"}
	payload, _ := json.Marshal(we)
	transport.inbound <- capability.PeerMessage{NodeID: "node-b", Payload: payload}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := gotConflict
		mu.Unlock()
		if got {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected conflict_detected event")
}

func TestResolveKeepLocal(t *testing.T) {
	store := newFakeStore()
	coord := New("node-a", store, newFakeTransport(), events.New(nil), testReplicationConfig(), nil)
	defer coord.Stop()

	localClock := vectorclock.New()
	localClock.Increment("node-a")
	store.entries["k1"] = memory.Entry{Key: "k1", Value: []byte("local"), Domain: memory.DomainPublic, Clock: localClock}
	store.conflicts["k1"] = []memory.ConflictVersion{{NodeID: "node-b", Value: []byte("remote"), Clock: vectorclock.New()}}

	if err := coord.Resolve(context.Background(), "k1", StrategyKeepLocal, ResolveOptions{}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if string(store.entries["k1"].Value) != "local" {
		t.Fatalf("expected local value to survive, got %q", store.entries["k1"].Value)
	}
	if len(store.ConflictVersionsFor("k1")) != 0 {
		t.Fatalf("expected conflict queue cleared")
	}
}

func TestResolveLWWPicksLatestTimestamp(t *testing.T) {
	store := newFakeStore()
	coord := New("node-a", store, newFakeTransport(), events.New(nil), testReplicationConfig(), nil)
	defer coord.Stop()

	store.entries["k1"] = memory.Entry{Key: "k1", Value: []byte("local"), Domain: memory.DomainPublic, Clock: vectorclock.New(), UpdatedAt: 1000 * 1e9}
	store.conflicts["k1"] = []memory.ConflictVersion{{NodeID: "node-b", Value: []byte("newer"), Clock: vectorclock.New(), Timestamp: 5000}}

	if err := coord.Resolve(context.Background(), "k1", StrategyLWW, ResolveOptions{}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if string(store.entries["k1"].Value) != "newer" {
		t.Fatalf("expected newer remote value to win, got %q", store.entries["k1"].Value)
	}
}

func TestResolveLWWBreaksTieOnLexicallyHigherNodeID(t *testing.T) {
	store := newFakeStore()
	coord := New("node-a", store, newFakeTransport(), events.New(nil), testReplicationConfig(), nil)
	defer coord.Stop()

	store.entries["k1"] = memory.Entry{Key: "k1", Value: []byte("local"), Domain: memory.DomainPublic, Clock: vectorclock.New(), UpdatedAt: 5000 * 1e9}
	store.conflicts["k1"] = []memory.ConflictVersion{{NodeID: "node-b", Value: []byte("remote"), Clock: vectorclock.New(), Timestamp: 5000}}

	if err := coord.Resolve(context.Background(), "k1", StrategyLWW, ResolveOptions{}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if string(store.entries["k1"].Value) != "remote" {
		t.Fatalf("expected lexically higher node-b to win the tie, got %q", store.entries["k1"].Value)
	}
}

func TestResolveAIMergeFallsBackToKeepLocalWithoutProvider(t *testing.T) {
	store := newFakeStore()
	coord := New("node-a", store, newFakeTransport(), events.New(nil), testReplicationConfig(), nil)
	defer coord.Stop()

	store.entries["k1"] = memory.Entry{Key: "k1", Value: []byte("local"), Domain: memory.DomainPublic, Clock: vectorclock.New()}
	store.conflicts["k1"] = []memory.ConflictVersion{{NodeID: "node-b", Value: []byte("remote"), Clock: vectorclock.New()}}

	if err := coord.Resolve(context.Background(), "k1", StrategyAIMerge, ResolveOptions{}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if string(store.entries["k1"].Value) != "local" {
		t.Fatalf("expected fallback to local value, got %q", store.entries["k1"].Value)
	}
}
