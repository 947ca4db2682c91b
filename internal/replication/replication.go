// Package replication implements the Replication Coordinator: component I.
// It accepts public-domain writes from the Memory Store, broadcasts them to
// trusted peers over a PeerTransport, and routes inbound peer writes back
// into the Memory Store's conflict-aware put_with_clock path. Grounded in
// the bounded-queue-plus-worker-pool shape of
// services/orchestrator/dag_engine.go and the circuit-breaker/backoff
// posture of internal/resilience, generalized from dispatching skill work
// to dispatching outbound peer sends.
package replication

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/cis-core/internal/capability"
	"github.com/swarmguard/cis-core/internal/cerr"
	"github.com/swarmguard/cis-core/internal/config"
	"github.com/swarmguard/cis-core/internal/events"
	"github.com/swarmguard/cis-core/internal/memory"
	"github.com/swarmguard/cis-core/internal/resilience"
	"github.com/swarmguard/cis-core/internal/vectorclock"
)

// Store is the subset of the Memory Store's contract the coordinator
// depends on, narrowed the same way package guard narrows its own Store
// interface.
type Store interface {
	Get(ctx context.Context, key string) (memory.Entry, bool, error)
	PutResolved(ctx context.Context, key string, value []byte, clock *vectorclock.Clock, domain memory.Domain, category memory.Category) (memory.Entry, error)
	PutWithClock(ctx context.Context, key string, value []byte, incoming *vectorclock.Clock, origin string, domain memory.Domain, category memory.Category) (applied bool, conflict bool, err error)
	ConflictVersionsFor(key string) []memory.ConflictVersion
	ClearConflict(key string)
}

// wireEntry is the on-wire encoding of one public-domain write, sent
// verbatim as a PeerTransport payload.
type wireEntry struct {
	Key      string              `json:"key"`
	Value    []byte              `json:"value"`
	Domain   memory.Domain       `json:"domain"`
	Category memory.Category     `json:"category"`
	Clock    []vectorclock.Entry `json:"clock"`
	Origin   string              `json:"origin"`
}

const degradedAfterFailures = 5

// Coordinator is the Replication Coordinator: component I.
type Coordinator struct {
	nodeID    string
	store     Store
	transport capability.PeerTransport
	events    *events.Registry
	cfg       config.Replication
	log       *slog.Logger
	tracer    trace.Tracer

	mu       sync.Mutex
	outbound map[string]chan wireEntry
	breakers map[string]*resilience.CircuitBreaker
	failures map[string]int

	aiMerger capability.AiProvider
	trust    capability.TrustPredicate

	wg   sync.WaitGroup
	stop chan struct{}
}

// WithTrustPredicate attaches the injected peer/key/domain trust predicate
// spec.md §9 leaves undefined; every inbound write is checked against it
// before reaching the Memory Store. Unset, every inbound write is accepted.
func (c *Coordinator) WithTrustPredicate(pred capability.TrustPredicate) *Coordinator {
	c.trust = pred
	return c
}

// New constructs a Coordinator. It does not start any goroutines; call
// Start to begin the inbound-subscribe loop and per-peer outbound workers.
func New(nodeID string, store Store, transport capability.PeerTransport, reg *events.Registry, cfg config.Replication, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		nodeID:    nodeID,
		store:     store,
		transport: transport,
		events:    reg,
		cfg:       cfg,
		log:       log,
		tracer:    otel.Tracer("cis-core-replication"),
		outbound:  make(map[string]chan wireEntry),
		breakers:  make(map[string]*resilience.CircuitBreaker),
		failures:  make(map[string]int),
		stop:      make(chan struct{}),
	}
}

// OnPublicWrite is a memory.PublicWriteHook: it fans a freshly-written
// public-domain entry out to every currently known peer's bounded outbound
// queue. A full queue drops the write for that peer rather than blocking
// the Memory Store's own write path; a dropped write is not queued again
// or re-sent to that peer.
func (c *Coordinator) OnPublicWrite(ctx context.Context, entry memory.Entry) {
	if !c.cfg.Enabled {
		return
	}
	ctx, span := c.tracer.Start(ctx, "replication.on_public_write", trace.WithAttributes(attribute.String("key", entry.Key)))
	defer span.End()

	peers, err := c.transport.Peers(ctx)
	if err != nil {
		c.log.Warn("replication: list peers failed", "error", err)
		return
	}

	var clockEntries []vectorclock.Entry
	if entry.Clock != nil {
		clockEntries = entry.Clock.Serialize()
	}
	we := wireEntry{
		Key: entry.Key, Value: entry.Value, Domain: entry.Domain, Category: entry.Category,
		Clock: clockEntries, Origin: entry.Origin,
	}

	for _, peer := range peers {
		queue := c.queueFor(peer)
		select {
		case queue <- we:
		default:
			c.log.Warn("replication: outbound queue saturated, dropping write", "peer", peer, "key", entry.Key)
		}
	}
}

// queueFor returns (creating if absent) the bounded outbound queue and
// worker goroutine for peer.
func (c *Coordinator) queueFor(peer string) chan wireEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.outbound[peer]; ok {
		return q
	}
	depth := c.cfg.PerPeerQueueDepth
	if depth <= 0 {
		depth = 1
	}
	q := make(chan wireEntry, depth)
	c.outbound[peer] = q
	c.breakers[peer] = resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 4, 0.5, 10*time.Second, 2)
	c.wg.Add(1)
	go c.peerWorker(peer, q)
	return q
}

// peerWorker drains peer's outbound queue, sending each entry with
// exponential-backoff retry; after degradedAfterFailures consecutive
// send failures it emits a peer-degraded event, per spec.md §5's
// backpressure rule.
func (c *Coordinator) peerWorker(peer string, queue chan wireEntry) {
	defer c.wg.Done()
	backoff := time.Duration(c.cfg.RetryBackoffMS) * time.Millisecond
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	for {
		select {
		case <-c.stop:
			return
		case we, ok := <-queue:
			if !ok {
				return
			}
			c.sendToPeer(peer, we, backoff)
		}
	}
}

func (c *Coordinator) sendToPeer(peer string, we wireEntry, backoff time.Duration) {
	c.mu.Lock()
	breaker := c.breakers[peer]
	c.mu.Unlock()

	if breaker != nil && !breaker.Allow() {
		return
	}

	payload, err := json.Marshal(we)
	if err != nil {
		c.log.Error("replication: marshal outbound entry failed", "peer", peer, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err = resilience.Retry(ctx, 3, backoff, func() (struct{}, error) {
		return struct{}{}, c.transport.Send(ctx, peer, payload)
	})

	if breaker != nil {
		breaker.RecordResult(err == nil)
	}

	c.mu.Lock()
	if err != nil {
		c.failures[peer]++
		failures := c.failures[peer]
		c.mu.Unlock()
		if failures == degradedAfterFailures {
			c.emitDegraded(peer, err)
		}
		return
	}
	c.failures[peer] = 0
	c.mu.Unlock()
}

func (c *Coordinator) emitDegraded(peer string, cause error) {
	if c.events == nil {
		return
	}
	c.events.Emit(events.Event{
		Type:   events.TypePeerDegraded,
		Detail: map[string]any{"peer": peer, "error": cause.Error()},
	})
}

// Start subscribes to inbound peer messages and applies each to the
// Memory Store via put_with_clock, running until ctx is cancelled or Stop
// is called.
func (c *Coordinator) Start(ctx context.Context) error {
	inbound, err := c.transport.Subscribe(ctx)
	if err != nil {
		return cerr.Wrap(cerr.KindReplication, err, "subscribe to peer transport")
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-inbound:
				if !ok {
					return
				}
				c.applyInbound(ctx, msg)
			}
		}
	}()
	return nil
}

func (c *Coordinator) applyInbound(ctx context.Context, msg capability.PeerMessage) {
	ctx, span := c.tracer.Start(ctx, "replication.apply_inbound", trace.WithAttributes(attribute.String("from", msg.NodeID)))
	defer span.End()

	var we wireEntry
	if err := json.Unmarshal(msg.Payload, &we); err != nil {
		c.log.Warn("replication: malformed inbound entry, dropping", "from", msg.NodeID, "error", err)
		return
	}
	clock, err := vectorclock.Deserialize(we.Clock)
	if err != nil {
		c.log.Warn("replication: malformed inbound clock, dropping", "from", msg.NodeID, "error", err)
		return
	}

	origin := we.Origin
	if origin == "" {
		origin = msg.NodeID
	}
	if c.trust != nil && !c.trust(origin, we.Key, string(we.Domain)) {
		c.log.Warn("replication: inbound write rejected by trust predicate", "from", origin, "key", we.Key)
		return
	}
	_, conflict, err := c.store.PutWithClock(ctx, we.Key, we.Value, clock, origin, we.Domain, we.Category)
	if err != nil {
		c.log.Error("replication: apply inbound write failed", "key", we.Key, "error", err)
		return
	}
	if conflict && c.events != nil {
		c.events.Emit(events.Event{
			Type:   events.TypeConflictDetected,
			Detail: map[string]any{"key": we.Key, "origin": origin},
		})
	}
}

// Stop halts the inbound loop and every per-peer outbound worker, waiting
// for in-flight sends to finish.
func (c *Coordinator) Stop() {
	close(c.stop)
	c.wg.Wait()
}
