// Package transport ships the reference PeerTransport and EventBus
// implementations over NATS, adapted from libs/go/core/natsctx's
// trace-propagating publish/subscribe helpers and
// services/control-plane/main.go's connect-and-subscribe pattern. The core
// itself never imports this package directly — it only depends on
// internal/capability's interfaces; this is the runnable default a
// deployment wires in at startup.
package transport

import (
	"context"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/cis-core/internal/capability"
	"github.com/swarmguard/cis-core/internal/cerr"
)

var propagator = propagation.TraceContext{}

const peerSubjectPrefix = "cis.peer."

// NatsTransport implements capability.PeerTransport and capability.EventBus
// over a shared NATS connection: one subject per peer node for direct
// sends, one subject namespace for the outbound federation bridge.
type NatsTransport struct {
	nc          *nats.Conn
	nodeID      string
	tracer      trace.Tracer
	staticPeers []string
}

var (
	_ capability.PeerTransport = (*NatsTransport)(nil)
	_ capability.EventBus      = (*NatsTransport)(nil)
)

// Connect dials url and returns a NatsTransport identifying itself as
// nodeID for inbound peer subjects.
func Connect(url, nodeID string) (*NatsTransport, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, cerr.Wrap(cerr.KindReplication, err, "connect to nats at %q", url)
	}
	return &NatsTransport{nc: nc, nodeID: nodeID, tracer: otel.Tracer("cis-core-transport")}, nil
}

// Close drains and closes the underlying NATS connection.
func (t *NatsTransport) Close() {
	t.nc.Close()
}

func peerSubject(nodeID string) string {
	return peerSubjectPrefix + nodeID
}

// WithStaticPeers sets the peer list Peers() reports, since the NATS
// client API has no server-side way to enumerate subscribers to a
// subject. Returns t for chaining at construction time.
func (t *NatsTransport) WithStaticPeers(peers []string) *NatsTransport {
	t.staticPeers = append([]string(nil), peers...)
	return t
}

// Send implements capability.PeerTransport by publishing to the
// destination node's inbound subject, injecting the trace context into
// NATS message headers the way natsctx.Publish does.
func (t *NatsTransport) Send(ctx context.Context, nodeID string, payload []byte) error {
	ctx, span := t.tracer.Start(ctx, "transport.send")
	defer span.End()

	hdr := nats.Header{}
	hdr.Set("From", t.nodeID)
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: peerSubject(nodeID), Data: payload, Header: hdr}
	if err := t.nc.PublishMsg(msg); err != nil {
		return cerr.Wrap(cerr.KindReplication, err, "send to peer %q", nodeID)
	}
	return nil
}

// Subscribe implements capability.PeerTransport: it subscribes this node's
// own inbound subject and streams every message as a PeerMessage, with
// the originating node recovered from the NATS reply-to / header metadata
// a sender sets (here the From header, since NATS subjects alone don't
// carry sender identity).
func (t *NatsTransport) Subscribe(ctx context.Context) (<-chan capability.PeerMessage, error) {
	out := make(chan capability.PeerMessage, 64)
	sub, err := t.nc.Subscribe(peerSubject(t.nodeID), func(m *nats.Msg) {
		msgCtx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		_, span := t.tracer.Start(msgCtx, "transport.receive", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		from := m.Header.Get("From")
		select {
		case out <- capability.PeerMessage{NodeID: from, Payload: m.Data}:
		default:
			// Inbound queue saturated: the message is dropped rather
			// than block the NATS dispatcher goroutine, and nothing
			// redelivers it.
		}
	})
	if err != nil {
		close(out)
		return nil, cerr.Wrap(cerr.KindReplication, err, "subscribe peer subject for %q", t.nodeID)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
		close(out)
	}()
	return out, nil
}

// Peers implements capability.PeerTransport. NATS's client API exposes no
// server-side way to enumerate subscribers to a subject, so this
// reference implementation reports the configured static peer list
// instead (see WithStaticPeers); an empty list means peer discovery
// happens through some other channel this transport doesn't implement.
func (t *NatsTransport) Peers(ctx context.Context) ([]string, error) {
	return t.staticPeers, nil
}
