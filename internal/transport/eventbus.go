package transport

import (
	"context"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"

	"github.com/swarmguard/cis-core/internal/cerr"
)

const eventBusSubjectPrefix = "cis.event."

// Publish implements capability.EventBus: it publishes to a
// topic-namespaced NATS subject distinct from the peer-to-peer subjects
// Send uses, since the federation bridge is conceptually a broadcast
// fan-out rather than a directed peer message, per spec.md §6's
// distinction between PeerTransport and EventBus.
func (t *NatsTransport) Publish(ctx context.Context, topic string, event []byte) error {
	ctx, span := t.tracer.Start(ctx, "transport.publish")
	defer span.End()

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: eventBusSubjectPrefix + topic, Data: event, Header: hdr}
	if err := t.nc.PublishMsg(msg); err != nil {
		return cerr.Wrap(cerr.KindReplication, err, "publish topic %q", topic)
	}
	return nil
}
