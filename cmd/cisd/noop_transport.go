package main

import (
	"context"

	"github.com/swarmguard/cis-core/internal/capability"
)

// noopTransport is the capability.PeerTransport/EventBus used when no NATS
// URL is configured: a single-node deployment still runs the whole core,
// it just never has a peer to replicate to. Grounded in spec.md §9's note
// that replication trust/peering is an injected concern the core itself
// never hardcodes a default for.
type noopTransport struct{}

var (
	_ capability.PeerTransport = noopTransport{}
	_ capability.EventBus      = noopTransport{}
)

func (noopTransport) Send(ctx context.Context, nodeID string, payload []byte) error { return nil }

func (noopTransport) Subscribe(ctx context.Context) (<-chan capability.PeerMessage, error) {
	ch := make(chan capability.PeerMessage)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (noopTransport) Peers(ctx context.Context) ([]string, error) { return nil, nil }

func (noopTransport) Publish(ctx context.Context, topic string, event []byte) error { return nil }
