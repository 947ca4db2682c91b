// Package capability defines the narrow external contracts the core
// depends on but does not implement the "real" version of: storage
// engines, the physical transport, AI providers, and the human-facing
// gate. Each is the narrowest interface that makes the core testable
// against an in-memory fake.
package capability

import "context"

// StorageErrorKind partitions KvStore failures for callers that need to
// distinguish retryable conditions from corruption. The KvStore
// implementations in this module do not produce it.
type StorageErrorKind int

const (
	StorageNotFound StorageErrorKind = iota
	StorageCorrupt
	StorageUnavailable
)

// KVEntry is the raw bytes-level record a KvStore holds; higher layers
// (internal/memory) attach domain/category/clock semantics on top.
type KVEntry struct {
	Key       string
	Value     []byte
	UpdatedAt int64
}

// KvStore is the storage contract the Memory Store and persisted DAG state
// depend on. All operations take ctx. Errors are wrapped as
// cerr.KindStorage and carry no StorageErrorKind; a missing key is
// reported by Get's bool result, not by an error.
type KvStore interface {
	Get(ctx context.Context, key string) (KVEntry, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string) ([]KVEntry, error)
	BatchGet(ctx context.Context, keys []string) (map[string]KVEntry, error)
}

// DagStore persists DagRun event logs and checkpoints, independent of the
// live KvStore used for memory (spec.md keeps these as distinct traits so
// a deployment can back them with different engines).
type DagStore interface {
	AppendEvent(ctx context.Context, runID string, seq uint64, payload []byte) error
	Events(ctx context.Context, runID string) ([][]byte, error)
	SaveCheckpoint(ctx context.Context, runID string, payload []byte) error
	LoadCheckpoint(ctx context.Context, runID string) ([]byte, bool, error)
}

// VectorMatch is one result of a VectorIndex search.
type VectorMatch struct {
	Key   string
	Score float64
}

// VectorIndex is consulted for semantic lookups over memory values; index
// updates are fire-and-forget on the hot path per spec.md §6.
type VectorIndex interface {
	Index(ctx context.Context, key string, value []byte, category string) error
	Search(ctx context.Context, query []byte, k int, threshold float64) ([]VectorMatch, error)
}

// PeerTransport is the physical send/receive contract the Replication
// Coordinator uses; framing and security are the implementation's concern.
type PeerTransport interface {
	Send(ctx context.Context, nodeID string, payload []byte) error
	Subscribe(ctx context.Context) (<-chan PeerMessage, error)
	Peers(ctx context.Context) ([]string, error)
}

// PeerMessage is one inbound message from a peer via PeerTransport.
type PeerMessage struct {
	NodeID  string
	Payload []byte
}

// AiProvider is used by the AIMerge conflict-resolution strategy.
type AiProvider interface {
	Chat(ctx context.Context, prompt string) (string, error)
}

// ConfirmResponse is the outcome of a Confirmed-tier gate.
type ConfirmResponse int

const (
	ConfirmPending ConfirmResponse = iota
	ConfirmApproved
	ConfirmRejected
	ConfirmTimedOut
)

// VoteResult is the outcome of an Arbitrated-tier gate.
type VoteResult int

const (
	VotePending VoteResult = iota
	VoteApproved
	VoteRejected
	VoteTimedOut
)

// ConfirmRequest describes a pending user confirmation.
type ConfirmRequest struct {
	ID    string
	TaskID string
	RunID string
}

// VoteRequest describes a pending arbitration among named stakeholders.
type VoteRequest struct {
	ID           string
	TaskID       string
	RunID        string
	Stakeholders []string
	Threshold    float64
}

// UserGate is the human-in-the-loop façade for Confirmed/Arbitrated tiers.
// Implementations may be CLI, GUI, or a message-bus front end; the core
// only ever calls these two methods and waits on the returned future-style
// channel.
type UserGate interface {
	AskConfirm(ctx context.Context, req ConfirmRequest) (<-chan ConfirmResponse, error)
	OpenVote(ctx context.Context, req VoteRequest) (<-chan VoteResult, error)
}

// EventBus is the outbound federation bridge: the core publishes to it
// only when a subscriber has bridged the in-process Event Registry (H) to
// it; it is a distinct capability from H, not a replacement for it.
type EventBus interface {
	Publish(ctx context.Context, topic string, event []byte) error
}

// TrustPredicate decides whether an inbound write from peer for key/domain
// should be accepted at all, before it ever reaches PutWithClock's conflict
// check. spec.md §9 names this predicate but leaves its policy undefined;
// the core only requires that it be injectable. A nil predicate accepts
// every inbound write, matching a deployment with no federation trust
// boundary.
type TrustPredicate func(peer, key, domain string) bool
