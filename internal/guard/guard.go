package guard

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/cis-core/internal/cerr"
	"github.com/swarmguard/cis-core/internal/memory"
)

// Store is the subset of the Memory Store's contract the Guard depends
// on: a consistent batch read plus the per-key unresolved-conflict queue
// the Replication Coordinator feeds.
type Store interface {
	BatchGet(ctx context.Context, keys []string) (map[string]memory.Entry, error)
	ConflictVersionsFor(key string) []memory.ConflictVersion
	HasUnresolvedConflict(key string) bool
}

// ConflictedKey pairs a key with the unresolved ConflictVersions blocking
// it, the payload a ConflictError and a ConflictDetected event both carry.
type ConflictedKey struct {
	Key      string
	Versions []memory.ConflictVersion
}

// ConflictError is returned when one or more of the requested keys has an
// unresolved concurrent write pending. It is not itself fatal to the
// DAG — the scheduler treats it as a blocking failure for the task while
// the run may continue pending user resolution.
type ConflictError struct {
	Conflicts []ConflictedKey
}

func (e *ConflictError) Error() string {
	return cerr.New(cerr.KindConflict, "conflict check failed for %d key(s)", len(e.Conflicts)).Error()
}

// Keys lists the conflicted key names, for event payloads.
func (e *ConflictError) Keys() []string {
	keys := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		keys = append(keys, c.Key)
	}
	return keys
}

// Guard is the Conflict Guard: component C.
type Guard struct {
	store   Store
	tracer  trace.Tracer
	blocked metric.Int64Counter
}

// New constructs a Guard over the given Memory Store.
func New(store Store) *Guard {
	blocked, _ := otel.Meter("cis-core-guard").Int64Counter("cis_conflict_checks_blocked_total")
	return &Guard{store: store, tracer: otel.Tracer("cis-core-guard"), blocked: blocked}
}

// CheckAndCreateContext is the Guard's single public operation. It reads a
// consistent snapshot of keys, checks each for an unresolved concurrent
// conflict, and — only if none exists — mints a SafeMemoryContext over the
// snapshot. Any conflicted key aborts the whole call: the caller gets back
// the complete list of conflicted keys in one ConflictError rather than a
// partial context.
func (g *Guard) CheckAndCreateContext(ctx context.Context, keys []string) (SafeMemoryContext, error) {
	ctx, span := g.tracer.Start(ctx, "guard.check_and_create_context",
		trace.WithAttributes(attribute.Int("key_count", len(keys))))
	defer span.End()

	entries, err := g.store.BatchGet(ctx, keys)
	if err != nil {
		return SafeMemoryContext{}, cerr.Wrap(cerr.KindStorage, err, "conflict guard batch_get")
	}

	var conflicted []ConflictedKey
	for _, key := range keys {
		if !g.store.HasUnresolvedConflict(key) {
			continue
		}
		conflicted = append(conflicted, ConflictedKey{
			Key:      key,
			Versions: g.store.ConflictVersionsFor(key),
		})
	}
	if len(conflicted) > 0 {
		span.SetAttributes(attribute.Int("conflicted_keys", len(conflicted)))
		g.blocked.Add(ctx, 1)
		return SafeMemoryContext{}, &ConflictError{Conflicts: conflicted}
	}

	return newSafeMemoryContext(entries), nil
}
