// Package memory implements the domain-partitioned key/value Memory Store:
// public entries that replicate, private entries encrypted at rest, vector
// clocks for causal ordering, and the conflict-version queue the Conflict
// Guard and Replication Coordinator consult. Grounded in the bucketed,
// cached persistence style of services/orchestrator/persistence.go and the
// shard-striped locking of services/threat-intel/internal/memory_store.go.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/cis-core/internal/capability"
	"github.com/swarmguard/cis-core/internal/cerr"
	"github.com/swarmguard/cis-core/internal/vectorclock"
)

// PublicWriteHook is invoked after a successful public-domain write so the
// Replication Coordinator can broadcast it, without the Store importing the
// replication package directly.
type PublicWriteHook func(ctx context.Context, entry Entry)

// Store is the Memory Store: B in the component table.
type Store struct {
	nodeID string
	kv     capability.KvStore
	enc    *Encryptor // nil disables encryption (tests only)

	stripe    *lockStripe
	cache     *lruCache
	conflicts *conflictQueue

	onPublicWrite PublicWriteHook
	vindex        capability.VectorIndex
	tracer        trace.Tracer
}

// Option configures a Store at construction.
type Option func(*Store)

// WithCache enables the decrypted-entry LRU with the given bound and TTL.
func WithCache(maxEntries int, ttl time.Duration) Option {
	return func(s *Store) { s.cache = newLRUCache(maxEntries, ttl) }
}

// WithPublicWriteHook registers the callback invoked after public writes.
func WithPublicWriteHook(hook PublicWriteHook) Option {
	return func(s *Store) { s.onPublicWrite = hook }
}

// WithConflictQueueDepth bounds the per-key unresolved-conflict queue.
func WithConflictQueueDepth(depth int) Option {
	return func(s *Store) { s.conflicts = newConflictQueue(depth) }
}

// WithVectorIndex attaches a vector index that receives fire-and-forget
// updates for public-domain writes, off the write path. Private-domain
// values never reach the index, so nothing decrypted leaves the Store.
func WithVectorIndex(idx capability.VectorIndex) Option {
	return func(s *Store) { s.vindex = idx }
}

// New constructs a Store. enc may be nil to disable at-rest encryption
// (only ever appropriate in tests); nodeID identifies the owning process
// for entries this Store originates.
func New(nodeID string, kv capability.KvStore, enc *Encryptor, opts ...Option) *Store {
	s := &Store{
		nodeID:    nodeID,
		kv:        kv,
		enc:       enc,
		stripe:    newLockStripe(8),
		conflicts: newConflictQueue(32),
		tracer:    otel.Tracer("cis-core-memory"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) encode(rec record) ([]byte, error) {
	if rec.Domain == DomainPrivate && s.enc != nil {
		ciphertext, err := s.enc.Encrypt(rec.Value)
		if err != nil {
			return nil, err
		}
		rec.Value = ciphertext
	}
	return json.Marshal(rec)
}

func (s *Store) decode(raw []byte) (record, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, cerr.Wrap(cerr.KindStorage, err, "decode memory record")
	}
	if rec.Domain == DomainPrivate && s.enc != nil {
		plaintext, err := s.enc.Decrypt(rec.Value)
		if err != nil {
			return record{}, err
		}
		rec.Value = plaintext
	}
	return rec, nil
}

func recordToEntry(key string, rec record) Entry {
	var clock *vectorclock.Clock
	if len(rec.ClockEntry) > 0 {
		if c, err := vectorclock.Deserialize(rec.ClockEntry); err == nil {
			clock = c
		}
	}
	return Entry{
		Key:       key,
		Value:     rec.Value,
		Domain:    rec.Domain,
		Category:  rec.Category,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		Tombstone: rec.Tombstone,
		Clock:     clock,
		Origin:    rec.Origin,
	}
}

// Get returns the latest local version of key, decrypting if private.
func (s *Store) Get(ctx context.Context, key string) (Entry, bool, error) {
	ctx, span := s.tracer.Start(ctx, "memory.get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	if s.cache != nil {
		if entry, ok := s.cache.get(key); ok {
			return entry, true, nil
		}
	}

	kvEntry, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return Entry{}, false, cerr.Wrap(cerr.KindStorage, err, "get %q", key)
	}
	if !ok {
		return Entry{}, false, nil
	}
	rec, err := s.decode(kvEntry.Value)
	if err != nil {
		return Entry{}, false, err
	}
	if rec.Tombstone {
		return Entry{}, false, nil
	}
	entry := recordToEntry(key, rec)
	if s.cache != nil {
		s.cache.put(key, entry)
	}
	return entry, true, nil
}

// Put writes a locally-originated value, bumping the local vector-clock
// entry for this node, and for public domain, invokes the replication hook.
// The entry's clock carries forward from the previous version of the key,
// keeping counters monotone across repeated writes.
func (s *Store) Put(ctx context.Context, key string, value []byte, domain Domain, category Category) (Entry, error) {
	ctx, span := s.tracer.Start(ctx, "memory.put", trace.WithAttributes(
		attribute.String("key", key), attribute.String("domain", string(domain))))
	defer span.End()

	mu := s.stripe.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UnixNano()
	existing, found, err := s.rawGet(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	clock := vectorclock.New()
	if found && len(existing.ClockEntry) > 0 {
		if c, derr := vectorclock.Deserialize(existing.ClockEntry); derr == nil {
			clock = c
		}
	}
	clock.Increment(s.nodeID)

	createdAt := now
	if found {
		createdAt = existing.CreatedAt
	}

	rec := record{
		Value:      value,
		Domain:     domain,
		Category:   category,
		CreatedAt:  createdAt,
		UpdatedAt:  now,
		ClockEntry: clock.Serialize(),
		Origin:     s.nodeID,
	}
	raw, err := s.encode(rec)
	if err != nil {
		return Entry{}, err
	}
	if err := s.kv.Put(ctx, key, raw); err != nil {
		return Entry{}, cerr.Wrap(cerr.KindStorage, err, "put %q", key)
	}
	if s.cache != nil {
		s.cache.invalidate(key)
	}

	entry := recordToEntry(key, rec)
	if domain == DomainPublic {
		if s.onPublicWrite != nil {
			s.onPublicWrite(ctx, entry)
		}
		s.maybeIndex(key, value, category)
	}
	return entry, nil
}

// maybeIndex hands a public-domain value to the attached vector index on
// its own goroutine so indexing latency never lands on the write path.
func (s *Store) maybeIndex(key string, value []byte, category Category) {
	if s.vindex == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.vindex.Index(ctx, key, value, string(category))
	}()
}

// PutWithClock applies a remotely-originated write, per spec.md's
// replication path: overwrite if local is missing or Before the incoming
// clock; no-op if Equal; ignore if After; record a ConflictVersion and
// return (false, true, nil), i.e. applied=false and conflict=true, if
// Concurrent.
func (s *Store) PutWithClock(ctx context.Context, key string, value []byte, incoming *vectorclock.Clock, origin string, domain Domain, category Category) (applied bool, conflict bool, err error) {
	ctx, span := s.tracer.Start(ctx, "memory.put_with_clock", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	mu := s.stripe.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	existing, found, err := s.rawGet(ctx, key)
	if err != nil {
		return false, false, err
	}

	if !found {
		return true, false, s.overwrite(ctx, key, value, incoming, origin, domain, category)
	}

	localClock := vectorclock.New()
	if len(existing.ClockEntry) > 0 {
		if c, derr := vectorclock.Deserialize(existing.ClockEntry); derr == nil {
			localClock = c
		}
	}

	switch localClock.Compare(incoming) {
	case vectorclock.Before:
		return true, false, s.overwrite(ctx, key, value, incoming, origin, domain, category)
	case vectorclock.Equal, vectorclock.After:
		return false, false, nil
	default: // Concurrent
		s.conflicts.push(key, ConflictVersion{
			NodeID:    origin,
			Clock:     incoming.Copy(),
			Value:     value,
			Timestamp: time.Now().Unix(),
		})
		return false, true, nil
	}
}

func (s *Store) overwrite(ctx context.Context, key string, value []byte, clock *vectorclock.Clock, origin string, domain Domain, category Category) error {
	now := time.Now().UnixNano()
	rec := record{
		Value:      value,
		Domain:     domain,
		Category:   category,
		CreatedAt:  now,
		UpdatedAt:  now,
		ClockEntry: clock.Serialize(),
		Origin:     origin,
	}
	raw, err := s.encode(rec)
	if err != nil {
		return err
	}
	if err := s.kv.Put(ctx, key, raw); err != nil {
		return cerr.Wrap(cerr.KindStorage, err, "put_with_clock %q", key)
	}
	if s.cache != nil {
		s.cache.invalidate(key)
	}
	return nil
}

// PutResolved writes a conflict-resolution outcome: the value is stored
// under the exact merged clock the resolver computed, with no local
// increment, so the resulting version is causally after every concurrent
// version it reconciled and nothing more. Public-domain resolutions
// replicate through the hook like any other public write.
func (s *Store) PutResolved(ctx context.Context, key string, value []byte, clock *vectorclock.Clock, domain Domain, category Category) (Entry, error) {
	ctx, span := s.tracer.Start(ctx, "memory.put_resolved", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	mu := s.stripe.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	if clock == nil {
		clock = vectorclock.New()
	}

	now := time.Now().UnixNano()
	existing, found, err := s.rawGet(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	createdAt := now
	if found {
		createdAt = existing.CreatedAt
	}

	rec := record{
		Value:      value,
		Domain:     domain,
		Category:   category,
		CreatedAt:  createdAt,
		UpdatedAt:  now,
		ClockEntry: clock.Serialize(),
		Origin:     s.nodeID,
	}
	raw, err := s.encode(rec)
	if err != nil {
		return Entry{}, err
	}
	if err := s.kv.Put(ctx, key, raw); err != nil {
		return Entry{}, cerr.Wrap(cerr.KindStorage, err, "put_resolved %q", key)
	}
	if s.cache != nil {
		s.cache.invalidate(key)
	}

	entry := recordToEntry(key, rec)
	if domain == DomainPublic {
		if s.onPublicWrite != nil {
			s.onPublicWrite(ctx, entry)
		}
		s.maybeIndex(key, value, category)
	}
	return entry, nil
}

// Delete tombstones key, incrementing this node's entry in the key's
// vector clock as Put does. The tombstone is not passed to the
// public-write hook, so it is not replicated to peers.
func (s *Store) Delete(ctx context.Context, key string) error {
	mu := s.stripe.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	existing, found, err := s.rawGet(ctx, key)
	if err != nil {
		return err
	}
	clock := vectorclock.New()
	if found && len(existing.ClockEntry) > 0 {
		if c, derr := vectorclock.Deserialize(existing.ClockEntry); derr == nil {
			clock = c
		}
	}
	clock.Increment(s.nodeID)

	rec := record{
		Tombstone:  true,
		UpdatedAt:  time.Now().UnixNano(),
		ClockEntry: clock.Serialize(),
		Origin:     s.nodeID,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal tombstone: %w", err)
	}
	if err := s.kv.Put(ctx, key, raw); err != nil {
		return cerr.Wrap(cerr.KindStorage, err, "delete %q", key)
	}
	if s.cache != nil {
		s.cache.invalidate(key)
	}
	return nil
}

// Scan returns all live entries whose key has the given prefix, in stable
// (lexical) key order.
func (s *Store) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	kvEntries, err := s.kv.Scan(ctx, prefix)
	if err != nil {
		return nil, cerr.Wrap(cerr.KindStorage, err, "scan %q", prefix)
	}
	out := make([]Entry, 0, len(kvEntries))
	for _, kvEntry := range kvEntries {
		rec, err := s.decode(kvEntry.Value)
		if err != nil {
			return nil, err
		}
		if rec.Tombstone {
			continue
		}
		out = append(out, recordToEntry(kvEntry.Key, rec))
	}
	return out, nil
}

// BatchGet reads all keys at a single consistent point: the stripe locks
// for every key are held for the duration of the read so no concurrent
// Put/Delete can interleave with the snapshot. Locks are deduplicated and
// locked in a stable order to avoid both double-locking and ABBA deadlocks
// when two concurrent BatchGet calls share shards.
func (s *Store) BatchGet(ctx context.Context, keys []string) (map[string]Entry, error) {
	seen := make(map[*sync.Mutex]struct{}, len(keys))
	locks := make([]*sync.Mutex, 0, len(keys))
	for _, k := range keys {
		mu := s.stripe.lockFor(k)
		if _, ok := seen[mu]; ok {
			continue
		}
		seen[mu] = struct{}{}
		locks = append(locks, mu)
	}
	sort.Slice(locks, func(i, j int) bool {
		return fmt.Sprintf("%p", locks[i]) < fmt.Sprintf("%p", locks[j])
	})
	for _, mu := range locks {
		mu.Lock()
	}
	defer func() {
		for _, mu := range locks {
			mu.Unlock()
		}
	}()

	kvEntries, err := s.kv.BatchGet(ctx, keys)
	if err != nil {
		return nil, cerr.Wrap(cerr.KindStorage, err, "batch_get")
	}
	out := make(map[string]Entry, len(keys))
	for _, key := range keys {
		kvEntry, ok := kvEntries[key]
		if !ok {
			continue
		}
		rec, err := s.decode(kvEntry.Value)
		if err != nil {
			return nil, err
		}
		if rec.Tombstone {
			continue
		}
		out[key] = recordToEntry(key, rec)
	}
	return out, nil
}

// rawGet reads a record without decrypting or filtering tombstones, for
// internal clock comparisons.
func (s *Store) rawGet(ctx context.Context, key string) (record, bool, error) {
	kvEntry, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return record{}, false, cerr.Wrap(cerr.KindStorage, err, "get %q", key)
	}
	if !ok {
		return record{}, false, nil
	}
	var rec record
	if err := json.Unmarshal(kvEntry.Value, &rec); err != nil {
		return record{}, false, cerr.Wrap(cerr.KindStorage, err, "decode record %q", key)
	}
	return rec, true, nil
}

// ConflictVersionsFor returns the unresolved ConflictVersions for key, used
// by the Conflict Guard's pre-flight check.
func (s *Store) ConflictVersionsFor(key string) []ConflictVersion {
	return s.conflicts.get(key)
}

// HasUnresolvedConflict reports whether key has any pending ConflictVersion.
func (s *Store) HasUnresolvedConflict(key string) bool {
	return s.conflicts.hasUnresolved(key)
}

// ClearConflict removes key's conflict queue, once a resolution strategy
// has been applied.
func (s *Store) ClearConflict(key string) {
	s.conflicts.clear(key)
}

// ConflictedKeys lists every key with at least one unresolved conflict.
func (s *Store) ConflictedKeys() []string {
	return s.conflicts.keys()
}
