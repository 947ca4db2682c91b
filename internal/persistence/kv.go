// Package persistence ships the reference capability.KvStore, DagStore,
// and VectorIndex implementations so the core is runnable standalone.
// Grounded in services/orchestrator/persistence.go's BoltDB-backed
// WorkflowStore: one bucket per concern, cursor-based prefix scan, no C
// dependencies. Generalized from a workflow/execution-shaped schema to the
// core's raw key/value and event-log shapes.
package persistence

import (
	"bytes"
	"context"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/cis-core/internal/capability"
	"github.com/swarmguard/cis-core/internal/cerr"
)

var bucketKV = []byte("kv")

// KvStore is the BoltDB-backed capability.KvStore.
type KvStore struct {
	db *bbolt.DB

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

var _ capability.KvStore = (*KvStore)(nil)

// OpenKvStore opens (creating if absent) a BoltDB file at path and ensures
// the kv bucket exists.
func OpenKvStore(path string) (*KvStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, cerr.Wrap(cerr.KindStorage, err, "open boltdb %q", path)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	}); err != nil {
		db.Close()
		return nil, cerr.Wrap(cerr.KindStorage, err, "create kv bucket")
	}

	meter := otel.GetMeterProvider().Meter("cis-core-persistence")
	readLatency, _ := meter.Float64Histogram("cis_persistence_kv_read_ms")
	writeLatency, _ := meter.Float64Histogram("cis_persistence_kv_write_ms")

	return &KvStore{db: db, readLatency: readLatency, writeLatency: writeLatency}, nil
}

// Close closes the underlying database file.
func (s *KvStore) Close() error {
	return s.db.Close()
}

// Get implements capability.KvStore.
func (s *KvStore) Get(ctx context.Context, key string) (capability.KVEntry, bool, error) {
	start := time.Now()
	defer s.recordRead(ctx, start)

	var entry capability.KVEntry
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketKV).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		entry = capability.KVEntry{Key: key, Value: append([]byte(nil), v...), UpdatedAt: time.Now().UnixNano()}
		return nil
	})
	if err != nil {
		return capability.KVEntry{}, false, cerr.Wrap(cerr.KindStorage, err, "get %q", key)
	}
	return entry, found, nil
}

// Put implements capability.KvStore.
func (s *KvStore) Put(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	defer s.recordWrite(ctx, start)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), value)
	})
	if err != nil {
		return cerr.Wrap(cerr.KindStorage, err, "put %q", key)
	}
	return nil
}

// Delete implements capability.KvStore.
func (s *KvStore) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
	if err != nil {
		return cerr.Wrap(cerr.KindStorage, err, "delete %q", key)
	}
	return nil
}

// Scan implements capability.KvStore: a cursor-seek prefix range scan in
// lexical key order.
func (s *KvStore) Scan(ctx context.Context, prefix string) ([]capability.KVEntry, error) {
	var out []capability.KVEntry
	pfx := []byte(prefix)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		now := time.Now().UnixNano()
		for k, v := c.Seek(pfx); k != nil && bytes.HasPrefix(k, pfx); k, v = c.Next() {
			out = append(out, capability.KVEntry{Key: string(k), Value: append([]byte(nil), v...), UpdatedAt: now})
		}
		return nil
	})
	if err != nil {
		return nil, cerr.Wrap(cerr.KindStorage, err, "scan %q", prefix)
	}
	return out, nil
}

// BatchGet implements capability.KvStore: every key is read within the
// same read-only transaction, giving the Memory Store's BatchGet its
// single consistent point per spec.md §4.B.
func (s *KvStore) BatchGet(ctx context.Context, keys []string) (map[string]capability.KVEntry, error) {
	out := make(map[string]capability.KVEntry, len(keys))
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketKV)
		now := time.Now().UnixNano()
		for _, key := range keys {
			v := bucket.Get([]byte(key))
			if v == nil {
				continue
			}
			out[key] = capability.KVEntry{Key: key, Value: append([]byte(nil), v...), UpdatedAt: now}
		}
		return nil
	})
	if err != nil {
		return nil, cerr.Wrap(cerr.KindStorage, err, "batch_get")
	}
	return out, nil
}

func (s *KvStore) recordRead(ctx context.Context, start time.Time) {
	if s.readLatency == nil {
		return
	}
	s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("store", "kv")))
}

func (s *KvStore) recordWrite(ctx context.Context, start time.Time) {
	if s.writeLatency == nil {
		return
	}
	s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("store", "kv")))
}
