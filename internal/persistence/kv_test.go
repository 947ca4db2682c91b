package persistence

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestKv(t *testing.T) *KvStore {
	t.Helper()
	store, err := OpenKvStore(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("open kv store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestKvStorePutGet(t *testing.T) {
	store := openTestKv(t)
	ctx := context.Background()

	if err := store.Put(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	entry, ok, err := store.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(entry.Value) != "1" {
		t.Fatalf("expected value 1, got %q", entry.Value)
	}

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestKvStoreDelete(t *testing.T) {
	store := openTestKv(t)
	ctx := context.Background()
	store.Put(ctx, "a", []byte("1"))
	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "a"); ok {
		t.Fatalf("expected a to be gone after delete")
	}
}

func TestKvStoreScanPrefix(t *testing.T) {
	store := openTestKv(t)
	ctx := context.Background()
	for _, k := range []string{"task/a", "task/b", "other/c"} {
		store.Put(ctx, k, []byte(k))
	}

	entries, err := store.Scan(ctx, "task/")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries under task/, got %d", len(entries))
	}
	if entries[0].Key != "task/a" || entries[1].Key != "task/b" {
		t.Fatalf("expected lexical order, got %v, %v", entries[0].Key, entries[1].Key)
	}
}

func TestKvStoreBatchGetConsistentSnapshot(t *testing.T) {
	store := openTestKv(t)
	ctx := context.Background()
	store.Put(ctx, "x", []byte("1"))
	store.Put(ctx, "y", []byte("2"))

	out, err := store.BatchGet(ctx, []string{"x", "y", "z"})
	if err != nil {
		t.Fatalf("batch_get: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 present keys, got %d", len(out))
	}
	if string(out["x"].Value) != "1" || string(out["y"].Value) != "2" {
		t.Fatalf("unexpected batch_get values: %+v", out)
	}
}

func TestDagStoreAppendAndReadEvents(t *testing.T) {
	store, err := OpenDagStore(filepath.Join(t.TempDir(), "dag.db"))
	if err != nil {
		t.Fatalf("open dag store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	if err := store.AppendEvent(ctx, "run1", 1, []byte("first")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AppendEvent(ctx, "run1", 2, []byte("second")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AppendEvent(ctx, "run2", 1, []byte("other run")); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := store.Events(ctx, "run1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 || string(events[0]) != "first" || string(events[1]) != "second" {
		t.Fatalf("expected append-ordered events, got %v", events)
	}
}

func TestDagStoreRunsListsCheckpointKeys(t *testing.T) {
	store, err := OpenDagStore(filepath.Join(t.TempDir(), "dag.db"))
	if err != nil {
		t.Fatalf("open dag store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	if err := store.SaveCheckpoint(ctx, "run1", []byte("cp")); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	if err := store.SaveCheckpoint(ctx, "def/run1", []byte("meta")); err != nil {
		t.Fatalf("save namespaced checkpoint: %v", err)
	}

	keys, err := store.Runs(ctx)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected both checkpoint keys listed, got %v", keys)
	}
}

func TestDagStoreCheckpoint(t *testing.T) {
	store, err := OpenDagStore(filepath.Join(t.TempDir(), "dag.db"))
	if err != nil {
		t.Fatalf("open dag store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	if _, ok, err := store.LoadCheckpoint(ctx, "run1"); err != nil || ok {
		t.Fatalf("expected no checkpoint yet, ok=%v err=%v", ok, err)
	}
	if err := store.SaveCheckpoint(ctx, "run1", []byte("snapshot-1")); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	payload, ok, err := store.LoadCheckpoint(ctx, "run1")
	if err != nil || !ok {
		t.Fatalf("load checkpoint: ok=%v err=%v", ok, err)
	}
	if string(payload) != "snapshot-1" {
		t.Fatalf("expected snapshot-1, got %q", payload)
	}
}

func TestVectorIndexSearchRanksBySimilarity(t *testing.T) {
	idx := NewVectorIndex()
	ctx := context.Background()

	idx.Index(ctx, "a", []byte("hello world"), "result")
	idx.Index(ctx, "b", []byte("completely different payload"), "result")
	idx.Index(ctx, "c", []byte("hello world"), "result")

	matches, err := idx.Search(ctx, []byte("hello world"), 2, 0.0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Key != "a" && matches[0].Key != "c" {
		t.Fatalf("expected the identical payloads to rank highest, got %+v", matches)
	}
}
