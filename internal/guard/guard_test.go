package guard

import (
	"context"
	"reflect"
	"testing"

	"github.com/swarmguard/cis-core/internal/memory"
)

type fakeStore struct {
	entries   map[string]memory.Entry
	conflicts map[string][]memory.ConflictVersion
}

func (f *fakeStore) BatchGet(_ context.Context, keys []string) (map[string]memory.Entry, error) {
	out := make(map[string]memory.Entry, len(keys))
	for _, k := range keys {
		if e, ok := f.entries[k]; ok {
			out[k] = e
		}
	}
	return out, nil
}

func (f *fakeStore) ConflictVersionsFor(key string) []memory.ConflictVersion {
	return f.conflicts[key]
}

func (f *fakeStore) HasUnresolvedConflict(key string) bool {
	return len(f.conflicts[key]) > 0
}

func TestCheckAndCreateContextAllowsCleanKeys(t *testing.T) {
	store := &fakeStore{
		entries: map[string]memory.Entry{
			"x": {Key: "x", Value: []byte("1")},
		},
		conflicts: map[string][]memory.ConflictVersion{},
	}
	g := New(store)
	ctx, err := g.CheckAndCreateContext(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("expected no conflict, got %v", err)
	}
	entry, ok := ctx.Get("x")
	if !ok || string(entry.Value) != "1" {
		t.Fatalf("expected snapshot of x, got ok=%v entry=%+v", ok, entry)
	}
}

func TestCheckAndCreateContextBlocksOnConflict(t *testing.T) {
	store := &fakeStore{
		entries: map[string]memory.Entry{"x": {Key: "x"}},
		conflicts: map[string][]memory.ConflictVersion{
			"x": {{NodeID: "B", Value: []byte("b")}},
		},
	}
	g := New(store)
	_, err := g.CheckAndCreateContext(context.Background(), []string{"x"})
	if err == nil {
		t.Fatal("expected conflict error")
	}
	ce, ok := err.(*ConflictError)
	if !ok {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
	if len(ce.Keys()) != 1 || ce.Keys()[0] != "x" {
		t.Fatalf("expected conflicted key x, got %v", ce.Keys())
	}
}

func TestCheckAndCreateContextCollectsAllConflictedKeys(t *testing.T) {
	store := &fakeStore{
		entries: map[string]memory.Entry{"x": {Key: "x"}, "y": {Key: "y"}},
		conflicts: map[string][]memory.ConflictVersion{
			"x": {{NodeID: "B"}},
			"y": {{NodeID: "C"}},
		},
	}
	g := New(store)
	_, err := g.CheckAndCreateContext(context.Background(), []string{"x", "y"})
	ce, ok := err.(*ConflictError)
	if !ok {
		t.Fatalf("expected *ConflictError, got %T (%v)", err, err)
	}
	if len(ce.Conflicts) != 2 {
		t.Fatalf("expected both conflicted keys reported, got %v", ce.Conflicts)
	}
}

// TestNoBypassUnexportedFields documents (layer 1 of the no-bypass design)
// that SafeMemoryContext cannot be populated from outside this package: a
// package-external literal like `guard.SafeMemoryContext{}` compiles but
// both its fields are unexported, so no external code can ever assign a
// non-nil entries map, let alone a conflictChecked token. This test
// verifies that invariant holds at the reflect level so a future edit
// that accidentally exports a field is caught here instead of silently
// weakening the guarantee.
func TestNoBypassUnexportedFields(t *testing.T) {
	typ := reflect.TypeOf(SafeMemoryContext{})
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if f.PkgPath == "" { // PkgPath is empty only for exported fields
			t.Fatalf("field %q of SafeMemoryContext is exported; this breaks the no-bypass guarantee", f.Name)
		}
	}
}

func TestNoBypassNoExportedConstructor(t *testing.T) {
	// conflictChecked itself is unexported; there is deliberately no
	// function in this package's exported API that returns one, or that
	// accepts attacker-controlled data and produces a SafeMemoryContext
	// other than CheckAndCreateContext's own internal snapshot.
	typ := reflect.TypeOf(&Guard{})
	if _, ok := typ.MethodByName("NewSafeMemoryContext"); ok {
		t.Fatal("Guard must not expose a direct SafeMemoryContext constructor")
	}
}
