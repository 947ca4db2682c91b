package events

import (
	"sync"
	"testing"
)

func TestEmitFansOutToAllHandlers(t *testing.T) {
	r := New(nil)
	var mu sync.Mutex
	var got []string

	r.Register(TypeTaskStarted, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, "h1:"+ev.TaskID)
	})
	r.Register(TypeTaskStarted, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, "h2:"+ev.TaskID)
	})

	r.Emit(Event{Type: TypeTaskStarted, TaskID: "t1"})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 handler invocations, got %v", got)
	}
}

func TestUnsubscribeDetaches(t *testing.T) {
	r := New(nil)
	calls := 0
	sub := r.Register(TypeTaskCompleted, func(Event) { calls++ })
	r.Emit(Event{Type: TypeTaskCompleted})
	sub.Unsubscribe()
	r.Emit(Event{Type: TypeTaskCompleted})
	if calls != 1 {
		t.Fatalf("expected 1 call before unsubscribe, got %d", calls)
	}
}

func TestHandlerPanicDoesNotFailEmit(t *testing.T) {
	r := New(nil)
	secondCalled := false
	r.Register(TypeTaskFailed, func(Event) { panic("boom") })
	r.Register(TypeTaskFailed, func(Event) { secondCalled = true })

	r.Emit(Event{Type: TypeTaskFailed})
	if !secondCalled {
		t.Fatal("expected second handler to still run after first panicked")
	}
}

func TestEmitUnregisteredTypeIsNoop(t *testing.T) {
	r := New(nil)
	r.Emit(Event{Type: TypeDagStarted}) // should not panic
}
