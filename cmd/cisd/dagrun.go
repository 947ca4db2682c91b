package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/swarmguard/cis-core/internal/dagfile"
	"github.com/swarmguard/cis-core/internal/events"
	"github.com/swarmguard/cis-core/internal/scheduler"
)

// cmdDagRun implements `cisd dag run <file>`: build the DAG definition,
// wire a fresh in-process app, stream every lifecycle event to stdout as
// it happens, and exit with a code reflecting the run's outcome per
// spec.md §6.
func cmdDagRun(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: cisd dag run <file>")
		return 2
	}

	def, err := loadDagFile(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}

	dag, err := dagfile.Build(def)
	if err != nil {
		fmt.Fprintln(os.Stderr, "validation error:", err)
		return 2
	}

	a, err := buildApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer a.Close()

	sawConflict := false
	unsubscribers := subscribeAll(a.events, func(ev events.Event) {
		printEvent(ev)
		if ev.Type == events.TypeConflictDetected {
			sawConflict = true
		}
	})
	defer func() {
		for _, u := range unsubscribers {
			u.Unsubscribe()
		}
	}()

	runID := uuid.NewString()
	r := a.sched.CreateRun(cliContext(), runID, dag)
	success := r.Wait()

	info := r.Status()
	switch {
	case success:
		return 0
	case info.Status == scheduler.RunAborted || info.Status == scheduler.RunCancelled:
		return 3
	case sawConflict:
		return 4
	default:
		return 1
	}
}

func loadDagFile(path string) (dagfile.Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return dagfile.Definition{}, fmt.Errorf("read %q: %w", path, err)
	}
	format, err := dagfile.DetectFormat(filepath.Ext(path))
	if err != nil {
		return dagfile.Definition{}, err
	}
	def, err := dagfile.Parse(format, raw)
	if err != nil {
		return dagfile.Definition{}, err
	}
	return def, nil
}

func printEvent(ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Println(string(payload))
}

// subscribeAll registers fn for every event.Type the core emits, since
// events.Registry dispatches per-topic rather than offering a wildcard.
func subscribeAll(reg *events.Registry, fn events.Handler) []*events.Subscription {
	types := []events.Type{
		events.TypeDagBuilt, events.TypeDagStarted, events.TypeDagCompleted, events.TypeDagFailed,
		events.TypeTaskStarted, events.TypeTaskCompleted, events.TypeTaskFailed,
		events.TypeConflictDetected, events.TypeDecisionPending, events.TypeDecisionResolved,
		events.TypePeerDegraded,
	}
	subs := make([]*events.Subscription, 0, len(types))
	for _, t := range types {
		subs = append(subs, reg.Register(t, fn))
	}
	return subs
}
