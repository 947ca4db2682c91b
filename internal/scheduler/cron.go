package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/swarmguard/cis-core/internal/dagfile"
)

// CronTrigger runs a Scheduler-owned cron.Cron (seconds precision, grounded
// in services/orchestrator/scheduler.go's NewScheduler) that creates a
// fresh DagRun from a Definition each time its "schedule" field fires. A
// DAG definition with an empty Schedule is never registered — spec.md's
// CLI surface (`dag run <file>`) is the only trigger for those.
type CronTrigger struct {
	sched *Scheduler
	cron  *cron.Cron
	log   *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID // dag name -> cron entry
}

// NewCronTrigger constructs a CronTrigger bound to sched. Call Start to
// begin firing and Stop to drain in-flight schedule callbacks.
func NewCronTrigger(sched *Scheduler, log *slog.Logger) *CronTrigger {
	if log == nil {
		log = slog.Default()
	}
	return &CronTrigger{
		sched:   sched,
		cron:    cron.New(cron.WithSeconds()),
		log:     log,
		entries: make(map[string]cron.EntryID),
	}
}

// Start begins the underlying cron scheduler's goroutine.
func (c *CronTrigger) Start() { c.cron.Start() }

// Stop requests the cron scheduler halt and waits for running entries to
// finish invoking their callback (not for the DagRun itself to finish).
func (c *CronTrigger) Stop() {
	<-c.cron.Stop().Done()
}

// Register adds name's def to the cron schedule if def.Schedule is
// non-empty. Each firing rebuilds a fresh dagmodel.DAG from def via
// dagfile.Build, since a DAG is single-use per run (spec.md §3: "destroyed at end of run").
func (c *CronTrigger) Register(ctx context.Context, name string, def dagfile.Definition) error {
	if def.Schedule == "" {
		return nil
	}

	entryID, err := c.cron.AddFunc(def.Schedule, func() {
		c.fire(ctx, name, def)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.entries[name] = entryID
	c.mu.Unlock()
	c.log.Info("cron: schedule registered", "dag", name, "expr", def.Schedule)
	return nil
}

// Unregister removes a previously-registered schedule by name; a no-op if
// name was never registered.
func (c *CronTrigger) Unregister(name string) {
	c.mu.Lock()
	entryID, ok := c.entries[name]
	delete(c.entries, name)
	c.mu.Unlock()
	if ok {
		c.cron.Remove(entryID)
	}
}

func (c *CronTrigger) fire(ctx context.Context, name string, def dagfile.Definition) {
	dag, err := dagfile.Build(def)
	if err != nil {
		c.log.Error("cron: rebuild dag failed, skipping this firing", "dag", name, "error", err)
		return
	}
	runID := uuid.NewString()
	c.log.Info("cron: firing scheduled dag", "dag", name, "run_id", runID)
	c.sched.CreateRun(ctx, runID, dag)
}
