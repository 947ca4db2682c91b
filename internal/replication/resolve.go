package replication

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/cis-core/internal/cerr"
	"github.com/swarmguard/cis-core/internal/memory"
	"github.com/swarmguard/cis-core/internal/vectorclock"
)

// Strategy names a conflict-resolution choice a client applies to a key's
// queued ConflictVersion set, per spec.md §4.I.
type Strategy string

const (
	StrategyKeepLocal  Strategy = "keep_local"
	StrategyKeepRemote Strategy = "keep_remote"
	StrategyLWW        Strategy = "lww"
	StrategyKeepBoth   Strategy = "keep_both"
	StrategyAIMerge    Strategy = "ai_merge"
)

// ResolveOptions carries the strategy-specific parameters a caller supplies
// alongside Resolve.
type ResolveOptions struct {
	// RemoteNode selects which conflicting version KeepRemote adopts; if
	// empty and exactly one conflict version is queued, that one is used.
	RemoteNode string
}

// Resolve applies strategy to key's queued ConflictVersions, writing the
// outcome back to the Memory Store and clearing the conflict queue. It is
// the client-facing counterpart to the automatic conflict detection
// Coordinator.applyInbound performs.
func (c *Coordinator) Resolve(ctx context.Context, key string, strategy Strategy, opts ResolveOptions) error {
	ctx, span := c.tracer.Start(ctx, "replication.resolve", trace.WithAttributes(
		attribute.String("key", key), attribute.String("strategy", string(strategy))))
	defer span.End()

	versions := c.store.ConflictVersionsFor(key)
	if len(versions) == 0 {
		return cerr.New(cerr.KindConflict, "no unresolved conflict for key %q", key)
	}

	local, found, err := c.store.Get(ctx, key)
	if err != nil {
		return cerr.Wrap(cerr.KindStorage, err, "resolve %q: read local entry", key)
	}
	if !found {
		return cerr.New(cerr.KindConflict, "resolve %q: no local entry to reconcile against", key)
	}

	switch strategy {
	case StrategyKeepLocal:
		err = c.resolveKeepLocal(ctx, local, versions)
	case StrategyKeepRemote:
		err = c.resolveKeepRemote(ctx, local, versions, opts.RemoteNode)
	case StrategyLWW:
		err = c.resolveLWW(ctx, local, versions)
	case StrategyKeepBoth:
		err = c.resolveKeepBoth(ctx, local, versions)
	case StrategyAIMerge:
		err = c.resolveAIMerge(ctx, local, versions)
	default:
		return cerr.New(cerr.KindValidation, "unknown conflict resolution strategy %q", strategy)
	}
	if err != nil {
		return err
	}
	c.store.ClearConflict(key)
	return nil
}

// mergedClock folds every conflict version's clock into base, so the
// resolution is causally after every concurrent version it reconciled —
// the invariant spec.md §4.I requires of KeepLocal/KeepRemote/LWW.
func mergedClock(base *vectorclock.Clock, versions []memory.ConflictVersion) *vectorclock.Clock {
	merged := base
	if merged == nil {
		merged = vectorclock.New()
	}
	for _, v := range versions {
		if v.Clock != nil {
			merged = merged.Merge(v.Clock)
		}
	}
	return merged
}

func (c *Coordinator) resolveKeepLocal(ctx context.Context, local memory.Entry, versions []memory.ConflictVersion) error {
	clock := mergedClock(local.Clock, versions)
	_, err := c.store.PutResolved(ctx, local.Key, local.Value, clock, local.Domain, local.Category)
	return err
}

func (c *Coordinator) resolveKeepRemote(ctx context.Context, local memory.Entry, versions []memory.ConflictVersion, remoteNode string) error {
	chosen, err := pickRemoteVersion(versions, remoteNode)
	if err != nil {
		return err
	}
	clock := mergedClock(local.Clock, versions)
	_, err = c.store.PutResolved(ctx, local.Key, chosen.Value, clock, local.Domain, local.Category)
	return err
}

func pickRemoteVersion(versions []memory.ConflictVersion, remoteNode string) (memory.ConflictVersion, error) {
	if remoteNode == "" {
		if len(versions) == 1 {
			return versions[0], nil
		}
		return memory.ConflictVersion{}, cerr.New(cerr.KindValidation, "keep_remote requires a node id when more than one conflict version is queued")
	}
	for _, v := range versions {
		if v.NodeID == remoteNode {
			return v, nil
		}
	}
	return memory.ConflictVersion{}, cerr.New(cerr.KindValidation, "no queued conflict version from node %q", remoteNode)
}

// resolveLWW keeps the version with the highest timestamp among the local
// entry and every queued conflict version, ties broken by lexically higher
// NodeID (spec.md §8 property 8; the local node's id competes on equal
// footing with remote origins).
func (c *Coordinator) resolveLWW(ctx context.Context, local memory.Entry, versions []memory.ConflictVersion) error {
	winnerValue := local.Value
	winnerNode := c.nodeID
	winnerTimestamp := local.UpdatedAt / 1e9 // local UpdatedAt is UnixNano; ConflictVersion.Timestamp is Unix seconds

	for _, v := range versions {
		if v.Timestamp > winnerTimestamp || (v.Timestamp == winnerTimestamp && v.NodeID > winnerNode) {
			winnerValue, winnerNode, winnerTimestamp = v.Value, v.NodeID, v.Timestamp
		}
	}

	clock := mergedClock(local.Clock, versions)
	_, err := c.store.PutResolved(ctx, local.Key, winnerValue, clock, local.Domain, local.Category)
	return err
}

// resolveKeepBoth leaves the local value untouched and writes every
// queued conflict version under a key suffixed with its origin NodeID, so
// no version is discarded.
func (c *Coordinator) resolveKeepBoth(ctx context.Context, local memory.Entry, versions []memory.ConflictVersion) error {
	sorted := append([]memory.ConflictVersion(nil), versions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].NodeID < sorted[j].NodeID })

	for _, v := range sorted {
		derivedKey := local.Key + ":" + v.NodeID
		clock := v.Clock
		if clock == nil {
			clock = vectorclock.New()
		}
		if _, _, err := c.store.PutWithClock(ctx, derivedKey, v.Value, clock, v.NodeID, local.Domain, local.Category); err != nil {
			return cerr.Wrap(cerr.KindStorage, err, "keep_both: write derived key %q", derivedKey)
		}
	}
	return nil
}
