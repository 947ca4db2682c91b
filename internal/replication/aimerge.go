package replication

import (
	"context"
	"fmt"
	"strings"

	"github.com/swarmguard/cis-core/internal/capability"
	"github.com/swarmguard/cis-core/internal/memory"
)

// AIMerger is an optional attachment on Coordinator: when set, the
// AIMerge strategy asks it to synthesize a value from the local entry and
// every queued conflict version. This is the Go rendition of
// original_source's memory/guard/ai_merge.rs, supplemented into this
// module per SPEC_FULL.md since spec.md's distillation only names the
// strategy without its mechanics.
func (c *Coordinator) WithAIMerger(provider capability.AiProvider) *Coordinator {
	c.aiMerger = provider
	return c
}

// resolveAIMerge asks the attached AiProvider to synthesize a merged value
// from the local entry and every concurrent version. A synchronous caller
// that never attached an AiProvider (c.aiMerger == nil) falls back to
// KeepLocal, the defined (not erroneous) behavior spec.md §9 settles.
func (c *Coordinator) resolveAIMerge(ctx context.Context, local memory.Entry, versions []memory.ConflictVersion) error {
	if c.aiMerger == nil {
		return c.resolveKeepLocal(ctx, local, versions)
	}

	prompt := buildMergePrompt(local, versions)
	merged, err := c.aiMerger.Chat(ctx, prompt)
	if err != nil {
		// The merger call itself failing is treated the same as never
		// having one attached: fall back rather than leave the key
		// permanently conflicted.
		return c.resolveKeepLocal(ctx, local, versions)
	}

	clock := mergedClock(local.Clock, versions)
	_, err = c.store.PutResolved(ctx, local.Key, []byte(merged), clock, local.Domain, local.Category)
	return err
}

func buildMergePrompt(local memory.Entry, versions []memory.ConflictVersion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Merge the following concurrent values for key %q into one value.\n", local.Key)
	fmt.Fprintf(&b, "local (this node): %s\n", local.Value)
	for _, v := range versions {
		fmt.Fprintf(&b, "remote (%s): %s\n", v.NodeID, v.Value)
	}
	b.WriteString("Respond with only the merged value.")
	return b.String()
}
