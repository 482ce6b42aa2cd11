package core

import (
	"context"

	"pkt.systems/codedock/internal/logx"
	"pkt.systems/codedock/schema"
)

// Coordinator guarantees edit-buffer to durable-store consistency
// immediately before a run.
type Coordinator struct {
	saves *DebouncedSaves
}

// NewCoordinator constructs a Coordinator over the debounced save manager.
func NewCoordinator(saves *DebouncedSaves) *Coordinator {
	return &Coordinator{saves: saves}
}

// FlushBeforeExecution flushes on a context detached from the caller's
// cancellation so a run always sees the most recently typed content, never
// a stale debounce-window snapshot.
func (c *Coordinator) FlushBeforeExecution(ctx context.Context, projectID schema.ProjectID) {
	flushCtx := context.WithoutCancel(ctx)
	logx.WithProject(ctx, projectID).Debug("pre-execution flush")
	c.saves.FlushProject(flushCtx, projectID)
}
