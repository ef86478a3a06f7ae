package coordinator

import (
	"context"
	"fmt"
	"path"

	"github.com/exam2quiz/pipeline/types"
)

// ErrChildRestartNotPermitted is returned by Restart when asked to restart
// a child run directly, per spec.md §4.5's restart semantics.
var ErrChildRestartNotPermitted = fmt.Errorf("coordinator: restart of a child run is not permitted")

// Restart re-runs a batch parent from scratch: its children, their tenant
// items, and every involved run's output directory are deleted, then Split
// repeats fan-out from the parent's preserved upload directory (its
// InputFiles, which Split never mutates — only each child's copy is
// run-scoped).
func Restart(ctx context.Context, cfg Config, parentRunID string) (newParent *types.PipelineRun, newChildren []*types.PipelineRun, err error) {
	cfg.setDefaults()

	parent, err := cfg.Store.GetRun(ctx, parentRunID)
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator: load run %s: %w", parentRunID, err)
	}
	if parent.IsChild() {
		return nil, nil, ErrChildRestartNotPermitted
	}

	children, err := cfg.Store.ListChildRuns(ctx, parent.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator: list children of %s: %w", parent.ID, err)
	}

	involvedRunIDs := []string{parent.ID}
	for _, child := range children {
		involvedRunIDs = append(involvedRunIDs, child.ID)
	}

	if err := cfg.Store.DeleteItemsByRunIDs(ctx, parent.TenantID, involvedRunIDs); err != nil {
		return nil, nil, fmt.Errorf("coordinator: delete items for run %s: %w", parent.ID, err)
	}
	for _, runID := range involvedRunIDs {
		if err := cfg.ObjStore.DeletePrefix(ctx, path.Join(parent.TenantID, runID)); err != nil {
			return nil, nil, fmt.Errorf("coordinator: delete outputs for run %s: %w", runID, err)
		}
	}
	for _, child := range children {
		if err := cfg.Store.DeleteRun(ctx, child.ID); err != nil {
			return nil, nil, fmt.Errorf("coordinator: delete child run %s: %w", child.ID, err)
		}
	}
	preservedInputs := parent.InputFiles
	if err := cfg.Store.DeleteRun(ctx, parent.ID); err != nil {
		return nil, nil, fmt.Errorf("coordinator: delete parent run %s: %w", parent.ID, err)
	}

	return Split(ctx, cfg, parent.TenantID, preservedInputs)
}
