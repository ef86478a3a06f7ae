package admission

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/exam2quiz/pipeline/coordinator"
	"github.com/exam2quiz/pipeline/queue"
	"github.com/exam2quiz/pipeline/store"
	"github.com/exam2quiz/pipeline/types"
)

// Cancel marks an active run CANCELLED, per spec.md §6's
// cancel(runId) -> void entry. Cancellation is cooperative: the run's
// processor observes the status change at its next progress heartbeat.
func (c *Controller) Cancel(ctx context.Context, runID string) error {
	run, err := c.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}
	if err := run.Transition(types.RunCancelled, time.Now()); err != nil {
		return fmt.Errorf("admission: cancel run %s: %w", runID, err)
	}
	if err := c.Cfg.Store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("admission: persist cancel of run %s: %w", runID, err)
	}
	return nil
}

// Restart re-admits a terminal run from scratch, per spec.md §6's
// restart(runId) -> new run summary entry and §4.5/§9's restart semantics.
// A batch parent is restarted via coordinator.Restart (delete children,
// items, outputs, re-split). A standalone run is restarted by deleting its
// own items and stage outputs (but not its preserved upload directory),
// then replacing it with a fresh run over the same input files — since a
// terminal run cannot transition directly back to RUNNING (see
// types.PipelineRun.CanTransition), restart always mints a new run id, the
// same way the batch parent case does.
func (c *Controller) Restart(ctx context.Context, runID string) (*RunSummary, error) {
	run, err := c.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.IsChild() {
		return nil, ErrIsBatchChild
	}
	if !run.Status.IsTerminal() {
		return nil, ErrNotTerminal
	}

	if run.IsParent() {
		parent, _, err := coordinator.Restart(ctx, c.Cfg.Coordinator, run.ID)
		if err != nil {
			return nil, fmt.Errorf("admission: restart batch run %s: %w", runID, err)
		}
		return summarize(parent), nil
	}

	if err := c.Cfg.Store.DeleteItemsByRunIDs(ctx, run.TenantID, []string{run.ID}); err != nil {
		return nil, fmt.Errorf("admission: delete items of run %s: %w", runID, err)
	}
	for _, sub := range []string{"extract", "parse", "categorize", "similarity", "split"} {
		if err := c.Cfg.ObjStore.DeletePrefix(ctx, path.Join(run.TenantID, run.ID, sub)); err != nil {
			return nil, fmt.Errorf("admission: delete %s output of run %s: %w", sub, runID, err)
		}
	}
	preservedInputs := run.InputFiles
	if err := c.Cfg.Store.DeleteRun(ctx, run.ID); err != nil {
		return nil, fmt.Errorf("admission: delete run %s: %w", runID, err)
	}

	return c.submitStandalone(ctx, run.TenantID, preservedInputs)
}

// Delete removes a terminal run, its jobs, its items, and its object-store
// footprint entirely, per spec.md §6's delete(runId) -> void entry. A
// batch parent's children are deleted along with it.
func (c *Controller) Delete(ctx context.Context, runID string) error {
	run, err := c.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.IsTerminal() {
		return ErrNotTerminal
	}

	involved := []string{run.ID}
	if run.IsParent() {
		children, err := c.Cfg.Store.ListChildRuns(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("admission: list children of run %s: %w", runID, err)
		}
		for _, child := range children {
			involved = append(involved, child.ID)
		}
	}

	if err := c.Cfg.Store.DeleteItemsByRunIDs(ctx, run.TenantID, involved); err != nil {
		return fmt.Errorf("admission: delete items of run %s: %w", runID, err)
	}
	for _, id := range involved {
		if err := c.Cfg.ObjStore.DeletePrefix(ctx, path.Join(run.TenantID, id)); err != nil {
			return fmt.Errorf("admission: delete outputs of run %s: %w", id, err)
		}
	}
	for _, id := range involved {
		if id == run.ID {
			continue
		}
		if err := c.Cfg.Store.DeleteRun(ctx, id); err != nil {
			return fmt.Errorf("admission: delete child run %s: %w", id, err)
		}
	}
	if err := c.Cfg.Store.DeleteRun(ctx, run.ID); err != nil {
		return fmt.Errorf("admission: delete run %s: %w", runID, err)
	}
	return nil
}

// List returns a page of run summaries matching filter, per spec.md §6's
// list(filters) -> page of runs entry.
func (c *Controller) List(ctx context.Context, filter store.RunFilter) ([]*RunSummary, error) {
	runs, err := c.Cfg.Store.ListRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("admission: list runs: %w", err)
	}
	out := make([]*RunSummary, 0, len(runs))
	for _, r := range runs {
		out = append(out, summarize(r))
	}
	return out, nil
}

// Merge creates a new standalone run over the union of the source runs'
// already-extracted, already-categorized images, per spec.md §6's
// merge(runIds[]) -> new run summary entry. Extraction is skipped: every
// source item's File field already names a full object-store path to its
// extracted page image (see stage/extract.go and stage/categorize.go), so
// the new run is admitted directly at the Parse stage.
func (c *Controller) Merge(ctx context.Context, runIDs []string) (*RunSummary, error) {
	if len(runIDs) < 2 {
		return nil, ErrFewerThanTwo
	}

	runs := make([]*types.PipelineRun, 0, len(runIDs))
	tenantID := ""
	for _, id := range runIDs {
		run, err := c.loadRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if tenantID == "" {
			tenantID = run.TenantID
		} else if run.TenantID != tenantID {
			return nil, ErrMixedTenants
		}
		if run.Status != types.RunCompleted {
			return nil, ErrNotCompleted
		}
		runs = append(runs, run)
	}

	source := make(map[string]bool, len(runIDs))
	for _, id := range runIDs {
		source[id] = true
	}

	items, err := c.Cfg.Store.ListItems(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("admission: load tenant corpus: %w", err)
	}
	var imagePaths []string
	for _, item := range items {
		if source[item.PipelineRunID] {
			imagePaths = append(imagePaths, item.File)
		}
	}
	if len(imagePaths) == 0 {
		return nil, ErrNoInputs
	}

	now := time.Now()
	run := &types.PipelineRun{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Status:       types.RunQueued,
		CurrentStage: types.StageParse,
		CreatedAt:    now,
	}
	if err := run.Transition(types.RunRunning, now); err != nil {
		return nil, fmt.Errorf("admission: start merged run: %w", err)
	}
	if err := c.Cfg.Store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("admission: create merged run: %w", err)
	}

	job := &types.PipelineJob{
		ID:            uuid.NewString(),
		PipelineRunID: run.ID,
		Stage:         types.StageParse,
		Status:        types.JobPending,
		CreatedAt:     now,
	}
	if err := c.Cfg.Store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("admission: create parse job for merged run: %w", err)
	}

	envelope := queue.Envelope{
		Stage:         string(types.StageParse),
		TenantID:      tenantID,
		PipelineRunID: run.ID,
		Payload:       map[string]any{"image_paths": imagePaths},
	}
	if _, err := c.Cfg.Queue.Enqueue(ctx, types.StageParse, tenantID, envelope); err != nil {
		return nil, fmt.Errorf("admission: enqueue parse for merged run: %w", err)
	}

	return summarize(run), nil
}

func (c *Controller) loadRun(ctx context.Context, runID string) (*types.PipelineRun, error) {
	run, err := c.Cfg.Store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("admission: load run %s: %w", runID, err)
	}
	return run, nil
}
