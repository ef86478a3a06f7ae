package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path"
	"time"

	"github.com/exam2quiz/pipeline/stagerunner"
	"github.com/exam2quiz/pipeline/types"
)

// CoordinateProcessor is a stagerunner.Processor driving the Coordinate
// stage's fan-in poll loop (spec.md §4.5). The Stage Runner's own heartbeat
// already extends the queue lease and re-checks for cancellation on a
// ticker (see stagerunner.Runner.heartbeat); a Runner wired to run this
// processor for the Coordinate stage should be configured with a
// VisibilityTimeout at least as long as Config.Timeout, so that heartbeat
// never lets the lease lapse mid-poll.
type CoordinateProcessor struct {
	Cfg Config
}

// NewCoordinateProcessor returns a Processor for the Coordinate stage.
func NewCoordinateProcessor(cfg Config) stagerunner.Processor {
	cfg.setDefaults()
	return &CoordinateProcessor{Cfg: cfg}
}

// Process implements stagerunner.Processor. It polls the parent run's
// children at Config.PollInterval until every child reaches a terminal
// state (success) or any child fails/cancels (abort), bounded by
// Config.Timeout.
func (c *CoordinateProcessor) Process(ctx context.Context, pctx *stagerunner.ProcessContext) (map[string]any, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.Cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(c.Cfg.PollInterval)
	defer ticker.Stop()

	for {
		result, done, err := c.tick(ctx, pctx)
		if err != nil {
			return nil, err
		}
		if done {
			return result, nil
		}

		select {
		case <-pollCtx.Done():
			return nil, stagerunner.Fatal(fmt.Errorf("coordinator: timed out waiting for children of run %s", pctx.Run.ID))
		case <-ticker.C:
		}
	}
}

// tick loads the children's current status once. done is true once the
// fan-in has a final answer (all children completed, successfully handed
// off; or a child failure, which tick has already recorded as a fatal
// error).
func (c *CoordinateProcessor) tick(ctx context.Context, pctx *stagerunner.ProcessContext) (result map[string]any, done bool, err error) {
	children, err := c.Cfg.Store.ListChildRuns(ctx, pctx.Run.ID)
	if err != nil {
		return nil, false, stagerunner.Retryable(fmt.Errorf("coordinator: list children of %s: %w", pctx.Run.ID, err))
	}

	completed := 0
	for _, child := range children {
		switch child.Status {
		case types.RunFailed, types.RunCancelled:
			return nil, true, stagerunner.Fatal(fmt.Errorf(
				"coordinator: child run %s (batch %d) is %s", child.ID, child.BatchIndex, child.Status))
		case types.RunCompleted:
			completed++
		}
	}

	total := len(children)
	if total == 0 {
		return nil, false, nil
	}

	progress := int(math.Round(float64(completed) / float64(total) * 100))
	if progress > pctx.Run.Progress {
		pctx.Run.Progress = progress
		if err := c.Cfg.Store.UpdateRun(ctx, pctx.Run); err != nil {
			pctx.Logger.Warn("coordinator: progress write failed", map[string]any{"error": err.Error()})
		}
	}
	pctx.SetProgress(progress)

	if completed < total {
		return nil, false, nil
	}

	return c.handoff(ctx, pctx)
}

// handoff loads the tenant's full item corpus, writes the hand-off
// artifact, and returns its path as "merged_path" — per spec.md §4.5's
// "Hand-off" paragraph. It does not enqueue Similarity itself;
// chaining.Apply does that from the returned result.
func (c *CoordinateProcessor) handoff(ctx context.Context, pctx *stagerunner.ProcessContext) (map[string]any, bool, error) {
	items, err := c.Cfg.Store.ListItems(ctx, pctx.Run.TenantID)
	if err != nil {
		return nil, true, stagerunner.Retryable(fmt.Errorf("coordinator: load tenant corpus: %w", err))
	}

	body, err := json.Marshal(items)
	if err != nil {
		return nil, true, stagerunner.Fatal(fmt.Errorf("coordinator: encode categorized_merged.json: %w", err))
	}
	mergedPath := path.Join(pctx.Run.TenantID, pctx.Run.ID, "categorize", "categorized_merged.json")
	if err := c.Cfg.ObjStore.Put(ctx, mergedPath, body); err != nil {
		return nil, true, stagerunner.Retryable(fmt.Errorf("coordinator: write categorized_merged.json: %w", err))
	}

	return map[string]any{"merged_path": mergedPath}, true, nil
}
