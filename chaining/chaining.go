// Package chaining decides what happens after a stage completes
// successfully: which stage (if any) runs next, or whether the run is
// done. The decision is a pure lookup table; Apply performs the I/O the
// table describes (enqueue, job/run bookkeeping) so the table itself stays
// testable without a Store or Queue.
package chaining

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/exam2quiz/pipeline/queue"
	"github.com/exam2quiz/pipeline/store"
	"github.com/exam2quiz/pipeline/types"
)

// Next returns the stage that follows completedStage for a run, given
// whether that run has a parent. terminal reports whether the run is
// finished (no further stage runs); skipEnqueue reports whether the caller
// should skip enqueuing nextStage even though one is nominally named (a
// child run completing Categorize: nextStage is meaningless, the child
// simply stops here, leaving Similarity to the parent).
func Next(completedStage types.Stage, hasParent bool) (nextStage types.Stage, terminal, skipEnqueue bool) {
	switch completedStage {
	case types.StageExtract:
		return types.StageParse, false, false
	case types.StageParse:
		return types.StageCategorize, false, false
	case types.StageCategorize:
		if hasParent {
			return "", true, true
		}
		return types.StageSimilarity, false, false
	case types.StageCoordinate:
		return types.StageSimilarity, false, false
	case types.StageSimilarity:
		return types.StageSplit, false, false
	case types.StageSplit:
		return "", true, true
	default:
		return "", true, true
	}
}

// Apply runs the Stage Runner's post-success side effects for one
// completed stage: either mark the run COMPLETED, or enqueue the next
// stage, create its PENDING job, and advance run.currentStage.
func Apply(ctx context.Context, st store.Store, qu queue.Queue, run *types.PipelineRun, completedStage types.Stage, result map[string]any) error {
	nextStage, terminal, skipEnqueue := Next(completedStage, run.IsChild())

	now := time.Now()
	if terminal || skipEnqueue {
		if run.CanTransition(types.RunCompleted) {
			if err := run.Transition(types.RunCompleted, now); err != nil {
				return fmt.Errorf("chaining: transition run %s: %w", run.ID, err)
			}
			if err := st.UpdateRun(ctx, run); err != nil {
				return fmt.Errorf("chaining: mark run %s completed: %w", run.ID, err)
			}
		}
		return nil
	}

	partitionKey := run.TenantID
	if partitionKey == "" {
		partitionKey = run.ID
	}

	envelope := queue.Envelope{
		Stage:         string(nextStage),
		TenantID:      run.TenantID,
		PipelineRunID: run.ID,
		Payload:       result,
	}
	if _, err := qu.Enqueue(ctx, nextStage, partitionKey, envelope); err != nil {
		return fmt.Errorf("chaining: enqueue %s for run %s: %w", nextStage, run.ID, err)
	}

	job := &types.PipelineJob{
		ID:            uuid.NewString(),
		PipelineRunID: run.ID,
		Stage:         nextStage,
		Status:        types.JobPending,
		CreatedAt:     now,
	}
	if err := st.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("chaining: create job for %s on run %s: %w", nextStage, run.ID, err)
	}

	run.CurrentStage = nextStage
	if err := st.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("chaining: advance run %s to %s: %w", run.ID, nextStage, err)
	}
	return nil
}

// Policy adapts Apply to the stagerunner.Chainer interface.
type Policy struct{}

// Apply implements stagerunner.Chainer.
func (Policy) Apply(ctx context.Context, st store.Store, qu queue.Queue, run *types.PipelineRun, completedStage types.Stage, result map[string]any) error {
	return Apply(ctx, st, qu, run, completedStage, result)
}
