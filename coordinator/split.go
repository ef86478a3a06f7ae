package coordinator

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/exam2quiz/pipeline/queue"
	"github.com/exam2quiz/pipeline/types"
)

// ErrTooManyInputs is returned by Split when a submission's input count
// exceeds BatchSize*MaxBatches.
type ErrTooManyInputs struct {
	Count, Limit int
}

func (e *ErrTooManyInputs) Error() string {
	return fmt.Sprintf("coordinator: %d input files exceeds the %d-file batch limit", e.Count, e.Limit)
}

// Split fans a submission's input files out into ceil(N/BatchSize) child
// runs plus one parent run, per spec.md §4.5. inputPaths are object-store
// paths already materialized by the admission controller (anywhere in the
// store); Split copies each child's slice into its own run-scoped extract
// input prefix, adapted from runtime.Operator.NewObserver's work-item
// construction — simplified to a one-shot partition instead of a
// recursive, deduped fan-out.
func Split(ctx context.Context, cfg Config, tenantID string, inputPaths []string) (parent *types.PipelineRun, children []*types.PipelineRun, err error) {
	cfg.setDefaults()

	limit := cfg.BatchSize * cfg.MaxBatches
	if len(inputPaths) > limit {
		return nil, nil, &ErrTooManyInputs{Count: len(inputPaths), Limit: limit}
	}

	totalBatches := (len(inputPaths) + cfg.BatchSize - 1) / cfg.BatchSize
	now := time.Now()

	parent = &types.PipelineRun{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		InputFiles:   inputPaths,
		Status:       types.RunQueued,
		CurrentStage: types.StageCoordinate,
		TotalBatches: totalBatches,
		CreatedAt:    now,
	}
	if err := parent.Transition(types.RunRunning, now); err != nil {
		return nil, nil, fmt.Errorf("coordinator: start parent run: %w", err)
	}
	if err := cfg.Store.CreateRun(ctx, parent); err != nil {
		return nil, nil, fmt.Errorf("coordinator: create parent run: %w", err)
	}

	for i := 0; i < totalBatches; i++ {
		start := i * cfg.BatchSize
		end := start + cfg.BatchSize
		if end > len(inputPaths) {
			end = len(inputPaths)
		}
		slice := inputPaths[start:end]

		child := &types.PipelineRun{
			ID:           uuid.NewString(),
			TenantID:     tenantID,
			ParentRunID:  parent.ID,
			Status:       types.RunQueued,
			CurrentStage: types.StageExtract,
			BatchIndex:   i,
			BatchSize:    len(slice),
			TotalBatches: totalBatches,
			CreatedAt:    now,
		}

		copied, err := copyChildInputs(ctx, cfg, tenantID, child.ID, slice)
		if err != nil {
			return nil, nil, fmt.Errorf("coordinator: copy inputs for child %d: %w", i, err)
		}
		child.InputFiles = copied

		if err := child.Transition(types.RunRunning, now); err != nil {
			return nil, nil, fmt.Errorf("coordinator: start child run %d: %w", i, err)
		}
		if err := cfg.Store.CreateRun(ctx, child); err != nil {
			return nil, nil, fmt.Errorf("coordinator: create child run %d: %w", i, err)
		}

		job := &types.PipelineJob{
			ID:            uuid.NewString(),
			PipelineRunID: child.ID,
			Stage:         types.StageExtract,
			Status:        types.JobPending,
			CreatedAt:     now,
		}
		if err := cfg.Store.CreateJob(ctx, job); err != nil {
			return nil, nil, fmt.Errorf("coordinator: create extract job for child %d: %w", i, err)
		}

		envelope := queue.Envelope{
			Stage:         string(types.StageExtract),
			TenantID:      tenantID,
			PipelineRunID: child.ID,
			Payload:       map[string]any{"input_files": child.InputFiles},
		}
		if _, err := cfg.Queue.Enqueue(ctx, types.StageExtract, tenantID, envelope); err != nil {
			return nil, nil, fmt.Errorf("coordinator: enqueue extract for child %d: %w", i, err)
		}

		children = append(children, child)
	}

	coordJob := &types.PipelineJob{
		ID:            uuid.NewString(),
		PipelineRunID: parent.ID,
		Stage:         types.StageCoordinate,
		Status:        types.JobPending,
		CreatedAt:     now,
	}
	if err := cfg.Store.CreateJob(ctx, coordJob); err != nil {
		return nil, nil, fmt.Errorf("coordinator: create coordinate job: %w", err)
	}
	coordEnvelope := queue.Envelope{
		Stage:         string(types.StageCoordinate),
		TenantID:      tenantID,
		PipelineRunID: parent.ID,
		Payload:       map[string]any{},
	}
	if _, err := cfg.Queue.Enqueue(ctx, types.StageCoordinate, tenantID, coordEnvelope); err != nil {
		return nil, nil, fmt.Errorf("coordinator: enqueue coordinate job: %w", err)
	}

	return parent, children, nil
}

// copyChildInputs copies each of srcPaths into the child run's own extract
// input prefix, so a child's inputs are never aliased to its siblings' or
// the parent's upload directory.
func copyChildInputs(ctx context.Context, cfg Config, tenantID, childRunID string, srcPaths []string) ([]string, error) {
	prefix := path.Join(tenantID, childRunID, "upload")
	out := make([]string, 0, len(srcPaths))
	for _, src := range srcPaths {
		data, err := cfg.ObjStore.Get(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", src, err)
		}
		dst := path.Join(prefix, path.Base(src))
		if err := cfg.ObjStore.Put(ctx, dst, data); err != nil {
			return nil, fmt.Errorf("write %s: %w", dst, err)
		}
		out = append(out, dst)
	}
	return out, nil
}
