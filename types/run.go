package types

import (
	"errors"
	"fmt"
	"time"
)

// Stage identifies one step in the fixed pipeline order.
type Stage string

// Stage constants per the pipeline's fixed order. Coordinate is the
// parent-only entry point that replaces extract/parse/categorize for a
// batch parent.
const (
	StageExtract    Stage = "extract"
	StageParse      Stage = "parse"
	StageCategorize Stage = "categorize"
	StageCoordinate Stage = "coordinate"
	StageSimilarity Stage = "similarity"
	StageSplit      Stage = "split"
)

// RunStatus is the lifecycle state of a PipelineRun.
type RunStatus string

// RunStatus constants. See PipelineRun for the allowed transitions.
const (
	RunQueued    RunStatus = "QUEUED"
	RunRunning   RunStatus = "RUNNING"
	RunPaused    RunStatus = "PAUSED"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// IsTerminal reports whether status is a terminal state a run cannot leave.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// InputMode records how a run's inputs were supplied, for audit only.
type InputMode string

// InputMode constants.
const (
	InputModeFiles InputMode = "files"
	InputModeURLs  InputMode = "urls"
	InputModeMixed InputMode = "mixed"
)

// PipelineRun is the unit of work: one end-to-end execution of the pipeline
// for a specific input set, or one child slice of a batched submission.
type PipelineRun struct {
	ID       string
	TenantID string

	InputFiles []string
	SourceURLs []string
	InputMode  InputMode

	Status       RunStatus
	CurrentStage Stage
	Progress     int // [0,100]
	ErrorMessage string

	// ParentRunID is non-null for a child run. Children never progress past
	// categorize.
	ParentRunID string
	// BatchIndex is this run's 0-based position within its parent's batch.
	BatchIndex int
	// BatchSize is the number of inputs assigned to this run (child) or the
	// configured split size (parent, informational).
	BatchSize int
	// TotalBatches is non-zero on both a parent and its children when the
	// submission was fanned out.
	TotalBatches int

	TotalItems      int
	ProcessedItems  int
	TotalQuestions  int

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// IsChild reports whether this run has a parent.
func (r *PipelineRun) IsChild() bool {
	return r.ParentRunID != ""
}

// IsParent reports whether this run fanned out into children.
func (r *PipelineRun) IsParent() bool {
	return r.ParentRunID == "" && r.TotalBatches > 0
}

// IsStandalone reports whether this run has neither a parent nor children.
func (r *PipelineRun) IsStandalone() bool {
	return r.ParentRunID == "" && r.TotalBatches == 0
}

// runTransitions enumerates the allowed RunStatus edges. Status transitions
// are monotonic toward a terminal state; only RUNNING->PAUSED is reversible
// (PAUSED->RUNNING is the only reverse edge).
var runTransitions = map[RunStatus]map[RunStatus]bool{
	RunQueued:  {RunRunning: true, RunCancelled: true, RunFailed: true},
	RunRunning: {RunPaused: true, RunCompleted: true, RunFailed: true, RunCancelled: true},
	RunPaused:  {RunRunning: true, RunCancelled: true, RunFailed: true},
}

// ErrInvalidRunTransition is returned by CanTransition/Transition when the
// requested edge is not allowed.
var ErrInvalidRunTransition = errors.New("pipeline_run: invalid status transition")

// CanTransition reports whether moving from r.Status to next is a legal edge.
func (r *PipelineRun) CanTransition(next RunStatus) bool {
	if r.Status == next {
		return false
	}
	if r.Status.IsTerminal() {
		return false
	}
	return runTransitions[r.Status][next]
}

// Transition moves the run to next, returning ErrInvalidRunTransition if the
// edge is not allowed. Stamps StartedAt/CompletedAt as appropriate.
func (r *PipelineRun) Transition(next RunStatus, now time.Time) error {
	if !r.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidRunTransition, r.Status, next)
	}
	if next == RunRunning && r.StartedAt == nil {
		r.StartedAt = &now
	}
	if next.IsTerminal() {
		r.CompletedAt = &now
	}
	r.Status = next
	return nil
}

// JobStatus is the lifecycle state of a PipelineJob.
type JobStatus string

// JobStatus constants.
const (
	JobPending   JobStatus = "PENDING"
	JobActive    JobStatus = "ACTIVE"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobRetrying  JobStatus = "RETRYING"
)

// PipelineJob records one attempted execution of one stage of one run. For a
// given (PipelineRunID, Stage) the most recent job is authoritative; earlier
// retries are preserved for audit.
type PipelineJob struct {
	ID            string
	PipelineRunID string
	Stage         Stage
	Status        JobStatus
	Progress      int
	Attempt       int
	ExternalJobID string // queue handle, opaque to the store
	ErrorMessage  string
	Result        []byte // opaque result blob (JSON)

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}
