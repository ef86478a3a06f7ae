// Package stagerunner implements the generic worker loop every pipeline
// stage runs under: lease a job from the queue, drive a stage-specific
// Processor, and translate the outcome into job/run state transitions and
// queue acknowledgement.
package stagerunner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exam2quiz/pipeline/adapter"
	"github.com/exam2quiz/pipeline/log"
	"github.com/exam2quiz/pipeline/queue"
	"github.com/exam2quiz/pipeline/store"
	"github.com/exam2quiz/pipeline/types"
)

// DefaultConcurrency is the number of parallel leases a Runner holds when
// Config.Concurrency is unset.
const DefaultConcurrency = 3

// DefaultVisibilityTimeout is used to size the heartbeat interval when
// Config.VisibilityTimeout is unset.
const DefaultVisibilityTimeout = 10 * time.Minute

// ProcessContext carries everything a Processor needs: the run and job
// records, the decoded queue envelope, and a logger pre-bound to their
// identity fields.
type ProcessContext struct {
	Run      *types.PipelineRun
	Job      *types.PipelineJob
	Envelope queue.Envelope
	Logger   *log.Logger

	progressMu sync.Mutex
	progress   int
}

// SetProgress records the processor's current completion percentage
// ([0,100]); the Runner's heartbeat loop periodically persists it to
// job.Progress so a poller can observe in-flight work.
func (p *ProcessContext) SetProgress(pct int) {
	p.progressMu.Lock()
	p.progress = pct
	p.progressMu.Unlock()
}

func (p *ProcessContext) snapshotProgress() int {
	p.progressMu.Lock()
	defer p.progressMu.Unlock()
	return p.progress
}

// Processor implements one stage's business logic. A successful return
// carries stage-specific fields the Chainer's Apply folds into the next
// enqueue; a returned *StageError controls retry vs. fatal classification
// (an error that is not a *StageError is treated as fatal).
type Processor interface {
	Process(ctx context.Context, pctx *ProcessContext) (map[string]any, error)
}

// ProcessorFunc adapts a plain function to the Processor interface, the
// same way http.HandlerFunc adapts a function to http.Handler.
type ProcessorFunc func(ctx context.Context, pctx *ProcessContext) (map[string]any, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, pctx *ProcessContext) (map[string]any, error) {
	return f(ctx, pctx)
}

// Chainer enqueues the next stage (or finalizes the run) after a stage
// completes successfully. The chaining package provides the concrete
// implementation; Runner only depends on this seam so it stays
// processor-agnostic.
type Chainer interface {
	Apply(ctx context.Context, st store.Store, qu queue.Queue, run *types.PipelineRun, completedStage types.Stage, result map[string]any) error
}

// Config configures a Runner.
type Config struct {
	Stage             types.Stage
	ConsumerGroup     string
	Concurrency       int
	VisibilityTimeout time.Duration
	MaxRetries        int

	Queue     queue.Queue
	Store     store.Store
	Processor Processor
	Chainer   Chainer
	Logger    *log.Logger

	// Notifier, if set, is sent one event whenever a run this Runner
	// observes reaches a terminal state (completed or failed). Nil
	// disables notification entirely.
	Notifier adapter.Adapter
}

// Runner binds one Processor to one stage + consumer group and drives the
// lease/execute/ack loop with bounded concurrency.
type Runner struct {
	cfg Config
}

// New returns a Runner ready to Run.
func New(cfg Config) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewLogger(log.Context{Stage: string(cfg.Stage)})
	}
	return &Runner{cfg: cfg}
}

// Run blocks, leasing and processing jobs for Config.Stage until ctx is
// canceled. In-flight jobs are allowed to finish before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	sem := make(chan struct{}, r.cfg.Concurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}

		lease, err := r.cfg.Queue.Lease(ctx, r.cfg.Stage, r.cfg.ConsumerGroup)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				wg.Wait()
				return ctx.Err()
			}
			r.cfg.Logger.Warn("lease failed", map[string]any{"error": err.Error()})
			continue
		}

		wg.Add(1)
		go func(lease *queue.Lease) {
			defer wg.Done()
			defer func() { <-sem }()
			r.handle(ctx, lease)
		}(lease)
	}
}

func (r *Runner) handle(ctx context.Context, lease *queue.Lease) {
	logger := log.NewLogger(log.Context{
		TenantID: lease.Envelope.TenantID,
		RunID:    lease.Envelope.PipelineRunID,
		Stage:    string(r.cfg.Stage),
		Attempt:  lease.Envelope.Attempt,
	})

	run, err := r.cfg.Store.GetRun(ctx, lease.Envelope.PipelineRunID)
	if err != nil {
		logger.Error("load run failed", map[string]any{"error": err.Error()})
		r.nackOrLog(ctx, lease, err)
		return
	}
	if run.Status == types.RunCancelled {
		logger.Info("dropping job for cancelled run", nil)
		if err := r.cfg.Queue.Ack(ctx, lease); err != nil {
			logger.Error("ack failed", map[string]any{"error": err.Error()})
		}
		return
	}

	job, err := r.loadOrCreateJob(ctx, run.ID, lease)
	if err != nil {
		logger.Error("load/create job failed", map[string]any{"error": err.Error()})
		r.nackOrLog(ctx, lease, err)
		return
	}

	now := time.Now()
	job.Status = types.JobActive
	job.Attempt = lease.Envelope.Attempt
	job.StartedAt = &now
	if err := r.cfg.Store.UpdateJob(ctx, job); err != nil {
		logger.Warn("mark job active failed", map[string]any{"error": err.Error()})
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pctx := &ProcessContext{Run: run, Job: job, Envelope: lease.Envelope, Logger: logger}

	stop := make(chan struct{})
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		r.heartbeat(runCtx, lease, run.ID, job, pctx, cancel, stop)
	}()

	result, procErr := r.invoke(runCtx, pctx)

	close(stop)
	hbWG.Wait()

	r.finish(ctx, lease, run, job, result, procErr, logger)
}

func (r *Runner) loadOrCreateJob(ctx context.Context, runID string, lease *queue.Lease) (*types.PipelineJob, error) {
	job, err := r.cfg.Store.GetLatestJob(ctx, runID, r.cfg.Stage)
	if err == nil {
		return job, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}
	job = &types.PipelineJob{
		ID:            uuid.NewString(),
		PipelineRunID: runID,
		Stage:         r.cfg.Stage,
		Status:        types.JobPending,
		Attempt:       lease.Envelope.Attempt,
		ExternalJobID: lease.JobHandle(),
		CreatedAt:     time.Now(),
	}
	if err := r.cfg.Store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// heartbeat periodically extends the lease and persists progress, and
// re-reads the run's status so an operator-issued cancellation is
// observed by the processor at its next yield point (advisory, not
// preemptive).
func (r *Runner) heartbeat(ctx context.Context, lease *queue.Lease, runID string, job *types.PipelineJob, pctx *ProcessContext, cancel context.CancelFunc, stop <-chan struct{}) {
	interval := r.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		interval = DefaultVisibilityTimeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.cfg.Queue.Extend(ctx, lease, r.cfg.VisibilityTimeout); err != nil {
				r.cfg.Logger.Warn("extend lease failed", map[string]any{"error": err.Error()})
			}
			job.Progress = pctx.snapshotProgress()
			if err := r.cfg.Store.UpdateJob(ctx, job); err != nil {
				r.cfg.Logger.Warn("progress heartbeat write failed", map[string]any{"error": err.Error()})
			}
			run, err := r.cfg.Store.GetRun(ctx, runID)
			if err == nil && run.Status == types.RunCancelled {
				cancel()
				return
			}
		}
	}
}

// invoke runs the Processor with a recover guard so a panic becomes a
// fatal job failure rather than a crashed worker.
func (r *Runner) invoke(ctx context.Context, pctx *ProcessContext) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = Fatal(fmt.Errorf("stagerunner: processor panic: %v", rec))
		}
	}()
	return r.cfg.Processor.Process(ctx, pctx)
}

func (r *Runner) finish(ctx context.Context, lease *queue.Lease, run *types.PipelineRun, job *types.PipelineJob, result map[string]any, procErr error, logger *log.Logger) {
	now := time.Now()

	if procErr == nil {
		job.Status = types.JobCompleted
		job.CompletedAt = &now
		job.ErrorMessage = ""
		if err := r.cfg.Store.UpdateJob(ctx, job); err != nil {
			logger.Error("mark job completed failed", map[string]any{"error": err.Error()})
		}
		if r.cfg.Chainer != nil {
			if err := r.cfg.Chainer.Apply(ctx, r.cfg.Store, r.cfg.Queue, run, r.cfg.Stage, result); err != nil {
				logger.Error("chaining apply failed", map[string]any{"error": err.Error()})
			}
		}
		if run.Status == types.RunCompleted {
			r.notifyTerminal(ctx, run, logger)
		}
		if err := r.cfg.Queue.Ack(ctx, lease); err != nil {
			logger.Error("ack failed", map[string]any{"error": err.Error()})
		}
		return
	}

	stageErr, isStageErr := AsStageError(procErr)
	nextAttempt := lease.Envelope.Attempt + 1
	retriesExhausted := r.cfg.MaxRetries > 0 && nextAttempt >= r.cfg.MaxRetries

	if isStageErr && stageErr.Retryable && !retriesExhausted {
		job.Status = types.JobRetrying
		job.ErrorMessage = procErr.Error()
		if err := r.cfg.Store.UpdateJob(ctx, job); err != nil {
			logger.Error("mark job retrying failed", map[string]any{"error": err.Error()})
		}
		if err := r.cfg.Queue.Nack(ctx, lease, queue.NackRetry, procErr); err != nil {
			logger.Error("nack retry failed", map[string]any{"error": err.Error()})
		}
		return
	}

	job.Status = types.JobFailed
	job.ErrorMessage = procErr.Error()
	job.CompletedAt = &now
	if err := r.cfg.Store.UpdateJob(ctx, job); err != nil {
		logger.Error("mark job failed failed", map[string]any{"error": err.Error()})
	}

	run.ErrorMessage = procErr.Error()
	if run.CanTransition(types.RunFailed) {
		run.Transition(types.RunFailed, now)
		if err := r.cfg.Store.UpdateRun(ctx, run); err != nil {
			logger.Error("mark run failed failed", map[string]any{"error": err.Error()})
		}
		r.notifyTerminal(ctx, run, logger)
	}

	if err := r.cfg.Queue.Ack(ctx, lease); err != nil {
		logger.Error("ack on fatal failure failed", map[string]any{"error": err.Error()})
	}
}

// notifyTerminal publishes a RunCompletedEvent for run if a Notifier is
// configured. Publish failures are logged, not propagated: a downstream
// notification outage must never re-fail an already-terminal run.
func (r *Runner) notifyTerminal(ctx context.Context, run *types.PipelineRun, logger *log.Logger) {
	if r.cfg.Notifier == nil {
		return
	}

	event := &adapter.RunCompletedEvent{
		RunID:          run.ID,
		TenantID:       run.TenantID,
		ParentRunID:    run.ParentRunID,
		Status:         string(run.Status),
		CurrentStage:   string(run.CurrentStage),
		TotalItems:     run.TotalItems,
		ProcessedItems: run.ProcessedItems,
		TotalQuestions: run.TotalQuestions,
		ErrorMessage:   run.ErrorMessage,
	}
	if run.CompletedAt != nil {
		event.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	if run.StartedAt != nil {
		event.StartedAt = run.StartedAt.Format(time.RFC3339)
		if run.CompletedAt != nil {
			event.DurationMs = run.CompletedAt.Sub(*run.StartedAt).Milliseconds()
		}
	}

	if err := r.cfg.Notifier.Publish(ctx, event); err != nil {
		logger.Warn("run completion notify failed", map[string]any{"error": err.Error()})
	}
}

// nackOrLog requests redelivery for infrastructure errors encountered
// before a Processor ever ran (e.g. the run/job could not be loaded), so a
// transient store outage does not drop the job outright.
func (r *Runner) nackOrLog(ctx context.Context, lease *queue.Lease, cause error) {
	if err := r.cfg.Queue.Nack(ctx, lease, queue.NackRetry, cause); err != nil {
		r.cfg.Logger.Error("nack failed", map[string]any{"error": err.Error()})
	}
}
