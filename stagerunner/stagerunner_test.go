package stagerunner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/exam2quiz/pipeline/adapter"
	"github.com/exam2quiz/pipeline/queue"
	"github.com/exam2quiz/pipeline/store"
	"github.com/exam2quiz/pipeline/types"
)

// fakeQueue is an in-memory queue.Queue sufficient to drive one Runner.Run
// iteration per test without a Redis dependency.
type fakeQueue struct {
	mu       sync.Mutex
	pending  []queue.Envelope
	acked    int
	nacked   []queue.NackAction
	extended int
	closed   bool
}

func (q *fakeQueue) push(env queue.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, env)
}

func (q *fakeQueue) Enqueue(_ context.Context, _ types.Stage, _ string, env queue.Envelope) (string, error) {
	q.push(env)
	return "1-0", nil
}

func (q *fakeQueue) Lease(ctx context.Context, stage types.Stage, _ string) (*queue.Lease, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			env := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return &queue.Lease{Stage: stage, MessageID: "1-0", Envelope: env}, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (q *fakeQueue) Extend(_ context.Context, _ *queue.Lease, _ time.Duration) error {
	q.mu.Lock()
	q.extended++
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) Ack(_ context.Context, _ *queue.Lease) error {
	q.mu.Lock()
	q.acked++
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) Nack(_ context.Context, _ *queue.Lease, action queue.NackAction, _ error) error {
	q.mu.Lock()
	q.nacked = append(q.nacked, action)
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) Close() error {
	q.closed = true
	return nil
}

// fakeChainer records the stage/run it was invoked for.
type fakeChainer struct {
	mu       sync.Mutex
	applied  int
	lastRun  string
	lastErr  error
}

func (c *fakeChainer) Apply(_ context.Context, _ store.Store, _ queue.Queue, run *types.PipelineRun, _ types.Stage, _ map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied++
	c.lastRun = run.ID
	return c.lastErr
}

// fakeNotifier records every event it was asked to publish.
type fakeNotifier struct {
	mu     sync.Mutex
	events []*adapter.RunCompletedEvent
}

func (n *fakeNotifier) Publish(_ context.Context, event *adapter.RunCompletedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *fakeNotifier) Close() error { return nil }

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func newMemStoreWithRun(t *testing.T, runID string) store.Store {
	t.Helper()
	s := store.NewMemoryStore()
	if err := s.CreateRun(context.Background(), &types.PipelineRun{
		ID: runID, TenantID: "t1", Status: types.RunRunning,
	}); err != nil {
		t.Fatal(err)
	}
	return s
}

func runOnce(t *testing.T, r *Runner, q *fakeQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = r.Run(ctx)
}

func TestRunner_SuccessPathAcksAndChains(t *testing.T) {
	s := newMemStoreWithRun(t, "run-1")
	q := &fakeQueue{}
	q.push(queue.Envelope{TenantID: "t1", PipelineRunID: "run-1"})
	chainer := &fakeChainer{}

	processed := false
	r := New(Config{
		Stage:         types.StageExtract,
		ConsumerGroup: "workers",
		Queue:         q,
		Store:         s,
		Chainer:       chainer,
		Processor: ProcessorFunc(func(_ context.Context, pctx *ProcessContext) (map[string]any, error) {
			processed = true
			pctx.SetProgress(100)
			return map[string]any{"ok": true}, nil
		}),
	})

	runOnce(t, r, q)

	if !processed {
		t.Fatal("expected processor to run")
	}
	if q.acked != 1 {
		t.Errorf("expected 1 ack, got %d", q.acked)
	}
	if chainer.applied != 1 || chainer.lastRun != "run-1" {
		t.Errorf("expected chainer applied for run-1, got %+v", chainer)
	}

	job, err := s.GetLatestJob(context.Background(), "run-1", types.StageExtract)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != types.JobCompleted {
		t.Errorf("expected job completed, got %s", job.Status)
	}
}

func TestRunner_RetryableErrorNacksRetryAndKeepsRunRunning(t *testing.T) {
	s := newMemStoreWithRun(t, "run-2")
	q := &fakeQueue{}
	q.push(queue.Envelope{TenantID: "t1", PipelineRunID: "run-2"})

	r := New(Config{
		Stage:         types.StageParse,
		ConsumerGroup: "workers",
		Queue:         q,
		Store:         s,
		MaxRetries:    3,
		Processor: ProcessorFunc(func(context.Context, *ProcessContext) (map[string]any, error) {
			return nil, Retryable(errors.New("transient upstream error"))
		}),
	})

	runOnce(t, r, q)

	if len(q.nacked) != 1 || q.nacked[0] != queue.NackRetry {
		t.Fatalf("expected one NackRetry, got %+v", q.nacked)
	}

	job, err := s.GetLatestJob(context.Background(), "run-2", types.StageParse)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != types.JobRetrying {
		t.Errorf("expected job retrying, got %s", job.Status)
	}

	run, err := s.GetRun(context.Background(), "run-2")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != types.RunRunning {
		t.Errorf("expected run to remain RUNNING on a retryable error, got %s", run.Status)
	}
}

func TestRunner_FatalErrorFailsJobAndStandaloneRun(t *testing.T) {
	s := newMemStoreWithRun(t, "run-3")
	q := &fakeQueue{}
	q.push(queue.Envelope{TenantID: "t1", PipelineRunID: "run-3"})

	r := New(Config{
		Stage:         types.StageSplit,
		ConsumerGroup: "workers",
		Queue:         q,
		Store:         s,
		Processor: ProcessorFunc(func(context.Context, *ProcessContext) (map[string]any, error) {
			return nil, Fatal(errors.New("category collision"))
		}),
	})

	runOnce(t, r, q)

	if q.acked != 1 {
		t.Errorf("expected job to be acked even on fatal failure, got %d acks", q.acked)
	}

	job, err := s.GetLatestJob(context.Background(), "run-3", types.StageSplit)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != types.JobFailed {
		t.Errorf("expected job failed, got %s", job.Status)
	}

	run, err := s.GetRun(context.Background(), "run-3")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != types.RunFailed {
		t.Errorf("expected run failed, got %s", run.Status)
	}
}

func TestRunner_FatalErrorOnChildRunFailsChildRun(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	if err := s.CreateRun(ctx, &types.PipelineRun{ID: "parent", TenantID: "t1", Status: types.RunRunning}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRun(ctx, &types.PipelineRun{ID: "child", TenantID: "t1", Status: types.RunRunning, ParentRunID: "parent"}); err != nil {
		t.Fatal(err)
	}

	q := &fakeQueue{}
	q.push(queue.Envelope{TenantID: "t1", PipelineRunID: "child"})

	r := New(Config{
		Stage:         types.StageCategorize,
		ConsumerGroup: "workers",
		Queue:         q,
		Store:         s,
		Processor: ProcessorFunc(func(context.Context, *ProcessContext) (map[string]any, error) {
			return nil, Fatal(errors.New("boom"))
		}),
	})

	runOnce(t, r, q)

	run, err := s.GetRun(ctx, "child")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != types.RunFailed {
		t.Errorf("expected child run failed by its own job failure, got %s", run.Status)
	}
}

func TestRunner_PanicBecomesFatalJobFailure(t *testing.T) {
	s := newMemStoreWithRun(t, "run-4")
	q := &fakeQueue{}
	q.push(queue.Envelope{TenantID: "t1", PipelineRunID: "run-4"})

	r := New(Config{
		Stage:         types.StageSimilarity,
		ConsumerGroup: "workers",
		Queue:         q,
		Store:         s,
		Processor: ProcessorFunc(func(context.Context, *ProcessContext) (map[string]any, error) {
			panic("unexpected nil pointer")
		}),
	})

	runOnce(t, r, q)

	job, err := s.GetLatestJob(context.Background(), "run-4", types.StageSimilarity)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != types.JobFailed {
		t.Errorf("expected panic to surface as job failed, got %s", job.Status)
	}
	if q.acked != 1 {
		t.Errorf("expected the job to still be acked after a panic, got %d", q.acked)
	}
}

func TestRunner_CancelledRunDropsJobWithoutInvokingProcessor(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	if err := s.CreateRun(ctx, &types.PipelineRun{ID: "run-5", TenantID: "t1", Status: types.RunCancelled}); err != nil {
		t.Fatal(err)
	}
	q := &fakeQueue{}
	q.push(queue.Envelope{TenantID: "t1", PipelineRunID: "run-5"})

	invoked := false
	r := New(Config{
		Stage:         types.StageExtract,
		ConsumerGroup: "workers",
		Queue:         q,
		Store:         s,
		Processor: ProcessorFunc(func(context.Context, *ProcessContext) (map[string]any, error) {
			invoked = true
			return nil, nil
		}),
	})

	runOnce(t, r, q)

	if invoked {
		t.Error("expected processor not to run for a cancelled run")
	}
	if q.acked != 1 {
		t.Errorf("expected the dropped job to be acked, got %d", q.acked)
	}
}

// completingChainer marks the run COMPLETED, the same side effect
// chaining.Apply produces for a run's last stage.
type completingChainer struct{}

func (completingChainer) Apply(_ context.Context, st store.Store, _ queue.Queue, run *types.PipelineRun, _ types.Stage, _ map[string]any) error {
	if err := run.Transition(types.RunCompleted, time.Now()); err != nil {
		return err
	}
	return st.UpdateRun(context.Background(), run)
}

func TestRunner_NotifierFiresOnRunCompletion(t *testing.T) {
	s := newMemStoreWithRun(t, "run-6")
	q := &fakeQueue{}
	q.push(queue.Envelope{TenantID: "t1", PipelineRunID: "run-6"})
	notifier := &fakeNotifier{}

	r := New(Config{
		Stage:         types.StageSplit,
		ConsumerGroup: "workers",
		Queue:         q,
		Store:         s,
		Chainer:       completingChainer{},
		Notifier:      notifier,
		Processor: ProcessorFunc(func(context.Context, *ProcessContext) (map[string]any, error) {
			return map[string]any{}, nil
		}),
	})

	runOnce(t, r, q)

	if notifier.count() != 1 {
		t.Fatalf("expected 1 notification, got %d", notifier.count())
	}
	if notifier.events[0].Status != string(types.RunCompleted) {
		t.Errorf("expected completed event, got %+v", notifier.events[0])
	}
}

func TestRunner_NotifierFiresOnRunFailure(t *testing.T) {
	s := newMemStoreWithRun(t, "run-7")
	q := &fakeQueue{}
	q.push(queue.Envelope{TenantID: "t1", PipelineRunID: "run-7"})
	notifier := &fakeNotifier{}

	r := New(Config{
		Stage:         types.StageSplit,
		ConsumerGroup: "workers",
		Queue:         q,
		Store:         s,
		Notifier:      notifier,
		Processor: ProcessorFunc(func(context.Context, *ProcessContext) (map[string]any, error) {
			return nil, Fatal(errors.New("category collision"))
		}),
	})

	runOnce(t, r, q)

	if notifier.count() != 1 {
		t.Fatalf("expected 1 notification, got %d", notifier.count())
	}
	if notifier.events[0].Status != string(types.RunFailed) {
		t.Errorf("expected failed event, got %+v", notifier.events[0])
	}
}
