package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/exam2quiz/pipeline/log"
	"github.com/exam2quiz/pipeline/objstore"
	"github.com/exam2quiz/pipeline/queue"
	"github.com/exam2quiz/pipeline/stagerunner"
	"github.com/exam2quiz/pipeline/store"
	"github.com/exam2quiz/pipeline/types"
)

// fakeQueue is an in-memory queue.Queue, just enough to observe what
// Split/CoordinateProcessor enqueue without a Redis dependency.
type fakeQueue struct {
	mu   sync.Mutex
	sent []queue.Envelope
}

func (q *fakeQueue) Enqueue(_ context.Context, stage types.Stage, _ string, env queue.Envelope) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	env.Stage = string(stage)
	q.sent = append(q.sent, env)
	return "1-0", nil
}
func (q *fakeQueue) Lease(context.Context, types.Stage, string) (*queue.Lease, error)  { return nil, nil }
func (q *fakeQueue) Extend(context.Context, *queue.Lease, time.Duration) error         { return nil }
func (q *fakeQueue) Ack(context.Context, *queue.Lease) error                          { return nil }
func (q *fakeQueue) Nack(context.Context, *queue.Lease, queue.NackAction, error) error { return nil }
func (q *fakeQueue) Close() error                                                     { return nil }

func (q *fakeQueue) envelopesFor(stage types.Stage) []queue.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queue.Envelope
	for _, e := range q.sent {
		if e.Stage == string(stage) {
			out = append(out, e)
		}
	}
	return out
}

func newTestConfig(t *testing.T) (Config, *store.MemoryStore, *fakeQueue) {
	t.Helper()
	s := store.NewMemoryStore()
	q := &fakeQueue{}
	objStore, err := objstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{Store: s, Queue: q, ObjStore: objStore, BatchSize: 2, MaxBatches: 3, PollInterval: time.Millisecond, Timeout: time.Second}
	return cfg, s, q
}

func seedUpload(t *testing.T, objStore objstore.Store, paths []string) {
	t.Helper()
	for _, p := range paths {
		if err := objStore.Put(context.Background(), p, []byte("pdf-bytes-"+p)); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSplit_RejectsTooManyInputs(t *testing.T) {
	cfg, _, _ := newTestConfig(t)
	inputs := make([]string, 7) // BatchSize*MaxBatches == 6
	for i := range inputs {
		inputs[i] = "t1/upload/doc.pdf"
	}
	_, _, err := Split(context.Background(), cfg, "t1", inputs)
	if err == nil {
		t.Fatal("expected ErrTooManyInputs")
	}
	if _, ok := err.(*ErrTooManyInputs); !ok {
		t.Fatalf("expected *ErrTooManyInputs, got %T: %v", err, err)
	}
}

func TestSplit_FansOutIntoChildRunsAndEnqueuesExtract(t *testing.T) {
	ctx := context.Background()
	cfg, s, q := newTestConfig(t)
	inputs := []string{"t1/upload/a.pdf", "t1/upload/b.pdf", "t1/upload/c.pdf"}
	seedUpload(t, cfg.ObjStore, inputs)

	parent, children, err := Split(ctx, cfg, "t1", inputs)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children for 3 inputs at batch size 2, got %d", len(children))
	}
	if parent.CurrentStage != types.StageCoordinate || parent.TotalBatches != 2 {
		t.Fatalf("unexpected parent state: %+v", parent)
	}
	if children[0].BatchSize != 2 || children[1].BatchSize != 1 {
		t.Fatalf("unexpected batch sizes: %d, %d", children[0].BatchSize, children[1].BatchSize)
	}
	for _, child := range children {
		if child.ParentRunID != parent.ID {
			t.Fatalf("child %s missing ParentRunID", child.ID)
		}
		stored, err := s.GetRun(ctx, child.ID)
		if err != nil || stored.Status != types.RunRunning {
			t.Fatalf("child run not persisted as RUNNING: %v, %+v", err, stored)
		}
	}

	extractEnvelopes := q.envelopesFor(types.StageExtract)
	if len(extractEnvelopes) != 2 {
		t.Fatalf("expected 2 extract envelopes, got %d", len(extractEnvelopes))
	}
	coordEnvelopes := q.envelopesFor(types.StageCoordinate)
	if len(coordEnvelopes) != 1 || coordEnvelopes[0].PipelineRunID != parent.ID {
		t.Fatalf("expected exactly one coordinate envelope on the parent, got %+v", coordEnvelopes)
	}
}

func TestCoordinateProcessor_AllChildrenSucceed_HandsOffAndEnqueuesSimilarity(t *testing.T) {
	ctx := context.Background()
	cfg, s, q := newTestConfig(t)
	cfg.PollInterval = time.Millisecond

	parent := &types.PipelineRun{ID: "parent-1", TenantID: "t1", Status: types.RunRunning, CurrentStage: types.StageCoordinate, TotalBatches: 2}
	if err := s.CreateRun(ctx, parent); err != nil {
		t.Fatal(err)
	}
	child1 := &types.PipelineRun{ID: "child-1", TenantID: "t1", ParentRunID: parent.ID, Status: types.RunRunning}
	child2 := &types.PipelineRun{ID: "child-2", TenantID: "t1", ParentRunID: parent.ID, Status: types.RunRunning}
	if err := s.CreateRun(ctx, child1); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRun(ctx, child2); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MergeItems(ctx, "t1", []types.Item{{TenantID: "t1", File: "a.png"}}); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		child1.Status = types.RunCompleted
		_ = s.UpdateRun(ctx, child1)
		child2.Status = types.RunCompleted
		_ = s.UpdateRun(ctx, child2)
	}()

	proc := NewCoordinateProcessor(cfg)
	pctx := &stagerunner.ProcessContext{
		Run:    parent,
		Logger: log.NewLogger(log.Context{TenantID: "t1", RunID: parent.ID}),
	}
	result, err := proc.Process(ctx, pctx)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	mergedPath, _ := result["merged_path"].(string)
	if mergedPath == "" {
		t.Fatal("expected merged_path in result")
	}
	if _, err := cfg.ObjStore.Get(ctx, mergedPath); err != nil {
		t.Fatalf("expected categorized_merged.json written: %v", err)
	}
	_ = q // hand-off itself doesn't enqueue; chaining.Apply does that from the caller side.
}

func TestCoordinateProcessor_ChildFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	cfg, s, _ := newTestConfig(t)
	cfg.PollInterval = time.Millisecond

	parent := &types.PipelineRun{ID: "parent-2", TenantID: "t1", Status: types.RunRunning, CurrentStage: types.StageCoordinate, TotalBatches: 2}
	if err := s.CreateRun(ctx, parent); err != nil {
		t.Fatal(err)
	}
	child1 := &types.PipelineRun{ID: "child-3", TenantID: "t1", ParentRunID: parent.ID, Status: types.RunFailed, BatchIndex: 0}
	child2 := &types.PipelineRun{ID: "child-4", TenantID: "t1", ParentRunID: parent.ID, Status: types.RunRunning}
	if err := s.CreateRun(ctx, child1); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRun(ctx, child2); err != nil {
		t.Fatal(err)
	}

	proc := NewCoordinateProcessor(cfg)
	pctx := &stagerunner.ProcessContext{
		Run:    parent,
		Logger: log.NewLogger(log.Context{TenantID: "t1", RunID: parent.ID}),
	}
	_, err := proc.Process(ctx, pctx)
	stageErr, ok := stagerunner.AsStageError(err)
	if !ok || stageErr.Retryable {
		t.Fatalf("expected a fatal *StageError naming the failed child, got %v", err)
	}
}

func TestRestart_RejectsChildRun(t *testing.T) {
	ctx := context.Background()
	cfg, s, _ := newTestConfig(t)
	parent := &types.PipelineRun{ID: "p", TenantID: "t1", Status: types.RunRunning}
	child := &types.PipelineRun{ID: "c", TenantID: "t1", ParentRunID: "p", Status: types.RunRunning}
	if err := s.CreateRun(ctx, parent); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRun(ctx, child); err != nil {
		t.Fatal(err)
	}

	_, _, err := Restart(ctx, cfg, child.ID)
	if err != ErrChildRestartNotPermitted {
		t.Fatalf("expected ErrChildRestartNotPermitted, got %v", err)
	}
}

func TestRestart_DeletesChildrenAndItemsThenResplits(t *testing.T) {
	ctx := context.Background()
	cfg, s, q := newTestConfig(t)
	inputs := []string{"t1/upload/a.pdf", "t1/upload/b.pdf"}
	seedUpload(t, cfg.ObjStore, inputs)

	parent, children, err := Split(ctx, cfg, "t1", inputs)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.MergeItems(ctx, "t1", []types.Item{{TenantID: "t1", PipelineRunID: children[0].ID, File: "a.png"}}); err != nil {
		t.Fatal(err)
	}

	newParent, newChildren, err := Restart(ctx, cfg, parent.ID)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if newParent.ID == parent.ID {
		t.Fatal("expected Restart to mint a fresh parent run")
	}
	if len(newChildren) != len(children) {
		t.Fatalf("expected %d fresh children, got %d", len(children), len(newChildren))
	}
	if _, err := s.GetRun(ctx, parent.ID); err == nil {
		t.Fatal("expected old parent run to be deleted")
	}
	for _, child := range children {
		if _, err := s.GetRun(ctx, child.ID); err == nil {
			t.Fatalf("expected old child run %s to be deleted", child.ID)
		}
	}
	items, err := s.ListItems(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range items {
		if it.PipelineRunID == children[0].ID {
			t.Fatal("expected items from the deleted run to be gone")
		}
	}
	if len(q.envelopesFor(types.StageExtract)) != 2 { // one from the original split, one from the restart
		t.Fatalf("expected extract envelopes from both the original and restarted split")
	}
}
