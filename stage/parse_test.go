package stage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/exam2quiz/pipeline/aiclient"
	"github.com/exam2quiz/pipeline/log"
	"github.com/exam2quiz/pipeline/objstore"
	"github.com/exam2quiz/pipeline/queue"
	"github.com/exam2quiz/pipeline/stagerunner"
	"github.com/exam2quiz/pipeline/store"
	"github.com/exam2quiz/pipeline/types"
)

// fakeVision returns a fixed response per image path, or an error when the
// path is listed in failOn.
type fakeVision struct {
	failOn map[string]error
}

func (f fakeVision) Parse(ctx context.Context, credential string, req aiclient.VisionRequest) ([]byte, error) {
	if err, ok := f.failOn[string(req.ImageBytes)]; ok {
		return nil, err
	}
	return json.Marshal(types.ParsePayload{
		QuestionNumber: "1",
		Points:         5,
		QuestionText:   "What is 2+2?",
		QuestionType:   types.QuestionOpen,
		CorrectAnswer:  "4",
	})
}

func TestParse_Process_AllSucceed(t *testing.T) {
	ctx := context.Background()
	objStore, err := objstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := objStore.Put(ctx, "t1/run-1/extract/a.png", []byte("img-a")); err != nil {
		t.Fatal(err)
	}
	if err := objStore.Put(ctx, "t1/run-1/extract/b.png", []byte("img-b")); err != nil {
		t.Fatal(err)
	}

	s := store.NewMemoryStore()
	s.SeedTenant(&types.Tenant{ID: "t1", Slug: "t1", Active: true, Credential: "cred-1"})
	run := &types.PipelineRun{ID: "run-1", TenantID: "t1", Status: types.RunRunning}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	proc := NewParse(Config{
		Store:      s,
		ObjStore:   objStore,
		Vision:     fakeVision{},
		Credential: &aiclient.CredentialResolver{},
	})
	pctx := &stagerunner.ProcessContext{
		Run:      run,
		Envelope: queue.Envelope{Payload: map[string]any{"image_paths": []string{"t1/run-1/extract/a.png", "t1/run-1/extract/b.png"}}},
		Logger:   log.NewLogger(log.Context{TenantID: "t1", RunID: run.ID}),
	}

	result, err := proc.Process(ctx, pctx)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result["successful"] != 2 {
		t.Fatalf("expected 2 successful, got %v", result["successful"])
	}

	parsedPath, _ := result["parsed_path"].(string)
	body, err := objStore.Get(ctx, parsedPath)
	if err != nil {
		t.Fatalf("expected parsed.json written: %v", err)
	}
	var results []parseResult
	if err := json.Unmarshal(body, &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestParse_Process_OneFailureDoesNotFailWholeJob(t *testing.T) {
	ctx := context.Background()
	objStore, err := objstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := objStore.Put(ctx, "t1/run-2/extract/good.png", []byte("good")); err != nil {
		t.Fatal(err)
	}
	if err := objStore.Put(ctx, "t1/run-2/extract/bad.png", []byte("bad")); err != nil {
		t.Fatal(err)
	}

	s := store.NewMemoryStore()
	s.SeedTenant(&types.Tenant{ID: "t1", Slug: "t1", Active: true, Credential: "cred-1"})
	run := &types.PipelineRun{ID: "run-2", TenantID: "t1", Status: types.RunRunning}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	proc := NewParse(Config{
		Store:      s,
		ObjStore:   objStore,
		Vision:     fakeVision{failOn: map[string]error{"bad": errors.New("vision model unavailable")}},
		Credential: &aiclient.CredentialResolver{},
		AIMaxAttempts: 1,
	})
	pctx := &stagerunner.ProcessContext{
		Run:      run,
		Envelope: queue.Envelope{Payload: map[string]any{"image_paths": []string{"t1/run-2/extract/good.png", "t1/run-2/extract/bad.png"}}},
		Logger:   log.NewLogger(log.Context{TenantID: "t1", RunID: run.ID}),
	}

	result, err := proc.Process(ctx, pctx)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result["total"] != 2 || result["successful"] != 1 {
		t.Fatalf("expected total=2 successful=1, got %v", result)
	}
}

func TestParse_Process_NoImagesIsFatal(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	run := &types.PipelineRun{ID: "run-3", TenantID: "t1", Status: types.RunRunning}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	proc := NewParse(Config{Store: s, Credential: &aiclient.CredentialResolver{}})
	pctx := &stagerunner.ProcessContext{
		Run:      run,
		Envelope: queue.Envelope{Payload: map[string]any{}},
		Logger:   log.NewLogger(log.Context{TenantID: "t1", RunID: run.ID}),
	}

	_, err := proc.Process(ctx, pctx)
	stageErr, ok := stagerunner.AsStageError(err)
	if !ok || stageErr.Retryable {
		t.Fatalf("expected a fatal *StageError, got %v", err)
	}
}
