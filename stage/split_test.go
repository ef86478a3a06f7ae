package stage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/exam2quiz/pipeline/log"
	"github.com/exam2quiz/pipeline/objstore"
	"github.com/exam2quiz/pipeline/queue"
	"github.com/exam2quiz/pipeline/stagerunner"
	"github.com/exam2quiz/pipeline/store"
	"github.com/exam2quiz/pipeline/types"
)

func TestSanitize_TransliteratesHungarianDiacritics(t *testing.T) {
	got := Sanitize("Történelem és Állampolgári Ismeretek")
	want := "tortenelem_es_allampolgari_ismeretek"
	if got != want {
		t.Fatalf("Sanitize() = %q, want %q", got, want)
	}
}

func TestSanitize_StripsUnsafeBytesAndLowercases(t *testing.T) {
	got := Sanitize("Math & Science!!!")
	want := "math_science"
	if got != want {
		t.Fatalf("Sanitize() = %q, want %q", got, want)
	}
}

func strPtr(s string) *string { return &s }

func TestGroupBySimilarity_NullItemsGetSingletonGroups(t *testing.T) {
	items := []types.Item{
		{File: "a.png", SimilarityGroupID: strPtr("g1")},
		{File: "b.png", SimilarityGroupID: strPtr("g1")},
		{File: "c.png", SimilarityGroupID: nil},
		{File: "d.png", SimilarityGroupID: nil},
	}
	groups := groupBySimilarity(items)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups (1 pair + 2 singletons), got %d: %+v", len(groups), groups)
	}
	if len(groups[0]) != 2 {
		t.Fatalf("expected largest group first with 2 members, got %+v", groups[0])
	}
}

func TestGroupByCategory_SkipsUncategorizedItems(t *testing.T) {
	items := []types.Item{
		{File: "a.png", Categorization: types.CategorizationPayload{Success: true, Category: "Math"}},
		{File: "b.png", Categorization: types.CategorizationPayload{Success: false}},
		{File: "c.png", Categorization: types.CategorizationPayload{Success: true, Category: "Math", Subcategory: "Algebra"}},
	}
	buckets, skipped := groupByCategory(items)
	if skipped != 1 {
		t.Fatalf("expected 1 skipped, got %d", skipped)
	}
	if len(buckets) != 2 {
		t.Fatalf("expected 2 buckets (Math, Math/Algebra), got %d: %+v", len(buckets), buckets)
	}
}

func TestSplit_Process_DetectsOutputCollision(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	run := &types.PipelineRun{ID: "run-1", TenantID: "t1", Status: types.RunRunning}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	objStore, err := objstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	// Two distinct category labels that sanitize to the same output key.
	items := []types.Item{
		{TenantID: "t1", File: "a.png", Categorization: types.CategorizationPayload{Success: true, Category: "Math!"}},
		{TenantID: "t1", File: "b.png", Categorization: types.CategorizationPayload{Success: true, Category: "Math?"}},
	}
	body, _ := json.Marshal(items)
	if err := objStore.Put(ctx, "t1/run-1/similarity/similarity.json", body); err != nil {
		t.Fatal(err)
	}

	proc := NewSplit(Config{Store: s, ObjStore: objStore})
	pctx := &stagerunner.ProcessContext{
		Run:      run,
		Envelope: queue.Envelope{Payload: map[string]any{"similarity_path": "t1/run-1/similarity/similarity.json"}},
		Logger:   log.NewLogger(log.Context{TenantID: "t1", RunID: run.ID}),
	}

	_, err = proc.Process(ctx, pctx)
	if err == nil {
		t.Fatal("expected collision error, got nil")
	}
	stageErr, ok := stagerunner.AsStageError(err)
	if !ok || stageErr.Retryable {
		t.Fatalf("expected a fatal *StageError, got %v (%T)", err, err)
	}
}

func TestSplit_Process_FilenameUsesSubcategoryAloneWhenPresent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	run := &types.PipelineRun{ID: "run-3", TenantID: "t1", Status: types.RunRunning}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	objStore, err := objstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	items := []types.Item{
		{TenantID: "t1", File: "a.png", Categorization: types.CategorizationPayload{Success: true, Category: "Biology", Subcategory: "Cells"}},
	}
	body, _ := json.Marshal(items)
	if err := objStore.Put(ctx, "t1/run-3/similarity/similarity.json", body); err != nil {
		t.Fatal(err)
	}

	proc := NewSplit(Config{Store: s, ObjStore: objStore})
	pctx := &stagerunner.ProcessContext{
		Run:      run,
		Envelope: queue.Envelope{Payload: map[string]any{"similarity_path": "t1/run-3/similarity/similarity.json"}},
		Logger:   log.NewLogger(log.Context{TenantID: "t1", RunID: run.ID}),
	}

	if _, err := proc.Process(ctx, pctx); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// The bucket's output key is the sanitized subcategory alone ("cells"),
	// not the composite "biologycells".
	if _, err := objStore.Get(ctx, "t1/run-3/split/cells.json"); err != nil {
		t.Fatalf("expected cells.json written, got error: %v", err)
	}
	if _, err := objStore.Get(ctx, "t1/run-3/split/biologycells.json"); err == nil {
		t.Fatal("expected no biologycells.json (composite label must not be used as the filename)")
	}
}

func TestSplit_Process_WritesBucketsAndPersistsSimilarityGroups(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	run := &types.PipelineRun{ID: "run-2", TenantID: "t1", Status: types.RunRunning}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MergeItems(ctx, "t1", []types.Item{{File: "a.png", TenantID: "t1"}, {File: "b.png", TenantID: "t1"}}); err != nil {
		t.Fatal(err)
	}

	objStore, err := objstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	items := []types.Item{
		{TenantID: "t1", File: "a.png", Categorization: types.CategorizationPayload{Success: true, Category: "Math"}, SimilarityGroupID: strPtr("g1")},
		{TenantID: "t1", File: "b.png", Categorization: types.CategorizationPayload{Success: true, Category: "Math"}, SimilarityGroupID: nil},
	}
	body, _ := json.Marshal(items)
	if err := objStore.Put(ctx, "t1/run-2/similarity/similarity.json", body); err != nil {
		t.Fatal(err)
	}

	proc := NewSplit(Config{Store: s, ObjStore: objStore})
	pctx := &stagerunner.ProcessContext{
		Run:      run,
		Envelope: queue.Envelope{Payload: map[string]any{"similarity_path": "t1/run-2/similarity/similarity.json"}},
		Logger:   log.NewLogger(log.Context{TenantID: "t1", RunID: run.ID}),
	}

	result, err := proc.Process(ctx, pctx)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result["buckets"] != 1 {
		t.Fatalf("expected 1 bucket, got %v", result["buckets"])
	}

	out, err := objStore.Get(ctx, "t1/run-2/split/math.json")
	if err != nil {
		t.Fatalf("expected math.json written: %v", err)
	}
	var bucket splitBucket
	if err := json.Unmarshal(out, &bucket); err != nil {
		t.Fatal(err)
	}
	if bucket.CategoryName != "Math" || len(bucket.Groups) != 2 {
		t.Fatalf("unexpected bucket contents: %+v", bucket)
	}
}
