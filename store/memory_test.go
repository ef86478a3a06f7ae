package store

import (
	"context"
	"testing"
	"time"

	"github.com/exam2quiz/pipeline/types"
)

func TestMergeItems_UpsertByNaturalKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := []types.Item{
		{File: "doc_q001_5pt.png", PipelineRunID: "run-1", Success: true, Parse: types.ParsePayload{Success: true, QuestionText: "first"}},
	}
	corpus, err := s.MergeItems(ctx, "tenant-1", first)
	if err != nil {
		t.Fatalf("MergeItems: %v", err)
	}
	if len(corpus) != 1 || corpus[0].Version != 1 {
		t.Fatalf("expected 1 item at version 1, got %+v", corpus)
	}

	second := []types.Item{
		{File: "doc_q001_5pt.png", PipelineRunID: "run-2", Success: true, Parse: types.ParsePayload{Success: true, QuestionText: "updated"}},
	}
	corpus, err = s.MergeItems(ctx, "tenant-1", second)
	if err != nil {
		t.Fatalf("MergeItems (update): %v", err)
	}
	if len(corpus) != 1 {
		t.Fatalf("expected upsert not insert, got %d items", len(corpus))
	}
	if corpus[0].Version != 2 {
		t.Errorf("expected version 2 after update, got %d", corpus[0].Version)
	}
	if corpus[0].PipelineRunID != "run-2" {
		t.Errorf("expected last-writer-wins pipeline_run_id=run-2, got %s", corpus[0].PipelineRunID)
	}
	if corpus[0].Parse.QuestionText != "updated" {
		t.Errorf("expected parse payload overwritten, got %q", corpus[0].Parse.QuestionText)
	}
}

func TestMergeItems_ResetsSimilarityGroupOnUpdate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.MergeItems(ctx, "t1", []types.Item{{File: "a.png", Success: true}})
	if err != nil {
		t.Fatal(err)
	}
	group := "g1"
	if err := s.UpdateItemSimilarityGroup(ctx, "t1", "a.png", &group); err != nil {
		t.Fatal(err)
	}

	corpus, err := s.MergeItems(ctx, "t1", []types.Item{{File: "a.png", Success: true}})
	if err != nil {
		t.Fatal(err)
	}
	if corpus[0].SimilarityGroupID != nil {
		t.Errorf("expected similarity_group_id reset to nil on merge, got %v", *corpus[0].SimilarityGroupID)
	}
}

func TestMergeItems_ReturnsFullCorpusAcrossRuns(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.MergeItems(ctx, "t1", []types.Item{{File: "a.png"}}); err != nil {
		t.Fatal(err)
	}
	corpus, err := s.MergeItems(ctx, "t1", []types.Item{{File: "b.png"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(corpus) != 2 {
		t.Fatalf("expected full corpus of 2 items, got %d", len(corpus))
	}
}

func TestDeleteItemsByRunIDs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.MergeItems(ctx, "t1", []types.Item{
		{File: "a.png", PipelineRunID: "run-1"},
		{File: "b.png", PipelineRunID: "run-2"},
	})

	if err := s.DeleteItemsByRunIDs(ctx, "t1", []string{"run-1"}); err != nil {
		t.Fatal(err)
	}
	corpus, _ := s.ListItems(ctx, "t1")
	if len(corpus) != 1 || corpus[0].File != "b.png" {
		t.Fatalf("expected only b.png to remain, got %+v", corpus)
	}
}

func TestListActiveStandaloneRuns_ExcludesChildren(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.CreateRun(ctx, &types.PipelineRun{ID: "parent", TenantID: "t1", Status: types.RunRunning})
	s.CreateRun(ctx, &types.PipelineRun{ID: "child", TenantID: "t1", Status: types.RunRunning, ParentRunID: "parent"})
	s.CreateRun(ctx, &types.PipelineRun{ID: "standalone", TenantID: "t1", Status: types.RunQueued})
	s.CreateRun(ctx, &types.PipelineRun{ID: "done", TenantID: "t1", Status: types.RunCompleted})

	active, err := s.ListActiveStandaloneRuns(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active standalone/parent runs, got %d", len(active))
	}
	for _, r := range active {
		if r.ID == "child" {
			t.Error("child run must not count toward the quota")
		}
	}
}

func TestMarkItemWrong(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.MergeItems(ctx, "t1", []types.Item{{File: "a.png"}})

	now := time.Now()
	if err := s.MarkItemWrong(ctx, "t1", "a.png", true, now); err != nil {
		t.Fatal(err)
	}
	corpus, _ := s.ListItems(ctx, "t1")
	if !corpus[0].MarkedWrong || corpus[0].MarkedWrongAt == nil {
		t.Fatalf("expected marked_wrong set, got %+v", corpus[0])
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetRun(context.Background(), "missing")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
