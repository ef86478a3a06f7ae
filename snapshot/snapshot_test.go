package snapshot

import (
	"bytes"
	"context"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/exam2quiz/pipeline/objstore"
	"github.com/exam2quiz/pipeline/store"
	"github.com/exam2quiz/pipeline/types"
)

func TestExport_WritesReadableParquetForTenantCorpus(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	objStore, err := objstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	items := []types.Item{
		{TenantID: "t1", File: "a_q001_10pt.png", PipelineRunID: "r1", Success: true,
			Parse:          types.ParsePayload{Success: true, QuestionNumber: "1", Points: 10, QuestionText: "q", CorrectAnswer: "a"},
			Categorization: types.CategorizationPayload{Success: true, Category: "Anatomy"},
		},
		{TenantID: "t1", File: "a_q002_5pt.png", PipelineRunID: "r1", Success: false,
			Parse: types.ParsePayload{Success: false, Error: "rate limited", ErrorType: "transient"},
		},
	}
	if _, err := s.MergeItems(ctx, "t1", items); err != nil {
		t.Fatal(err)
	}
	group := "sim-1"
	if err := s.UpdateItemSimilarityGroup(ctx, "t1", "a_q001_10pt.png", &group); err != nil {
		t.Fatal(err)
	}

	exp := New(Config{Store: s, ObjStore: objStore})
	dst, err := exp.Export(ctx, "t1")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	data, err := objStore.Get(ctx, dst)
	if err != nil {
		t.Fatalf("read exported snapshot: %v", err)
	}

	rows, err := parquet.Read[itemRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("parquet.Read: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	var sawGroup bool
	for _, r := range rows {
		if r.File == "a_q001_10pt.png" {
			if r.SimilarityGroupID != "sim-1" || r.Category != "Anatomy" {
				t.Fatalf("unexpected row for a_q001: %+v", r)
			}
			sawGroup = true
		}
	}
	if !sawGroup {
		t.Fatal("expected to find the a_q001 row")
	}
}

func TestExport_EmptyCorpusStillWritesAFile(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	objStore, err := objstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	exp := New(Config{Store: s, ObjStore: objStore})
	dst, err := exp.Export(ctx, "empty-tenant")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if _, err := objStore.Get(ctx, dst); err != nil {
		t.Fatalf("expected an empty-row parquet file to exist: %v", err)
	}
}
