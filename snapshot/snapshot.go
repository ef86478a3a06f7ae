// Package snapshot implements the Corpus Snapshot Exporter: a periodic (or
// on-demand) job that reads a tenant's full item corpus and writes it as
// Parquet alongside the JSON outputs the pipeline already produces, for
// analytics tooling that would rather not parse the JSON corpus. This has
// no equivalent operation in the core admission/run API; it is purely
// additive, grounded on the teacher's lode package existing specifically
// to give accumulated output a durable, columnar, queryable home.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/exam2quiz/pipeline/log"
	"github.com/exam2quiz/pipeline/objstore"
	"github.com/exam2quiz/pipeline/store"
	"github.com/exam2quiz/pipeline/types"
)

// itemRow is the flattened, Parquet-friendly projection of a types.Item.
// Pointer and payload fields are flattened to scalar columns; a missing
// optional value is an empty string or zero, not a Parquet null — the
// export is a denormalized analytics dump, not a lossless serialization of
// Item (the JSON corpus remains the source of truth for that).
type itemRow struct {
	TenantID       string `parquet:"tenant_id"`
	File           string `parquet:"file"`
	PipelineRunID  string `parquet:"pipeline_run_id"`
	SourceDocument string `parquet:"source_document"`
	Success        bool   `parquet:"success"`

	QuestionNumber string   `parquet:"question_number"`
	Points         int      `parquet:"points"`
	QuestionText   string   `parquet:"question_text"`
	QuestionType   string   `parquet:"question_type"`
	CorrectAnswer  string   `parquet:"correct_answer"`
	Options        []string `parquet:"options,list"`
	ParseError     string   `parquet:"parse_error"`
	ParseErrorType string   `parquet:"parse_error_type"`

	Category                string `parquet:"category"`
	Subcategory             string `parquet:"subcategory"`
	CategorizationReasoning string `parquet:"categorization_reasoning"`
	CategorizationError     string `parquet:"categorization_error"`

	SimilarityGroupID string `parquet:"similarity_group_id"`

	MarkedWrong   bool   `parquet:"marked_wrong"`
	MarkedWrongAt string `parquet:"marked_wrong_at"`

	CreatedAt string `parquet:"created_at"`
	UpdatedAt string `parquet:"updated_at"`
	Version   int    `parquet:"version"`
}

func toRow(it types.Item) itemRow {
	row := itemRow{
		TenantID:                it.TenantID,
		File:                    it.File,
		PipelineRunID:           it.PipelineRunID,
		SourceDocument:          it.SourceDocument,
		Success:                 it.Success,
		QuestionNumber:          it.Parse.QuestionNumber,
		Points:                  it.Parse.Points,
		QuestionText:            it.Parse.QuestionText,
		QuestionType:            string(it.Parse.QuestionType),
		CorrectAnswer:           it.Parse.CorrectAnswer,
		Options:                 it.Parse.Options,
		ParseError:              it.Parse.Error,
		ParseErrorType:          it.Parse.ErrorType,
		Category:                it.Categorization.Category,
		Subcategory:             it.Categorization.Subcategory,
		CategorizationReasoning: it.Categorization.Reasoning,
		CategorizationError:     it.Categorization.Error,
		MarkedWrong:             it.MarkedWrong,
		CreatedAt:               it.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:               it.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Version:                 it.Version,
	}
	if it.SimilarityGroupID != nil {
		row.SimilarityGroupID = *it.SimilarityGroupID
	}
	if it.MarkedWrongAt != nil {
		row.MarkedWrongAt = it.MarkedWrongAt.UTC().Format(time.RFC3339Nano)
	}
	return row
}

// Config bundles the dependencies Export needs.
type Config struct {
	Store    store.Store
	ObjStore objstore.Store
	Logger   *log.Logger
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = log.NewLogger(log.Context{Stage: "snapshot"})
	}
}

// Exporter writes periodic Parquet snapshots of a tenant's item corpus.
type Exporter struct {
	Cfg Config
}

// New returns an Exporter with defaults applied.
func New(cfg Config) *Exporter {
	cfg.setDefaults()
	return &Exporter{Cfg: cfg}
}

// Export reads tenantID's full item corpus, encodes it as Parquet, and
// writes it under "{tenantID}/snapshots/{day}/items.parquet", returning
// the written path. A tenant with zero items still produces an
// (empty-row) file, so downstream tooling can rely on the path existing
// once a tenant has been exported at all.
func (e *Exporter) Export(ctx context.Context, tenantID string) (string, error) {
	items, err := e.Cfg.Store.ListItems(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("snapshot: load tenant corpus for %s: %w", tenantID, err)
	}

	rows := make([]itemRow, len(items))
	for i, it := range items {
		rows[i] = toRow(it)
	}

	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows); err != nil {
		return "", fmt.Errorf("snapshot: encode parquet for %s: %w", tenantID, err)
	}

	day := time.Now().UTC().Format("2006-01-02")
	dst := path.Join(tenantID, "snapshots", day, "items.parquet")
	if err := e.Cfg.ObjStore.Put(ctx, dst, buf.Bytes()); err != nil {
		return "", fmt.Errorf("snapshot: write %s: %w", dst, err)
	}

	e.Cfg.Logger.Info("snapshot: exported tenant corpus", map[string]any{
		"tenant_id": tenantID, "items": len(items), "path": dst,
	})
	return dst, nil
}
