package store

import (
	"encoding/json"
	"time"

	"github.com/exam2quiz/pipeline/types"
)

// tenantRow mirrors the tenants table; Categories are loaded separately via
// ListTenantCategories and attached by callers that need them.
type tenantRow struct {
	ID                     string    `db:"id"`
	Slug                   string    `db:"slug"`
	Active                 bool      `db:"active"`
	Credential             string    `db:"credential"`
	MaxConcurrentPipelines int       `db:"max_concurrent_pipelines"`
	StorageBudgetMB        int       `db:"storage_budget_mb"`
	CreatedAt              time.Time `db:"created_at"`
	UpdatedAt              time.Time `db:"updated_at"`
}

func (r tenantRow) toTenant() *types.Tenant {
	return &types.Tenant{
		ID:                     r.ID,
		Slug:                   r.Slug,
		Active:                 r.Active,
		Credential:             r.Credential,
		MaxConcurrentPipelines: r.MaxConcurrentPipelines,
		StorageBudgetMB:        r.StorageBudgetMB,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}
}

type categoryRow struct {
	ID          string `db:"id"`
	TenantID    string `db:"tenant_id"`
	Key         string `db:"key"`
	Name        string `db:"name"`
	Subcategory string `db:"subcategory"`
	OutputKey   string `db:"output_key"`
	SortOrder   int    `db:"sort_order"`
}

func (r categoryRow) toCategory() types.TenantCategory {
	return types.TenantCategory{
		ID:          r.ID,
		TenantID:    r.TenantID,
		Key:         r.Key,
		Name:        r.Name,
		Subcategory: r.Subcategory,
		OutputKey:   r.OutputKey,
		SortOrder:   r.SortOrder,
	}
}

const selectRunSQL = `
	SELECT id, tenant_id, input_files, source_urls, input_mode, status, current_stage, progress,
	       error_message, COALESCE(parent_run_id, '') AS parent_run_id, batch_index, batch_size,
	       total_batches, total_items, processed_items, total_questions, created_at, started_at, completed_at
	FROM pipeline_runs`

type runRow struct {
	ID             string         `db:"id"`
	TenantID       string         `db:"tenant_id"`
	InputFiles     []string       `db:"input_files"`
	SourceURLs     []string       `db:"source_urls"`
	InputMode      string         `db:"input_mode"`
	Status         string         `db:"status"`
	CurrentStage   string         `db:"current_stage"`
	Progress       int            `db:"progress"`
	ErrorMessage   string         `db:"error_message"`
	ParentRunID    string         `db:"parent_run_id"`
	BatchIndex     int            `db:"batch_index"`
	BatchSize      int            `db:"batch_size"`
	TotalBatches   int            `db:"total_batches"`
	TotalItems     int            `db:"total_items"`
	ProcessedItems int            `db:"processed_items"`
	TotalQuestions int            `db:"total_questions"`
	CreatedAt      time.Time      `db:"created_at"`
	StartedAt      *time.Time     `db:"started_at"`
	CompletedAt    *time.Time     `db:"completed_at"`
}

func (r runRow) toRun() *types.PipelineRun {
	return &types.PipelineRun{
		ID:             r.ID,
		TenantID:       r.TenantID,
		InputFiles:     r.InputFiles,
		SourceURLs:     r.SourceURLs,
		InputMode:      types.InputMode(r.InputMode),
		Status:         types.RunStatus(r.Status),
		CurrentStage:   types.Stage(r.CurrentStage),
		Progress:       r.Progress,
		ErrorMessage:   r.ErrorMessage,
		ParentRunID:    r.ParentRunID,
		BatchIndex:     r.BatchIndex,
		BatchSize:      r.BatchSize,
		TotalBatches:   r.TotalBatches,
		TotalItems:     r.TotalItems,
		ProcessedItems: r.ProcessedItems,
		TotalQuestions: r.TotalQuestions,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
	}
}

func toRunPointers(rows []runRow) []*types.PipelineRun {
	out := make([]*types.PipelineRun, len(rows))
	for i, r := range rows {
		out[i] = r.toRun()
	}
	return out
}

const selectJobSQL = `
	SELECT id, pipeline_run_id, stage, status, progress, attempt, external_job_id,
	       error_message, result, created_at, started_at, completed_at
	FROM pipeline_jobs`

type jobRow struct {
	ID            string     `db:"id"`
	PipelineRunID string     `db:"pipeline_run_id"`
	Stage         string     `db:"stage"`
	Status        string     `db:"status"`
	Progress      int        `db:"progress"`
	Attempt       int        `db:"attempt"`
	ExternalJobID string     `db:"external_job_id"`
	ErrorMessage  string     `db:"error_message"`
	Result        []byte     `db:"result"`
	CreatedAt     time.Time  `db:"created_at"`
	StartedAt     *time.Time `db:"started_at"`
	CompletedAt   *time.Time `db:"completed_at"`
}

func (r jobRow) toJob() *types.PipelineJob {
	return &types.PipelineJob{
		ID:            r.ID,
		PipelineRunID: r.PipelineRunID,
		Stage:         types.Stage(r.Stage),
		Status:        types.JobStatus(r.Status),
		Progress:      r.Progress,
		Attempt:       r.Attempt,
		ExternalJobID: r.ExternalJobID,
		ErrorMessage:  r.ErrorMessage,
		Result:        r.Result,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}
}

const selectItemSQL = `
	SELECT tenant_id, file, pipeline_run_id, source_document, success, parse, categorization,
	       similarity_group_id, marked_wrong, marked_wrong_at, created_at, updated_at, version
	FROM items`

type itemRow struct {
	TenantID          string     `db:"tenant_id"`
	File              string     `db:"file"`
	PipelineRunID     string     `db:"pipeline_run_id"`
	SourceDocument    string     `db:"source_document"`
	Success           bool       `db:"success"`
	Parse             []byte     `db:"parse"`
	Categorization    []byte     `db:"categorization"`
	SimilarityGroupID *string    `db:"similarity_group_id"`
	MarkedWrong       bool       `db:"marked_wrong"`
	MarkedWrongAt     *time.Time `db:"marked_wrong_at"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
	Version           int        `db:"version"`
}

func (r itemRow) toItem() types.Item {
	item := types.Item{
		TenantID:          r.TenantID,
		File:              r.File,
		PipelineRunID:     r.PipelineRunID,
		SourceDocument:    r.SourceDocument,
		Success:           r.Success,
		SimilarityGroupID: r.SimilarityGroupID,
		MarkedWrong:       r.MarkedWrong,
		MarkedWrongAt:     r.MarkedWrongAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		Version:           r.Version,
	}
	_ = json.Unmarshal(r.Parse, &item.Parse)
	_ = json.Unmarshal(r.Categorization, &item.Categorization)
	return item
}
