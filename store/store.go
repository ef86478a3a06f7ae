// Package store persists tenants, categories, runs, jobs, and the shared
// per-tenant item corpus. The real backend is Postgres (see postgres.go);
// an in-memory fake satisfying the same interface is used for tests (see
// memory.go), constructed the same way a real Store is.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/exam2quiz/pipeline/types"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// RunFilter narrows a ListRuns query. Zero values are unconstrained.
type RunFilter struct {
	TenantID      string
	Status        types.RunStatus
	ParentRunID   *string // if set and "", matches standalone/parent runs only
	Limit         int
	Offset        int
}

// Store is the persistence interface every stage, the admission controller,
// and the coordinator depend on. Implementations must make MergeItems
// serializable with respect to other concurrent MergeItems calls for the
// same tenant (see Corpus Merge in the component design).
type Store interface {
	GetTenant(ctx context.Context, tenantID string) (*types.Tenant, error)
	ListTenantCategories(ctx context.Context, tenantID string) ([]types.TenantCategory, error)

	CreateRun(ctx context.Context, run *types.PipelineRun) error
	GetRun(ctx context.Context, runID string) (*types.PipelineRun, error)
	UpdateRun(ctx context.Context, run *types.PipelineRun) error
	ListChildRuns(ctx context.Context, parentRunID string) ([]*types.PipelineRun, error)
	ListActiveStandaloneRuns(ctx context.Context, tenantID string) ([]*types.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*types.PipelineRun, error)
	DeleteRun(ctx context.Context, runID string) error

	CreateJob(ctx context.Context, job *types.PipelineJob) error
	UpdateJob(ctx context.Context, job *types.PipelineJob) error
	GetLatestJob(ctx context.Context, runID string, stage types.Stage) (*types.PipelineJob, error)
	ListJobs(ctx context.Context, runID string) ([]*types.PipelineJob, error)

	// MergeItems upserts items by natural key (tenantId, file) within one
	// serializable transaction, then returns the tenant's full item corpus.
	MergeItems(ctx context.Context, tenantID string, items []types.Item) ([]types.Item, error)
	ListItems(ctx context.Context, tenantID string) ([]types.Item, error)
	UpdateItemSimilarityGroup(ctx context.Context, tenantID, file string, groupID *string) error
	DeleteItemsByRunIDs(ctx context.Context, tenantID string, runIDs []string) error
	MarkItemWrong(ctx context.Context, tenantID, file string, wrong bool, at time.Time) error

	Close() error
}

// mergeChunkSize bounds the number of items upserted per statement batch
// within one Corpus Merge transaction.
const mergeChunkSize = 100

// serializableTxTimeout bounds the Corpus Merge transaction.
const serializableTxTimeout = 60 * time.Second
