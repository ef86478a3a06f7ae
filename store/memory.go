package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/exam2quiz/pipeline/types"
)

// MemoryStore is an in-memory Store used by tests. It enforces the same
// natural-key and serialization invariants as PostgresStore, single-process.
type MemoryStore struct {
	mu sync.Mutex

	tenants    map[string]*types.Tenant
	categories map[string][]types.TenantCategory // tenantID -> categories
	runs       map[string]*types.PipelineRun
	jobs       map[string][]*types.PipelineJob // runID -> jobs, newest last
	items      map[string]map[string]*types.Item // tenantID -> file -> item

	// mergeGate serializes MergeItems the same way a SERIALIZABLE
	// transaction would for a single-node Postgres: one merge at a time.
	mergeGate sync.Mutex
}

// NewMemoryStore returns an empty MemoryStore. Use SeedTenant to preload tenants.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:    make(map[string]*types.Tenant),
		categories: make(map[string][]types.TenantCategory),
		runs:       make(map[string]*types.PipelineRun),
		jobs:       make(map[string][]*types.PipelineJob),
		items:      make(map[string]map[string]*types.Item),
	}
}

// Close is a no-op; MemoryStore owns no external resources.
func (s *MemoryStore) Close() error { return nil }

// SeedTenant installs a tenant and its categories for test setup.
func (s *MemoryStore) SeedTenant(t *types.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tenants[t.ID] = &cp
	s.categories[t.ID] = append([]types.TenantCategory(nil), t.Categories...)
}

func (s *MemoryStore) GetTenant(_ context.Context, tenantID string) (*types.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTenantCategories(_ context.Context, tenantID string) ([]types.TenantCategory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cats := append([]types.TenantCategory(nil), s.categories[tenantID]...)
	sort.Slice(cats, func(i, j int) bool {
		if cats[i].SortOrder != cats[j].SortOrder {
			return cats[i].SortOrder < cats[j].SortOrder
		}
		return cats[i].Key < cats[j].Key
	})
	return cats, nil
}

func (s *MemoryStore) CreateRun(_ context.Context, run *types.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("store: run %s already exists", run.ID)
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*types.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, run *types.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, run.ID)
	}
	existing.Status = run.Status
	existing.CurrentStage = run.CurrentStage
	existing.Progress = run.Progress
	existing.ErrorMessage = run.ErrorMessage
	existing.TotalItems = run.TotalItems
	existing.ProcessedItems = run.ProcessedItems
	existing.TotalQuestions = run.TotalQuestions
	existing.StartedAt = run.StartedAt
	existing.CompletedAt = run.CompletedAt
	return nil
}

func (s *MemoryStore) ListChildRuns(_ context.Context, parentRunID string) ([]*types.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.PipelineRun
	for _, r := range s.runs {
		if r.ParentRunID == parentRunID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchIndex < out[j].BatchIndex })
	return out, nil
}

func (s *MemoryStore) ListActiveStandaloneRuns(_ context.Context, tenantID string) ([]*types.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.PipelineRun
	for _, r := range s.runs {
		if r.TenantID != tenantID || r.ParentRunID != "" {
			continue
		}
		if r.Status == types.RunQueued || r.Status == types.RunRunning {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*types.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.PipelineRun
	for _, r := range s.runs {
		if r.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.ParentRunID != nil {
			if *filter.ParentRunID == "" && r.ParentRunID != "" {
				continue
			}
			if *filter.ParentRunID != "" && r.ParentRunID != *filter.ParentRunID {
				continue
			}
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else if filter.Offset >= len(out) {
		out = nil
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	delete(s.runs, runID)
	delete(s.jobs, runID)
	return nil
}

func (s *MemoryStore) CreateJob(_ context.Context, job *types.PipelineJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.PipelineRunID] = append(s.jobs[job.PipelineRunID], &cp)
	return nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, job *types.PipelineJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs[job.PipelineRunID] {
		if j.ID == job.ID {
			*j = *job
			return nil
		}
	}
	return fmt.Errorf("%w: job %s", ErrNotFound, job.ID)
}

func (s *MemoryStore) GetLatestJob(_ context.Context, runID string, stage types.Stage) (*types.PipelineJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.jobs[runID]
	for i := len(jobs) - 1; i >= 0; i-- {
		if jobs[i].Stage == stage {
			cp := *jobs[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListJobs(_ context.Context, runID string) ([]*types.PipelineJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.jobs[runID]
	out := make([]*types.PipelineJob, len(jobs))
	for i := range jobs {
		cp := *jobs[len(jobs)-1-i]
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) MergeItems(_ context.Context, tenantID string, incoming []types.Item) ([]types.Item, error) {
	s.mergeGate.Lock()
	defer s.mergeGate.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.items[tenantID]
	if !ok {
		bucket = make(map[string]*types.Item)
		s.items[tenantID] = bucket
	}

	now := time.Now()
	for _, item := range incoming {
		// Round-trip through JSON to mimic the Postgres path's deep copy and
		// to catch any non-serializable payload early.
		parseCopy, err := roundTrip(item.Parse)
		if err != nil {
			return nil, fmt.Errorf("store: marshal parse payload for %s: %w", item.File, err)
		}
		categorizationCopy, err := roundTrip(item.Categorization)
		if err != nil {
			return nil, fmt.Errorf("store: marshal categorization payload for %s: %w", item.File, err)
		}

		existing, found := bucket[item.File]
		version := 1
		created := now
		if found {
			version = existing.Version + 1
			created = existing.CreatedAt
		}
		bucket[item.File] = &types.Item{
			TenantID:          tenantID,
			File:              item.File,
			PipelineRunID:     item.PipelineRunID,
			SourceDocument:    item.SourceDocument,
			Success:           item.Success,
			Parse:             parseCopy,
			Categorization:    categorizationCopy,
			SimilarityGroupID: nil,
			CreatedAt:         created,
			UpdatedAt:         now,
			Version:           version,
		}
	}

	return s.snapshotLocked(tenantID), nil
}

func roundTrip[T any](v T) (T, error) {
	var out T
	b, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (s *MemoryStore) ListItems(_ context.Context, tenantID string) ([]types.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(tenantID), nil
}

func (s *MemoryStore) snapshotLocked(tenantID string) []types.Item {
	bucket := s.items[tenantID]
	out := make([]types.Item, 0, len(bucket))
	for _, item := range bucket {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out
}

func (s *MemoryStore) UpdateItemSimilarityGroup(_ context.Context, tenantID, file string, groupID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.items[tenantID]
	if !ok {
		return fmt.Errorf("%w: item %s/%s", ErrNotFound, tenantID, file)
	}
	item, ok := bucket[file]
	if !ok {
		return fmt.Errorf("%w: item %s/%s", ErrNotFound, tenantID, file)
	}
	item.SimilarityGroupID = groupID
	item.UpdatedAt = time.Now()
	item.Version++
	return nil
}

func (s *MemoryStore) DeleteItemsByRunIDs(_ context.Context, tenantID string, runIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.items[tenantID]
	if bucket == nil {
		return nil
	}
	runSet := make(map[string]struct{}, len(runIDs))
	for _, id := range runIDs {
		runSet[id] = struct{}{}
	}
	for file, item := range bucket {
		if _, match := runSet[item.PipelineRunID]; match {
			delete(bucket, file)
		}
	}
	return nil
}

func (s *MemoryStore) MarkItemWrong(_ context.Context, tenantID, file string, wrong bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.items[tenantID]
	if !ok {
		return fmt.Errorf("%w: item %s/%s", ErrNotFound, tenantID, file)
	}
	item, ok := bucket[file]
	if !ok {
		return fmt.Errorf("%w: item %s/%s", ErrNotFound, tenantID, file)
	}
	item.MarkedWrong = wrong
	if wrong {
		markedAt := at
		item.MarkedWrongAt = &markedAt
	} else {
		item.MarkedWrongAt = nil
	}
	item.UpdatedAt = time.Now()
	item.Version++
	return nil
}

var _ Store = (*MemoryStore)(nil)
