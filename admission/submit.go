package admission

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/exam2quiz/pipeline/coordinator"
	"github.com/exam2quiz/pipeline/queue"
	"github.com/exam2quiz/pipeline/stage"
	"github.com/exam2quiz/pipeline/types"
)

// FileInput is one uploaded document's already-buffered body.
type FileInput struct {
	Name string
	Data []byte
}

// SubmitRequest is the admission operation's input, per spec.md §6's
// submit(tenantId, files[], urls[]) entry.
type SubmitRequest struct {
	TenantID string
	Files    []FileInput
	URLs     []string
}

// RunSummary is the projection of a PipelineRun admission operations
// return, per spec.md §6's "run summary" result type.
type RunSummary struct {
	ID             string
	TenantID       string
	ParentRunID    string
	Status         types.RunStatus
	CurrentStage   types.Stage
	Progress       int
	BatchIndex     int
	BatchSize      int
	TotalBatches   int
	TotalItems     int
	ProcessedItems int
	TotalQuestions int
	ErrorMessage   string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

func summarize(run *types.PipelineRun) *RunSummary {
	return &RunSummary{
		ID:             run.ID,
		TenantID:       run.TenantID,
		ParentRunID:    run.ParentRunID,
		Status:         run.Status,
		CurrentStage:   run.CurrentStage,
		Progress:       run.Progress,
		BatchIndex:     run.BatchIndex,
		BatchSize:      run.BatchSize,
		TotalBatches:   run.TotalBatches,
		TotalItems:     run.TotalItems,
		ProcessedItems: run.ProcessedItems,
		TotalQuestions: run.TotalQuestions,
		ErrorMessage:   run.ErrorMessage,
		CreatedAt:      run.CreatedAt,
		StartedAt:      run.StartedAt,
		CompletedAt:    run.CompletedAt,
	}
}

// Submit validates req and admits it into the pipeline, per spec.md §4.6's
// four-step algorithm: tenant-active check, quota check, input
// materialization, routing to standalone or batch.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (*RunSummary, error) {
	cfg := c.Cfg

	tenant, err := cfg.Store.GetTenant(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("admission: load tenant %s: %w", req.TenantID, err)
	}
	if !tenant.Active {
		return nil, ErrTenantInactive
	}

	active, err := cfg.Store.ListActiveStandaloneRuns(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("admission: count active runs for %s: %w", req.TenantID, err)
	}
	quota := tenant.MaxConcurrentPipelines
	if quota <= 0 {
		quota = cfg.DefaultTenantQuota
	}
	if len(active) >= quota {
		return nil, ErrQuotaExceeded
	}

	if len(req.Files)+len(req.URLs) > cfg.MaxFilesPerRun {
		return nil, fmt.Errorf("admission: %d inputs exceeds the %d-file submission limit", len(req.Files)+len(req.URLs), cfg.MaxFilesPerRun)
	}

	inputPaths, err := c.materialize(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(inputPaths) == 0 {
		return nil, ErrNoInputs
	}

	batchThreshold := cfg.Coordinator.BatchSize
	if batchThreshold <= 0 {
		batchThreshold = coordinator.DefaultBatchSize
	}
	if len(inputPaths) > batchThreshold {
		parent, _, err := coordinator.Split(ctx, cfg.Coordinator, req.TenantID, inputPaths)
		if err != nil {
			return nil, fmt.Errorf("admission: fan out submission: %w", err)
		}
		return summarize(parent), nil
	}

	return c.submitStandalone(ctx, req.TenantID, inputPaths)
}

// submitStandalone creates a single run owning every materialized input and
// enqueues its head Extract job.
func (c *Controller) submitStandalone(ctx context.Context, tenantID string, inputPaths []string) (*RunSummary, error) {
	now := time.Now()
	run := &types.PipelineRun{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		InputFiles:   inputPaths,
		Status:       types.RunQueued,
		CurrentStage: types.StageExtract,
		CreatedAt:    now,
	}
	if err := run.Transition(types.RunRunning, now); err != nil {
		return nil, fmt.Errorf("admission: start run: %w", err)
	}
	if err := c.Cfg.Store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("admission: create run: %w", err)
	}

	job := &types.PipelineJob{
		ID:            uuid.NewString(),
		PipelineRunID: run.ID,
		Stage:         types.StageExtract,
		Status:        types.JobPending,
		CreatedAt:     now,
	}
	if err := c.Cfg.Store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("admission: create extract job: %w", err)
	}

	envelope := queue.Envelope{
		Stage:         string(types.StageExtract),
		TenantID:      tenantID,
		PipelineRunID: run.ID,
		Payload:       map[string]any{"input_files": inputPaths},
	}
	if _, err := c.Cfg.Queue.Enqueue(ctx, types.StageExtract, tenantID, envelope); err != nil {
		return nil, fmt.Errorf("admission: enqueue extract: %w", err)
	}

	return summarize(run), nil
}

// materialize buffers every uploaded file and fetches every URL, writing
// each into the tenant's upload prefix under a fresh run-independent id,
// per spec.md §4.6 step 3. Names are deduplicated and filename-safed
// together, uploads first, so a URL download never silently overwrites an
// uploaded file with the same name.
func (c *Controller) materialize(ctx context.Context, req SubmitRequest) ([]string, error) {
	uploadID := uuid.NewString()
	prefix := path.Join(req.TenantID, "uploads", uploadID)

	seen := make(map[string]int)
	var out []string

	for _, f := range req.Files {
		name := safeInputName(f.Name, seen)
		dst := path.Join(prefix, name)
		if err := c.Cfg.ObjStore.Put(ctx, dst, f.Data); err != nil {
			return nil, fmt.Errorf("admission: store upload %s: %w", f.Name, err)
		}
		out = append(out, dst)
	}

	for _, raw := range req.URLs {
		data, fetchedName, err := c.fetchURL(ctx, raw)
		if err != nil {
			return nil, err
		}
		name := safeInputName(fetchedName, seen)
		dst := path.Join(prefix, name)
		if err := c.Cfg.ObjStore.Put(ctx, dst, data); err != nil {
			return nil, fmt.Errorf("admission: store fetched %s: %w", raw, err)
		}
		out = append(out, dst)
	}

	return out, nil
}

// fetchURL validates raw as an HTTP/S URL, downloads its body, and returns
// a candidate filename derived from the URL path. The download duration is
// recorded for the admission logger only; spec.md §4.6 does not say the
// duration is otherwise load-bearing.
func (c *Controller) fetchURL(ctx context.Context, raw string) (data []byte, name string, err error) {
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, "", fmt.Errorf("%w: %s", ErrInvalidURL, raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", ErrInvalidURL, raw, err)
	}

	start := time.Now()
	resp, err := c.Cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("admission: fetch %s: %w", raw, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("admission: read body of %s: %w", raw, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("admission: fetch %s: status %d", raw, resp.StatusCode)
	}

	c.Cfg.Logger.Info("admission: fetched url input", map[string]any{
		"url": raw, "bytes": len(body), "duration_ms": time.Since(start).Milliseconds(),
	})

	return body, path.Base(parsed.Path), nil
}

// safeInputName transliterates and strips name into a filename-safe `.pdf`
// basename, falling back to "download.pdf" when name carries no usable
// stem, then deduplicates against seen by appending "_N".
func safeInputName(name string, seen map[string]int) string {
	stem := stage.Sanitize(strings.TrimSuffix(path.Base(name), path.Ext(name)))
	if stem == "" {
		stem = "download"
	}
	candidate := stem + ".pdf"
	if n, ok := seen[candidate]; ok {
		n++
		seen[candidate] = n
		return fmt.Sprintf("%s_%d.pdf", stem, n)
	}
	seen[candidate] = 0
	return candidate
}
