package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/exam2quiz/pipeline/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Config configures the Postgres-backed Store.
type Config struct {
	// DSN is the Postgres connection string (required).
	DSN string
	// MaxConns bounds the connection pool (default 10).
	MaxConns int
	// MaxConnLifetime recycles pooled connections (default 1h).
	MaxConnLifetime time.Duration
}

// PostgresStore is the real Store implementation.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens a connection pool and applies pending migrations.
func NewPostgresStore(cfg Config) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("store: DSN is required")
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	if cfg.MaxConnLifetime <= 0 {
		cfg.MaxConnLifetime = time.Hour
	}

	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetConnMaxLifetime(cfg.MaxConnLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	if err := migrate(db.DB); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// GetTenant loads a tenant without its categories.
func (s *PostgresStore) GetTenant(ctx context.Context, tenantID string) (*types.Tenant, error) {
	var row tenantRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, slug, active, credential, max_concurrent_pipelines, storage_budget_mb, created_at, updated_at
		FROM tenants WHERE id = $1`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get tenant: %w", err)
	}
	return row.toTenant(), nil
}

// ListTenantCategories loads a tenant's categories ordered by sort_order.
func (s *PostgresStore) ListTenantCategories(ctx context.Context, tenantID string) ([]types.TenantCategory, error) {
	var rows []categoryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, tenant_id, key, name, subcategory, output_key, sort_order
		FROM tenant_categories WHERE tenant_id = $1 ORDER BY sort_order, key`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list categories: %w", err)
	}
	out := make([]types.TenantCategory, len(rows))
	for i, r := range rows {
		out[i] = r.toCategory()
	}
	return out, nil
}

// CreateRun inserts a new run row.
func (s *PostgresStore) CreateRun(ctx context.Context, run *types.PipelineRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs
			(id, tenant_id, input_files, source_urls, input_mode, status, current_stage, progress,
			 error_message, parent_run_id, batch_index, batch_size, total_batches,
			 total_items, processed_items, total_questions, created_at, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		run.ID, run.TenantID, run.InputFiles, run.SourceURLs, run.InputMode,
		run.Status, run.CurrentStage, run.Progress, run.ErrorMessage, run.ParentRunID,
		run.BatchIndex, run.BatchSize, run.TotalBatches, run.TotalItems, run.ProcessedItems,
		run.TotalQuestions, run.CreatedAt, run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("store: create run: %w", err)
	}
	return nil
}

// GetRun loads one run by id.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*types.PipelineRun, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, selectRunSQL+` WHERE id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run: %w", err)
	}
	return row.toRun(), nil
}

// UpdateRun overwrites the mutable fields of an existing run row.
func (s *PostgresStore) UpdateRun(ctx context.Context, run *types.PipelineRun) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET
			status = $2, current_stage = $3, progress = $4, error_message = $5,
			total_items = $6, processed_items = $7, total_questions = $8,
			started_at = $9, completed_at = $10
		WHERE id = $1`,
		run.ID, run.Status, run.CurrentStage, run.Progress, run.ErrorMessage,
		run.TotalItems, run.ProcessedItems, run.TotalQuestions, run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("store: update run: %w", err)
	}
	return requireRowsAffected(res, "run", run.ID)
}

// ListChildRuns loads every child of a parent, ordered by batch index.
func (s *PostgresStore) ListChildRuns(ctx context.Context, parentRunID string) ([]*types.PipelineRun, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, selectRunSQL+` WHERE parent_run_id = $1 ORDER BY batch_index`, parentRunID)
	if err != nil {
		return nil, fmt.Errorf("store: list child runs: %w", err)
	}
	return toRunPointers(rows), nil
}

// ListActiveStandaloneRuns returns non-terminal runs with no parent, for
// admission-controller quota checks.
func (s *PostgresStore) ListActiveStandaloneRuns(ctx context.Context, tenantID string) ([]*types.PipelineRun, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, selectRunSQL+`
		WHERE tenant_id = $1 AND parent_run_id IS NULL AND status IN ('QUEUED','RUNNING')`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list active runs: %w", err)
	}
	return toRunPointers(rows), nil
}

// ListRuns applies filter and returns a page of runs, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*types.PipelineRun, error) {
	query := selectRunSQL + ` WHERE tenant_id = $1`
	args := []any{filter.TenantID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.ParentRunID != nil {
		if *filter.ParentRunID == "" {
			query += " AND parent_run_id IS NULL"
		} else {
			args = append(args, *filter.ParentRunID)
			query += fmt.Sprintf(" AND parent_run_id = $%d", len(args))
		}
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	return toRunPointers(rows), nil
}

// DeleteRun removes one run row. Callers are responsible for cascading to
// children and items per the restart/delete semantics.
func (s *PostgresStore) DeleteRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_jobs WHERE pipeline_run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("store: delete run jobs: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_runs WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("store: delete run: %w", err)
	}
	return requireRowsAffected(res, "run", runID)
}

// CreateJob inserts a new job row.
func (s *PostgresStore) CreateJob(ctx context.Context, job *types.PipelineJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_jobs
			(id, pipeline_run_id, stage, status, progress, attempt, external_job_id,
			 error_message, result, created_at, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		job.ID, job.PipelineRunID, job.Stage, job.Status, job.Progress, job.Attempt,
		job.ExternalJobID, job.ErrorMessage, job.Result, job.CreatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("store: create job: %w", err)
	}
	return nil
}

// UpdateJob overwrites the mutable fields of an existing job row.
func (s *PostgresStore) UpdateJob(ctx context.Context, job *types.PipelineJob) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_jobs SET
			status = $2, progress = $3, attempt = $4, external_job_id = $5,
			error_message = $6, result = $7, started_at = $8, completed_at = $9
		WHERE id = $1`,
		job.ID, job.Status, job.Progress, job.Attempt, job.ExternalJobID,
		job.ErrorMessage, job.Result, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("store: update job: %w", err)
	}
	return requireRowsAffected(res, "job", job.ID)
}

// GetLatestJob returns the most recent job for (runID, stage); earlier
// retries remain in the table for audit but are not returned here.
func (s *PostgresStore) GetLatestJob(ctx context.Context, runID string, stage types.Stage) (*types.PipelineJob, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, selectJobSQL+`
		WHERE pipeline_run_id = $1 AND stage = $2 ORDER BY created_at DESC LIMIT 1`, runID, stage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get latest job: %w", err)
	}
	return row.toJob(), nil
}

// ListJobs returns every job attempted for a run, newest first.
func (s *PostgresStore) ListJobs(ctx context.Context, runID string) ([]*types.PipelineJob, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, selectJobSQL+` WHERE pipeline_run_id = $1 ORDER BY created_at DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	out := make([]*types.PipelineJob, len(rows))
	for i, r := range rows {
		out[i] = r.toJob()
	}
	return out, nil
}

// MergeItems upserts items in chunks within one SERIALIZABLE transaction,
// then returns the tenant's complete item corpus. Concurrent MergeItems
// calls for the same tenant serialize; the database aborts one of them on
// conflict (surfaced here as an error — callers should retry the whole
// categorize job, which is idempotent).
func (s *PostgresStore) MergeItems(ctx context.Context, tenantID string, items []types.Item) ([]types.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, serializableTxTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("store: begin merge tx: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(items); start += mergeChunkSize {
		end := min(start+mergeChunkSize, len(items))
		if err := upsertItemChunk(ctx, tx, tenantID, items[start:end]); err != nil {
			return nil, err
		}
	}

	var rows []itemRow
	if err := tx.SelectContext(ctx, &rows, selectItemSQL+` WHERE tenant_id = $1`, tenantID); err != nil {
		return nil, fmt.Errorf("store: select corpus: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit merge tx: %w", err)
	}

	out := make([]types.Item, len(rows))
	for i, r := range rows {
		out[i] = r.toItem()
	}
	return out, nil
}

func upsertItemChunk(ctx context.Context, tx *sqlx.Tx, tenantID string, chunk []types.Item) error {
	for _, item := range chunk {
		parse, err := json.Marshal(item.Parse)
		if err != nil {
			return fmt.Errorf("store: marshal parse payload for %s: %w", item.File, err)
		}
		categorization, err := json.Marshal(item.Categorization)
		if err != nil {
			return fmt.Errorf("store: marshal categorization payload for %s: %w", item.File, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO items
				(tenant_id, file, pipeline_run_id, source_document, success, parse, categorization,
				 similarity_group_id, created_at, updated_at, version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,NULL,now(),now(),1)
			ON CONFLICT (tenant_id, file) DO UPDATE SET
				pipeline_run_id = EXCLUDED.pipeline_run_id,
				source_document = EXCLUDED.source_document,
				success = EXCLUDED.success,
				parse = EXCLUDED.parse,
				categorization = EXCLUDED.categorization,
				similarity_group_id = NULL,
				updated_at = now(),
				version = items.version + 1`,
			tenantID, item.File, item.PipelineRunID, item.SourceDocument, item.Success, parse, categorization)
		if err != nil {
			return fmt.Errorf("store: upsert item %s: %w", item.File, err)
		}
	}
	return nil
}

// ListItems returns the tenant's full item corpus without taking a
// transaction; used outside of Categorize (e.g. the coordinator hand-off
// reading an already-merged corpus).
func (s *PostgresStore) ListItems(ctx context.Context, tenantID string) ([]types.Item, error) {
	var rows []itemRow
	if err := s.db.SelectContext(ctx, &rows, selectItemSQL+` WHERE tenant_id = $1`, tenantID); err != nil {
		return nil, fmt.Errorf("store: list items: %w", err)
	}
	out := make([]types.Item, len(rows))
	for i, r := range rows {
		out[i] = r.toItem()
	}
	return out, nil
}

// UpdateItemSimilarityGroup persists one item's group assignment. Called
// once per item by Split, not transactionally, matching the spec's
// "one row at a time" note.
func (s *PostgresStore) UpdateItemSimilarityGroup(ctx context.Context, tenantID, file string, groupID *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET similarity_group_id = $3, updated_at = now(), version = version + 1
		WHERE tenant_id = $1 AND file = $2`, tenantID, file, groupID)
	if err != nil {
		return fmt.Errorf("store: update similarity group: %w", err)
	}
	return requireRowsAffected(res, "item", tenantID+"/"+file)
}

// DeleteItemsByRunIDs removes items last written by any of the given runs.
// Used by restart to undo a prior merge before re-running.
func (s *PostgresStore) DeleteItemsByRunIDs(ctx context.Context, tenantID string, runIDs []string) error {
	if len(runIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM items WHERE tenant_id = $1 AND pipeline_run_id = ANY($2)`,
		tenantID, runIDs)
	if err != nil {
		return fmt.Errorf("store: delete items by run: %w", err)
	}
	return nil
}

// MarkItemWrong sets or clears an item's admin-facing markedWrong flag.
func (s *PostgresStore) MarkItemWrong(ctx context.Context, tenantID, file string, wrong bool, at time.Time) error {
	var markedAt *time.Time
	if wrong {
		markedAt = &at
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET marked_wrong = $3, marked_wrong_at = $4, updated_at = now(), version = version + 1
		WHERE tenant_id = $1 AND file = $2`, tenantID, file, wrong, markedAt)
	if err != nil {
		return fmt.Errorf("store: mark item wrong: %w", err)
	}
	return requireRowsAffected(res, "item", tenantID+"/"+file)
}

func requireRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
