package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/orchestrix/pipeline/pkg/pipeline"
	pipelineerrs "github.com/orchestrix/pipeline/pkg/pipeline/errs"
)

// PipelineStore persists and loads PipelineExecution rows and provides the
// atomic mutation primitives StageEngine relies on: advancing the job index,
// moving a job into the retryable bucket, and a row-level critical section
// for the submit-analysis-task sequence.
type PipelineStore struct {
	db     *sqlx.DB
	locker Locker
	logger *slog.Logger
}

// NewPipelineStore builds a PipelineStore. Pass a PostgresLocker in
// production; RetryLocker is for backends without row-level locking.
func NewPipelineStore(db *sqlx.DB, locker Locker, logger *slog.Logger) *PipelineStore {
	return &PipelineStore{db: db, locker: locker, logger: logger}
}

// Create inserts a brand-new pipeline in pending status with frozen config.
func (s *PipelineStore) Create(ctx context.Context, cfg pipeline.Config) (*pipeline.PipelineExecution, error) {
	p := &pipeline.PipelineExecution{
		ID:              pipeline.NewPipelineID(),
		Status:          pipeline.StatusPending,
		CurrentStage:    pipeline.StageGeneration,
		CurrentJobIndex: 0,
		Config:          cfg,
		Progress:        pipeline.NewProgress(),
	}
	p.Progress.Generation.Total = cfg.TotalGenerationJobs()

	const q = `
		INSERT INTO pipeline_executions (id, status, current_stage, current_job_index, config_json, progress_json)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	row := s.db.QueryRowxContext(ctx, q, p.ID, p.Status, p.CurrentStage, p.CurrentJobIndex,
		configJSON(p.Config), progressJSON(p.Progress))
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, pipelineerrs.Fatal("pipeline_store.create", fmt.Errorf("insert pipeline: %w", err))
	}
	return p, nil
}

// Start flips a freshly created pipeline from pending to running so the poll
// loop's ListRunning query picks it up on the next tick.
func (s *PipelineStore) Start(ctx context.Context, p *pipeline.PipelineExecution) error {
	p.Status = pipeline.StatusRunning
	return s.Commit(ctx, p)
}

// ListRunning returns every pipeline currently in status=running, ordered by
// id, per §4.1 step 1.
func (s *PipelineStore) ListRunning(ctx context.Context) ([]*pipeline.PipelineExecution, error) {
	const q = `SELECT id, status, current_stage, current_job_index, config_json, progress_json, created_at, updated_at
	           FROM pipeline_executions WHERE status = $1 ORDER BY id`

	var rows []pipelineRow
	if err := s.db.SelectContext(ctx, &rows, q, pipeline.StatusRunning); err != nil {
		return nil, pipelineerrs.Fatal("pipeline_store.list_running", err)
	}

	result := make([]*pipeline.PipelineExecution, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toDomain())
	}
	return result, nil
}

// List returns every pipeline regardless of status, for the read-only
// listPipelines() control surface.
func (s *PipelineStore) List(ctx context.Context) ([]*pipeline.PipelineExecution, error) {
	const q = `SELECT id, status, current_stage, current_job_index, config_json, progress_json, created_at, updated_at
	           FROM pipeline_executions ORDER BY created_at DESC`

	var rows []pipelineRow
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, pipelineerrs.Fatal("pipeline_store.list", err)
	}
	result := make([]*pipeline.PipelineExecution, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toDomain())
	}
	return result, nil
}

// Load fetches a single pipeline by id.
func (s *PipelineStore) Load(ctx context.Context, id string) (*pipeline.PipelineExecution, error) {
	const q = `SELECT id, status, current_stage, current_job_index, config_json, progress_json, created_at, updated_at
	           FROM pipeline_executions WHERE id = $1`

	var row pipelineRow
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, pipelineerrs.Configuration("pipeline_store.load", fmt.Errorf("pipeline %s not found", id))
		}
		return nil, pipelineerrs.Fatal("pipeline_store.load", err)
	}
	return row.toDomain(), nil
}

// Commit persists the full in-memory pipeline row, including its progress
// document, as a single statement.
func (s *PipelineStore) Commit(ctx context.Context, p *pipeline.PipelineExecution) error {
	const q = `
		UPDATE pipeline_executions
		SET status = $2, current_stage = $3, current_job_index = $4, config_json = $5,
		    progress_json = $6, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	row := s.db.QueryRowxContext(ctx, q, p.ID, p.Status, p.CurrentStage, p.CurrentJobIndex,
		configJSON(p.Config), progressJSON(p.Progress))
	if err := row.Scan(&p.UpdatedAt); err != nil {
		return pipelineerrs.Fatal("pipeline_store.commit", fmt.Errorf("update pipeline %s: %w", p.ID, err))
	}
	return nil
}

// AdvanceJobIndex increments current_job_index and commits it atomically
// with whatever other mutations the caller has made to p in memory since the
// last commit, per §4.3. Monotonicity (P4) holds because this is the only
// place current_job_index changes, and it only ever increments.
func (s *PipelineStore) AdvanceJobIndex(ctx context.Context, p *pipeline.PipelineExecution) error {
	p.CurrentJobIndex++
	return s.Commit(ctx, p)
}

// MarkJobRetryable releases key and commits. For the analysis stage it moves
// key from submitted_apps into retryable_apps (incrementing its attempt
// counter) in one in-memory mutation, so the two sets stay mutually
// exclusive; for the generation stage it only removes key from
// in_flight_keys, since generation has no retryable bucket.
func (s *PipelineStore) MarkJobRetryable(ctx context.Context, p *pipeline.PipelineExecution, stage pipeline.Stage, key string) error {
	switch stage {
	case pipeline.StageGeneration:
		delete(p.Progress.Generation.InFlightKeys, key)
	case pipeline.StageAnalysis:
		delete(p.Progress.Analysis.SubmittedApps, key)
		p.Progress.Analysis.RetryableApps[key]++
	}
	return s.Commit(ctx, p)
}

// CommitTx persists p's full row using the caller's transaction, for
// mutations that must land atomically with other statements inside a
// WithRowLock critical section (§4.5's submitAnalysisTask).
func (s *PipelineStore) CommitTx(ctx context.Context, tx *sqlx.Tx, p *pipeline.PipelineExecution) error {
	const q = `
		UPDATE pipeline_executions
		SET status = $2, current_stage = $3, current_job_index = $4, config_json = $5,
		    progress_json = $6, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	row := tx.QueryRowxContext(ctx, q, p.ID, p.Status, p.CurrentStage, p.CurrentJobIndex,
		configJSON(p.Config), progressJSON(p.Progress))
	if err := row.Scan(&p.UpdatedAt); err != nil {
		return pipelineerrs.Fatal("pipeline_store.commit_tx", fmt.Errorf("update pipeline %s: %w", p.ID, err))
	}
	return nil
}

// WithRowLock executes fn with a pessimistic lock held on the pipeline row,
// the critical section submitAnalysisTask and equivalent callers require.
func (s *PipelineStore) WithRowLock(ctx context.Context, p *pipeline.PipelineExecution, fn func(tx *sqlx.Tx) error) error {
	return s.locker.WithLock(ctx, p.ID, fn)
}
