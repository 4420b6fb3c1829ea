// Package migrations applies the orchestrator's schema to Postgres, the same
// versioned Up/Down-per-migration shape the teacher's database package uses,
// tracked in a schema_migrations table.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
)

// Migration is one forward/backward schema step.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// All returns every migration the orchestrator ships, in declaration order.
func All() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "pipeline and analysis task tables",
			Up: `
				CREATE TABLE pipeline_executions (
					id                 TEXT PRIMARY KEY,
					status             TEXT NOT NULL,
					current_stage      TEXT NOT NULL,
					current_job_index  INTEGER NOT NULL DEFAULT 0,
					config_json        JSONB NOT NULL,
					progress_json      JSONB NOT NULL,
					created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
					updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
					CONSTRAINT valid_status CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
					CONSTRAINT valid_stage CHECK (current_stage IN ('generation', 'analysis', 'done'))
				);
				CREATE INDEX idx_pipeline_executions_status ON pipeline_executions(status);

				CREATE TABLE analysis_tasks (
					task_id         TEXT PRIMARY KEY,
					pipeline_id     TEXT NOT NULL REFERENCES pipeline_executions(id) ON DELETE CASCADE,
					parent_task_id  TEXT REFERENCES analysis_tasks(task_id) ON DELETE CASCADE,
					is_main_task    BOOLEAN NOT NULL,
					model           TEXT NOT NULL,
					app_number      INTEGER NOT NULL,
					service_name    TEXT,
					tools_json      JSONB NOT NULL DEFAULT '[]',
					status          TEXT NOT NULL,
					created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
					updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
				);
				CREATE INDEX idx_analysis_tasks_pipeline ON analysis_tasks(pipeline_id);
				CREATE INDEX idx_analysis_tasks_parent ON analysis_tasks(parent_task_id);
				CREATE INDEX idx_analysis_tasks_pending_subtasks ON analysis_tasks(status) WHERE is_main_task = false;
				CREATE UNIQUE INDEX idx_analysis_tasks_main_dedup ON analysis_tasks(pipeline_id, model, app_number) WHERE is_main_task = true;
			`,
			Down: `
				DROP TABLE IF EXISTS analysis_tasks;
				DROP TABLE IF EXISTS pipeline_executions;
			`,
		},
		{
			Version:     2,
			Description: "generated application registry",
			Up: `
				CREATE TABLE generated_applications (
					model       TEXT NOT NULL,
					app_number  INTEGER NOT NULL,
					template_id TEXT NOT NULL,
					pipeline_id TEXT NOT NULL REFERENCES pipeline_executions(id) ON DELETE CASCADE,
					created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
					PRIMARY KEY (model, app_number)
				);
			`,
			Down: `
				DROP TABLE IF EXISTS generated_applications;
			`,
		},
	}
}

// Runner applies pending migrations to a *sql.DB, recording each applied
// version in schema_migrations so repeated runs are idempotent.
type Runner struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRunner(db *sql.DB, logger *slog.Logger) *Runner {
	return &Runner{db: db, logger: logger}
}

// Up applies every migration not yet recorded as applied, in version order.
func (r *Runner) Up(ctx context.Context) error {
	if err := r.ensureMigrationTable(ctx); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	all := All()
	sort.Slice(all, func(i, j int) bool { return all[i].Version < all[j].Version })

	for _, m := range all {
		applied, err := r.isApplied(ctx, m.Version)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if applied {
			continue
		}

		r.logger.Info("applying migration", "version", m.Version, "description", m.Description)
		if err := r.apply(ctx, m); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func (r *Runner) ensureMigrationTable(ctx context.Context) error {
	const q = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	_, err := r.db.ExecContext(ctx, q)
	return err
}

func (r *Runner) isApplied(ctx context.Context, version int) (bool, error) {
	var count int
	const q = `SELECT COUNT(*) FROM schema_migrations WHERE version = $1`
	if err := r.db.QueryRowContext(ctx, q, version).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *Runner) apply(ctx context.Context, m Migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		tx.Rollback()
		return fmt.Errorf("execute migration sql: %w", err)
	}

	const record = `INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`
	if _, err := tx.ExecContext(ctx, record, m.Version, m.Description); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration: %w", err)
	}

	return tx.Commit()
}
