package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/orchestrix/pipeline/pkg/analyzer"
	"github.com/orchestrix/pipeline/pkg/pipeline"
	pipelineerrs "github.com/orchestrix/pipeline/pkg/pipeline/errs"
)

const pgUniqueViolation = "23505"

// TaskStore creates analysis tasks atomically (main row + per-service
// subtasks in one transaction) and answers the terminal-state and existence
// queries the analysis stage needs.
type TaskStore struct {
	db       *sqlx.DB
	registry *analyzer.ToolRegistry
	logger   *slog.Logger
}

func NewTaskStore(db *sqlx.DB, registry *analyzer.ToolRegistry, logger *slog.Logger) *TaskStore {
	return &TaskStore{db: db, registry: registry, logger: logger}
}

// CreateMainTaskWithSubtasks groups tools by analyzer service via the
// ToolRegistry, then inserts the main task and every subtask inside one
// transaction. The main row only reaches status=pending after every subtask
// row commits, so nothing scanning for pending mains ever observes one
// without its subtasks (§4.5 step 5's ordering invariant).
func (s *TaskStore) CreateMainTaskWithSubtasks(ctx context.Context, tx *sqlx.Tx, pipelineID, model string, appNumber int, tools []string) (taskID string, subtaskIDs []string, err error) {
	groups, err := s.registry.GroupByService(tools)
	if err != nil {
		return "", nil, pipelineerrs.Configuration("task_store.group_by_service", err)
	}

	main := &pipeline.AnalysisTask{
		TaskID:     pipeline.NewTaskID(),
		PipelineID: pipelineID,
		IsMainTask: true,
		Model:      model,
		AppNumber:  appNumber,
		Tools:      tools,
		Status:     pipeline.TaskCreated,
	}

	const insertMain = `
		INSERT INTO analysis_tasks (task_id, pipeline_id, parent_task_id, is_main_task, model, app_number, service_name, tools_json, status)
		VALUES ($1, $2, NULL, true, $3, $4, NULL, $5, $6)`
	if _, err := tx.ExecContext(ctx, insertMain, main.TaskID, main.PipelineID, main.Model, main.AppNumber,
		stringSliceJSON(main.Tools), main.Status); err != nil {
		if isUniqueViolation(err) {
			return "", nil, pipelineerrs.ResourceContention("task_store.insert_main", err)
		}
		return "", nil, pipelineerrs.Fatal("task_store.insert_main", err)
	}

	const insertSub = `
		INSERT INTO analysis_tasks (task_id, pipeline_id, parent_task_id, is_main_task, model, app_number, service_name, tools_json, status)
		VALUES ($1, $2, $3, false, $4, $5, $6, $7, $8)`

	for service, groupTools := range groups {
		subID := pipeline.NewTaskID()
		if _, err := tx.ExecContext(ctx, insertSub, subID, pipelineID, main.TaskID, model, appNumber, service,
			stringSliceJSON(groupTools), pipeline.TaskPending); err != nil {
			return "", nil, pipelineerrs.Fatal("task_store.insert_subtask", err)
		}
		subtaskIDs = append(subtaskIDs, subID)
	}

	const promoteMain = `UPDATE analysis_tasks SET status = $2 WHERE task_id = $1`
	if _, err := tx.ExecContext(ctx, promoteMain, main.TaskID, pipeline.TaskPending); err != nil {
		return "", nil, pipelineerrs.Fatal("task_store.promote_main", err)
	}

	return main.TaskID, subtaskIDs, nil
}

// MainTaskExistsFor is the belt-and-braces existence check §4.2 step 3 runs
// before submitAnalysisTask, enforcing P2 even if submitted_apps is somehow
// stale.
func (s *TaskStore) MainTaskExistsFor(ctx context.Context, pipelineID, model string, appNumber int) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM analysis_tasks WHERE pipeline_id = $1 AND model = $2 AND app_number = $3 AND is_main_task = true)`
	var exists bool
	if err := s.db.GetContext(ctx, &exists, q, pipelineID, model, appNumber); err != nil {
		return false, pipelineerrs.Fatal("task_store.main_task_exists", err)
	}
	return exists, nil
}

// MainTaskExistsForTx is MainTaskExistsFor run inside the caller's
// transaction, for the recheck under WithRowLock in submitAnalysisTask.
func (s *TaskStore) MainTaskExistsForTx(ctx context.Context, tx *sqlx.Tx, pipelineID, model string, appNumber int) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM analysis_tasks WHERE pipeline_id = $1 AND model = $2 AND app_number = $3 AND is_main_task = true)`
	var exists bool
	if err := tx.GetContext(ctx, &exists, q, pipelineID, model, appNumber); err != nil {
		return false, pipelineerrs.Fatal("task_store.main_task_exists_tx", err)
	}
	return exists, nil
}

// GetTerminalState returns the task's status if it is terminal, or ok=false
// if it is still in flight.
func (s *TaskStore) GetTerminalState(ctx context.Context, taskID string) (status pipeline.TaskStatus, ok bool, err error) {
	const q = `SELECT status FROM analysis_tasks WHERE task_id = $1`
	var raw string
	if gErr := s.db.GetContext(ctx, &raw, q, taskID); gErr != nil {
		if gErr == sql.ErrNoRows {
			return "", false, pipelineerrs.Fatal("task_store.get_terminal_state", fmt.Errorf("task %s not found", taskID))
		}
		return "", false, pipelineerrs.Fatal("task_store.get_terminal_state", gErr)
	}
	status = pipeline.TaskStatus(raw)
	return status, status.IsTerminal(), nil
}

// Get returns a task row by id, main or subtask.
func (s *TaskStore) Get(ctx context.Context, taskID string) (*pipeline.AnalysisTask, error) {
	const q = `SELECT task_id, pipeline_id, parent_task_id, is_main_task, model, app_number, service_name, tools_json, status
	           FROM analysis_tasks WHERE task_id = $1`
	var row taskRow
	if err := s.db.GetContext(ctx, &row, q, taskID); err != nil {
		if err == sql.ErrNoRows {
			return nil, pipelineerrs.Configuration("task_store.get", fmt.Errorf("task %s not found", taskID))
		}
		return nil, pipelineerrs.Fatal("task_store.get", err)
	}
	return row.toDomain(), nil
}

// ListMainTasks returns every main task row belonging to pipelineID, for the
// control surface's per-pipeline task inspection endpoint.
func (s *TaskStore) ListMainTasks(ctx context.Context, pipelineID string) ([]*pipeline.AnalysisTask, error) {
	const q = `SELECT task_id, pipeline_id, parent_task_id, is_main_task, model, app_number, service_name, tools_json, status
	           FROM analysis_tasks WHERE pipeline_id = $1 AND is_main_task = true ORDER BY created_at`
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, q, pipelineID); err != nil {
		return nil, pipelineerrs.Fatal("task_store.list_main_tasks", err)
	}
	out := make([]*pipeline.AnalysisTask, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// Subtasks returns every subtask row of the given main task.
func (s *TaskStore) Subtasks(ctx context.Context, mainTaskID string) ([]*pipeline.AnalysisTask, error) {
	const q = `SELECT task_id, pipeline_id, parent_task_id, is_main_task, model, app_number, service_name, tools_json, status
	           FROM analysis_tasks WHERE parent_task_id = $1`
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, q, mainTaskID); err != nil {
		return nil, pipelineerrs.Fatal("task_store.subtasks", err)
	}
	out := make([]*pipeline.AnalysisTask, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// ClaimPendingSubtasks atomically flips up to limit pending subtasks to
// running and returns them, so concurrent executor ticks never dispatch the
// same subtask twice.
func (s *TaskStore) ClaimPendingSubtasks(ctx context.Context, limit int) ([]*pipeline.AnalysisTask, error) {
	const q = `
		UPDATE analysis_tasks
		SET status = $1, updated_at = now()
		WHERE task_id IN (
			SELECT task_id FROM analysis_tasks
			WHERE is_main_task = false AND status = $2
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING task_id, pipeline_id, parent_task_id, is_main_task, model, app_number, service_name, tools_json, status`

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, q, pipeline.TaskRunning, pipeline.TaskPending, limit); err != nil {
		return nil, pipelineerrs.Fatal("task_store.claim_pending_subtasks", err)
	}
	out := make([]*pipeline.AnalysisTask, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// UpdateSubtaskStatus sets a subtask's terminal status after its analyzer
// call returns.
func (s *TaskStore) UpdateSubtaskStatus(ctx context.Context, taskID string, status pipeline.TaskStatus) error {
	const q = `UPDATE analysis_tasks SET status = $2, updated_at = now() WHERE task_id = $1`
	if _, err := s.db.ExecContext(ctx, q, taskID, status); err != nil {
		return pipelineerrs.Fatal("task_store.update_subtask_status", err)
	}
	return nil
}

// AggregateMain recomputes a main task's status from its subtasks once every
// subtask is terminal, per the resolved aggregation policy: any non-success
// subtask downgrades the main task to partial_success. It is a no-op (and not
// an error) if the main task is already terminal or a subtask is still in
// flight.
func (s *TaskStore) AggregateMain(ctx context.Context, mainTaskID string) error {
	main, err := s.Get(ctx, mainTaskID)
	if err != nil {
		return err
	}
	if main.Status.IsTerminal() {
		return nil
	}

	subtasks, err := s.Subtasks(ctx, mainTaskID)
	if err != nil {
		return err
	}
	if len(subtasks) == 0 {
		return nil
	}

	allSuccess := true
	for _, sub := range subtasks {
		if !sub.Status.IsTerminal() {
			return nil
		}
		if sub.Status != pipeline.TaskCompleted {
			allSuccess = false
		}
	}

	final := pipeline.TaskCompleted
	if !allSuccess {
		final = pipeline.TaskPartialSuccess
	}

	const q = `UPDATE analysis_tasks SET status = $2, updated_at = now() WHERE task_id = $1`
	if _, err := s.db.ExecContext(ctx, q, mainTaskID, final); err != nil {
		return pipelineerrs.Fatal("task_store.aggregate_main", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	return false
}
