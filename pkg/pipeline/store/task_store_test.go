package store

import (
	"context"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrix/pipeline/pkg/analyzer"
	"github.com/orchestrix/pipeline/pkg/pipeline"
)

// rawJSON mimics what lib/pq hands back for a JSONB column: raw bytes, not a
// Go string, which is what sql.Scanner implementations here expect.
func rawJSON(s string) []byte {
	return []byte(s)
}

func newMockTaskStore(t *testing.T) (*TaskStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "sqlmock")
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{}))
	return NewTaskStore(db, analyzer.DefaultToolRegistry(), logger), mock
}

func TestTaskStore_MainTaskExistsFor(t *testing.T) {
	s, mock := newMockTaskStore(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("p1", "gpt-4", 1).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := s.MainTaskExistsFor(context.Background(), "p1", "gpt-4", 1)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_GetTerminalState(t *testing.T) {
	s, mock := newMockTaskStore(t)

	mock.ExpectQuery(`SELECT status FROM analysis_tasks`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))

	status, terminal, err := s.GetTerminalState(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, terminal)
	assert.Equal(t, pipeline.TaskCompleted, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_GetTerminalState_InFlight(t *testing.T) {
	s, mock := newMockTaskStore(t)

	mock.ExpectQuery(`SELECT status FROM analysis_tasks`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))

	_, terminal, err := s.GetTerminalState(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, terminal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_UpdateSubtaskStatus(t *testing.T) {
	s, mock := newMockTaskStore(t)

	mock.ExpectExec(`UPDATE analysis_tasks SET status`).
		WithArgs("sub1", string(pipeline.TaskCompleted)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdateSubtaskStatus(context.Background(), "sub1", pipeline.TaskCompleted))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_AggregateMain_AllSuccess(t *testing.T) {
	s, mock := newMockTaskStore(t)

	mainCols := []string{"task_id", "pipeline_id", "parent_task_id", "is_main_task", "model", "app_number", "service_name", "tools_json", "status"}
	mock.ExpectQuery(`SELECT task_id, pipeline_id, parent_task_id, is_main_task, model, app_number, service_name, tools_json, status\s+FROM analysis_tasks WHERE task_id`).
		WithArgs("main1").
		WillReturnRows(sqlmock.NewRows(mainCols).AddRow("main1", "p1", nil, true, "gpt-4", 1, nil, rawJSON(`["bandit"]`), "pending"))

	subCols := mainCols
	svc := "static-analyzer"
	mock.ExpectQuery(`SELECT task_id, pipeline_id, parent_task_id, is_main_task, model, app_number, service_name, tools_json, status\s+FROM analysis_tasks WHERE parent_task_id`).
		WithArgs("main1").
		WillReturnRows(sqlmock.NewRows(subCols).AddRow("sub1", "p1", "main1", false, "gpt-4", 1, svc, rawJSON(`["bandit"]`), "completed"))

	mock.ExpectExec(`UPDATE analysis_tasks SET status`).
		WithArgs("main1", string(pipeline.TaskCompleted)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.AggregateMain(context.Background(), "main1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_AggregateMain_PartialSuccess(t *testing.T) {
	s, mock := newMockTaskStore(t)

	mainCols := []string{"task_id", "pipeline_id", "parent_task_id", "is_main_task", "model", "app_number", "service_name", "tools_json", "status"}
	mock.ExpectQuery(`SELECT task_id, pipeline_id, parent_task_id, is_main_task, model, app_number, service_name, tools_json, status\s+FROM analysis_tasks WHERE task_id`).
		WithArgs("main1").
		WillReturnRows(sqlmock.NewRows(mainCols).AddRow("main1", "p1", nil, true, "gpt-4", 1, nil, rawJSON(`["bandit","zap"]`), "pending"))

	svcStatic, svcDynamic := "static-analyzer", "dynamic-analyzer"
	mock.ExpectQuery(`SELECT task_id, pipeline_id, parent_task_id, is_main_task, model, app_number, service_name, tools_json, status\s+FROM analysis_tasks WHERE parent_task_id`).
		WithArgs("main1").
		WillReturnRows(sqlmock.NewRows(mainCols).
			AddRow("sub1", "p1", "main1", false, "gpt-4", 1, svcStatic, rawJSON(`["bandit"]`), "completed").
			AddRow("sub2", "p1", "main1", false, "gpt-4", 1, svcDynamic, rawJSON(`["zap"]`), "failed"))

	mock.ExpectExec(`UPDATE analysis_tasks SET status`).
		WithArgs("main1", string(pipeline.TaskPartialSuccess)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.AggregateMain(context.Background(), "main1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_AggregateMain_AlreadyTerminal(t *testing.T) {
	s, mock := newMockTaskStore(t)

	mainCols := []string{"task_id", "pipeline_id", "parent_task_id", "is_main_task", "model", "app_number", "service_name", "tools_json", "status"}
	mock.ExpectQuery(`SELECT task_id, pipeline_id, parent_task_id, is_main_task, model, app_number, service_name, tools_json, status\s+FROM analysis_tasks WHERE task_id`).
		WithArgs("main1").
		WillReturnRows(sqlmock.NewRows(mainCols).AddRow("main1", "p1", nil, true, "gpt-4", 1, nil, rawJSON(`["bandit"]`), "completed"))

	require.NoError(t, s.AggregateMain(context.Background(), "main1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
