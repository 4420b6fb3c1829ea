package engine

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrix/pipeline/pkg/analyzer"
	"github.com/orchestrix/pipeline/pkg/collaborators/fake"
)

func subtaskColumns() []string {
	return []string{"task_id", "pipeline_id", "parent_task_id", "is_main_task", "model", "app_number", "service_name", "tools_json", "status"}
}

func TestStageEngine_DriveSubtasks_ClaimsAndCompletesOrphanSubtask(t *testing.T) {
	pipelines, tasks, mock := newMockPipelinesAndTasks(t)
	gen := fake.NewGenerationService()
	containers := fake.NewContainerManager()
	runner := &fakeRunner{Healthy: true, RunResult: analyzer.NormalizedResult{Status: "success"}}

	e := New(testEngineConfig(), pipelines, tasks, gen, containers, analyzerDefaultRegistry(), runner, testLogger())

	mock.ExpectQuery(`UPDATE analysis_tasks`).
		WillReturnRows(sqlmock.NewRows(subtaskColumns()).
			AddRow("sub1", "p1", nil, false, "gpt-4", 1, "static-analyzer", rawJSONForTest(`["bandit"]`), "running"))

	require.NoError(t, e.DriveSubtasks(context.Background()))

	require.Eventually(t, func() bool {
		return e.anaPool.InFlight() == 0
	}, time.Second, time.Millisecond)

	mock.ExpectExec(`UPDATE analysis_tasks SET status = \$2, updated_at = now\(\) WHERE task_id = \$1`).
		WithArgs("sub1", "completed").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, e.DriveSubtasks(context.Background()))

	assert.Equal(t, 1, runner.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStageEngine_DriveSubtasks_AggregatesParentOnCompletion(t *testing.T) {
	pipelines, tasks, mock := newMockPipelinesAndTasks(t)
	gen := fake.NewGenerationService()
	containers := fake.NewContainerManager()
	runner := &fakeRunner{Healthy: true, RunResult: analyzer.NormalizedResult{Status: "success"}}

	e := New(testEngineConfig(), pipelines, tasks, gen, containers, analyzerDefaultRegistry(), runner, testLogger())
	parent := "main1"

	mock.ExpectQuery(`UPDATE analysis_tasks`).
		WillReturnRows(sqlmock.NewRows(subtaskColumns()).
			AddRow("sub1", "p1", parent, false, "gpt-4", 1, "static-analyzer", rawJSONForTest(`["bandit"]`), "running"))

	require.NoError(t, e.DriveSubtasks(context.Background()))

	require.Eventually(t, func() bool {
		return e.anaPool.InFlight() == 0
	}, time.Second, time.Millisecond)

	mock.ExpectExec(`UPDATE analysis_tasks SET status = \$2, updated_at = now\(\) WHERE task_id = \$1`).
		WithArgs("sub1", "completed").
		WillReturnResult(sqlmock.NewResult(1, 1))

	// AggregateMain: fetch the main row, find it non-terminal, fetch its
	// subtasks, see the only one is terminal and successful, promote it.
	mock.ExpectQuery(`SELECT task_id, pipeline_id, parent_task_id, is_main_task, model, app_number, service_name, tools_json, status\s+FROM analysis_tasks WHERE task_id = \$1`).
		WithArgs(parent).
		WillReturnRows(sqlmock.NewRows(subtaskColumns()).
			AddRow(parent, "p1", nil, true, "gpt-4", 1, nil, rawJSONForTest(`["bandit"]`), "pending"))
	mock.ExpectQuery(`SELECT task_id, pipeline_id, parent_task_id, is_main_task, model, app_number, service_name, tools_json, status\s+FROM analysis_tasks WHERE parent_task_id = \$1`).
		WithArgs(parent).
		WillReturnRows(sqlmock.NewRows(subtaskColumns()).
			AddRow("sub1", "p1", parent, false, "gpt-4", 1, "static-analyzer", rawJSONForTest(`["bandit"]`), "completed"))
	mock.ExpectExec(`UPDATE analysis_tasks SET status = \$2, updated_at = now\(\) WHERE task_id = \$1`).
		WithArgs(parent, "completed").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, e.DriveSubtasks(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStageEngine_DriveSubtasks_NoFreeCapacitySkipsClaim(t *testing.T) {
	pipelines, tasks, mock := newMockPipelinesAndTasks(t)
	gen := fake.NewGenerationService()
	containers := fake.NewContainerManager()
	runner := &fakeRunner{Healthy: true}

	cfg := testEngineConfig()
	cfg.MaxAnalysisWorkers = 0
	e := New(cfg, pipelines, tasks, gen, containers, analyzerDefaultRegistry(), runner, testLogger())

	require.NoError(t, e.DriveSubtasks(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
