package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/orchestrix/pipeline/pkg/analyzer"
	"github.com/orchestrix/pipeline/pkg/pipeline/store"
)

func analyzerDefaultRegistry() *analyzer.ToolRegistry {
	return analyzer.DefaultToolRegistry()
}

func updatedAtRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"updated_at"}).AddRow(time.Now())
}

// rawJSONForTest mimics what lib/pq hands back for a JSONB column: raw
// bytes, not a Go string, which is what the store's sql.Scanner
// implementations expect.
func rawJSONForTest(s string) []byte {
	return []byte(s)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func newMockPipelines(t *testing.T) (*store.PipelineStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "sqlmock")
	t.Cleanup(func() { db.Close() })
	return store.NewPipelineStore(db, &store.PostgresLocker{DB: db}, testLogger()), mock
}

func newMockPipelinesAndTasks(t *testing.T) (*store.PipelineStore, *store.TaskStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "sqlmock")
	t.Cleanup(func() { db.Close() })
	pipelines := store.NewPipelineStore(db, &store.PostgresLocker{DB: db}, testLogger())
	tasks := store.NewTaskStore(db, analyzer.DefaultToolRegistry(), testLogger())
	return pipelines, tasks, mock
}

// fakeRunner is a scriptable AnalyzerRunner: RunResult is returned for every
// RunTools call, and Healthy gates Ping.
type fakeRunner struct {
	mu        sync.Mutex
	Healthy   bool
	RunResult analyzer.NormalizedResult
	RunErr    error
	calls     int
}

func (f *fakeRunner) RunTools(ctx context.Context, service analyzer.Service, model string, appNumber int, tools []string, options map[string]interface{}) (analyzer.NormalizedResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.RunResult, f.RunErr
}

func (f *fakeRunner) Ping(ctx context.Context, service analyzer.Service) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Healthy
}
