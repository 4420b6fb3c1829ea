package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrix/pipeline/internal/config"
	"github.com/orchestrix/pipeline/pkg/analyzer"
	"github.com/orchestrix/pipeline/pkg/auth"
	"github.com/orchestrix/pipeline/pkg/collaborators/fake"
	"github.com/orchestrix/pipeline/pkg/metrics"
	"github.com/orchestrix/pipeline/pkg/pipeline/engine"
	"github.com/orchestrix/pipeline/pkg/pipeline/store"
)

type testServer struct {
	*Server
	mock sqlmock.Sqlmock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "sqlmock")
	t.Cleanup(func() { db.Close() })

	logger := testLogger()
	pipelines := store.NewPipelineStore(db, &store.PostgresLocker{DB: db}, logger)
	tasks := store.NewTaskStore(db, analyzer.DefaultToolRegistry(), logger)

	eng := engine.New(engine.Defaults(), pipelines, tasks, fake.NewGenerationService(), fake.NewContainerManager(),
		analyzer.DefaultToolRegistry(), &fakeRunner{}, logger)

	cfg := &config.Config{
		API: config.APIConfig{Listen: ":0", JWTSecret: "test-secret", CORSOrigins: []string{"*"}},
		Engine: config.EngineConfig{
			DefaultMaxConcurrentGeneration: 2,
			DefaultMaxConcurrentAnalysis:   3,
		},
	}

	collector := metrics.New(prometheus.NewRegistry())
	s, err := NewServer(cfg, pipelines, tasks, eng, collector, logger)
	require.NoError(t, err)

	return &testServer{Server: s, mock: mock}
}

func (ts *testServer) bearer(t *testing.T, role string) string {
	t.Helper()
	pair, err := ts.jwtSvc.GenerateToken("test-subject", role)
	require.NoError(t, err)
	return "Bearer " + pair.AccessToken
}

func TestHealthzHandler_NeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	router := ts.setupRouter()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreatePipelineHandler_RejectsUnauthenticated(t *testing.T) {
	ts := newTestServer(t)
	router := ts.setupRouter()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/pipelines", bytes.NewBufferString(`{}`))
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreatePipelineHandler_RejectsInvalidBody(t *testing.T) {
	ts := newTestServer(t)
	router := ts.setupRouter()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/pipelines", bytes.NewBufferString(`{"models":[]}`))
	req.Header.Set("Authorization", ts.bearer(t, auth.RoleOperator))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePipelineHandler_CreatesAndStartsPipeline(t *testing.T) {
	ts := newTestServer(t)
	router := ts.setupRouter()

	now := time.Now()
	ts.mock.ExpectQuery(`INSERT INTO pipeline_executions`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	ts.mock.ExpectQuery(`UPDATE pipeline_executions`).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(now))

	body, err := json.Marshal(createPipelineRequest{
		Models: []string{"gpt-4"}, Templates: []string{"flask"}, Tools: []string{"bandit"},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/pipelines", bytes.NewBuffer(body))
	req.Header.Set("Authorization", ts.bearer(t, auth.RoleOperator))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NoError(t, ts.mock.ExpectationsWereMet())
}

func TestGetPipelineHandler_DefaultRoleCarriesReadPermission(t *testing.T) {
	ts := newTestServer(t)
	router := ts.setupRouter()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pipelines/p1", nil)
	req.Header.Set("Authorization", ts.bearer(t, ""))
	router.ServeHTTP(rec, req)

	// an unrecognized role still carries pipeline:read, so the request clears
	// the permission check; it fails downstream for an unrelated reason.
	assert.NotEqual(t, http.StatusForbidden, rec.Code)
}

func TestGetPipelineHandler_MapsNotFoundToBadRequest(t *testing.T) {
	ts := newTestServer(t)
	router := ts.setupRouter()

	ts.mock.ExpectQuery(`SELECT id, status, current_stage, current_job_index, config_json, progress_json, created_at, updated_at`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pipelines/missing", nil)
	req.Header.Set("Authorization", ts.bearer(t, auth.RoleOperator))
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NoError(t, ts.mock.ExpectationsWereMet())
}

func TestCancelPipelineHandler_RequiresManagePermission(t *testing.T) {
	ts := newTestServer(t)
	router := ts.setupRouter()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/pipelines/p1/cancel", nil)
	req.Header.Set("Authorization", ts.bearer(t, auth.RoleOperator))
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListPipelinesHandler_ReturnsStoredPipelines(t *testing.T) {
	ts := newTestServer(t)
	router := ts.setupRouter()

	ts.mock.ExpectQuery(`SELECT id, status, current_stage, current_job_index, config_json, progress_json, created_at, updated_at`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "current_stage", "current_job_index", "config_json", "progress_json", "created_at", "updated_at"}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pipelines", nil)
	req.Header.Set("Authorization", ts.bearer(t, auth.RoleOperator))
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, ts.mock.ExpectationsWereMet())
}

func TestMetricsHandler_RefreshesAndServesExposition(t *testing.T) {
	ts := newTestServer(t)
	router := ts.setupRouter()

	ts.mock.ExpectQuery(`SELECT id, status, current_stage, current_job_index, config_json, progress_json, created_at, updated_at`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "current_stage", "current_job_index", "config_json", "progress_json", "created_at", "updated_at"}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
