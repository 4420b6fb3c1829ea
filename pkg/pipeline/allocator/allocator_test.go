package allocator

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipelineerrs "github.com/orchestrix/pipeline/pkg/pipeline/errs"
)

func newMockAllocator(t *testing.T, maxRetries int) (*AppNumberAllocator, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "sqlmock")
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	return New(db, maxRetries, logger), mock
}

func TestAppNumberAllocator_Reserve_FirstApp(t *testing.T) {
	a, mock := newMockAllocator(t, 3)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT app_number FROM generated_applications WHERE model = \$1 ORDER BY app_number DESC LIMIT 1 FOR UPDATE`).
		WithArgs("gpt-4").
		WillReturnRows(sqlmock.NewRows([]string{"app_number"}))
	mock.ExpectExec(`INSERT INTO generated_applications`).
		WithArgs("gpt-4", 1).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	appNumber, err := a.Reserve(context.Background(), "gpt-4")
	require.NoError(t, err)
	assert.Equal(t, 1, appNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppNumberAllocator_Reserve_NextApp(t *testing.T) {
	a, mock := newMockAllocator(t, 3)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT app_number FROM generated_applications WHERE model = \$1 ORDER BY app_number DESC LIMIT 1 FOR UPDATE`).
		WithArgs("gpt-4").
		WillReturnRows(sqlmock.NewRows([]string{"app_number"}).AddRow(4))
	mock.ExpectExec(`INSERT INTO generated_applications`).
		WithArgs("gpt-4", 5).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	appNumber, err := a.Reserve(context.Background(), "gpt-4")
	require.NoError(t, err)
	assert.Equal(t, 5, appNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestAppNumberAllocator_Reserve_RetriesOnCollision exercises the path where a
// concurrent reservation wins the unique constraint first: the first attempt
// rolls back on a unique violation and a second attempt succeeds.
func TestAppNumberAllocator_Reserve_RetriesOnCollision(t *testing.T) {
	a, mock := newMockAllocator(t, 3)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT app_number FROM generated_applications WHERE model = \$1 ORDER BY app_number DESC LIMIT 1 FOR UPDATE`).
		WithArgs("gpt-4").
		WillReturnRows(sqlmock.NewRows([]string{"app_number"}).AddRow(1))
	mock.ExpectExec(`INSERT INTO generated_applications`).
		WithArgs("gpt-4", 2).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT app_number FROM generated_applications WHERE model = \$1 ORDER BY app_number DESC LIMIT 1 FOR UPDATE`).
		WithArgs("gpt-4").
		WillReturnRows(sqlmock.NewRows([]string{"app_number"}).AddRow(2))
	mock.ExpectExec(`INSERT INTO generated_applications`).
		WithArgs("gpt-4", 3).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	appNumber, err := a.Reserve(context.Background(), "gpt-4")
	require.NoError(t, err)
	assert.Equal(t, 3, appNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppNumberAllocator_Reserve_ExhaustsRetries(t *testing.T) {
	a, mock := newMockAllocator(t, 1)

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT app_number FROM generated_applications WHERE model = \$1 ORDER BY app_number DESC LIMIT 1 FOR UPDATE`).
			WithArgs("gpt-4").
			WillReturnRows(sqlmock.NewRows([]string{"app_number"}).AddRow(1))
		mock.ExpectExec(`INSERT INTO generated_applications`).
			WithArgs("gpt-4", 2).
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()
	}

	_, err := a.Reserve(context.Background(), "gpt-4")
	require.Error(t, err)
	assert.Equal(t, pipelineerrs.KindResourceContention, pipelineerrs.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
