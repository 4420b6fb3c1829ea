// Package allocator reserves unique (model, app_number) pairs under
// contention, the only place app numbers are minted for the pipeline.
package allocator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	pipelineerrs "github.com/orchestrix/pipeline/pkg/pipeline/errs"
)

const pgUniqueViolation = "23505"

// AppNumberAllocator reserves the next free app_number for a model against
// the generated_applications table's unique (model, app_number) constraint
// (§6.1), the foundation of P6.
type AppNumberAllocator struct {
	db          *sqlx.DB
	maxRetries  int
	baseBackoff time.Duration
	logger      *slog.Logger
}

func New(db *sqlx.DB, maxRetries int, logger *slog.Logger) *AppNumberAllocator {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &AppNumberAllocator{db: db, maxRetries: maxRetries, baseBackoff: 10 * time.Millisecond, logger: logger}
}

// Reserve mints the next app_number for model: read the current max, attempt
// an insert at max+1, and retry with exponential jittered backoff on a
// unique-constraint collision from a concurrent reservation. Exhausting
// maxRetries surfaces ResourceContention.
func (a *AppNumberAllocator) Reserve(ctx context.Context, model string) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		appNumber, err := a.tryReserve(ctx, model)
		if err == nil {
			return appNumber, nil
		}
		if !isUniqueViolation(err) {
			return 0, pipelineerrs.Fatal("allocator.reserve", err)
		}
		lastErr = err

		backoff := a.baseBackoff * time.Duration(1<<attempt)
		backoff += time.Duration(rand.Intn(10)) * time.Millisecond
		a.logger.Warn("app number reservation collided, retrying",
			"model", model, "attempt", attempt, "backoff", backoff)

		select {
		case <-ctx.Done():
			return 0, pipelineerrs.Transient("allocator.reserve", ctx.Err())
		case <-time.After(backoff):
		}
	}

	return 0, pipelineerrs.ResourceContention("allocator.reserve",
		fmt.Errorf("exhausted %d retries reserving app number for %s: %w", a.maxRetries, model, lastErr))
}

func (a *AppNumberAllocator) tryReserve(ctx context.Context, model string) (int, error) {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	// Postgres rejects FOR UPDATE combined with an aggregate (MAX), so the lock
	// is taken on the single highest row instead and the max computed in Go;
	// an empty result (no rows for model yet) takes no lock and that's fine,
	// since the unique constraint on insert still guards against a concurrent
	// first reservation.
	var highest sql.NullInt64
	const selectMax = `SELECT app_number FROM generated_applications WHERE model = $1 ORDER BY app_number DESC LIMIT 1 FOR UPDATE`
	if err := tx.GetContext(ctx, &highest, selectMax, model); err != nil && err != sql.ErrNoRows {
		tx.Rollback()
		return 0, err
	}

	next := 1
	if highest.Valid {
		next = int(highest.Int64) + 1
	}

	const insert = `INSERT INTO generated_applications (model, app_number) VALUES ($1, $2)`
	if _, err := tx.ExecContext(ctx, insert, model, next); err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	return false
}
