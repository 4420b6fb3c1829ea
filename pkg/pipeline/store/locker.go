package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	pipelineerrs "github.com/orchestrix/pipeline/pkg/pipeline/errs"
)

// Locker provides the critical section §4.5 requires around the
// read-check-mutate-commit sequence of submitAnalysisTask and equivalent
// pipeline-row mutations. PostgresLocker gives true mutual exclusion via
// SELECT ... FOR UPDATE; RetryLocker is the degraded path for backends
// without row-level locking (e.g. SQLite), trading true exclusion for
// database-level serialization plus bounded retries.
type Locker interface {
	// WithLock runs fn with the named pipeline row locked for the duration
	// of fn, inside a single transaction that fn's own statements must use.
	WithLock(ctx context.Context, pipelineID string, fn func(tx *sqlx.Tx) error) error
}

// PostgresLocker uses SELECT ... FOR UPDATE on the pipeline_executions row,
// giving true pessimistic mutual exclusion between concurrent advance() calls
// for the same pipeline (there should only ever be one, but restarts and
// overlapping ticks make this a real hazard, not a theoretical one).
type PostgresLocker struct {
	DB *sqlx.DB
}

func (l *PostgresLocker) WithLock(ctx context.Context, pipelineID string, fn func(tx *sqlx.Tx) error) error {
	tx, err := l.DB.BeginTxx(ctx, nil)
	if err != nil {
		return pipelineerrs.Fatal("locker.begin", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	var discard string
	if err := tx.GetContext(ctx, &discard, `SELECT id FROM pipeline_executions WHERE id = $1 FOR UPDATE`, pipelineID); err != nil {
		tx.Rollback()
		return pipelineerrs.Fatal("locker.select_for_update", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return pipelineerrs.Transient("locker.commit", err)
	}
	return nil
}

// RetryLocker degrades row locking to database-level serialization: it opens
// a SERIALIZABLE transaction and retries the whole critical section on a
// serialization failure, up to maxRetries times with jittered backoff. This
// is the documented fallback for backends (e.g. SQLite) that cannot take a
// real row lock; callers on such backends should expect lower throughput
// under contention than PostgresLocker provides.
type RetryLocker struct {
	DB         *sqlx.DB
	MaxRetries int
}

func (l *RetryLocker) WithLock(ctx context.Context, pipelineID string, fn func(tx *sqlx.Tx) error) error {
	maxRetries := l.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		tx, err := l.DB.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return pipelineerrs.Fatal("locker.begin", err)
		}

		err = fn(tx)
		if err == nil {
			if cErr := tx.Commit(); cErr == nil {
				return nil
			} else {
				err = cErr
			}
		}

		tx.Rollback()

		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err

		backoff := time.Duration(10*(1<<attempt)) * time.Millisecond
		backoff += time.Duration(rand.Intn(10)) * time.Millisecond
		select {
		case <-ctx.Done():
			return pipelineerrs.Transient("locker.retry", ctx.Err())
		case <-time.After(backoff):
		}
	}

	return pipelineerrs.ResourceContention("locker.retry_exhausted", fmt.Errorf("serialization failure after %d attempts: %w", maxRetries+1, lastErr))
}

func isSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	// SQLSTATE 40001 is serialization_failure on PostgreSQL; SQLite's
	// database/sql driver surfaces busy/locked errors as plain strings, so
	// this also matches those by substring as a best effort.
	var pqErr interface{ Code() string }
	if errors.As(err, &pqErr) {
		return pqErr.Code() == "40001"
	}
	msg := err.Error()
	for _, sub := range []string{"serialize", "could not serialize", "database is locked", "SQLITE_BUSY"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
