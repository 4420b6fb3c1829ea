package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/orchestrix/pipeline/pkg/pipeline"
	"github.com/orchestrix/pipeline/pkg/pipeline/store"
)

// Loop is the single background activity of §4.1: every PollInterval it
// advances every running pipeline, and it separately drives subtask
// execution on its own faster cadence.
type Loop struct {
	cfg       Config
	engine    *StageEngine
	pipelines *store.PipelineStore
	logger    *slog.Logger

	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

func NewLoop(cfg Config, engine *StageEngine, pipelines *store.PipelineStore, logger *slog.Logger) *Loop {
	return &Loop{
		cfg:       cfg,
		engine:    engine,
		pipelines: pipelines,
		logger:    logger,
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the poll loop until Stop is called or ctx is cancelled. It
// blocks; call it from its own goroutine.
func (l *Loop) Start(ctx context.Context) {
	defer close(l.done)

	pollTicker := time.NewTicker(l.cfg.PollInterval)
	defer pollTicker.Stop()
	subtaskTicker := time.NewTicker(subtaskPollInterval)
	defer subtaskTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.shutdown:
			return
		case <-subtaskTicker.C:
			if err := l.engine.DriveSubtasks(ctx); err != nil {
				l.logger.Error("drive subtasks failed", "error", err)
			}
		case <-pollTicker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	l.engine.DrainPools()

	running, err := l.pipelines.ListRunning(ctx)
	if err != nil {
		l.logger.Error("list running pipelines failed", "error", err)
		return
	}

	for _, p := range running {
		if err := l.engine.Advance(ctx, p); err != nil {
			l.logger.Error("advance pipeline failed", "pipeline_id", p.ID, "error", err)
			p.Status = pipeline.StatusFailed
			if cErr := l.pipelines.Commit(ctx, p); cErr != nil {
				l.logger.Error("failed to persist pipeline failure", "pipeline_id", p.ID, "error", cErr)
			}
		}
	}
}

// Stop signals shutdown, waits up to GracefulShutdownTimeout for the loop
// goroutine to return, then waits up to ThreadJoinTimeout for both worker
// pools to finish their in-flight jobs. Jobs still running after that keep
// their in_flight_keys/submitted_apps entries; Stop does not move them into
// retryable_apps.
func (l *Loop) Stop(ctx context.Context) {
	l.once.Do(func() { close(l.shutdown) })

	waitCtx, cancel := context.WithTimeout(ctx, l.cfg.GracefulShutdownTimeout)
	defer cancel()
	select {
	case <-l.done:
	case <-waitCtx.Done():
	}

	l.engine.StopPools(ctx)
}
