package engine

import (
	"context"
	"time"

	"github.com/orchestrix/pipeline/pkg/analyzer"
	"github.com/orchestrix/pipeline/pkg/pipeline"
	"github.com/orchestrix/pipeline/pkg/pipeline/workerpool"
)

// DriveSubtasks claims up to the analysis pool's free capacity worth of
// pending subtasks, dispatches each to its owning analyzer service, and
// folds completed outcomes back into subtask status and main-task
// aggregation. This is the orchestrator's side of "AnalysisTask: external
// consumer advances, orchestrator reads" — the orchestrator is the consumer
// for subtasks, since they are opaque per-service tool dispatches rather
// than pipeline bookkeeping.
func (e *StageEngine) DriveSubtasks(ctx context.Context) error {
	e.foldSubtaskOutcomes(ctx)
	e.observePoolOccupancy()

	free := e.cfg.MaxAnalysisWorkers - e.anaPool.InFlight()
	if free <= 0 {
		return nil
	}

	claimed, err := e.tasks.ClaimPendingSubtasks(ctx, free)
	if err != nil {
		return err
	}

	for _, sub := range claimed {
		sub := sub
		e.anaPool.Submit(ctx, sub.TaskID, e.subtaskJob(sub))
	}
	return nil
}

type subtaskOutcome struct {
	taskID       string
	parentTaskID string
	status       pipeline.TaskStatus
}

func (e *StageEngine) subtaskJob(sub *pipeline.AnalysisTask) workerpool.Job {
	return func(ctx context.Context) (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.AnalyzerCallTimeout)
		defer cancel()

		service := analyzer.Service(deref(sub.ServiceName))
		result, err := e.runner.RunTools(ctx, service, sub.Model, sub.AppNumber, sub.Tools, nil)

		status := pipeline.TaskCompleted
		switch {
		case err != nil:
			status = pipeline.TaskFailed
		case result.Status == "failed":
			status = pipeline.TaskFailed
		case result.Status == "partial":
			status = pipeline.TaskPartialSuccess
		}

		parent := ""
		if sub.ParentTaskID != nil {
			parent = *sub.ParentTaskID
		}
		return &subtaskOutcome{taskID: sub.TaskID, parentTaskID: parent, status: status}, nil
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// foldSubtaskOutcomes drains the analysis pool and persists each completed
// subtask's terminal status, then attempts to aggregate its parent main task.
func (e *StageEngine) foldSubtaskOutcomes(ctx context.Context) {
	for _, o := range e.anaPool.Drain() {
		outcome, ok := o.Value.(*subtaskOutcome)
		if !ok {
			continue
		}
		_ = e.tasks.UpdateSubtaskStatus(ctx, outcome.taskID, outcome.status)
		if outcome.parentTaskID != "" {
			_ = e.tasks.AggregateMain(ctx, outcome.parentTaskID)
		}
	}
}

// subtaskPollInterval is how often Loop calls DriveSubtasks independent of
// the per-pipeline poll tick, since subtask dispatch is not pipeline-scoped.
const subtaskPollInterval = 500 * time.Millisecond
