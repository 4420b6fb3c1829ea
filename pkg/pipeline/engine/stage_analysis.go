package engine

import (
	"context"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/orchestrix/pipeline/pkg/pipeline"
	pipelineerrs "github.com/orchestrix/pipeline/pkg/pipeline/errs"
)

func (e *StageEngine) advanceAnalysis(ctx context.Context, p *pipeline.PipelineExecution) error {
	healthy, err := e.ensureAnalyzersHealthy(ctx, p)
	if err != nil {
		return err
	}
	if !healthy {
		// Leave the pipeline running; the next tick retries health checks.
		return nil
	}

	if err := e.drainAnalysis(ctx, p); err != nil {
		return err
	}
	if err := e.submitAnalysis(ctx, p); err != nil {
		return err
	}
	return e.maybeTerminateAnalysis(ctx, p)
}

// ensureAnalyzersHealthy implements §4.2 analysis step 1: start and probe
// every analyzer service config.tools requires before dispatching any jobs.
func (e *StageEngine) ensureAnalyzersHealthy(ctx context.Context, p *pipeline.PipelineExecution) (bool, error) {
	groups, err := e.registry.GroupByService(p.Config.Tools)
	if err != nil {
		return false, pipelineerrs.Configuration("engine.ensure_analyzers_healthy", err)
	}

	if p.StartedAnalyzers == nil {
		p.StartedAnalyzers = map[string]bool{}
	}

	allHealthy := true
	for service := range groups {
		name := string(service)
		if !p.StartedAnalyzers[name] {
			if err := e.containers.EnsureAnalyzer(ctx, name); err != nil {
				return false, nil // transient; retry next tick
			}
			p.StartedAnalyzers[name] = true
			if err := e.pipelines.Commit(ctx, p); err != nil {
				return false, err
			}
		}
		if !e.health.EnsureHealthy(ctx, name, e.cfg.ContainerRetryDelay) {
			allHealthy = false
		}
	}
	return allHealthy, nil
}

// drainAnalysis implements §4.2 analysis step 2.
func (e *StageEngine) drainAnalysis(ctx context.Context, p *pipeline.PipelineExecution) error {
	remaining := make([]string, 0, len(p.Progress.Analysis.MainTaskIDs))
	changed := false

	for _, taskID := range p.Progress.Analysis.MainTaskIDs {
		status, terminal, err := e.tasks.GetTerminalState(ctx, taskID)
		if err != nil {
			return err
		}
		if !terminal {
			remaining = append(remaining, taskID)
			continue
		}
		changed = true
		switch status {
		case pipeline.TaskCompleted, pipeline.TaskPartialSuccess:
			p.Progress.Analysis.Completed++
		case pipeline.TaskFailed, pipeline.TaskCancelled:
			p.Progress.Analysis.Failed++
		}
	}

	if !changed {
		return nil
	}
	p.Progress.Analysis.MainTaskIDs = remaining
	return e.pipelines.Commit(ctx, p)
}

// submitAnalysis implements §4.2 analysis step 3.
func (e *StageEngine) submitAnalysis(ctx context.Context, p *pipeline.PipelineExecution) error {
	// Task creation itself is a brief DB-plus-container-start operation, not
	// the long-running subtask execution MaxAnalysisWorkers bounds (see
	// subtask_executor.go); available_slots here is purely the per-pipeline
	// cap.
	maxConcurrent := p.Config.MaxConcurrentAnalysis
	for {
		// SubmittedApps is monotonic (only markJobRetryable's callers ever
		// delete from it, and only on resubmission), so it cannot stand in for
		// the active count. MainTaskIDs is drainAnalysis-pruned to non-terminal
		// mains and is the actual in-flight working set.
		inFlight := len(p.Progress.Analysis.MainTaskIDs)
		availablePipeline := maxConcurrent - inFlight
		if availablePipeline <= 0 {
			return nil
		}

		model, appNumber, ok := e.nextAnalysisJob(p)
		if !ok {
			return nil
		}

		key := pipeline.AnalysisKey(model, appNumber)
		if p.Progress.Analysis.SubmittedApps[key] {
			if err := e.pipelines.AdvanceJobIndex(ctx, p); err != nil {
				return err
			}
			continue
		}
		exists, err := e.tasks.MainTaskExistsFor(ctx, p.ID, model, appNumber)
		if err != nil {
			return err
		}
		if exists {
			if err := e.pipelines.AdvanceJobIndex(ctx, p); err != nil {
				return err
			}
			continue
		}

		if err := e.submitAnalysisTask(ctx, p, model, appNumber, key); err != nil {
			if pipelineerrs.KindOf(err) == pipelineerrs.KindFatal {
				return err
			}
			// Transient/contention failures were counted in retryable_apps by
			// handleSubmitFailure. The job index only advances on give-up, so
			// the next iteration retries the same app at once until its
			// attempt budget is spent, then moves on to the next job.
		}
	}
}

// nextAnalysisJob walks current_job_index forward over generation results,
// skipping failed generations, per §4.2's "skip if !job.generation_success".
func (e *StageEngine) nextAnalysisJob(p *pipeline.PipelineExecution) (model string, appNumber int, ok bool) {
	results := p.Progress.Generation.Results
	for {
		r := findResultByJobIndex(results, p.CurrentJobIndex)
		if r == nil {
			return "", 0, false
		}
		if !r.Success || r.AppNumber == nil {
			p.CurrentJobIndex++
			continue
		}
		return r.Model, *r.AppNumber, true
	}
}

func findResultByJobIndex(results []pipeline.GenerationResult, jobIndex int) *pipeline.GenerationResult {
	for i := range results {
		if results[i].JobIndex == jobIndex {
			return &results[i]
		}
	}
	return nil
}

// submitAnalysisTask implements §4.5's engine-side wrapper: a row-locked
// critical section that rechecks dedup, starts the app container, creates
// the main task and its subtasks, and commits every mutation atomically.
// Failures go to handleSubmitFailure: after MaxTaskCreationRetries attempts
// the job is removed from retryable_apps, counted as failed, and the job
// index advances so the batch is not blocked.
func (e *StageEngine) submitAnalysisTask(ctx context.Context, p *pipeline.PipelineExecution, model string, appNumber int, key string) error {
	var taskID string
	var subtaskIDs []string

	lockErr := e.pipelines.WithRowLock(ctx, p, func(tx *sqlx.Tx) error {
		if p.Progress.Analysis.SubmittedApps[key] {
			return nil
		}
		exists, err := e.tasks.MainTaskExistsForTx(ctx, tx, p.ID, model, appNumber)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}

		if err := e.containers.StartApp(ctx, model, appNumber); err != nil {
			return pipelineerrs.Transient("engine.submit_analysis_task.start_app", err)
		}
		if p.TouchedApps == nil {
			p.TouchedApps = map[string]bool{}
		}
		p.TouchedApps[key] = true

		taskID, subtaskIDs, err = e.tasks.CreateMainTaskWithSubtasks(ctx, tx, p.ID, model, appNumber, p.Config.Tools)
		if err != nil {
			return err
		}

		p.Progress.Analysis.MainTaskIDs = append(p.Progress.Analysis.MainTaskIDs, taskID)
		p.Progress.Analysis.SubtaskIDs = append(p.Progress.Analysis.SubtaskIDs, subtaskIDs...)
		p.Progress.Analysis.SubmittedApps[key] = true
		delete(p.Progress.Analysis.RetryableApps, key)
		p.CurrentJobIndex++

		return e.pipelines.CommitTx(ctx, tx, p)
	})

	if lockErr == nil {
		e.recordAudit(AuditEvent{PipelineID: p.ID, TaskID: taskID, Kind: "analysis_task_created", Detail: key})
		return nil
	}

	return e.handleSubmitFailure(ctx, p, key, lockErr)
}

// handleSubmitFailure implements §4.5's failure-mode policy: contention and
// transient container-start failures count against the attempt budget in
// retryable_apps; exhausting MaxTaskCreationRetries fails the job outright.
func (e *StageEngine) handleSubmitFailure(ctx context.Context, p *pipeline.PipelineExecution, key string, cause error) error {
	if pipelineerrs.KindOf(cause) == pipelineerrs.KindFatal {
		return cause
	}

	attempts := p.Progress.Analysis.RetryableApps[key]
	if attempts+1 >= e.cfg.MaxTaskCreationRetries {
		delete(p.Progress.Analysis.RetryableApps, key)
		p.Progress.Analysis.Failed++
		p.CurrentJobIndex++
		return e.pipelines.Commit(ctx, p)
	}

	p.Progress.Analysis.RetryableApps[key] = attempts + 1
	e.observeRetry(pipeline.StageAnalysis)
	return e.pipelines.Commit(ctx, p)
}

// maybeTerminateAnalysis implements §4.2 analysis step 4.
func (e *StageEngine) maybeTerminateAnalysis(ctx context.Context, p *pipeline.PipelineExecution) error {
	ana := &p.Progress.Analysis
	if ana.Total == 0 {
		return e.finishAnalysis(ctx, p)
	}
	if ana.Completed+ana.Failed != ana.Total {
		return nil
	}
	return e.finishAnalysis(ctx, p)
}

func (e *StageEngine) finishAnalysis(ctx context.Context, p *pipeline.PipelineExecution) error {
	elapsed := e.stageElapsedSeconds(p.ID, pipeline.StageAnalysis)
	e.stopTouchedResources(ctx, p)
	e.observeStageDuration(pipeline.StageAnalysis, elapsed)

	p.CurrentStage = pipeline.StageDone
	p.Status = pipeline.StatusCompleted

	if err := e.pipelines.Commit(ctx, p); err != nil {
		return err
	}
	e.recordAudit(AuditEvent{PipelineID: p.ID, Kind: "stage_transition", Detail: "analysis -> done"})
	return nil
}

// stopTouchedResources best-effort stops every app container and analyzer
// service this pipeline is responsible for, shared by normal stage
// termination and by an operator-initiated cancel.
func (e *StageEngine) stopTouchedResources(ctx context.Context, p *pipeline.PipelineExecution) {
	for key := range p.TouchedApps {
		model, appNumber, ok := splitAnalysisKey(key)
		if !ok {
			continue
		}
		_ = e.containers.StopApp(ctx, model, appNumber)
	}
	for service := range p.StartedAnalyzers {
		_ = e.containers.StopAnalyzer(ctx, service)
	}
}

func splitAnalysisKey(key string) (model string, appNumber int, ok bool) {
	idx := strings.LastIndex(key, "|")
	if idx < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(key[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return key[:idx], n, true
}
