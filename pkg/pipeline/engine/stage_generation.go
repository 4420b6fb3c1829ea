package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/orchestrix/pipeline/pkg/collaborators"
	"github.com/orchestrix/pipeline/pkg/pipeline"
	pipelineerrs "github.com/orchestrix/pipeline/pkg/pipeline/errs"
	"github.com/orchestrix/pipeline/pkg/pipeline/workerpool"
)

type generationOutcome struct {
	jobIndex int
	model    string
	template string
	result   collaborators.GenerationOutcome
}

func (e *StageEngine) advanceGeneration(ctx context.Context, p *pipeline.PipelineExecution) error {
	if err := e.drainGeneration(ctx, p); err != nil {
		return err
	}
	if err := e.submitGeneration(ctx, p); err != nil {
		return err
	}
	return e.maybeTerminateGeneration(ctx, p)
}

// drainGeneration implements §4.2 generation step 1: recordGenerationResult
// for every completed future belonging to this pipeline.
func (e *StageEngine) drainGeneration(ctx context.Context, p *pipeline.PipelineExecution) error {
	outs := e.takePendingGen(p.ID)
	if len(outs) == 0 {
		return nil
	}
	for _, o := range outs {
		if err := e.recordGenerationResult(ctx, p, o); err != nil {
			return err
		}
	}
	return nil
}

func (e *StageEngine) recordGenerationResult(ctx context.Context, p *pipeline.PipelineExecution, o workerpool.Outcome) error {
	outcome, ok := o.Value.(*generationOutcome)
	if !ok {
		return pipelineerrs.Fatal("engine.record_generation_result", fmt.Errorf("unexpected outcome value for key %q", o.Key))
	}

	// R1: replay is a no-op if a result for this job index already exists.
	if p.Progress.Generation.HasResult(outcome.jobIndex) {
		delete(p.Progress.Generation.InFlightKeys, o.Key)
		return e.pipelines.Commit(ctx, p)
	}

	result := pipeline.GenerationResult{
		JobIndex:   outcome.jobIndex,
		Model:      outcome.model,
		Template:   outcome.template,
		Success:    o.Err == nil && outcome.result.Success,
		RecordedAt: time.Now(),
	}
	if result.Success {
		appNumber := outcome.result.AppNumber
		result.AppNumber = &appNumber
		p.Progress.Generation.Completed++
	} else {
		if o.Err != nil {
			result.Error = o.Err.Error()
		} else {
			result.Error = outcome.result.Error
		}
		p.Progress.Generation.Failed++
	}

	p.Progress.Generation.Results = append(p.Progress.Generation.Results, result)
	delete(p.Progress.Generation.InFlightKeys, o.Key)

	return e.pipelines.Commit(ctx, p)
}

// submitGeneration implements §4.2 generation step 2.
func (e *StageEngine) submitGeneration(ctx context.Context, p *pipeline.PipelineExecution) error {
	maxConcurrent := p.Config.MaxConcurrentGeneration
	for {
		availableGlobal := e.cfg.MaxGenerationWorkers - e.genPool.InFlight()
		availablePipeline := maxConcurrent - len(p.Progress.Generation.InFlightKeys)
		if availableGlobal <= 0 || availablePipeline <= 0 {
			return nil
		}

		model, template, ok := p.Config.GenerationJob(p.CurrentJobIndex)
		if !ok {
			return nil
		}

		key := pipeline.GenerationKey(model, template)
		if p.Progress.Generation.InFlightKeys[key] || p.Progress.Generation.HasResult(p.CurrentJobIndex) {
			// Already accounted for (e.g. replay after restart); advance past
			// it without consuming a worker slot.
			if err := e.pipelines.AdvanceJobIndex(ctx, p); err != nil {
				return err
			}
			continue
		}

		jobIndex := p.CurrentJobIndex
		p.Progress.Generation.InFlightKeys[key] = true
		if err := e.pipelines.AdvanceJobIndex(ctx, p); err != nil {
			return err
		}

		e.genPool.Submit(ctx, poolKey(p.ID, key), e.generationJob(jobIndex, model, template))
	}
}

func (e *StageEngine) generationJob(jobIndex int, model, template string) workerpool.Job {
	return func(ctx context.Context) (interface{}, error) {
		outcome, err := e.generation.GenerateFullApp(ctx, model, template)
		return &generationOutcome{jobIndex: jobIndex, model: model, template: template, result: outcome}, err
	}
}

// maybeTerminateGeneration implements §4.2 generation step 3.
func (e *StageEngine) maybeTerminateGeneration(ctx context.Context, p *pipeline.PipelineExecution) error {
	gen := &p.Progress.Generation
	if gen.Completed+gen.Failed != gen.Total {
		return nil
	}

	elapsed := e.stageElapsedSeconds(p.ID, pipeline.StageGeneration)

	gen.InFlightKeys = map[string]bool{}
	p.CurrentJobIndex = 0
	p.CurrentStage = pipeline.StageAnalysis
	p.Progress.Analysis.Total = gen.Completed
	e.health.Invalidate()
	e.observeStageDuration(pipeline.StageGeneration, elapsed)

	if err := e.pipelines.Commit(ctx, p); err != nil {
		return err
	}
	e.recordAudit(AuditEvent{PipelineID: p.ID, Kind: "stage_transition", Detail: "generation -> analysis"})
	return nil
}
