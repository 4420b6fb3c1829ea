package engine

import (
	"context"
	"fmt"

	"github.com/orchestrix/pipeline/pkg/pipeline"
	pipelineerrs "github.com/orchestrix/pipeline/pkg/pipeline/errs"
)

// Cancel marks p cancelled and best-effort stops every container it started.
// It reuses GracefulShutdownTimeout as the stop-wait budget, the resolved
// answer to the cancel-during-analyzer-shutdown open question, since no
// separate constant is specified. Cancelling a pipeline already in a
// terminal state is rejected rather than silently accepted.
func (e *StageEngine) Cancel(ctx context.Context, p *pipeline.PipelineExecution) error {
	if p.CurrentStage == pipeline.StageDone || p.Status == pipeline.StatusCancelled ||
		p.Status == pipeline.StatusFailed || p.Status == pipeline.StatusCompleted {
		return pipelineerrs.Configuration("engine.cancel", fmt.Errorf("pipeline %s is already terminal", p.ID))
	}

	stopCtx, cancel := context.WithTimeout(ctx, e.cfg.GracefulShutdownTimeout)
	defer cancel()

	p.Status = pipeline.StatusCancelled
	if err := e.pipelines.Commit(ctx, p); err != nil {
		return err
	}
	e.stopTouchedResources(stopCtx, p)
	e.recordAudit(AuditEvent{PipelineID: p.ID, Kind: "cancelled", Detail: string(p.CurrentStage)})
	return nil
}
