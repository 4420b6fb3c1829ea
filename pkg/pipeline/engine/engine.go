package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/orchestrix/pipeline/pkg/analyzer"
	"github.com/orchestrix/pipeline/pkg/collaborators"
	"github.com/orchestrix/pipeline/pkg/metrics"
	"github.com/orchestrix/pipeline/pkg/pipeline"
	pipelineerrs "github.com/orchestrix/pipeline/pkg/pipeline/errs"
	"github.com/orchestrix/pipeline/pkg/pipeline/health"
	"github.com/orchestrix/pipeline/pkg/pipeline/store"
	"github.com/orchestrix/pipeline/pkg/pipeline/workerpool"
)

// AnalyzerRunner is the subset of analyzer.Client/analyzer.BreakingClient the
// engine depends on, so tests can substitute a fake without an HTTP server.
type AnalyzerRunner interface {
	RunTools(ctx context.Context, service analyzer.Service, model string, appNumber int, tools []string, options map[string]interface{}) (analyzer.NormalizedResult, error)
	Ping(ctx context.Context, service analyzer.Service) bool
}

// keySeparator joins a pipeline id to its job key inside a shared worker
// pool's outcome key, since both pools are process-wide across all pipelines.
const keySeparator = "::"

func poolKey(pipelineID, jobKey string) string {
	return pipelineID + keySeparator + jobKey
}

func splitPoolKey(composite string) (pipelineID, jobKey string) {
	idx := strings.Index(composite, keySeparator)
	if idx < 0 {
		return composite, ""
	}
	return composite[:idx], composite[idx+len(keySeparator):]
}

// StageEngine implements StageEngine.advance: the per-pipeline generation and
// analysis state transitions of §4.2, bounded by two process-wide worker
// pools shared across every running pipeline.
type StageEngine struct {
	cfg Config

	pipelines *store.PipelineStore
	tasks     *store.TaskStore

	generation collaborators.GenerationService
	containers collaborators.ContainerManager

	genPool *workerpool.Pool
	anaPool *workerpool.Pool

	registry *analyzer.ToolRegistry
	runner   AnalyzerRunner
	health   *health.Cache

	logger  *slog.Logger
	audit   AuditSink
	metrics *metrics.Collectors

	mu           sync.Mutex
	pendingGen   map[string][]workerpool.Outcome
	stageEntered map[string]time.Time
}

// AuditSink receives a durable record of every pipeline status transition
// and analysis task creation, independent of the operational log stream.
type AuditSink interface {
	Record(event AuditEvent)
}

// AuditEvent is the record handed to an AuditSink. It is declared here so
// this package does not import internal/logging, whose AuditLog implements
// AuditSink over this type.
type AuditEvent struct {
	PipelineID string
	TaskID     string
	Kind       string
	Detail     string
}

// SetAudit wires an audit sink after construction; nil (the default) makes
// audit recording a no-op.
func (e *StageEngine) SetAudit(sink AuditSink) {
	e.audit = sink
}

func (e *StageEngine) recordAudit(event AuditEvent) {
	if e.audit != nil {
		e.audit.Record(event)
	}
}

// SetMetrics wires a Collectors after construction; nil (the default) makes
// every metric update a no-op.
func (e *StageEngine) SetMetrics(c *metrics.Collectors) {
	e.metrics = c
}

// SetHealthMirror wires a cross-instance health.Mirror after construction;
// nil (the default) leaves the health cache per-process.
func (e *StageEngine) SetHealthMirror(m health.Mirror) {
	e.health.SetMirror(m)
}

func (e *StageEngine) observePoolOccupancy() {
	if e.metrics == nil {
		return
	}
	e.metrics.GenerationJobsInFlight.Set(float64(e.genPool.InFlight()))
	e.metrics.AnalysisJobsInFlight.Set(float64(e.anaPool.InFlight()))
}

func (e *StageEngine) observeRetry(stage pipeline.Stage) {
	if e.metrics == nil {
		return
	}
	e.metrics.RetryTotal.WithLabelValues(string(stage)).Inc()
}

func (e *StageEngine) observeStageDuration(stage pipeline.Stage, seconds float64) {
	if e.metrics == nil {
		return
	}
	e.metrics.StageDuration.WithLabelValues(string(stage)).Observe(seconds)
}

// New builds a StageEngine. The two worker pools are sized from cfg and
// shared by every pipeline the returned engine advances.
func New(cfg Config, pipelines *store.PipelineStore, tasks *store.TaskStore, gen collaborators.GenerationService, containers collaborators.ContainerManager, registry *analyzer.ToolRegistry, runner AnalyzerRunner, logger *slog.Logger) *StageEngine {
	e := &StageEngine{
		cfg:        cfg,
		pipelines:  pipelines,
		tasks:      tasks,
		generation: gen,
		containers: containers,
		genPool:    workerpool.New(cfg.MaxGenerationWorkers, cfg.MaxGenerationWorkers*2),
		anaPool:    workerpool.New(cfg.MaxAnalysisWorkers, cfg.MaxAnalysisWorkers*2),
		registry:   registry,
		runner:       runner,
		logger:       logger,
		pendingGen:   map[string][]workerpool.Outcome{},
		stageEntered: map[string]time.Time{},
	}
	e.health = health.New(cfg.HealthCacheTTL, e.probeService)
	return e
}

func (e *StageEngine) probeService(ctx context.Context, service string) bool {
	return e.runner.Ping(ctx, analyzer.Service(service))
}

// DrainPools moves every outcome currently buffered in the generation pool
// into per-pipeline pending buffers. Loop calls this exactly once per tick,
// before Advance is called for any pipeline, so outcomes are routed to the
// correct pipeline without one pipeline's Advance stealing another's. The
// analysis pool is drained separately by the subtask executor, which updates
// durable task rows directly rather than routing through a pipeline's
// in-memory state.
func (e *StageEngine) DrainPools() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range e.genPool.Drain() {
		pid, key := splitPoolKey(o.Key)
		e.pendingGen[pid] = append(e.pendingGen[pid], workerpool.Outcome{Key: key, Value: o.Value, Err: o.Err})
	}
	e.observePoolOccupancy()
}

func (e *StageEngine) takePendingGen(pipelineID string) []workerpool.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	outs := e.pendingGen[pipelineID]
	delete(e.pendingGen, pipelineID)
	return outs
}

// noteStageEntry records the first tick a pipeline is observed in stage, the
// basis for the stage_duration_seconds histogram. Since this is in-memory
// only, a process restart resets the clock for any pipeline mid-stage at the
// time, which understates that one histogram observation rather than
// corrupting the pipeline's durable state.
func (e *StageEngine) noteStageEntry(pipelineID string, stage pipeline.Stage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := poolKey(pipelineID, string(stage))
	if _, ok := e.stageEntered[key]; !ok {
		e.stageEntered[key] = time.Now()
	}
}

func (e *StageEngine) stageElapsedSeconds(pipelineID string, stage pipeline.Stage) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := poolKey(pipelineID, string(stage))
	start, ok := e.stageEntered[key]
	if !ok {
		return 0
	}
	delete(e.stageEntered, key)
	return time.Since(start).Seconds()
}

// Advance dispatches on p.CurrentStage per §4.2.
func (e *StageEngine) Advance(ctx context.Context, p *pipeline.PipelineExecution) error {
	e.noteStageEntry(p.ID, p.CurrentStage)
	switch p.CurrentStage {
	case pipeline.StageGeneration:
		return e.advanceGeneration(ctx, p)
	case pipeline.StageAnalysis:
		return e.advanceAnalysis(ctx, p)
	case pipeline.StageDone:
		return nil
	default:
		return pipelineerrs.Fatal("engine.advance", errUnknownStage(p.CurrentStage))
	}
}

func errUnknownStage(s pipeline.Stage) error {
	return &unknownStageError{stage: s}
}

type unknownStageError struct{ stage pipeline.Stage }

func (e *unknownStageError) Error() string { return "unknown pipeline stage: " + string(e.stage) }

// PersistIncompleteState releases key via MarkJobRetryable (analysis keys
// move from submitted_apps into retryable_apps; generation keys are only
// removed from in_flight_keys) and commits. Loop.Stop does not call it.
func (e *StageEngine) PersistIncompleteState(ctx context.Context, p *pipeline.PipelineExecution, stage pipeline.Stage, key string) error {
	e.observeRetry(stage)
	return e.pipelines.MarkJobRetryable(ctx, p, stage, key)
}

// StopPools waits up to ThreadJoinTimeout for both worker pools to drain.
func (e *StageEngine) StopPools(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ThreadJoinTimeout)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); e.genPool.Stop(ctx) }()
	go func() { defer wg.Done(); e.anaPool.Stop(ctx) }()
	wg.Wait()
}
