// Package metrics exposes the orchestrator's Prometheus collectors: jobs in
// flight per stage, stage duration, retry counts, and analyzer circuit
// breaker state.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/orchestrix/pipeline/pkg/pipeline"
)

// Collectors bundles every metric the engine and API update.
type Collectors struct {
	GenerationJobsInFlight prometheus.Gauge
	AnalysisJobsInFlight   prometheus.Gauge
	StageDuration          *prometheus.HistogramVec
	RetryTotal             *prometheus.CounterVec
	BreakerState           *prometheus.GaugeVec
	PipelinesByStatus      *prometheus.GaugeVec
}

// New registers every collector against registry (pass
// prometheus.DefaultRegisterer in production, a fresh registry in tests).
func New(registry prometheus.Registerer) *Collectors {
	factory := promauto.With(registry)
	return &Collectors{
		GenerationJobsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "generation",
			Name:      "jobs_in_flight",
			Help:      "Number of generation jobs currently submitted to the worker pool.",
		}),
		AnalysisJobsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "analysis",
			Name:      "jobs_in_flight",
			Help:      "Number of analysis subtasks currently submitted to the worker pool.",
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock time a pipeline spends in each stage.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"stage"}),
		RetryTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "retry_total",
			Help:      "Count of jobs moved into the retryable bucket, by stage.",
		}, []string{"stage"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "analyzer_circuit_breaker_state",
			Help:      "0=closed, 1=half-open, 2=open, per analyzer service.",
		}, []string{"service"}),
		PipelinesByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "pipelines",
			Help:      "Number of pipeline executions currently in each status.",
		}, []string{"status"}),
	}
}

// PipelineLister is the subset of store.PipelineStore the metrics refresh
// needs, kept as an interface so pkg/metrics never imports pkg/pipeline/store.
type PipelineLister interface {
	List(ctx context.Context) ([]*pipeline.PipelineExecution, error)
}

// Refresh recomputes the pipeline-count gauges from the current store state;
// called on every /metrics scrape rather than kept continuously up to date.
func (c *Collectors) Refresh(ctx context.Context, pipelines PipelineLister) error {
	all, err := pipelines.List(ctx)
	if err != nil {
		return err
	}

	counts := map[pipeline.Status]int{}
	for _, p := range all {
		counts[p.Status]++
	}
	for _, status := range []pipeline.Status{
		pipeline.StatusPending, pipeline.StatusRunning, pipeline.StatusCompleted,
		pipeline.StatusFailed, pipeline.StatusCancelled,
	} {
		c.PipelinesByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	return nil
}
