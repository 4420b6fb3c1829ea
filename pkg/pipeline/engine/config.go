// Package engine drives PipelineExecution rows through the generation and
// analysis stages: StageEngine.Advance implements the per-pipeline state
// transition, and Loop implements the process-wide poll cadence and shutdown
// protocol that calls it.
package engine

import "time"

// Config holds the §4.1 configuration constants. Defaults() matches the
// spec's module-scope defaults exactly; callers override via internal/config.
type Config struct {
	PollInterval                 time.Duration
	DefaultMaxConcurrentGeneration int
	DefaultMaxConcurrentAnalysis   int
	MaxGenerationWorkers          int
	MaxAnalysisWorkers            int
	ContainerStabilizationDelay  time.Duration
	ContainerRetryDelay          time.Duration
	GracefulShutdownTimeout      time.Duration
	ThreadJoinTimeout            time.Duration
	MaxTaskCreationRetries       int
	HealthCacheTTL               time.Duration
	AnalyzerCallTimeout          time.Duration
}

// Defaults returns the §4.1 table's default values.
func Defaults() Config {
	return Config{
		PollInterval:                   3 * time.Second,
		DefaultMaxConcurrentGeneration: 2,
		DefaultMaxConcurrentAnalysis:   3,
		MaxGenerationWorkers:           4,
		MaxAnalysisWorkers:             8,
		ContainerStabilizationDelay:    5 * time.Second,
		ContainerRetryDelay:            30 * time.Second,
		GracefulShutdownTimeout:        10 * time.Second,
		ThreadJoinTimeout:              5 * time.Second,
		MaxTaskCreationRetries:         3,
		HealthCacheTTL:                 30 * time.Second,
		AnalyzerCallTimeout:            60 * time.Second,
	}
}
