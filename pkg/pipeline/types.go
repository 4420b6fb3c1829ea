// Package pipeline defines the durable domain model of the generation-and-analysis
// pipeline orchestrator: pipeline executions, their progress documents, and the
// analysis task tree each pipeline drives.
package pipeline

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a PipelineExecution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Stage is the active stage of a running pipeline.
type Stage string

const (
	StageGeneration Stage = "generation"
	StageAnalysis   Stage = "analysis"
	StageDone       Stage = "done"
)

// TaskStatus is the lifecycle state of an AnalysisTask.
type TaskStatus string

const (
	TaskCreated        TaskStatus = "created"
	TaskPending        TaskStatus = "pending"
	TaskRunning        TaskStatus = "running"
	TaskCompleted      TaskStatus = "completed"
	TaskPartialSuccess TaskStatus = "partial_success"
	TaskFailed         TaskStatus = "failed"
	TaskCancelled      TaskStatus = "cancelled"
)

// IsTerminal reports whether a task status will never change again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskPartialSuccess, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Config is the frozen input of a pipeline, set once at creation time.
type Config struct {
	Models                  []string `json:"models"`
	Templates               []string `json:"templates"`
	Tools                   []string `json:"tools"`
	MaxConcurrentGeneration int      `json:"max_concurrent_generation"`
	MaxConcurrentAnalysis   int      `json:"max_concurrent_analysis"`
}

// TotalGenerationJobs is the size of the deterministic generation job list:
// outer loop models, inner loop templates.
func (c *Config) TotalGenerationJobs() int {
	return len(c.Models) * len(c.Templates)
}

// GenerationJob returns the job at the given index in (model, template) order,
// or ok=false if the index is out of range.
func (c *Config) GenerationJob(index int) (model, template string, ok bool) {
	if index < 0 || index >= c.TotalGenerationJobs() {
		return "", "", false
	}
	nTemplates := len(c.Templates)
	return c.Models[index/nTemplates], c.Templates[index%nTemplates], true
}

// GenerationResult is an append-only record of one completed generation job.
type GenerationResult struct {
	JobIndex   int       `json:"job_index"`
	Model      string    `json:"model"`
	Template   string    `json:"template"`
	Success    bool      `json:"success"`
	AppNumber  *int      `json:"app_number,omitempty"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// GenerationKey is the generation-stage dedup key "<model>|<template>".
func GenerationKey(model, template string) string {
	return model + "|" + template
}

// AnalysisKey is the analysis-stage dedup key "<model>|<app_number>".
func AnalysisKey(model string, appNumber int) string {
	return model + "|" + strconv.Itoa(appNumber)
}

// GenerationProgress is the generation sub-document of Progress.
type GenerationProgress struct {
	Total         int                `json:"total"`
	Completed     int                `json:"completed"`
	Failed        int                `json:"failed"`
	InFlightKeys  map[string]bool    `json:"in_flight_keys"`
	Results       []GenerationResult `json:"results"`
}

// HasResult reports whether a generation result already exists for jobIndex,
// the basis for R1 (replay of recordGenerationResult is a no-op).
func (g *GenerationProgress) HasResult(jobIndex int) bool {
	for _, r := range g.Results {
		if r.JobIndex == jobIndex {
			return true
		}
	}
	return false
}

// AnalysisProgress is the analysis sub-document of Progress.
type AnalysisProgress struct {
	Total          int             `json:"total"`
	Completed      int             `json:"completed"`
	Failed         int             `json:"failed"`
	MainTaskIDs    []string        `json:"main_task_ids"`
	SubtaskIDs     []string        `json:"subtask_ids"`
	SubmittedApps  map[string]bool `json:"submitted_apps"`
	RetryableApps  map[string]int  `json:"retryable_apps"` // key -> attempt count
}

// Progress is the structured document persisted alongside a PipelineExecution.
type Progress struct {
	Generation GenerationProgress `json:"generation"`
	Analysis   AnalysisProgress   `json:"analysis"`
}

// NewProgress returns a zero-value Progress with initialized maps, ready for
// a freshly created pipeline.
func NewProgress() Progress {
	return Progress{
		Generation: GenerationProgress{
			InFlightKeys: map[string]bool{},
		},
		Analysis: AnalysisProgress{
			SubmittedApps: map[string]bool{},
			RetryableApps: map[string]int{},
		},
	}
}

// PipelineExecution is the durable root entity of one pipeline run.
type PipelineExecution struct {
	ID              string    `json:"id" db:"id"`
	Status          Status    `json:"status" db:"status"`
	CurrentStage    Stage     `json:"current_stage" db:"current_stage"`
	CurrentJobIndex int       `json:"current_job_index" db:"current_job_index"`
	Config          Config    `json:"config" db:"-"`
	Progress        Progress  `json:"progress" db:"-"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`

	// StartedAnalyzers tracks analyzer services this pipeline caused
	// ContainerManager.ensureAnalyzer to start, so the stage-terminate step
	// knows which ones it, specifically, is responsible for stopping.
	StartedAnalyzers map[string]bool `json:"started_analyzers,omitempty" db:"-"`

	// TouchedApps tracks every (model, app_number) this pipeline has started
	// a container for, so the analysis-stage-terminate step can stop them all.
	TouchedApps map[string]bool `json:"touched_apps,omitempty" db:"-"`
}

// AnalysisTask is a durable analysis task row: either a main task (grouping
// per-service subtasks for one (model, app_number)) or a subtask bound to
// exactly one analyzer service.
type AnalysisTask struct {
	TaskID       string     `json:"task_id" db:"task_id"`
	PipelineID   string     `json:"pipeline_id" db:"pipeline_id"`
	ParentTaskID *string    `json:"parent_task_id,omitempty" db:"parent_task_id"`
	IsMainTask   bool       `json:"is_main_task" db:"is_main_task"`
	Model        string     `json:"model" db:"model"`
	AppNumber    int        `json:"app_number" db:"app_number"`
	ServiceName  *string    `json:"service_name,omitempty" db:"service_name"`
	Tools        []string   `json:"tools" db:"-"`
	Status       TaskStatus `json:"status" db:"status"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// NewTaskID mints a new unique AnalysisTask identifier.
func NewTaskID() string {
	return uuid.New().String()
}

// NewPipelineID mints a new unique PipelineExecution identifier.
func NewPipelineID() string {
	return uuid.New().String()
}

