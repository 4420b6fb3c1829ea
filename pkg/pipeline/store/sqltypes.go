package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/orchestrix/pipeline/pkg/pipeline"
)

// configJSON and progressJSON adapt pipeline.Config and pipeline.Progress to
// the database/sql/driver.Valuer and sql.Scanner interfaces so sqlx can read
// and write them as single JSONB columns, the same pattern the teacher's
// JSONMap/JSONArray types use for model metadata.

type configJSON pipeline.Config

func (c configJSON) Value() (driver.Value, error) {
	return json.Marshal(pipeline.Config(c))
}

func (c *configJSON) Scan(value interface{}) error {
	if value == nil {
		*c = configJSON{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into Config", value)
	}
	return json.Unmarshal(bytes, (*pipeline.Config)(c))
}

type progressJSON pipeline.Progress

func (p progressJSON) Value() (driver.Value, error) {
	return json.Marshal(pipeline.Progress(p))
}

func (p *progressJSON) Scan(value interface{}) error {
	if value == nil {
		*p = progressJSON(pipeline.NewProgress())
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into Progress", value)
	}
	return json.Unmarshal(bytes, (*pipeline.Progress)(p))
}

type stringSliceJSON []string

func (s stringSliceJSON) Value() (driver.Value, error) {
	if s == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal([]string(s))
}

func (s *stringSliceJSON) Scan(value interface{}) error {
	if value == nil {
		*s = stringSliceJSON{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into []string", value)
	}
	return json.Unmarshal(bytes, (*[]string)(s))
}

// pipelineRow is the sqlx scan target for pipeline_executions. Config and
// Progress are stored as JSONB and rehydrated into the domain type by load().
type pipelineRow struct {
	ID              string       `db:"id"`
	Status          string       `db:"status"`
	CurrentStage    string       `db:"current_stage"`
	CurrentJobIndex int          `db:"current_job_index"`
	ConfigJSON      configJSON   `db:"config_json"`
	ProgressJSON    progressJSON `db:"progress_json"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
}

func (r *pipelineRow) toDomain() *pipeline.PipelineExecution {
	p := &pipeline.PipelineExecution{
		ID:              r.ID,
		Status:          pipeline.Status(r.Status),
		CurrentStage:    pipeline.Stage(r.CurrentStage),
		CurrentJobIndex: r.CurrentJobIndex,
		Config:          pipeline.Config(r.ConfigJSON),
		Progress:        pipeline.Progress(r.ProgressJSON),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	return p
}

// taskRow is the sqlx scan target for analysis_tasks.
type taskRow struct {
	TaskID       string          `db:"task_id"`
	PipelineID   string          `db:"pipeline_id"`
	ParentTaskID *string         `db:"parent_task_id"`
	IsMainTask   bool            `db:"is_main_task"`
	Model        string          `db:"model"`
	AppNumber    int             `db:"app_number"`
	ServiceName  *string         `db:"service_name"`
	ToolsJSON    stringSliceJSON `db:"tools_json"`
	Status       string          `db:"status"`
}

func (r *taskRow) toDomain() *pipeline.AnalysisTask {
	return &pipeline.AnalysisTask{
		TaskID:       r.TaskID,
		PipelineID:   r.PipelineID,
		ParentTaskID: r.ParentTaskID,
		IsMainTask:   r.IsMainTask,
		Model:        r.Model,
		AppNumber:    r.AppNumber,
		ServiceName:  r.ServiceName,
		Tools:        []string(r.ToolsJSON),
		Status:       pipeline.TaskStatus(r.Status),
	}
}
