package analyzer

import "time"

// RawResponse is the nested shape an analyzer container sends back, fixed by
// §6.2.
type RawResponse struct {
	Results  RawResults  `json:"results"`
	Metadata RawMetadata `json:"metadata"`
}

type RawResults struct {
	Analysis RawAnalysis `json:"analysis"`
}

type RawAnalysis struct {
	// Results maps language -> tool name -> opaque tool report.
	Results map[string]map[string]RawToolReport `json:"results"`
}

type RawMetadata struct {
	Timestamp string `json:"timestamp"`
}

// RawToolReport is the opaque per-tool payload; only the fields the
// normalizer inspects are typed, the rest pass through as RawOutput.
type RawToolReport struct {
	Status      string        `json:"status,omitempty"`
	Issues      []interface{} `json:"issues,omitempty"`
	Metrics     interface{}   `json:"metrics,omitempty"`
	CommandLine string        `json:"command_line,omitempty"`
	ExitCode    *int          `json:"exit_code,omitempty"`
	Stdout      string        `json:"stdout,omitempty"`
	Stderr      string        `json:"stderr,omitempty"`
}

// ToolStatus is one of the normalized per-tool statuses of §4.6.
type ToolStatus string

const (
	ToolSuccess ToolStatus = "success"
	ToolPartial ToolStatus = "partial"
	ToolFailed  ToolStatus = "failed"
	ToolTimeout ToolStatus = "timeout"
	ToolMissing ToolStatus = "missing"
)

// ToolResult is one entry of the normalized tool_results map.
type ToolResult struct {
	Status          ToolStatus    `json:"status"`
	Executed        bool          `json:"executed"`
	TotalIssues     int           `json:"total_issues"`
	DurationSeconds float64       `json:"duration_seconds"`
	Issues          []interface{} `json:"issues,omitempty"`
	Metrics         interface{}   `json:"metrics,omitempty"`
	CommandLine     string        `json:"command_line,omitempty"`
	ExitCode        *int          `json:"exit_code,omitempty"`
	RawOutput       string        `json:"raw_output,omitempty"`
	Stdout          string        `json:"stdout,omitempty"`
	Stderr          string        `json:"stderr,omitempty"`
}

// NormalizedResult is the flat shape §6.2 specifies as AnalyzerClient's
// output, consumed by the external TaskExecutionService.
type NormalizedResult struct {
	Status            string                `json:"status"`
	ToolsRequested    []string              `json:"tools_requested"`
	ToolResults       map[string]ToolResult `json:"tool_results"`
	AnalysisDuration  float64               `json:"analysis_duration"`
}

// RawOutputMaxIssues is the default truncation threshold of §4.6 / §6.3.
const RawOutputMaxIssues = 50

// truncated is the sentinel entry appended when an issue list is cut off.
func truncated(omitted int) interface{} {
	return map[string]interface{}{"truncated": true, "omitted_count": omitted}
}

// Normalize flattens a raw analyzer response into the per-tool envelope of
// §4.6, applying duration computation, missing-tool synthesis, status
// classification, truncation, and the FULL_RAW_OUTPUTS gate.
func Normalize(raw RawResponse, toolsRequested []string, elapsed time.Duration, fullRawOutputs bool, maxIssues int) NormalizedResult {
	if maxIssues <= 0 {
		maxIssues = RawOutputMaxIssues
	}

	flat := map[string]RawToolReport{}
	for _, toolsByName := range raw.Results.Analysis.Results {
		for tool, report := range toolsByName {
			flat[tool] = report
		}
	}

	totalSeconds := elapsed.Seconds()
	perToolDuration := 0.0
	if len(toolsRequested) > 0 {
		perToolDuration = totalSeconds / float64(len(toolsRequested))
	}

	results := make(map[string]ToolResult, len(toolsRequested))
	anySuccess, anyNonSuccess := false, false

	for _, tool := range toolsRequested {
		report, present := flat[tool]
		if !present {
			results[tool] = ToolResult{Status: ToolMissing, Executed: false, TotalIssues: 0}
			anyNonSuccess = true
			continue
		}

		status := classifyStatus(report)
		switch status {
		case ToolSuccess:
			anySuccess = true
		default:
			anyNonSuccess = true
		}

		tr := ToolResult{
			Status:          status,
			Executed:        true,
			TotalIssues:     len(report.Issues),
			DurationSeconds: perToolDuration,
			Metrics:         report.Metrics,
			CommandLine:     report.CommandLine,
			ExitCode:        report.ExitCode,
		}

		if fullRawOutputs {
			tr.Issues = truncateIssues(report.Issues, maxIssues)
			tr.Stdout = report.Stdout
			tr.Stderr = report.Stderr
		}

		results[tool] = tr
	}

	overall := "completed"
	switch {
	case anySuccess && anyNonSuccess:
		overall = "partial"
	case !anySuccess && anyNonSuccess:
		overall = "failed"
	}

	return NormalizedResult{
		Status:           overall,
		ToolsRequested:   toolsRequested,
		ToolResults:      results,
		AnalysisDuration: totalSeconds,
	}
}

func classifyStatus(report RawToolReport) ToolStatus {
	switch report.Status {
	case "timeout":
		return ToolTimeout
	case "success", "":
		if len(report.Issues) > 0 {
			// issues present with no explicit non-success status still
			// reads as a clean run; only an explicit non-success status
			// downgrades to partial per §4.6.
			return ToolSuccess
		}
		return ToolSuccess
	default:
		if len(report.Issues) > 0 {
			return ToolPartial
		}
		return ToolFailed
	}
}

func truncateIssues(issues []interface{}, max int) []interface{} {
	if len(issues) <= max {
		return issues
	}
	out := make([]interface{}, 0, max+1)
	out = append(out, issues[:max]...)
	out = append(out, truncated(len(issues)-max))
	return out
}
