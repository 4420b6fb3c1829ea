// Package analyzer talks to the four analyzer containers over HTTP and
// normalizes their responses into the flat envelope the pipeline persists.
package analyzer

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	pipelineerrs "github.com/orchestrix/pipeline/pkg/pipeline/errs"
)

// request is the wire envelope §6.2 specifies for a tool-group dispatch.
type request struct {
	Command   string                 `json:"command"`
	Service   string                 `json:"service"`
	Model     string                 `json:"model"`
	AppNumber int                    `json:"app_number"`
	Tools     []string               `json:"tools"`
	Options   map[string]interface{} `json:"options,omitempty"`
}

// Client dispatches a tool group to a single analyzer service and normalizes
// the result, per §4.5/§4.6.
type Client struct {
	http           *resty.Client
	baseURLs       map[Service]string
	fullRawOutputs bool
	maxIssues      int
}

// New builds a Client whose per-service base URLs are resolved by the
// caller; timeout bounds every HTTP round trip below the job-level deadline
// the orchestrator enforces separately.
func New(baseURLs map[Service]string, timeout time.Duration, fullRawOutputs bool, maxIssues int) *Client {
	return &Client{
		http:           resty.New().SetTimeout(timeout),
		baseURLs:       baseURLs,
		fullRawOutputs: fullRawOutputs,
		maxIssues:      maxIssues,
	}
}

// RunTools dispatches tools (all owned by service) against model/appNumber
// and returns the normalized result. A non-2xx response or transport error
// is surfaced as TransientFailure so the caller can retry the job.
func (c *Client) RunTools(ctx context.Context, service Service, model string, appNumber int, tools []string, options map[string]interface{}) (NormalizedResult, error) {
	baseURL, ok := c.baseURLs[service]
	if !ok {
		return NormalizedResult{}, pipelineerrs.Configuration("analyzer.run_tools",
			fmt.Errorf("no base URL configured for service %q", service))
	}

	body := request{
		Command:   "analyze",
		Service:   string(service),
		Model:     model,
		AppNumber: appNumber,
		Tools:     tools,
		Options:   options,
	}

	start := time.Now()
	var raw RawResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&raw).
		Post(baseURL + "/execute")
	elapsed := time.Since(start)

	if err != nil {
		return NormalizedResult{}, pipelineerrs.Transient("analyzer.run_tools",
			fmt.Errorf("calling %s: %w", service, err))
	}
	if resp.IsError() {
		return NormalizedResult{}, pipelineerrs.Transient("analyzer.run_tools",
			fmt.Errorf("%s returned %s", service, resp.Status()))
	}

	return Normalize(raw, tools, elapsed, c.fullRawOutputs, c.maxIssues), nil
}

// Ping checks reachability of service's /health endpoint, the probe
// HealthCache uses to back isHealthy.
func (c *Client) Ping(ctx context.Context, service Service) bool {
	baseURL, ok := c.baseURLs[service]
	if !ok {
		return false
	}
	resp, err := c.http.R().SetContext(ctx).Get(baseURL + "/health")
	return err == nil && resp.IsSuccess()
}
