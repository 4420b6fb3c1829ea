package analyzer

import (
	"fmt"
	"sort"

	pipelineerrs "github.com/orchestrix/pipeline/pkg/pipeline/errs"
)

// Service is one of the four analyzer service kinds the pipeline dispatches
// tool groups to.
type Service string

const (
	ServiceStatic      Service = "static-analyzer"
	ServiceDynamic     Service = "dynamic-analyzer"
	ServicePerformance Service = "performance-tester"
	ServiceAI          Service = "ai-analyzer"
)

// ToolRegistry is the single immutable source of truth for canonical tool
// names, their owning service, and alias resolution, replacing the "dynamic
// tool registry with alias patches in many places" anti-pattern the design
// notes call out.
type ToolRegistry struct {
	serviceOf map[string]Service
	aliases   map[string]string
}

// NewToolRegistry builds a registry from a canonical tool -> service map and
// an alias -> canonical map. Both are copied so the registry is immutable
// after construction.
func NewToolRegistry(serviceOf map[string]Service, aliases map[string]string) *ToolRegistry {
	r := &ToolRegistry{
		serviceOf: make(map[string]Service, len(serviceOf)),
		aliases:   make(map[string]string, len(aliases)),
	}
	for k, v := range serviceOf {
		r.serviceOf[k] = v
	}
	for k, v := range aliases {
		r.aliases[k] = v
	}
	return r
}

// DefaultToolRegistry returns the registry seeded with the canonical tool
// set this orchestrator ships with out of the box.
func DefaultToolRegistry() *ToolRegistry {
	return NewToolRegistry(
		map[string]Service{
			"bandit":    ServiceStatic,
			"semgrep":   ServiceStatic,
			"eslint":    ServiceStatic,
			"zap":       ServiceDynamic,
			"nikto":     ServiceDynamic,
			"locust":    ServicePerformance,
			"k6":        ServicePerformance,
			"gpt-audit": ServiceAI,
		},
		map[string]string{
			"zap-baseline": "zap",
			"zap-full":     "zap",
			"js-lint":      "eslint",
		},
	)
}

// Resolve maps a caller-supplied tool name (canonical or alias) to its
// canonical form, or returns ConfigurationError for an unknown name.
func (r *ToolRegistry) Resolve(name string) (string, error) {
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	if _, ok := r.serviceOf[name]; !ok {
		return "", pipelineerrs.Configuration("analyzer.resolve", fmt.Errorf("unknown tool %q", name))
	}
	return name, nil
}

// ServiceFor returns the owning service of a canonical tool name.
func (r *ToolRegistry) ServiceFor(canonical string) (Service, error) {
	svc, ok := r.serviceOf[canonical]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", canonical)
	}
	return svc, nil
}

// ListByService returns every canonical tool name owned by service, sorted.
func (r *ToolRegistry) ListByService(service Service) []string {
	var out []string
	for tool, svc := range r.serviceOf {
		if svc == service {
			out = append(out, tool)
		}
	}
	sort.Strings(out)
	return out
}

// GroupByService resolves every tool name (canonical or alias), fails fast
// with a ConfigurationError on the first unknown one, and groups the
// resolved canonical names by their owning service for §4.5 step 1.
func (r *ToolRegistry) GroupByService(tools []string) (map[Service][]string, error) {
	groups := make(map[Service][]string)
	for _, t := range tools {
		canonical, err := r.Resolve(t)
		if err != nil {
			return nil, err
		}
		svc, err := r.ServiceFor(canonical)
		if err != nil {
			return nil, err
		}
		groups[svc] = append(groups[svc], canonical)
	}
	return groups, nil
}
