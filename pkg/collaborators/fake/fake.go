// Package fake provides in-memory GenerationService and ContainerManager
// implementations for exercising the orchestrator engine without real
// generative models or Docker containers.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/orchestrix/pipeline/pkg/collaborators"
)

// GenerationService is a scriptable collaborators.GenerationService. Failures
// and app numbers are assigned deterministically per model so tests can
// assert on allocation behavior.
type GenerationService struct {
	mu        sync.Mutex
	nextApp   map[string]int
	FailModel map[string]bool // models that always fail generation
}

func NewGenerationService() *GenerationService {
	return &GenerationService{nextApp: map[string]int{}, FailModel: map[string]bool{}}
}

func (g *GenerationService) GenerateFullApp(ctx context.Context, model, templateID string) (collaborators.GenerationOutcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.FailModel[model] {
		return collaborators.GenerationOutcome{Success: false, Error: "generation failed"}, nil
	}

	g.nextApp[model]++
	return collaborators.GenerationOutcome{Success: true, AppNumber: g.nextApp[model]}, nil
}

// ContainerManager records every lifecycle call it receives; none of them
// actually touch Docker.
type ContainerManager struct {
	mu              sync.Mutex
	StartedApps     map[string]int
	StoppedApps     map[string]int
	StartedAnalyzer map[string]int
	StoppedAnalyzer map[string]int
	FailAnalyzer    map[string]bool
}

func NewContainerManager() *ContainerManager {
	return &ContainerManager{
		StartedApps:     map[string]int{},
		StoppedApps:     map[string]int{},
		StartedAnalyzer: map[string]int{},
		StoppedAnalyzer: map[string]int{},
		FailAnalyzer:    map[string]bool{},
	}
}

func (c *ContainerManager) StartApp(ctx context.Context, model string, appNumber int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StartedApps[key(model, appNumber)]++
	return nil
}

func (c *ContainerManager) StopApp(ctx context.Context, model string, appNumber int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StoppedApps[key(model, appNumber)]++
	return nil
}

func (c *ContainerManager) EnsureAnalyzer(ctx context.Context, service string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailAnalyzer[service] {
		return fmt.Errorf("analyzer %s unavailable", service)
	}
	c.StartedAnalyzer[service]++
	return nil
}

func (c *ContainerManager) StopAnalyzer(ctx context.Context, service string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StoppedAnalyzer[service]++
	return nil
}

func key(model string, appNumber int) string {
	return fmt.Sprintf("%s/%d", model, appNumber)
}
