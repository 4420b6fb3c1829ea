package analyzer

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	pipelineerrs "github.com/orchestrix/pipeline/pkg/pipeline/errs"
)

// BreakingClient wraps Client with a per-service circuit breaker so a
// flapping analyzer container stops receiving new dispatches instead of
// timing out every in-flight job, the supplemented resilience feature
// SPEC_FULL.md adds on top of §4.5.
type BreakingClient struct {
	inner    *Client
	breakers map[Service]*gobreaker.CircuitBreaker
}

// NewBreakingClient builds one circuit breaker per known service. openAfter
// consecutive failures trip the breaker; it half-opens after cooldown.
func NewBreakingClient(inner *Client, services []Service, openAfter uint32, cooldown time.Duration) *BreakingClient {
	breakers := make(map[Service]*gobreaker.CircuitBreaker, len(services))
	for _, svc := range services {
		svc := svc
		breakers[svc] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    string(svc),
			Timeout: cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= openAfter
			},
		})
	}
	return &BreakingClient{inner: inner, breakers: breakers}
}

// RunTools routes through the service's breaker; an open breaker surfaces
// TransientFailure immediately without contacting the analyzer.
func (c *BreakingClient) RunTools(ctx context.Context, service Service, model string, appNumber int, tools []string, options map[string]interface{}) (NormalizedResult, error) {
	breaker, ok := c.breakers[service]
	if !ok {
		return c.inner.RunTools(ctx, service, model, appNumber, tools, options)
	}

	result, err := breaker.Execute(func() (interface{}, error) {
		return c.inner.RunTools(ctx, service, model, appNumber, tools, options)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return NormalizedResult{}, pipelineerrs.Transient("analyzer.breaker",
				fmt.Errorf("circuit open for %s: %w", service, err))
		}
		return NormalizedResult{}, err
	}
	return result.(NormalizedResult), nil
}

// Ping passes straight through to the inner client; a reachability probe
// does not trip or consume the circuit breaker.
func (c *BreakingClient) Ping(ctx context.Context, service Service) bool {
	return c.inner.Ping(ctx, service)
}

// State reports the current breaker state for service, used by the metrics
// collector's circuit breaker gauge.
func (c *BreakingClient) State(service Service) gobreaker.State {
	if breaker, ok := c.breakers[service]; ok {
		return breaker.State()
	}
	return gobreaker.StateClosed
}
