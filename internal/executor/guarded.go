package executor

import (
	"context"
	"fmt"

	"github.com/clusterforge/hatest/internal/circuitbreaker"
)

// Guarded wraps a TestExecutor with a per-workspace circuit breaker.
// Transport-level errors trip the breaker; test failures do not. While a
// workspace's circuit is open, steps fail fast instead of waiting out a
// playbook timeout against a dead control node.
type Guarded struct {
	inner   TestExecutor
	breaker *circuitbreaker.CircuitBreaker
}

func NewGuarded(inner TestExecutor, breaker *circuitbreaker.CircuitBreaker) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

func (g *Guarded) RunTest(ctx context.Context, req Request) (Result, error) {
	if err := g.breaker.Allow(req.WorkspaceID); err != nil {
		return Result{}, fmt.Errorf("workspace %s: %w", req.WorkspaceID, err)
	}

	result, err := g.inner.RunTest(ctx, req)
	if err != nil {
		g.breaker.RecordFailure(req.WorkspaceID)
		return result, err
	}

	g.breaker.RecordSuccess(req.WorkspaceID)
	return result, nil
}
