// Package circuitbreaker fast-fails test steps for workspaces whose
// control node keeps erroring at the transport level, so a dead host does
// not cost a full playbook timeout per step.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

type workspaceState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

// CircuitBreaker tracks consecutive transport-level failures per workspace.
// Test failures (the playbook ran, the assertion failed) never trip it.
type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*workspaceState
	threshold int
	cooldown  time.Duration
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*workspaceState),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a step may run against the workspace.
func (cb *CircuitBreaker) Allow(workspaceID string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[workspaceID]
	if !ok {
		return nil
	}

	switch s.state {
	case stateClosed:
		return nil
	case stateOpen:
		if time.Since(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(workspaceID string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[workspaceID]
	if !ok {
		return
	}
	s.state = stateClosed
	s.consecutiveFailures = 0
}

func (cb *CircuitBreaker) RecordFailure(workspaceID string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[workspaceID]
	if !ok {
		s = &workspaceState{}
		cb.states[workspaceID] = s
	}

	s.consecutiveFailures++
	if s.consecutiveFailures >= cb.threshold {
		s.state = stateOpen
		s.openedAt = time.Now()
	}
}
