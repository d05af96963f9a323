// SPDX-License-Identifier: MIT

// Package health aggregates backend reachability checks for the health
// endpoint and the readiness probe.
package health

import (
	"context"
	"sync"
	"time"
)

const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Checker probes one backend.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to the Checker interface.
type CheckFunc struct {
	CheckerName string
	Fn          func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.CheckerName }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// Manager runs the registered checkers concurrently with a shared deadline.
type Manager struct {
	checkers []Checker
	timeout  time.Duration
}

// NewManager creates a manager; timeout bounds one whole probe round.
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Manager{timeout: timeout}
}

// Register adds a checker. Not safe to call after the first Run.
func (m *Manager) Register(c Checker) {
	m.checkers = append(m.checkers, c)
}

// Run probes every backend and returns per-backend status strings plus the
// overall verdict.
func (m *Manager) Run(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	results := make(map[string]string, len(m.checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	healthy := true

	for _, c := range m.checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			err := c.Check(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[c.Name()] = StatusDisconnected
				healthy = false
				return
			}
			results[c.Name()] = StatusConnected
		}(c)
	}
	wg.Wait()
	return results, healthy
}
