// Package shutdown runs registered cleanup steps in reverse order once the process is asked to stop.
package shutdown

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mstgnz/paygate/infra/logger"
)

// Func releases one resource within the deadline carried by ctx
type Func func(ctx context.Context) error

type step struct {
	name string
	fn   Func
}

// Manager collects cleanup steps
type Manager struct {
	timeout time.Duration
	mu      sync.Mutex
	steps   []step
}

// New creates a Manager. timeout bounds each step.
func New(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Manager{timeout: timeout}
}

// Add registers a step. Steps run last-in first-out.
func (m *Manager) Add(name string, fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// Wait blocks until ctx is done and then runs every step
func (m *Manager) Wait(ctx context.Context) error {
	<-ctx.Done()
	logger.Info("shutdown signal received, stopping")
	return m.Shutdown()
}

// Shutdown runs every registered step once, newest first, and joins their errors
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	steps := m.steps
	m.steps = nil
	m.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		started := time.Now()
		err := s.fn(ctx)
		cancel()

		lc := logger.LogContext{Fields: map[string]any{
			"step":        s.name,
			"duration_ms": time.Since(started).Milliseconds(),
		}}
		if err != nil {
			logger.Error("shutdown step failed", err, lc)
			errs = append(errs, err)
			continue
		}
		logger.Info("shutdown step completed", lc)
	}
	return errors.Join(errs...)
}

// HTTPServer returns a step that drains an http.Server
func HTTPServer(srv interface {
	Shutdown(context.Context) error
}) Func {
	return func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	}
}

// Closer returns a step for resources closed with Close() error
func Closer(c interface{ Close() error }) Func {
	return func(context.Context) error {
		return c.Close()
	}
}
