package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mstgnz/paygate/infra/logger"
	"github.com/robfig/cron/v3"
)

const sweepBatch = 100

// Sweeper periodically expires transactions that never got a result
type Sweeper struct {
	cron       *cron.Cron
	reconciler *Reconciler
	schedule   string
	timeout    time.Duration

	mu      sync.Mutex
	running bool
}

// NewSweeper builds a Sweeper for schedule, a standard cron expression or a descriptor like "@every 1m"
func NewSweeper(r *Reconciler, schedule string) (*Sweeper, error) {
	if schedule == "" {
		schedule = "@every 1m"
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return &Sweeper{
		cron:       cron.New(),
		reconciler: r,
		schedule:   schedule,
		timeout:    30 * time.Second,
	}, nil
}

// Start registers the sweep job and starts the scheduler
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.tick); err != nil {
		return err
	}
	s.cron.Start()
	logger.Info("expiry sweeper started", logger.LogContext{Fields: map[string]any{"schedule": s.schedule}})
	return nil
}

// Stop halts the scheduler. The returned context is done once a running sweep finishes.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Sweeper) tick() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		logger.Debug("previous sweep still running, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.RunOnce(ctx); err != nil {
		logger.Error("expiry sweep finished with errors", err)
	}
}

// RunOnce sweeps every overdue transaction in batches and returns how many were settled
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	now := s.reconciler.now()
	total := 0
	for {
		settled, err := s.reconciler.ExpireOverdue(ctx, now, sweepBatch)
		total += settled
		if err != nil {
			return total, err
		}
		// a short batch, or one where nothing moved, means the rest is waiting on the gateway
		if settled < sweepBatch {
			break
		}
	}

	if total > 0 {
		logger.Info("expiry sweep settled transactions", logger.LogContext{Fields: map[string]any{"settled": total}})
	}
	return total, nil
}
