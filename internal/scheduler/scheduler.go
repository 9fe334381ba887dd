// Package scheduler runs the SLA escalation sweep.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"greenlight/internal/engine"
)

const (
	defaultInterval = time.Minute
	defaultBatch    = 100
)

// Escalator periodically asks the engine to escalate overdue steps. Several
// instances may run against the same database; the engine's per-step guard
// keeps each overdue step escalated once.
type Escalator struct {
	Engine   engine.Engine
	Logger   *zap.Logger
	Interval time.Duration
	Batch    int
}

// Run ticks until the context is cancelled.
func (s *Escalator) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one escalation sweep and returns the escalated step IDs.
func (s *Escalator) Tick(ctx context.Context) []string {
	batch := s.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	escalated, errs := s.Engine.EscalateOverdue(ctx, batch)
	for _, err := range errs {
		s.Logger.Warn("escalation sweep", zap.Error(err))
	}
	if len(escalated) > 0 {
		s.Logger.Info("escalated overdue steps", zap.Int("count", len(escalated)))
	}
	return escalated
}
