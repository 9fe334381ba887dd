// Package notify drains the notification outbox. Engine transactions queue
// notification rows; the dispatcher delivers them asynchronously so a slow
// or failing channel never blocks an approval.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"greenlight/internal/domain"
	"greenlight/internal/repo"
)

const (
	defaultInterval    = 2 * time.Second
	defaultBatch       = 100
	defaultMaxAttempts = 5
)

// Sink delivers one notification. Implementations decide the channel:
// email, chat, push. A returned error requeues the notification until the
// attempt limit marks it failed.
type Sink interface {
	Deliver(ctx context.Context, n domain.Notification) error
}

// LogSink writes notifications to the log. The default when no real
// channel is configured; keeps the outbox draining in development.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Deliver(_ context.Context, n domain.Notification) error {
	s.Logger.Info("notification",
		zap.String("recipient", n.RecipientID),
		zap.String("kind", n.Kind),
		zap.String("subject", n.Subject))
	return nil
}

type Dispatcher struct {
	Repo        repo.Repo
	Sink        Sink
	Logger      *zap.Logger
	Interval    time.Duration
	Batch       int
	MaxAttempts int
	Now         func() time.Time
}

// Run drains the outbox on a fixed interval until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DrainOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DrainOnce delivers one batch of queued notifications and returns how many
// were sent.
func (d *Dispatcher) DrainOnce(ctx context.Context) int {
	batch := d.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	queued, err := d.Repo.QueuedNotifications(ctx, batch)
	if err != nil {
		d.Logger.Warn("notify: fetch queue failed", zap.Error(err))
		return 0
	}
	sent := 0
	for _, n := range queued {
		if err := d.Sink.Deliver(ctx, n); err != nil {
			d.Logger.Warn("notify: deliver failed",
				zap.String("id", n.ID),
				zap.String("kind", n.Kind),
				zap.Error(err))
			if ferr := d.Repo.MarkNotificationFailed(ctx, n.ID, d.maxAttempts()); ferr != nil {
				d.Logger.Warn("notify: mark failed", zap.String("id", n.ID), zap.Error(ferr))
			}
			continue
		}
		if err := d.Repo.MarkNotificationSent(ctx, n.ID, d.nowRFC()); err != nil {
			d.Logger.Warn("notify: mark sent", zap.String("id", n.ID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

func (d *Dispatcher) maxAttempts() int {
	if d.MaxAttempts > 0 {
		return d.MaxAttempts
	}
	return defaultMaxAttempts
}

func (d *Dispatcher) nowRFC() string {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	return now().UTC().Format(time.RFC3339)
}
