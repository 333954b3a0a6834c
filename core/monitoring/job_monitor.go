package monitoring

import (
	"context"
	"log/slog"
	"time"
)

// Retirer drops terminal jobs that outlived the retention window
type Retirer interface {
	RetireExpired(ctx context.Context, now time.Time) int
}

// JobMonitor periodically retires finished jobs from memory
type JobMonitor struct {
	retirer  Retirer
	interval time.Duration
	logger   *slog.Logger
}

// NewJobMonitor creates a new job monitor
func NewJobMonitor(retirer Retirer, interval time.Duration, logger *slog.Logger) *JobMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &JobMonitor{retirer: retirer, interval: interval, logger: logger}
}

// Start runs the retention sweep until ctx ends
func (jm *JobMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(jm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			jm.Sweep(ctx, now)
		}
	}
}

// Sweep retires expired jobs once
func (jm *JobMonitor) Sweep(ctx context.Context, now time.Time) int {
	n := jm.retirer.RetireExpired(ctx, now)
	if n > 0 {
		jm.logger.Info("retired finished jobs", "count", n)
	}
	return n
}
