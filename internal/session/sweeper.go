package session

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically removes expired sessions from a server-side store.
type Sweeper struct {
	store    ExpiredDeleter
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. A non-positive interval uses DefaultSweepInterval.
func NewSweeper(store ExpiredDeleter, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Session sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.store.DeleteExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("Failed to delete expired sessions", "error", err)
		}
		return
	}
	if n > 0 {
		s.logger.Info("Deleted expired sessions", "count", n)
	}
}
