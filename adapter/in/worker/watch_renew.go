package worker

import (
	"context"
	"time"

	"triage_server/core/service/notification"
	"triage_server/pkg/logger"
)

// WatchRenewScheduler periodically renews provider push watches before they
// expire. Gmail watches live 7 days; sweeping twice a day with a 24h expiry
// slack renews each one comfortably inside its window.
type WatchRenewScheduler struct {
	subs     *notification.Manager
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	log      *logger.Logger
}

// NewWatchRenewScheduler creates the scheduler. A zero interval disables it;
// Start becomes a no-op.
func NewWatchRenewScheduler(subs *notification.Manager, interval time.Duration) *WatchRenewScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &WatchRenewScheduler{
		subs:     subs,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		log:      logger.Default().WithField("component", "watch_renew"),
	}
}

// Start launches the renewal loop.
func (s *WatchRenewScheduler) Start() {
	if s.interval <= 0 {
		s.log.Info("[WatchRenewScheduler] disabled")
		return
	}
	s.log.Info("[WatchRenewScheduler] starting with interval %v", s.interval)
	go s.run()
}

// Stop stops the scheduler.
func (s *WatchRenewScheduler) Stop() {
	s.cancel()
}

func (s *WatchRenewScheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Sweep once at startup so a long-stopped deployment recovers watches
	// without waiting a full interval.
	s.sweep()

	for {
		select {
		case <-s.ctx.Done():
			s.log.Info("[WatchRenewScheduler] stopped")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *WatchRenewScheduler) sweep() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	renewed, err := s.subs.RenewExpiring(ctx)
	if err != nil {
		s.log.Error("[WatchRenewScheduler] sweep failed: %v", err)
		return
	}
	if renewed > 0 {
		s.log.Info("[WatchRenewScheduler] renewed %d watches", renewed)
	}
}
