package certs

import (
	"context"
	"time"

	"github.com/hostwatch/hostwatch/internal/logger"
)

// maxSleep caps one scheduler sleep so clock drift and far-future
// certificates cannot park the loop for months.
const maxSleep = 32 * 24 * time.Hour

// RefreshScheduler wakes up when the nearest certificate approaches its
// renewal window, evicts expiring entries from the manager's cache and asks
// the controller to rebuild. Rebuilds re-hit the manager, which shifts the
// cached deadlines and signals the scheduler back through ExpiryChanged.
type RefreshScheduler struct {
	manager *Manager
	rebuild func()
	logger  logger.Logger
	stopCh  chan struct{}
}

// NewRefreshScheduler creates a refresh scheduler. rebuild is invoked after
// each eviction pass and must be safe to call from the scheduler goroutine.
func NewRefreshScheduler(manager *Manager, rebuild func(), log logger.Logger) *RefreshScheduler {
	return &RefreshScheduler{
		manager: manager,
		rebuild: rebuild,
		logger:  log,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the refresh loop.
func (rs *RefreshScheduler) Start(ctx context.Context) {
	go func() {
		for {
			sleep := rs.nextSleep()
			rs.logger.Debug("certificate refresh sleeping", logger.Duration("for", sleep))
			select {
			case <-time.After(sleep):
				rs.refresh()
			case <-rs.manager.ExpiryChanged():
				// deadline moved, recompute the sleep
			case <-rs.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the scheduler.
func (rs *RefreshScheduler) Stop() {
	close(rs.stopCh)
}

// nextSleep is the time until the nearest certificate enters its renewal
// window, capped at maxSleep.
func (rs *RefreshScheduler) nextSleep() time.Duration {
	next := rs.manager.NextExpiry()
	if next.IsZero() {
		return maxSleep
	}
	sleep := time.Until(next.Add(-rs.manager.Threshold()))
	if sleep < time.Second {
		sleep = time.Second
	}
	if sleep > maxSleep {
		sleep = maxSleep
	}
	return sleep
}

func (rs *RefreshScheduler) refresh() {
	evicted := rs.manager.EvictExpiring()
	if len(evicted) == 0 {
		return
	}
	rs.logger.Info("certificates due for renewal", logger.Strings("names", evicted))
	rs.rebuild()
}
