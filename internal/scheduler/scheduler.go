// Package scheduler implements the sync scheduler (spec §4.o): a
// single-threaded debouncer that decides when to fire a sync run based
// on four thresholds (debounce delay, max wait time, max pending count,
// min sync interval) plus an explicit force path and a running guard.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config holds the scheduler's four thresholds.
type Config struct {
	// DebounceDelay is how long to wait after the latest Trigger before
	// firing.
	DebounceDelay time.Duration
	// MaxWaitTime is the absolute cap, measured from the first Trigger
	// of the current window, that forces a fire regardless of further
	// triggers.
	MaxWaitTime time.Duration
	// MaxPendingCount is the number of Trigger calls since the last
	// fire that forces an immediate fire.
	MaxPendingCount int
	// MinSyncInterval is the minimum gap after a fire's completion
	// before another fire is allowed to start; a fire demanded sooner
	// is deferred, not dropped.
	MinSyncInterval time.Duration
}

// SyncFunc performs one sync run. Its error is logged; the scheduler
// does not retry on failure, it simply allows the next demand to fire.
type SyncFunc func(ctx context.Context) error

// Scheduler debounces Trigger calls into SyncFunc invocations under
// Config's thresholds. Create with New, start the loop with Run in its
// own goroutine, and call Trigger/ForceSync/Stop from any goroutine.
type Scheduler struct {
	cfg    Config
	syncFn SyncFunc
	logger *slog.Logger

	mu             sync.Mutex
	pendingCount   int
	forceRequested bool
	windowStart    time.Time
	lastFireEnd    time.Time
	running        bool

	notify    chan struct{}
	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New creates a Scheduler that invokes syncFn under cfg's thresholds.
func New(logger *slog.Logger, cfg Config, syncFn SyncFunc) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		syncFn:    syncFn,
		logger:    logger,
		notify:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Trigger registers one demand for a sync run. It is debounced,
// coalesced with other pending triggers, and fires no sooner than
// DebounceDelay after the most recent call (subject to MaxWaitTime and
// MaxPendingCount forcing an earlier fire).
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	s.pendingCount++

	if s.windowStart.IsZero() {
		s.windowStart = time.Now()
	}
	s.mu.Unlock()

	s.signal()
}

// ForceSync demands an immediate fire, ignoring the debounce window
// (but not MinSyncInterval, and not while a run is already in
// progress — the running guard still applies).
func (s *Scheduler) ForceSync() {
	s.mu.Lock()
	s.forceRequested = true
	s.mu.Unlock()

	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Stop clears all timers and ends the Run loop, blocking until it has
// exited.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.stoppedCh
}

// Run drives the scheduler loop until ctx is canceled or Stop is
// called. Intended to be started in its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.stoppedCh)

	debounceTimer := time.NewTimer(s.cfg.DebounceDelay)
	stopAndDrain(debounceTimer)

	maxWaitTimer := time.NewTimer(s.cfg.MaxWaitTime)
	stopAndDrain(maxWaitTimer)

	minIntervalTimer := time.NewTimer(time.Hour)
	stopAndDrain(minIntervalTimer)

	defer debounceTimer.Stop()
	defer maxWaitTimer.Stop()
	defer minIntervalTimer.Stop()

	debounceActive, maxWaitActive, minIntervalActive := false, false, false
	runDone := make(chan error, 1)

	attemptFire := func(force bool) {
		s.mu.Lock()

		if s.running {
			s.mu.Unlock()
			return
		}

		var wait time.Duration

		if !s.lastFireEnd.IsZero() {
			if elapsed := time.Since(s.lastFireEnd); elapsed < s.cfg.MinSyncInterval {
				wait = s.cfg.MinSyncInterval - elapsed
			}
		}

		if wait > 0 {
			s.mu.Unlock()

			if minIntervalActive {
				stopAndDrain(minIntervalTimer)
			}
			minIntervalTimer.Reset(wait)
			minIntervalActive = true

			s.logger.Debug("sync fire deferred by min sync interval", "wait", wait, "forced", force)

			return
		}

		s.pendingCount = 0
		s.forceRequested = false
		s.windowStart = time.Time{}
		s.running = true
		s.mu.Unlock()

		if debounceActive {
			stopAndDrain(debounceTimer)
			debounceActive = false
		}

		if maxWaitActive {
			stopAndDrain(maxWaitTimer)
			maxWaitActive = false
		}

		s.logger.Info("sync fire", "forced", force)

		go func() {
			err := s.syncFn(ctx)
			select {
			case runDone <- err:
			case <-ctx.Done():
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.stopCh:
			return

		case <-s.notify:
			s.mu.Lock()
			running := s.running
			pending := s.pendingCount
			forced := s.forceRequested
			s.mu.Unlock()

			if running {
				// Collected in s.pendingCount/s.forceRequested; the
				// runDone handler re-evaluates once the run ends.
				continue
			}

			if forced {
				attemptFire(true)
				continue
			}

			if pending == 0 {
				continue
			}

			if pending >= s.cfg.MaxPendingCount {
				attemptFire(false)
				continue
			}

			stopAndDrain(debounceTimer)
			debounceTimer.Reset(s.cfg.DebounceDelay)
			debounceActive = true

			if !maxWaitActive {
				maxWaitTimer.Reset(s.cfg.MaxWaitTime)
				maxWaitActive = true
			}

		case <-debounceTimer.C:
			debounceActive = false
			attemptFire(false)

		case <-maxWaitTimer.C:
			maxWaitActive = false
			attemptFire(false)

		case <-minIntervalTimer.C:
			minIntervalActive = false
			attemptFire(false)

		case err := <-runDone:
			s.mu.Lock()
			s.running = false
			s.lastFireEnd = time.Now()
			pending := s.pendingCount
			forced := s.forceRequested
			s.mu.Unlock()

			if err != nil {
				s.logger.Error("sync run failed", "error", err)
			} else {
				s.logger.Debug("sync run completed")
			}

			if pending > 0 || forced {
				attemptFire(forced)
			}
		}
	}
}

// stopAndDrain stops t and drains a pending fire if Stop raced with it,
// so a subsequent Reset starts from a clean channel.
func stopAndDrain(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
