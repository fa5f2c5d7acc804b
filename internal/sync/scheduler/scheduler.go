// Package scheduler drives debounced and periodic drains of pending changes.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/omarels/haaq/backend/internal/errors"
	"github.com/omarels/haaq/backend/internal/logging"
	syncpkg "github.com/omarels/haaq/backend/internal/sync"
	"github.com/omarels/haaq/backend/internal/sync/queue"
)

// Scheduler coalesces change notifications into drains. A drain runs after
// the debounce window passes without new changes, on every tick of the
// fallback interval, and immediately when the device comes back online.
// Drains never overlap; a request during a drain causes one re-run after it.
type Scheduler struct {
	drainer        syncpkg.Drainer
	pending        *queue.PendingSet
	clock          clock.Clock
	debounceWindow time.Duration
	drainInterval  time.Duration
	drainTimeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	debounce       *clock.Timer
	debounceGen    uint64
	drainInFlight  bool
	rerunRequested bool
	lastDrainTime  time.Time
	lastErr        error
	drains         int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	DebounceWindow time.Duration `mapstructure:"debounce_window"` // quiet period before a drain (default: 2 seconds)
	DrainInterval  time.Duration `mapstructure:"drain_interval"`  // fallback drain interval (default: 30 seconds)
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`   // upper bound for one drain (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		DebounceWindow: 2 * time.Second,
		DrainInterval:  30 * time.Second,
		DrainTimeout:   5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. clk may be nil for the wall clock.
func NewScheduler(drainer syncpkg.Drainer, pending *queue.PendingSet, config *SchedulerConfig, clk clock.Clock) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Scheduler{
		drainer:        drainer,
		pending:        pending,
		clock:          clk,
		debounceWindow: config.DebounceWindow,
		drainInterval:  config.DrainInterval,
		drainTimeout:   config.DrainTimeout,
		isOnline:       true,
	}
}

// Start starts the fallback drain loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stopCh = make(chan struct{})
	ticker := s.clock.Ticker(s.drainInterval)
	s.wg.Add(1)
	s.mu.Unlock()

	go s.periodicDrainLoop(ticker)

	logging.Info("Sync scheduler started",
		map[string]interface{}{
			"debounce_ms":       s.debounceWindow.Milliseconds(),
			"drain_interval_ms": s.drainInterval.Milliseconds(),
		})
}

// Stop stops the scheduler, cancels an in-flight drain and waits for it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	close(s.stopCh)
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

// Schedule (re)arms the debounce timer. Called after every change; a burst
// of changes within the window produces a single drain. Ignored while
// offline or stopped.
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning || !s.isOnline {
		return
	}
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounceGen++
	gen := s.debounceGen
	s.debounce = s.clock.AfterFunc(s.debounceWindow, func() {
		s.debounceFired(gen)
	})
}

// debounceFired runs when the debounce timer of generation gen expires. A
// timer superseded by a later Schedule or cancelled by going offline may
// still fire if it was already running; it then does nothing.
func (s *Scheduler) debounceFired(gen uint64) bool {
	s.mu.Lock()
	if s.debounceGen != gen || s.debounce == nil {
		s.mu.Unlock()
		return false
	}
	s.debounce = nil
	s.mu.Unlock()
	return s.TriggerDrain()
}

// SetOnlineStatus changes the online status. Going online drains
// immediately; going offline cancels a pending debounce.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	if !isOnline && s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
		s.debounceGen++
	}
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}

	logging.Info("Online status changed",
		map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})

	if isOnline {
		s.TriggerDrain()
	}
}

// periodicDrainLoop runs the fallback drain on every tick.
func (s *Scheduler) periodicDrainLoop(ticker *clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				logging.Debug("Skipping drain - scheduler is offline", nil)
				continue
			}
			if s.pending.Len() == 0 {
				continue
			}
			s.TriggerDrain()
		}
	}
}

// TriggerDrain starts a drain in the background. It returns false when the
// request was folded into a drain already in flight, or when the scheduler
// is offline or stopped.
func (s *Scheduler) TriggerDrain() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning || !s.isOnline {
		return false
	}
	if s.drainInFlight {
		s.rerunRequested = true
		return false
	}

	s.drainInFlight = true
	s.wg.Add(1)
	go s.drainLoop()
	return true
}

// drainLoop runs drains until no re-run is requested.
func (s *Scheduler) drainLoop() {
	defer s.wg.Done()

	for {
		s.runDrain()

		s.mu.Lock()
		if s.rerunRequested && s.isRunning && s.isOnline && s.pending.Len() > 0 {
			s.rerunRequested = false
			s.mu.Unlock()
			continue
		}
		s.rerunRequested = false
		s.drainInFlight = false
		s.mu.Unlock()
		return
	}
}

func (s *Scheduler) runDrain() {
	ctx, cancel := context.WithTimeout(s.ctx, s.drainTimeout)
	defer cancel()

	result, err := s.drainer.Drain(ctx)

	s.mu.Lock()
	s.drains++
	s.lastErr = err
	if err == nil && !result.Skipped {
		s.lastDrainTime = s.clock.Now()
	}
	s.mu.Unlock()

	if err != nil {
		logging.ErrorWithCode("Scheduled drain failed", string(errors.CodeOf(err, errors.ErrSyncFailed)), err,
			map[string]interface{}{"pending": s.pending.Len()})
	}
}

// DrainNow drains synchronously, bypassing the debounce. It returns a
// skipped result while offline.
func (s *Scheduler) DrainNow(ctx context.Context) (*syncpkg.DrainResult, error) {
	if !s.IsOnline() {
		return &syncpkg.DrainResult{Skipped: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	result, err := s.drainer.Drain(ctx)

	s.mu.Lock()
	s.drains++
	s.lastErr = err
	if err == nil && !result.Skipped {
		s.lastDrainTime = s.clock.Now()
	}
	s.mu.Unlock()

	return result, err
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	IsRunning       bool
	IsOnline        bool
	LastDrainTime   *time.Time
	DrainInProgress bool
	DebouncePending bool
	Drains          int
	LastError       string
	PendingKeys     []string
	QueueStats      queue.Stats
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:       s.isRunning,
		IsOnline:        s.isOnline,
		DrainInProgress: s.drainInFlight,
		DebouncePending: s.debounce != nil,
		Drains:          s.drains,
	}
	if !s.lastDrainTime.IsZero() {
		t := s.lastDrainTime
		status.LastDrainTime = &t
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	s.mu.RUnlock()

	status.PendingKeys = s.pending.Keys()
	status.QueueStats = s.pending.Stats()
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
