// Package scheduler writes automatic backups on a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/omarels/haaq/backend/internal/export"
	"github.com/omarels/haaq/backend/internal/logging"
)

// BackupInterval defines the scheduling frequency.
type BackupInterval string

const (
	IntervalManual  BackupInterval = "manual"
	IntervalDaily   BackupInterval = "daily"
	IntervalWeekly  BackupInterval = "weekly"
	IntervalMonthly BackupInterval = "monthly"
)

// SchedulerConfig holds the backup scheduler configuration.
type SchedulerConfig struct {
	Interval       BackupInterval `mapstructure:"interval"`
	RetentionCount int            `mapstructure:"retention_count"` // 0 = unlimited
	Dir            string         `mapstructure:"dir"`
	Password       string         `mapstructure:"password"` // empty = no encryption
}

// DefaultSchedulerConfig returns a manual (disabled) schedule keeping 7 backups.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Interval:       IntervalManual,
		RetentionCount: 7,
		Dir:            "backups",
	}
}

// Scheduler manages automatic backups.
type Scheduler struct {
	exporter export.Exporter
	config   *SchedulerConfig
	clock    clock.Clock

	ticker *clock.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	runs    int
	lastRun time.Time
	lastErr error
}

// NewScheduler creates a new backup scheduler. A nil clock uses wall time.
func NewScheduler(exporter export.Exporter, config *SchedulerConfig, clk clock.Clock) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.Dir == "" {
		config.Dir = "backups"
	}
	if config.RetentionCount < 0 {
		config.RetentionCount = 0
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Scheduler{
		exporter: exporter,
		config:   config,
		clock:    clk,
	}
}

// Start performs an initial backup and then one per interval.
// In manual mode it does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.config.Interval == IntervalManual {
		logging.Info("Backup scheduler in manual mode, automatic backups disabled", nil)
		return nil
	}

	dur, err := IntervalDuration(s.config.Interval)
	if err != nil {
		return fmt.Errorf("invalid interval: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.ticker = s.clock.Ticker(dur)

	logging.Info("Backup scheduler started", map[string]interface{}{
		"interval":        string(s.config.Interval),
		"retention_count": s.config.RetentionCount,
		"dir":             s.config.Dir,
	})

	s.wg.Add(1)
	go s.loop(ctx, s.ticker, s.stopCh)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, ticker *clock.Ticker, stopCh chan struct{}) {
	defer s.wg.Done()

	if err := s.RunNow(); err != nil {
		logging.Error("Initial backup failed", err)
	}

	for {
		select {
		case <-ticker.C:
			if err := s.RunNow(); err != nil {
				logging.Error("Scheduled backup failed", err)
			}
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop shuts down the scheduler and waits for a running backup to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.ticker.Stop()
	s.mu.Unlock()

	s.wg.Wait()
	logging.Info("Backup scheduler stopped", nil)
}

// IsRunning reports whether automatic backups are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunNow writes one backup and applies the retention policy.
func (s *Scheduler) RunNow() error {
	result, err := s.exporter.WriteFile(s.config.Dir, s.config.Password)

	s.mu.Lock()
	s.runs++
	s.lastRun = s.clock.Now()
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}

	logging.Info("Backup completed", map[string]interface{}{
		"file":       result.FilePath,
		"size_bytes": result.SizeBytes,
		"encrypted":  result.Encrypted,
	})

	if s.config.RetentionCount > 0 {
		if err := s.applyRetentionPolicy(); err != nil {
			// The backup itself succeeded.
			logging.Error("Backup retention failed", err)
		}
	}
	return nil
}

// Status describes the scheduler state.
type Status struct {
	Running bool
	Runs    int
	LastRun time.Time
	LastErr error
}

// GetStatus returns the scheduler state.
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Running: s.running, Runs: s.runs, LastRun: s.lastRun, LastErr: s.lastErr}
}

// GetConfig returns the current scheduler configuration.
func (s *Scheduler) GetConfig() *SchedulerConfig {
	return s.config
}

// IntervalDuration converts an interval to a time.Duration.
func IntervalDuration(interval BackupInterval) (time.Duration, error) {
	switch interval {
	case IntervalDaily:
		return 24 * time.Hour, nil
	case IntervalWeekly:
		return 7 * 24 * time.Hour, nil
	case IntervalMonthly:
		// Approximate as 30 days
		return 30 * 24 * time.Hour, nil
	case IntervalManual:
		return 0, fmt.Errorf("manual interval has no duration")
	default:
		return 0, fmt.Errorf("unknown interval: %s", interval)
	}
}

// applyRetentionPolicy removes the oldest backups beyond the retention count.
func (s *Scheduler) applyRetentionPolicy() error {
	backups, err := export.ListBackups(s.config.Dir)
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	if len(backups) <= s.config.RetentionCount {
		return nil
	}

	for _, b := range backups[:len(backups)-s.config.RetentionCount] {
		if err := os.Remove(b.Path); err != nil {
			logging.Error("Failed to delete old backup", err, map[string]interface{}{"path": b.Path})
			continue
		}
		logging.Info("Deleted old backup", map[string]interface{}{"path": b.Path})
	}
	return nil
}
